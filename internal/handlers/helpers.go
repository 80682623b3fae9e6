package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/logutil"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeAppError maps a classified error onto the response. Internal detail
// goes to the log, never to the caller.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		log.Printf("%s %s: %v", r.Method, logutil.SanitizeForLog(r.URL.Path), err)
	}
	writeError(w, apperr.HTTPStatus(err), apperr.Public(err))
}
