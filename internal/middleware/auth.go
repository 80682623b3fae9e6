// Package middleware carries the HTTP credential guard. Every guarded
// route reads the apikey header and resolves it through the two-tier
// verifier before the handler runs.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/auth"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
)

// HeaderAPIKey is the credential header checked on every guarded route.
const HeaderAPIKey = "apikey"

type contextKey string

const credentialContextKey contextKey = "credential"

// Credential is what a passed guard leaves on the request context.
type Credential struct {
	Tier     auth.Tier
	Instance *database.Instance
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func deny(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"detail": apperr.Public(err)})
}

// RequireAPIKey guards routes that operate on a single instance named in
// the URL, or on no instance at all. The global key always passes; an
// instance token passes only for its own instance.
func RequireAPIKey(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return guard(verifier, false)
}

// RequireAdminKey guards routes that accept the global key exclusively.
func RequireAdminKey(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return guard(verifier, true)
}

func guard(verifier *auth.Verifier, adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(HeaderAPIKey)
			instanceName := chi.URLParam(r, "name")

			tier, inst, err := verifier.Authorize(presented, instanceName, adminOnly)
			if err != nil {
				deny(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), credentialContextKey, &Credential{
				Tier:     tier,
				Instance: inst,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCredential returns the credential the guard attached, or nil when the
// route was not guarded.
func GetCredential(r *http.Request) *Credential {
	cred, _ := r.Context().Value(credentialContextKey).(*Credential)
	return cred
}
