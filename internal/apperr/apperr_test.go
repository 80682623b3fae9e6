package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Upstream, http.StatusBadGateway},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(New(tc.kind, "x")); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}

	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("unclassified error should map to 500, got %d", got)
	}
}

func TestPublicCollapsesInternalOnly(t *testing.T) {
	if got := Public(Wrap(Internal, "db exploded", errors.New("sql: broken"))); got != "Internal server error" {
		t.Errorf("internal detail leaked: %q", got)
	}
	if got := Public(New(Validation, "Token must be at least 8 characters long")); got != "Token must be at least 8 characters long" {
		t.Errorf("validation message lost: %q", got)
	}
	if got := Public(New(Upstream, "Failed to generate pairing code")); got != "Failed to generate pairing code" {
		t.Errorf("upstream message lost: %q", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(Upstream, "connection attempt failed", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !Is(err, Upstream) {
		t.Error("kind lost through wrap")
	}
	// Kind survives another layer of wrapping too.
	outer := fmt.Errorf("handler: %w", err)
	if KindOf(outer) != Upstream {
		t.Errorf("kind lost through fmt wrap: %v", KindOf(outer))
	}
}
