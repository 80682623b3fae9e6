package auth

import (
	"crypto/subtle"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
)

// SafeCompare reports whether two secrets are equal without leaking where
// the first differing byte sits. When lengths differ it still burns a full
// comparison against a zero-filled buffer of the presented length, so the
// mismatch costs the same as a same-length failure.
func SafeCompare(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	a := []byte(presented)
	b := []byte(expected)
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare(a, dummy)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Tier is the authorization level a verified credential carries.
type Tier int

const (
	TierNone Tier = iota
	TierInstance
	TierAdmin
)

// Verifier implements the two-tier credential policy: the global key
// authorizes as administrator; an instance token authorizes only for the
// instance that owns it. Every path that does not positively match ends
// unauthorized.
type Verifier struct {
	GlobalKey string

	// LookupByName and LookupByToken default to the database helpers;
	// tests swap them out.
	LookupByName  func(name string) (*database.Instance, error)
	LookupByToken func(token string) (*database.Instance, error)
}

func NewVerifier(globalKey string) *Verifier {
	return &Verifier{
		GlobalKey:     globalKey,
		LookupByName:  database.GetInstanceByName,
		LookupByToken: database.GetInstanceByToken,
	}
}

// Authorize verifies the presented secret for a request scoped to
// instanceName (empty when no single instance is implicated).
// adminOnly marks operations that accept the global key exclusively.
// On success it returns the tier and, for instance-tier matches, the
// instance the token belongs to.
func (v *Verifier) Authorize(presented, instanceName string, adminOnly bool) (Tier, *database.Instance, error) {
	if presented == "" {
		return TierNone, nil, apperr.New(apperr.Unauthorized, "Unauthorized")
	}

	if v.GlobalKey != "" && SafeCompare(presented, v.GlobalKey) {
		return TierAdmin, nil, nil
	}

	if adminOnly {
		return TierNone, nil, apperr.New(apperr.Forbidden, "Global API key required")
	}

	if instanceName != "" {
		inst, err := v.LookupByName(instanceName)
		if err != nil || inst == nil {
			// Do not reveal whether the name exists; the credential did
			// not match anything the caller is allowed to know about.
			return TierNone, nil, apperr.New(apperr.Unauthorized, "Unauthorized")
		}
		if inst.Token != "" && SafeCompare(presented, inst.Token) {
			return TierInstance, inst, nil
		}
		return TierNone, nil, apperr.New(apperr.Unauthorized, "Unauthorized")
	}

	// Token-only lookup: authorize as whichever instance holds this token.
	inst, err := v.LookupByToken(presented)
	if err == nil && inst != nil {
		return TierInstance, inst, nil
	}
	return TierNone, nil, apperr.New(apperr.Unauthorized, "Unauthorized")
}
