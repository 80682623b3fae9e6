package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
)

func TestSafeCompare(t *testing.T) {
	cases := []struct {
		name      string
		presented string
		expected  string
		want      bool
	}{
		{"equal", "SECRET-TOKEN", "SECRET-TOKEN", true},
		{"different same length", "SECRET-TOKEN", "SECRET-TOKEX", false},
		{"different length", "SECRET", "SECRET-TOKEN", false},
		{"empty presented", "", "SECRET", false},
		{"empty expected", "SECRET", "", false},
		{"both empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeCompare(tc.presented, tc.expected); got != tc.want {
				t.Errorf("SafeCompare(%q, %q) = %v, want %v", tc.presented, tc.expected, got, tc.want)
			}
		})
	}
}

func TestSafeCompareTimingUnaffectedByMismatchPosition(t *testing.T) {
	secret := strings.Repeat("A", 64)
	early := "B" + strings.Repeat("A", 63)
	late := strings.Repeat("A", 63) + "B"

	measure := func(candidate string) time.Duration {
		const iterations = 20000
		start := time.Now()
		for i := 0; i < iterations; i++ {
			if SafeCompare(candidate, secret) {
				t.Fatal("mismatched secrets compared equal")
			}
		}
		return time.Since(start)
	}

	// warm up
	measure(early)
	measure(late)

	tEarly := measure(early)
	tLate := measure(late)

	// A comparison that bails at the first differing byte would finish
	// orders of magnitude faster for the early mismatch. The bound is
	// loose to stay stable under scheduler noise.
	ratio := float64(tEarly) / float64(tLate)
	if ratio < 0.5 || ratio > 2.0 {
		t.Errorf("comparison time depends on mismatch position: early=%v late=%v ratio=%.2f", tEarly, tLate, ratio)
	}
}

func testVerifier() *Verifier {
	sales := &database.Instance{ID: "id-1", Name: "sales", Token: "SALES-TOKEN-123"}
	return &Verifier{
		GlobalKey: "GLOBAL-KEY-XYZ",
		LookupByName: func(name string) (*database.Instance, error) {
			if name == "sales" {
				return sales, nil
			}
			return nil, errors.New("not found")
		},
		LookupByToken: func(token string) (*database.Instance, error) {
			if token == "SALES-TOKEN-123" {
				return sales, nil
			}
			return nil, nil
		},
	}
}

func TestAuthorizeGlobalKey(t *testing.T) {
	v := testVerifier()

	tier, inst, err := v.Authorize("GLOBAL-KEY-XYZ", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != TierAdmin || inst != nil {
		t.Errorf("expected admin tier, got %v %v", tier, inst)
	}

	// Global key works on instance-scoped requests too.
	tier, _, err = v.Authorize("GLOBAL-KEY-XYZ", "sales", false)
	if err != nil || tier != TierAdmin {
		t.Errorf("global key on scoped request: tier %v err %v", tier, err)
	}
}

func TestAuthorizeAdminOnlyRejectsInstanceToken(t *testing.T) {
	v := testVerifier()

	_, _, err := v.Authorize("SALES-TOKEN-123", "", true)
	if !apperr.Is(err, apperr.Forbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestAuthorizeInstanceToken(t *testing.T) {
	v := testVerifier()

	tier, inst, err := v.Authorize("SALES-TOKEN-123", "sales", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != TierInstance || inst == nil || inst.Name != "sales" {
		t.Errorf("expected instance tier for sales, got %v %+v", tier, inst)
	}
}

func TestAuthorizeWrongTokenForInstance(t *testing.T) {
	v := testVerifier()

	_, _, err := v.Authorize("WRONG-TOKEN-999", "sales", false)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestAuthorizeUnknownInstanceName(t *testing.T) {
	v := testVerifier()

	// Unknown name must not be distinguishable from a bad token.
	_, _, err := v.Authorize("SALES-TOKEN-123", "ghost", false)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestAuthorizeTokenOnlyLookup(t *testing.T) {
	v := testVerifier()

	tier, inst, err := v.Authorize("SALES-TOKEN-123", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != TierInstance || inst.Name != "sales" {
		t.Errorf("expected sales via token lookup, got %v %+v", tier, inst)
	}

	_, _, err = v.Authorize("UNKNOWN-TOKEN", "", false)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestAuthorizeEmptyCredential(t *testing.T) {
	v := testVerifier()

	_, _, err := v.Authorize("", "sales", false)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestAuthorizeEmptyGlobalKeyNeverMatches(t *testing.T) {
	v := testVerifier()
	v.GlobalKey = ""

	_, _, err := v.Authorize("", "", true)
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("expected unauthorized for empty presented key, got %v", err)
	}
}
