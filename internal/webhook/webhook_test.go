package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		UseExponential: true,
		JitterFactor:   0,
		NonRetryable:   map[int]struct{}{400: {}, 401: {}, 403: {}, 404: {}, 422: {}},
		RequestTimeout: 2 * time.Second,
	}
}

func newTestEngine(t *testing.T, resolve Resolver) *Engine {
	t.Helper()
	e, err := NewEngine(testPolicy(), "", 4, resolve)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func waitForCount(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d request(s), saw %d", want, atomic.LoadInt32(counter))
}

func staticResolver(ep Endpoint) Resolver {
	return func(string) (*Endpoint, error) { return &ep, nil }
}

func TestEmitDeliversEventPayload(t *testing.T) {
	var count int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	e := newTestEngine(t, staticResolver(Endpoint{URL: srv.URL}))
	e.Emit(Event{
		Instance:   "sales",
		InstanceID: "id-1",
		Event:      EventConnectionUpdate,
		Data:       map[string]string{"state": "open"},
		DateTime:   time.Now().UTC(),
		ServerURL:  "http://localhost:8080",
	})

	waitForCount(t, &count, 1)
	assert.Equal(t, "sales", got.Instance)
	assert.Equal(t, EventConnectionUpdate, got.Event)
	assert.Equal(t, "http://localhost:8080", got.ServerURL)
}

func TestServerErrorRetriedUpToMaxAttempts(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(t, staticResolver(Endpoint{URL: srv.URL}))
	e.Emit(Event{Instance: "sales", Event: EventLogoutInstance})

	waitForCount(t, &count, 3)
	// Give the engine a beat to prove it stops at the cap.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := newTestEngine(t, staticResolver(Endpoint{URL: srv.URL}))
	e.Emit(Event{Instance: "sales", Event: EventInstanceDelete})

	waitForCount(t, &count, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestRecoveryMidRetrySucceeds(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, staticResolver(Endpoint{URL: srv.URL}))
	e.Emit(Event{Instance: "sales", Event: EventStatusInstance})

	waitForCount(t, &count, 3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestByEventsAppendsEventPath(t *testing.T) {
	var count int32
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	e := newTestEngine(t, staticResolver(Endpoint{URL: srv.URL + "/hooks", ByEvents: true}))
	e.Emit(Event{Instance: "sales", Event: EventPairingCode})

	waitForCount(t, &count, 1)
	assert.Equal(t, "/hooks/qrcode-updated", gotPath)
}

func TestEndpointEventFilter(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	ep := Endpoint{URL: srv.URL, Events: []string{EventInstanceCreate}}
	e := newTestEngine(t, staticResolver(ep))

	e.Emit(Event{Instance: "sales", Event: EventLogoutInstance})
	e.Emit(Event{Instance: "sales", Event: EventInstanceCreate})

	waitForCount(t, &count, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "filtered event must not be delivered")
}

func TestRetryDelayEnvelope(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	policy := RetryPolicy{
		MaxAttempts:    4,
		InitialDelay:   40 * time.Millisecond,
		MaxDelay:       160 * time.Millisecond,
		UseExponential: true,
		JitterFactor:   0.2,
		NonRetryable:   map[int]struct{}{},
		RequestTimeout: 2 * time.Second,
	}
	e, err := NewEngine(policy, "", 4, staticResolver(Endpoint{URL: srv.URL}))
	require.NoError(t, err)
	t.Cleanup(e.Close)

	e.Emit(Event{Instance: "sales", Event: EventStatusInstance})

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(arrivals)
		mu.Unlock()
		if n >= policy.MaxAttempts {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d attempts, saw %d", policy.MaxAttempts, n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	gaps := []time.Duration{
		arrivals[1].Sub(arrivals[0]),
		arrivals[2].Sub(arrivals[1]),
		arrivals[3].Sub(arrivals[2]),
	}
	mu.Unlock()

	// Doubling from the initial delay, capped at the max. The timer never
	// fires below the jitter floor; scheduling can only stretch a gap, so
	// the ceiling gets slack.
	expected := []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 160 * time.Millisecond}
	for i, gap := range gaps {
		floor := time.Duration(float64(expected[i]) * (1 - policy.JitterFactor))
		ceiling := time.Duration(float64(expected[i])*(1+policy.JitterFactor)) + 200*time.Millisecond
		assert.GreaterOrEqual(t, gap, floor, "attempt %d fired early", i+2)
		assert.LessOrEqual(t, gap, ceiling, "attempt %d fired late", i+2)
	}
}

func TestCustomHeadersAreSent(t *testing.T) {
	var count int32
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Signature")
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	ep := Endpoint{URL: srv.URL, Headers: map[string]string{"X-Signature": "abc123"}}
	e := newTestEngine(t, staticResolver(ep))
	e.Emit(Event{Instance: "sales", Event: EventInstanceCreate})

	waitForCount(t, &count, 1)
	assert.Equal(t, "abc123", gotHeader)
}
