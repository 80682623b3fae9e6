// Package webhook is the event delivery engine. Emit hands events to a
// worker pool and returns immediately; delivery failures are retried with
// capped exponential backoff and jitter, and terminal failures are logged,
// never surfaced to the operation that produced the event.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
)

// Event names emitted by the orchestrator.
const (
	EventInstanceCreate   = "instance.create"
	EventInstanceDelete   = "instance.delete"
	EventConnectionUpdate = "connection.update"
	EventPairingCode      = "qrcode.updated"
	EventLogoutInstance   = "logout.instance"
	EventStatusInstance   = "status.instance"
)

type Event struct {
	Instance   string      `json:"instance"`
	InstanceID string      `json:"instanceId"`
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
	DateTime   time.Time   `json:"date_time"`
	Sender     string      `json:"sender,omitempty"`
	ServerURL  string      `json:"server_url"`
}

// Endpoint is one configured delivery target for an event.
type Endpoint struct {
	URL      string
	Headers  map[string]string
	ByEvents bool
	Events   []string // empty means every event
}

func (ep Endpoint) wants(event string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}

// requestURL appends the event name as a path segment when the endpoint is
// configured per-event.
func (ep Endpoint) requestURL(event string) string {
	if !ep.ByEvents {
		return ep.URL
	}
	return strings.TrimRight(ep.URL, "/") + "/" + strings.ReplaceAll(event, ".", "-")
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	UseExponential bool
	JitterFactor   float64
	NonRetryable   map[int]struct{}
	RequestTimeout time.Duration
}

func PolicyFromConfig() RetryPolicy {
	nonRetryable := make(map[int]struct{}, len(config.Cfg.RetryNonRetryableCodes))
	for _, code := range config.Cfg.RetryNonRetryableCodes {
		nonRetryable[code] = struct{}{}
	}
	return RetryPolicy{
		MaxAttempts:    config.Cfg.RetryMaxAttempts,
		InitialDelay:   time.Duration(config.Cfg.RetryInitialDelaySeconds) * time.Second,
		MaxDelay:       time.Duration(config.Cfg.RetryMaxDelaySeconds) * time.Second,
		UseExponential: config.Cfg.RetryUseExponential,
		JitterFactor:   config.Cfg.RetryJitterFactor,
		NonRetryable:   nonRetryable,
		RequestTimeout: time.Duration(config.Cfg.WebhookTimeoutMS) * time.Millisecond,
	}
}

// Resolver returns the per-instance endpoint for an instance, or nil when
// the instance has no webhook configured.
type Resolver func(instanceName string) (*Endpoint, error)

// DatabaseResolver reads the endpoint persisted on the instance record.
func DatabaseResolver(instanceName string) (*Endpoint, error) {
	inst, err := database.GetInstanceByName(instanceName)
	if err != nil {
		return nil, err
	}
	if !inst.WebhookEnabled || inst.WebhookURL == "" {
		return nil, nil
	}
	headers := map[string]string{}
	if inst.WebhookHeaders != "" {
		if err := json.Unmarshal([]byte(inst.WebhookHeaders), &headers); err != nil {
			log.Printf("webhook: bad headers JSON for %q, ignoring: %v", instanceName, err)
		}
	}
	var events []string
	if inst.WebhookEvents != "" {
		if err := json.Unmarshal([]byte(inst.WebhookEvents), &events); err != nil {
			log.Printf("webhook: bad events JSON for %q, ignoring: %v", instanceName, err)
		}
	}
	return &Endpoint{
		URL:      inst.WebhookURL,
		Headers:  headers,
		ByEvents: inst.WebhookByEvents,
		Events:   events,
	}, nil
}

type Engine struct {
	policy    RetryPolicy
	client    *http.Client
	pool      *ants.Pool
	globalURL string
	resolve   Resolver
}

func NewEngine(policy RetryPolicy, globalURL string, workers int, resolve Resolver) (*Engine, error) {
	if workers <= 0 {
		workers = 32
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("delivery pool: %w", err)
	}
	return &Engine{
		policy:    policy,
		client:    &http.Client{Timeout: policy.RequestTimeout},
		pool:      pool,
		globalURL: globalURL,
		resolve:   resolve,
	}, nil
}

func (e *Engine) Close() {
	e.pool.Release()
}

// Emit schedules delivery of ev to every configured endpoint. It never
// blocks the caller and never returns an error: anything that goes wrong
// from here on is the engine's problem.
func (e *Engine) Emit(ev Event) {
	endpoints := make([]Endpoint, 0, 2)

	if e.resolve != nil && ev.Instance != "" {
		ep, err := e.resolve(ev.Instance)
		if err != nil {
			log.Printf("webhook: resolve endpoint for %q: %v", ev.Instance, err)
		} else if ep != nil && ep.wants(ev.Event) {
			endpoints = append(endpoints, *ep)
		}
	}
	if e.globalURL != "" {
		endpoints = append(endpoints, Endpoint{URL: e.globalURL})
	}

	for _, ep := range endpoints {
		ep := ep
		if err := e.pool.Submit(func() { e.deliver(ep, ev) }); err != nil {
			log.Printf("webhook: submit delivery for %q to %s: %v", ev.Event, ep.URL, err)
		}
	}
}

// statusError marks an HTTP response that did not count as success.
type statusError struct {
	code int
}

func (s *statusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", s.code)
}

func (e *Engine) deliver(ep Endpoint, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("webhook: marshal event %q for %q: %v", ev.Event, ev.Instance, err)
		return
	}
	url := ep.requestURL(ev.Event)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialDelay
	bo.RandomizationFactor = e.policy.JitterFactor
	bo.MaxInterval = e.policy.MaxDelay
	bo.MaxElapsedTime = 0
	if e.policy.UseExponential {
		bo.Multiplier = 2.0
	} else {
		bo.Multiplier = 1.0
	}

	attempts := 0
	op := func() error {
		attempts++
		err := e.attempt(url, ep.Headers, payload)
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) {
			if _, permanent := e.policy.NonRetryable[se.code]; permanent {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	maxRetries := uint64(0)
	if e.policy.MaxAttempts > 1 {
		maxRetries = uint64(e.policy.MaxAttempts - 1)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, maxRetries)); err != nil {
		log.Printf("webhook: giving up on %q to %s after %d attempt(s): %v", ev.Event, url, attempts, err)
	}
}

func (e *Engine) attempt(url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Network errors and request timeouts are retryable.
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}
