// Package instance implements the lifecycle orchestrator: create, connect,
// restart, logout and delete for messaging instances. Every mutating
// operation serializes on the per-instance lock and releases it on all
// exit paths.
package instance

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/channel"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/chatwoot"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/crypto"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/locks"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/monitor"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/proxy"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/webhook"
)

type Service struct {
	registry *monitor.Registry
	locks    *locks.Manager
	events   *webhook.Engine
	support  *chatwoot.Client

	// OnRemove is the internal removal broadcast, invoked after an
	// instance has been removed from the registry.
	OnRemove func(name string)
}

func NewService(registry *monitor.Registry, lockMgr *locks.Manager, events *webhook.Engine, support *chatwoot.Client) *Service {
	return &Service{
		registry: registry,
		locks:    lockMgr,
		events:   events,
		support:  support,
	}
}

// WebhookSpec is the endpoint configuration supplied at creation.
type WebhookSpec struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Events   []string          `json:"events,omitempty"`
	ByEvents bool              `json:"byEvents,omitempty"`
}

type CreateSpec struct {
	InstanceName string `json:"instanceName"`
	Integration  string `json:"integration"`
	Token        string `json:"token,omitempty"`
	Number       string `json:"number,omitempty"`
	Qrcode       bool   `json:"qrcode,omitempty"`

	Webhook *WebhookSpec `json:"webhook,omitempty"`

	RejectCall      bool   `json:"rejectCall,omitempty"`
	MsgCall         string `json:"msgCall,omitempty"`
	GroupsIgnore    bool   `json:"groupsIgnore,omitempty"`
	AlwaysOnline    bool   `json:"alwaysOnline,omitempty"`
	ReadMessages    bool   `json:"readMessages,omitempty"`
	ReadStatus      bool   `json:"readStatus,omitempty"`
	SyncFullHistory bool   `json:"syncFullHistory,omitempty"`

	ProxyHost     string `json:"proxyHost,omitempty"`
	ProxyPort     string `json:"proxyPort,omitempty"`
	ProxyProtocol string `json:"proxyProtocol,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	ChatSupportAccountID string `json:"chatSupportAccountId,omitempty"`
	ChatSupportToken     string `json:"chatSupportToken,omitempty"`
	ChatSupportURL       string `json:"chatSupportUrl,omitempty"`
}

type Info struct {
	ID          string `json:"instanceId"`
	Name        string `json:"instanceName"`
	Integration string `json:"integration,omitempty"`
	Status      string `json:"status"`
}

type CreateResult struct {
	Instance    Info         `json:"instance"`
	Hash        string       `json:"hash"`
	Webhook     *WebhookSpec `json:"webhook,omitempty"`
	PairingCode string       `json:"pairingCode,omitempty"`
}

type ConnectResult struct {
	Instance    Info   `json:"instance"`
	PairingCode string `json:"pairingCode,omitempty"`
}

func (s *Service) acquire(ctx context.Context, name string) (func(), error) {
	release, err := s.locks.Acquire(ctx, name)
	if err != nil {
		return nil, apperr.Wrap(apperr.Timeout, "could not acquire instance lock", err)
	}
	return release, nil
}

func (s *Service) emit(event, name, id string, data interface{}) {
	s.events.Emit(webhook.Event{
		Instance:   name,
		InstanceID: id,
		Event:      event,
		Data:       data,
		DateTime:   time.Now().UTC(),
		ServerURL:  config.Cfg.ServerURL,
	})
}

// persistStatus commits the observed state and announces it. Persistence
// failures are logged; the live state in the registry stays authoritative.
func (s *Service) persistStatus(name, id string, state channel.State) {
	if err := database.UpdateInstanceStatus(name, string(state)); err != nil {
		log.Printf("persist status %q for %q: %v", state, name, err)
	}
	s.emit(webhook.EventStatusInstance, name, id, map[string]string{"status": string(state)})
}

// stateHook builds the adapter state callback. It commits transitions the
// adapter observes on its own, a pairing confirmed or a socket dropped
// after the lifecycle call returned, so the status column and the endpoint
// never miss them. It takes no instance lock: it may fire from inside a
// locked lifecycle operation.
func (s *Service) stateHook(name, id string) func(channel.State) {
	return func(state channel.State) {
		s.persistStatus(name, id, state)
		s.emit(webhook.EventConnectionUpdate, name, id, map[string]string{"state": string(state)})
	}
}

// wait sleeps for the given grace period, returning early on ctx
// cancellation.
func wait(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (s *Service) Create(ctx context.Context, spec CreateSpec) (*CreateResult, error) {
	name := strings.TrimSpace(spec.InstanceName)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "instanceName is required")
	}
	if !channel.Supported(spec.Integration) {
		return nil, apperr.Newf(apperr.Validation, "Unsupported integration %q", spec.Integration)
	}
	if spec.Webhook != nil && spec.Webhook.URL != "" {
		if err := validateCallbackURL(spec.Webhook.URL); err != nil {
			return nil, err
		}
		if err := validateCallbackHeaders(spec.Webhook.Headers); err != nil {
			return nil, err
		}
	}
	token := strings.TrimSpace(spec.Token)
	if token != "" && len(token) < 8 {
		return nil, apperr.New(apperr.Validation, "Token must be at least 8 characters long")
	}

	release, err := s.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := s.registry.Get(name); ok {
		return nil, apperr.Newf(apperr.Conflict, "Instance %q already exists", name)
	}
	taken, err := database.InstanceNameTaken(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "instance lookup failed", err)
	}
	if taken {
		return nil, apperr.Newf(apperr.Conflict, "Instance %q already exists", name)
	}

	if token == "" {
		token = strings.ToUpper(uuid.NewString())
	} else {
		inUse, err := database.TokenInUse(token)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "token lookup failed", err)
		}
		if inUse {
			return nil, apperr.New(apperr.Conflict, "Token already exists")
		}
	}

	id := uuid.NewString()

	// Proxy is live-tested before anything is persisted; an unusable
	// proxy is fatal to creation.
	proxyCfg := proxy.Config{
		Host:     spec.ProxyHost,
		Port:     spec.ProxyPort,
		Protocol: spec.ProxyProtocol,
		Username: spec.ProxyUsername,
		Password: spec.ProxyPassword,
	}
	proxyURL := ""
	encProxyPassword := ""
	if proxyCfg.Configured() {
		if err := proxy.Test(ctx, proxyCfg); err != nil {
			return nil, apperr.Wrap(apperr.Validation, "Invalid proxy", err)
		}
		proxyURL = proxyCfg.URL()
		if proxyCfg.Password != "" {
			encProxyPassword, err = crypto.Encrypt(proxyCfg.Password)
			if err != nil {
				return nil, apperr.Wrap(apperr.Internal, "encrypt proxy password", err)
			}
		}
	}

	adapter, err := channel.New(spec.Integration, channel.Spec{
		InstanceID:   id,
		InstanceName: name,
		Token:        token,
		Number:       spec.Number,
		ProxyURL:     proxyURL,
		OnState:      s.stateHook(name, id),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "Invalid integration type specified", err)
	}

	rec := &database.Instance{
		ID:          id,
		Name:        name,
		Integration: spec.Integration,
		Token:       token,
		Number:      spec.Number,
		Status:      string(adapter.State()),

		RejectCall:      spec.RejectCall,
		MsgCall:         spec.MsgCall,
		GroupsIgnore:    spec.GroupsIgnore,
		AlwaysOnline:    spec.AlwaysOnline,
		ReadMessages:    spec.ReadMessages,
		ReadStatus:      spec.ReadStatus,
		SyncFullHistory: spec.SyncFullHistory,

		ProxyHost:     spec.ProxyHost,
		ProxyPort:     spec.ProxyPort,
		ProxyProtocol: spec.ProxyProtocol,
		ProxyUsername: spec.ProxyUsername,
		ProxyPassword: encProxyPassword,

		ChatSupportAccountID: spec.ChatSupportAccountID,
		ChatSupportToken:     spec.ChatSupportToken,
		ChatSupportURL:       spec.ChatSupportURL,
	}

	// Event subscriptions are wired before any connection attempt so the
	// very first state transitions already reach the endpoint.
	if spec.Webhook != nil && spec.Webhook.URL != "" {
		headersJSON, _ := json.Marshal(spec.Webhook.Headers)
		eventsJSON, _ := json.Marshal(spec.Webhook.Events)
		rec.WebhookURL = spec.Webhook.URL
		rec.WebhookHeaders = string(headersJSON)
		rec.WebhookEvents = string(eventsJSON)
		rec.WebhookByEvents = spec.Webhook.ByEvents
		rec.WebhookEnabled = true
	}

	if err := database.CreateInstance(rec); err != nil {
		// Schema backstop for a concurrent create that won the insert
		// race on the same name or token.
		if database.IsDuplicate(err) {
			return nil, apperr.New(apperr.Conflict, "Instance name or token already in use")
		}
		return nil, apperr.Wrap(apperr.Internal, "persist instance", err)
	}

	s.registry.Set(&monitor.LiveInstance{
		ID:          id,
		Name:        name,
		Integration: spec.Integration,
		Token:       token,
		Adapter:     adapter,
	})

	// Optional side effects. Each is individually failure-tolerant:
	// a failure here must not fail the creation.
	s.emit(webhook.EventInstanceCreate, name, id, map[string]string{
		"instanceName": name,
		"instanceId":   id,
	})

	binding := chatwoot.Binding{
		AccountID: spec.ChatSupportAccountID,
		Token:     spec.ChatSupportToken,
		URL:       spec.ChatSupportURL,
	}
	if config.Cfg.ChatSupportEnabled && binding.Configured() {
		if err := validateCallbackURL(binding.URL); err != nil {
			log.Printf("chat-support URL for %q rejected: %v", name, err)
		} else if err := s.support.Provision(ctx, name, binding); err != nil {
			log.Printf("chat-support provisioning for %q failed: %v", name, err)
		}
	}

	pairing := ""
	if spec.Qrcode && spec.Integration == channel.IntegrationDirect {
		if err := adapter.Connect(ctx, spec.Number); err != nil {
			s.cleanupFailedCreate(name)
			return nil, apperr.Wrap(apperr.Upstream, "initial connection attempt failed", err)
		}
		wait(ctx, time.Duration(config.Cfg.CreatePairingWaitMS)*time.Millisecond)
		pairing = adapter.PairingCode()
	}

	state := adapter.State()
	s.persistStatus(name, id, state)
	log.Printf("instance %q created (id %s, token %s)", name, id, crypto.Mask(token))

	return &CreateResult{
		Instance: Info{
			ID:          id,
			Name:        name,
			Integration: spec.Integration,
			Status:      string(state),
		},
		Hash:        token,
		Webhook:     spec.Webhook,
		PairingCode: pairing,
	}, nil
}

// cleanupFailedCreate removes whatever a failed creation left behind.
// Best effort: failures are logged, never re-raised over the original
// error.
func (s *Service) cleanupFailedCreate(name string) {
	s.registry.Delete(name)
	if err := database.DeleteInstanceByName(name); err != nil {
		log.Printf("cleanup after failed create of %q: %v", name, err)
	}
}

func (s *Service) Connect(ctx context.Context, name, number string) (*ConnectResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.Validation, "instanceName is required")
	}
	release, err := s.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	live, ok := s.registry.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "Instance %q not found", name)
	}
	return s.connectLocked(ctx, live, number)
}

// connectLocked runs the connect state machine. Caller must hold the
// instance lock.
func (s *Service) connectLocked(ctx context.Context, live *monitor.LiveInstance, number string) (*ConnectResult, error) {
	state := live.State()
	info := Info{ID: live.ID, Name: live.Name, Status: string(state)}

	switch state {
	case channel.StateOpen:
		return &ConnectResult{Instance: info}, nil

	case channel.StateConnecting:
		return &ConnectResult{Instance: info, PairingCode: live.Adapter.PairingCode()}, nil

	case channel.StateClose, channel.StateUninitialized:
		if err := validateNumber(number); err != nil {
			return nil, err
		}
		if err := live.Adapter.Connect(ctx, number); err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "connection attempt failed", err)
		}
		wait(ctx, time.Duration(config.Cfg.ConnectPairingWaitMS)*time.Millisecond)

		state = live.State()
		s.persistStatus(live.Name, live.ID, state)
		s.emit(webhook.EventConnectionUpdate, live.Name, live.ID, map[string]string{"state": string(state)})

		code := live.Adapter.PairingCode()
		if code == "" && state != channel.StateOpen {
			return nil, apperr.New(apperr.Upstream, "Failed to generate pairing code")
		}
		if code != "" {
			s.emit(webhook.EventPairingCode, live.Name, live.ID, map[string]string{"pairingCode": code})
		}
		info.Status = string(state)
		return &ConnectResult{Instance: info, PairingCode: code}, nil

	default:
		// Unknown state is reported, not thrown.
		log.Printf("unknown connection state %q for instance %q", state, live.Name)
		return &ConnectResult{Instance: info}, nil
	}
}

func (s *Service) Restart(ctx context.Context, name string) (*ConnectResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.Validation, "instanceName is required")
	}
	release, err := s.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	live, ok := s.registry.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "Instance %q not found", name)
	}
	if live.State() == channel.StateClose {
		return nil, apperr.Newf(apperr.Validation, "Instance %q is not connected", name)
	}

	if r, hasNative := live.Adapter.(channel.Restarter); hasNative {
		if err := r.Restart(ctx); err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "restart failed", err)
		}
		return s.pollUntilOpen(ctx, live)
	}

	// No native restart: clear integration-side cache, drop the
	// transport with a bounded timeout, then reconnect.
	if cc, ok := live.Adapter.(channel.CacheClearer); ok {
		cc.ClearCache()
	}
	if tc, ok := live.Adapter.(channel.TransportCloser); ok {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := tc.CloseTransport(closeCtx)
		cancel()
		if err != nil {
			log.Printf("transport close for %q during restart: %v", name, err)
		}
	}
	return s.connectLocked(ctx, live, "")
}

// pollUntilOpen watches the connection state after a native restart,
// succeeding on open and failing fast on close. Exceeding the bound is a
// reported, non-fatal error.
func (s *Service) pollUntilOpen(ctx context.Context, live *monitor.LiveInstance) (*ConnectResult, error) {
	interval := time.Duration(config.Cfg.RestartPollIntervalMS) * time.Millisecond
	deadline := time.Now().Add(time.Duration(config.Cfg.RestartTimeoutMS) * time.Millisecond)

	for {
		switch state := live.State(); state {
		case channel.StateOpen:
			s.persistStatus(live.Name, live.ID, state)
			s.emit(webhook.EventConnectionUpdate, live.Name, live.ID, map[string]string{"state": string(state)})
			return &ConnectResult{
				Instance: Info{ID: live.ID, Name: live.Name, Status: string(state)},
			}, nil
		case channel.StateClose:
			s.persistStatus(live.Name, live.ID, state)
			return nil, apperr.New(apperr.Upstream, "Connection closed during restart")
		}

		if time.Now().After(deadline) {
			return nil, apperr.New(apperr.Timeout, "Restart timed out")
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.Timeout, "Restart cancelled", ctx.Err())
		}
	}
}

func (s *Service) Logout(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.Validation, "instanceName is required")
	}
	release, err := s.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	live, ok := s.registry.Get(name)
	if !ok {
		return apperr.Newf(apperr.NotFound, "Instance %q not found", name)
	}
	return s.logoutLocked(ctx, live)
}

// logoutLocked terminates the session. Caller must hold the instance
// lock.
func (s *Service) logoutLocked(ctx context.Context, live *monitor.LiveInstance) error {
	if live.State() == channel.StateClose {
		return apperr.Newf(apperr.Validation, "Instance %q is not connected", live.Name)
	}
	if err := live.Adapter.Logout(ctx); err != nil {
		return apperr.Wrap(apperr.Upstream, "Failed to logout instance", err)
	}
	s.persistStatus(live.Name, live.ID, channel.StateClose)
	s.emit(webhook.EventLogoutInstance, live.Name, live.ID, map[string]string{"state": "close"})
	return nil
}

func (s *Service) Delete(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.Validation, "instanceName is required")
	}
	release, err := s.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	live, inRegistry := s.registry.Get(name)
	rec, recErr := database.GetInstanceByName(name)
	if !inRegistry && recErr != nil {
		return apperr.Newf(apperr.NotFound, "Instance %q not found", name)
	}

	id := ""
	if live != nil {
		id = live.ID
	} else if rec != nil {
		id = rec.ID
	}

	// Best-effort teardown. None of these may stop the removal.
	if rec != nil {
		binding := chatwoot.Binding{
			AccountID: rec.ChatSupportAccountID,
			Token:     rec.ChatSupportToken,
			URL:       rec.ChatSupportURL,
		}
		if err := s.support.ClearCache(ctx, binding, name); err != nil {
			log.Printf("chat-support cache clear for %q during delete: %v", name, err)
		}
		s.support.Notify(binding, webhook.EventInstanceDelete, map[string]string{"instanceName": name})
	}

	if inRegistry {
		if state := live.State(); state == channel.StateOpen || state == channel.StateConnecting {
			if err := s.logoutLocked(ctx, live); err != nil {
				log.Printf("logout of %q during delete: %v", name, err)
			}
		}
	}

	s.emit(webhook.EventInstanceDelete, name, id, map[string]string{
		"instanceName": name,
		"instanceId":   id,
	})

	// Removal itself is unconditional.
	s.registry.Delete(name)
	if err := database.DeleteInstanceByName(name); err != nil {
		log.Printf("delete persisted record for %q: %v", name, err)
	}
	if s.OnRemove != nil {
		s.OnRemove(name)
	}
	return nil
}

// ConnectionState reads the live state without taking the lock; a missing
// handle is not-found, never conflated with close.
func (s *Service) ConnectionState(name string) (*Info, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.Validation, "instanceName is required")
	}
	live, ok := s.registry.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "Instance %q not found", name)
	}
	return &Info{
		ID:          live.ID,
		Name:        live.Name,
		Integration: live.Integration,
		Status:      string(live.State()),
	}, nil
}

// Detail is the listing shape returned by FetchInstances.
type Detail struct {
	ID          string `json:"instanceId"`
	Name        string `json:"instanceName"`
	Integration string `json:"integration"`
	Token       string `json:"token,omitempty"`
	Number      string `json:"number,omitempty"`
	Status      string `json:"status"`
}

func (s *Service) detail(rec database.Instance) Detail {
	status := rec.Status
	if live, ok := s.registry.Get(rec.Name); ok {
		status = string(live.State())
	}
	return Detail{
		ID:          rec.ID,
		Name:        rec.Name,
		Integration: rec.Integration,
		Token:       rec.Token,
		Number:      rec.Number,
		Status:      status,
	}
}

// FetchAll lists instances for the administrator, optionally filtered by
// name or id.
func (s *Service) FetchAll(filter database.InstanceFilter) ([]Detail, error) {
	recs, err := database.ListInstances(filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list instances", err)
	}
	details := make([]Detail, 0, len(recs))
	for _, rec := range recs {
		details = append(details, s.detail(rec))
	}
	return details, nil
}

// FetchOwn lists the instances visible to an instance token: exactly the
// ones that hold it.
func (s *Service) FetchOwn(token string) ([]Detail, error) {
	rec, err := database.GetInstanceByToken(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "token lookup failed", err)
	}
	if rec == nil {
		return nil, apperr.New(apperr.Unauthorized, "Unauthorized")
	}
	return []Detail{s.detail(*rec)}, nil
}
