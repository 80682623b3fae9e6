// Package channel abstracts the wire-level client that holds an instance's
// session with the external network. The orchestrator only ever talks to
// the Adapter interface; concrete adapters register a factory per
// integration kind.
package channel

import (
	"context"
	"fmt"
	"sync"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateClose         State = "close"
)

// Integration kinds with a registered adapter factory.
const (
	IntegrationDirect = "direct" // pairing-code handshake over a live socket
	IntegrationCloud  = "cloud"  // token-authenticated HTTP session
)

// Spec carries everything a factory needs to construct a session handle.
type Spec struct {
	InstanceID   string
	InstanceName string
	Token        string
	Number       string
	ProxyURL     string

	// OnState, when set, is invoked after every connection state change,
	// including transitions driven by the remote end (pairing confirmed,
	// socket dropped). Adapters must call it outside their own locks.
	OnState func(State)
}

// Adapter is the capability surface of one connection session.
type Adapter interface {
	Connect(ctx context.Context, number string) error
	Logout(ctx context.Context) error
	State() State
	PairingCode() string
}

// Restarter is implemented by adapters with a native restart capability.
// Adapters without it are restarted by closing the transport and
// reconnecting.
type Restarter interface {
	Restart(ctx context.Context) error
}

// TransportCloser closes the underlying transport without a session
// logout. Used by the restart fallback path.
type TransportCloser interface {
	CloseTransport(ctx context.Context) error
}

// CacheClearer drops any integration-side cached state for the session.
type CacheClearer interface {
	ClearCache()
}

type Factory func(spec Spec) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Supported reports whether an adapter factory exists for kind.
func Supported(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// New constructs a session handle for the given integration kind.
func New(kind string, spec Spec) (Adapter, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported integration %q", kind)
	}
	return f(spec)
}
