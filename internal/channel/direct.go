package channel

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
)

func init() {
	Register(IntegrationDirect, newDirect)
}

// directAdapter holds a websocket session to the network gateway. A new
// session is unauthenticated until the pairing code generated at connect
// time is confirmed on the other end.
type directAdapter struct {
	spec       Spec
	gatewayURL string

	mu      sync.RWMutex
	state   State
	pairing string
	conn    *websocket.Conn
	cancel  context.CancelFunc
}

func newDirect(spec Spec) (Adapter, error) {
	gw := config.Cfg.GatewayURL
	if gw == "" {
		return nil, fmt.Errorf("direct adapter requires a gateway URL")
	}
	if _, err := url.Parse(gw); err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	return &directAdapter{
		spec:       spec,
		gatewayURL: gw,
		state:      StateUninitialized,
	}, nil
}

func (d *directAdapter) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *directAdapter) PairingCode() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pairing
}

func (d *directAdapter) setState(s State) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	if s == StateOpen || s == StateClose {
		d.pairing = ""
	}
	d.mu.Unlock()
	if changed && d.spec.OnState != nil {
		d.spec.OnState(s)
	}
}

func (d *directAdapter) Connect(ctx context.Context, number string) error {
	d.mu.Lock()
	if d.state == StateOpen || d.state == StateConnecting {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	opts := &websocket.DialOptions{}
	if d.spec.ProxyURL != "" {
		proxyURL, err := url.Parse(d.spec.ProxyURL)
		if err != nil {
			return fmt.Errorf("parse proxy URL: %w", err)
		}
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	conn, _, err := websocket.Dial(ctx, d.gatewayURL, opts)
	if err != nil {
		d.setState(StateClose)
		return fmt.Errorf("dial gateway: %w", err)
	}

	code, err := generatePairingCode()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "pairing code")
		d.setState(StateClose)
		return fmt.Errorf("generate pairing code: %w", err)
	}

	hello := map[string]string{
		"type":     "pair",
		"instance": d.spec.InstanceID,
		"code":     code,
	}
	if number != "" {
		hello["number"] = number
	}
	payload, _ := json.Marshal(hello)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "pair request")
		d.setState(StateClose)
		return fmt.Errorf("send pair request: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.state = StateConnecting
	d.pairing = code
	d.mu.Unlock()
	if d.spec.OnState != nil {
		d.spec.OnState(StateConnecting)
	}

	go d.readLoop(readCtx, conn)
	return nil
}

// readLoop drives the session state from gateway frames until the socket
// drops.
func (d *directAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			d.setState(StateClose)
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "paired":
			d.setState(StateOpen)
		case "session_closed":
			d.setState(StateClose)
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
	}
}

func (d *directAdapter) Logout(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	cancel := d.cancel
	d.conn = nil
	d.cancel = nil
	d.mu.Unlock()

	if conn == nil {
		d.setState(StateClose)
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"type": "logout", "instance": d.spec.InstanceID})
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		log.Printf("logout frame for %s failed, closing anyway: %v", d.spec.InstanceName, err)
	}
	err := conn.Close(websocket.StatusNormalClosure, "logout")
	if cancel != nil {
		cancel()
	}
	d.setState(StateClose)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// CloseTransport drops the socket without a session logout, leaving
// credentials valid for a reconnect. Used by the restart fallback.
func (d *directAdapter) CloseTransport(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	cancel := d.cancel
	d.conn = nil
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		d.setState(StateClose)
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- conn.Close(websocket.StatusServiceRestart, "restart") }()
	select {
	case err := <-done:
		d.setState(StateClose)
		return err
	case <-ctx.Done():
		d.setState(StateClose)
		return ctx.Err()
	}
}

func (d *directAdapter) ClearCache() {
	// Session keys live on the gateway side for direct sessions; nothing
	// cached locally beyond the pairing code.
	d.mu.Lock()
	d.pairing = ""
	d.mu.Unlock()
}

const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generatePairingCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 0, 9)
	for i, c := range b {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, pairingAlphabet[int(c)%len(pairingAlphabet)])
	}
	return string(out), nil
}

var _ TransportCloser = (*directAdapter)(nil)
var _ CacheClearer = (*directAdapter)(nil)
