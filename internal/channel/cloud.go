package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
)

func cloudAPIURL() string { return config.Cfg.CloudAPIURL }

func init() {
	Register(IntegrationCloud, newCloud)
}

// cloudAdapter authenticates against the provider's HTTP API with the
// instance token. There is no pairing handshake; a session is open as soon
// as the token is accepted. Restart is native: re-run the auth exchange.
type cloudAdapter struct {
	spec   Spec
	apiURL string
	client *http.Client

	mu    sync.RWMutex
	state State
}

func newCloud(spec Spec) (Adapter, error) {
	apiURL := cloudAPIURL()
	if apiURL == "" {
		return nil, fmt.Errorf("cloud adapter requires an API URL")
	}
	client := &http.Client{Timeout: 15 * time.Second}
	if spec.ProxyURL != "" {
		proxyURL, err := url.Parse(spec.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &cloudAdapter{
		spec:   spec,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: client,
		state:  StateUninitialized,
	}, nil
}

func (c *cloudAdapter) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PairingCode always returns empty: cloud sessions never pair by code.
func (c *cloudAdapter) PairingCode() string { return "" }

func (c *cloudAdapter) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.spec.OnState != nil {
		c.spec.OnState(s)
	}
}

func (c *cloudAdapter) authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/sessions", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.spec.Token)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("session auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session auth: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *cloudAdapter) Connect(ctx context.Context, number string) error {
	if c.State() == StateOpen {
		return nil
	}
	c.setState(StateConnecting)
	if err := c.authenticate(ctx); err != nil {
		c.setState(StateClose)
		return err
	}
	c.setState(StateOpen)
	return nil
}

// Restart re-runs the auth exchange without tearing the session record
// down.
func (c *cloudAdapter) Restart(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.authenticate(ctx); err != nil {
		c.setState(StateClose)
		return err
	}
	c.setState(StateOpen)
	return nil
}

func (c *cloudAdapter) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+"/sessions", nil)
	if err != nil {
		c.setState(StateClose)
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.spec.Token)
	resp, err := c.client.Do(req)
	c.setState(StateClose)
	if err != nil {
		return fmt.Errorf("session logout: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session logout: unexpected status %d", resp.StatusCode)
	}
	return nil
}

var _ Restarter = (*cloudAdapter)(nil)
