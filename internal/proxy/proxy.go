// Package proxy validates and provisions the outbound proxy an instance
// routes its session through. A proxy must pass a live round-trip before
// it is persisted.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
)

type Config struct {
	Host     string
	Port     string
	Protocol string
	Username string
	Password string
}

func (c Config) Configured() bool {
	return c.Host != "" && c.Port != "" && c.Protocol != ""
}

// URL renders the proxy as a URL with credentials inline when present.
func (c Config) URL() string {
	u := &url.URL{
		Scheme: c.Protocol,
		Host:   c.Host + ":" + c.Port,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Test performs a live request through the proxy against the configured
// check URL. Any failure means the proxy is not usable.
func Test(ctx context.Context, c Config) error {
	proxyURL, err := url.Parse(c.URL())
	if err != nil {
		return fmt.Errorf("parse proxy URL: %w", err)
	}
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.Cfg.ProxyCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy round-trip: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy round-trip: unexpected status %d", resp.StatusCode)
	}
	return nil
}
