// Package chatwoot bridges instances to a chat-support backend. Every call
// here is best-effort from the orchestrator's point of view: provisioning
// and cache invalidation failures are logged by the caller, never fatal.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

type Binding struct {
	AccountID string
	Token     string
	URL       string
}

func (b Binding) Configured() bool {
	return b.AccountID != "" && b.Token != "" && b.URL != ""
}

type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 15 * time.Second}}
}

// Provision registers an inbox for the instance on the support backend.
func (c *Client) Provision(ctx context.Context, instanceName string, b Binding) error {
	body, _ := json.Marshal(map[string]string{
		"name":       instanceName,
		"account_id": b.AccountID,
	})
	endpoint := strings.TrimRight(b.URL, "/") + "/api/v1/accounts/" + b.AccountID + "/inboxes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", b.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provision inbox: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provision inbox: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Notify is a fire-and-forget notification sink. Errors are logged here
// and go no further.
func (c *Client) Notify(b Binding, eventName string, payload interface{}) {
	if !b.Configured() {
		return
	}
	go func() {
		body, err := json.Marshal(map[string]interface{}{
			"event":   eventName,
			"payload": payload,
		})
		if err != nil {
			log.Printf("chatwoot: marshal %s notification: %v", eventName, err)
			return
		}
		endpoint := strings.TrimRight(b.URL, "/") + "/api/v1/accounts/" + b.AccountID + "/events"
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			log.Printf("chatwoot: build %s notification: %v", eventName, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api_access_token", b.Token)
		resp, err := c.http.Do(req)
		if err != nil {
			log.Printf("chatwoot: send %s notification: %v", eventName, err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// ClearCache drops bridge-side cached conversation state for an instance.
func (c *Client) ClearCache(ctx context.Context, b Binding, instanceName string) error {
	if !b.Configured() {
		return nil
	}
	endpoint := strings.TrimRight(b.URL, "/") + "/api/v1/accounts/" + b.AccountID + "/cache/" + instanceName
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("api_access_token", b.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		// Nothing cached for this instance; same outcome as a clear.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("clear cache: unexpected status %d", resp.StatusCode)
	}
	return nil
}
