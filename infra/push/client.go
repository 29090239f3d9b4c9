// Package push delivers notifications through an external push gateway over
// HTTP. Fire and forget: a failed push is logged and counted, never retried
// by the dispatch engine.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fixmarket/dispatch/auth"
	"github.com/fixmarket/dispatch/infra/notify"
)

// Config holds the gateway settings. Authentication is either a static API
// key or an OAuth2 client-credentials grant; when both are set OAuth wins.
type Config struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	OAuth    auth.Conf     `json:"oauth"`
	Timeout  time.Duration `json:"timeout"`
}

// Client implements notify.Pusher against a JSON push gateway.
type Client struct {
	endpoint string
	apiKey   string
	creds    *auth.ClientCred
	http     *http.Client
}

var _ notify.Pusher = (*Client)(nil)

const defaultTimeout = 5 * time.Second

// NewClient builds a push client from the config.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
	if cfg.OAuth.Enabled() {
		c.creds = auth.NewClientCred(cfg.OAuth)
	}
	return c
}

// Push POSTs the message to the gateway.
func (c *Client) Push(ctx context.Context, m notify.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.creds != nil:
		if err := c.creds.SetAuthHeader(req); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %s", resp.Status)
	}
	return nil
}
