// Package auth obtains OAuth2 client-credentials tokens for outbound calls
// to partner gateways. Tokens are cached and refreshed lazily on expiry.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Conf holds the client-credentials grant settings. A zero Conf (empty
// TokenURL) means the integration uses a static key instead.
type Conf struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// Enabled reports whether a token endpoint is configured.
func (c Conf) Enabled() bool { return c.TokenURL != "" }

// ClientCred fetches and caches a client-credentials token.
type ClientCred struct {
	conf clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewClientCred builds a credential source from the configuration.
func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{
		conf: clientcredentials.Config{
			ClientID:     conf.ClientID,
			ClientSecret: conf.ClientSecret,
			TokenURL:     conf.TokenURL,
			Scopes:       conf.Scopes,
		},
	}
}

// Token returns a valid access token, fetching a fresh one when the cached
// token expired.
func (c *ClientCred) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token.AccessToken, nil
	}
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: fetch token: %w", err)
	}
	c.token = tok
	return tok.AccessToken, nil
}

// SetAuthHeader stamps a valid bearer token on the request.
func (c *ClientCred) SetAuthHeader(r *http.Request) error {
	tok, err := c.Token(r.Context())
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
