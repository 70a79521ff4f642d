// Package panel implements a client for the subscription billing panel
// API. A successful login yields an opaque auth token that is replayed
// on every call until the panel rejects it.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAuthRejected is wrapped by every authentication failure the
// client reports: rejected logins, stale tokens and calls made without
// a token.
var ErrAuthRejected = errors.New("panel rejected authentication")

// Client represents a billing panel API client bound to one account.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig

	mu    sync.RWMutex
	token string
}

// ClientConfig holds configuration for the panel client.
type ClientConfig struct {
	URL      string
	Email    string
	Password string
	Timeout  time.Duration
}

// NewClient creates a new panel API client. No network call is made
// until Login or a query method is invoked.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("panel URL is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		cfg.URL = "https://" + cfg.URL
		log.Debug().Str("url", cfg.URL).Msg("No protocol specified in panel URL, defaulting to HTTPS")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
	}, nil
}

// Email returns the account email this client authenticates as.
func (c *Client) Email() string {
	return c.config.Email
}

// Token returns the current auth token, empty if never logged in.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken seeds a previously persisted auth token so a stored session
// can be probed without a fresh login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login authenticates with email and password and retains the returned
// auth token for subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	if c.config.Email == "" || c.config.Password == "" {
		return &authHTTPError{status: 0, body: "email and password are required"}
	}

	payload := map[string]string{
		"email":    c.config.Email,
		"password": c.config.Password,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/passport/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &authHTTPError{status: resp.StatusCode, body: string(respBody)}
	}

	var result struct {
		Data struct {
			AuthData string `json:"auth_data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.Data.AuthData == "" {
		return &authHTTPError{status: resp.StatusCode, body: "login response carried no auth token"}
	}

	c.mu.Lock()
	c.token = result.Data.AuthData
	c.mu.Unlock()
	return nil
}

// CheckAuth probes whether the current auth token is still accepted.
// Absent tokens and any request failure report false.
func (c *Client) CheckAuth(ctx context.Context) bool {
	if c.Token() == "" {
		return false
	}
	_, err := c.GetProfile(ctx)
	return err == nil
}

type authHTTPError struct {
	status int
	body   string
}

func (e *authHTTPError) Error() string {
	if e.status == http.StatusUnauthorized || e.status == http.StatusForbidden {
		return fmt.Sprintf("authentication failed (status %d): %s", e.status, e.body)
	}
	return fmt.Sprintf("authentication failed: %s", e.body)
}

func (e *authHTTPError) Unwrap() error {
	return ErrAuthRejected
}

// IsAuthError reports whether err came from a rejected login or token.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRejected)
}

// get performs an authenticated GET request and decodes the JSON body
// into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	token := c.Token()
	if token == "" {
		return &authHTTPError{status: 0, body: "no auth token, login required"}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &authHTTPError{status: resp.StatusCode, body: string(body)}
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
