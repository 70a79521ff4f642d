// Package emby implements the media-server account client: creating
// restricted user accounts with generated credentials and deleting
// them when the owner loses entitlement.
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client represents a media server admin API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig holds configuration for the media server client.
type ClientConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Account holds the credentials of a provisioned media account.
type Account struct {
	ID       string
	Username string
	Password string
}

// NewClient creates a new media server API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("media server URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("media server API key is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		cfg.URL = "http://" + cfg.URL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?api_key=" + url.QueryEscape(c.apiKey)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// CreateUser provisions a media account: create the user, set its
// password, then apply the restricted default policy. Username and
// password are expected to come from GenerateUsername/GeneratePassword.
func (c *Client) CreateUser(ctx context.Context, username, password string) (*Account, error) {
	resp, err := c.postJSON(ctx, "/emby/Users/New", map[string]interface{}{
		"Name":        username,
		"HasPassword": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create media user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create media user: status %d: %s", resp.StatusCode, string(body))
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create media user: response carried no user id")
	}

	if err := c.setPassword(ctx, created.ID, password); err != nil {
		// The half-created account is unusable without a password;
		// remove it rather than leaving an open login behind.
		if delErr := c.DeleteUser(ctx, created.ID); delErr != nil {
			log.Error().Err(delErr).Str("account", created.ID).Msg("Failed to clean up half-created media account")
		}
		return nil, fmt.Errorf("set media user password: %w", err)
	}

	if err := c.SetUserPolicy(ctx, created.ID); err != nil {
		log.Warn().Err(err).Str("account", created.ID).Msg("Failed to apply media account policy")
	}

	return &Account{ID: created.ID, Username: username, Password: password}, nil
}

func (c *Client) setPassword(ctx context.Context, accountID, password string) error {
	resp, err := c.postJSON(ctx, "/emby/Users/"+url.PathEscape(accountID)+"/Password", map[string]interface{}{
		"Id":            accountID,
		"CurrentPw":     "",
		"NewPw":         password,
		"ResetPassword": false,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SetUserPolicy applies the restricted default policy: non-admin,
// hidden from login screens, playback only, two simultaneous streams.
func (c *Client) SetUserPolicy(ctx context.Context, accountID string) error {
	policy := map[string]interface{}{
		"IsAdministrator":                 false,
		"IsHidden":                        true,
		"IsHiddenRemotely":                true,
		"IsHiddenFromUnusedDevices":       true,
		"IsDisabled":                      false,
		"AllowTagOrRating":                false,
		"IsTagBlockingModeInclusive":      false,
		"EnableUserPreferenceAccess":      true,
		"EnableRemoteControlOfOtherUsers": false,
		"EnableSharedDeviceControl":       true,
		"EnableRemoteAccess":              true,
		"EnableLiveTvManagement":          false,
		"EnableLiveTvAccess":              false,
		"EnableMediaPlayback":             true,
		"EnableAudioPlaybackTranscoding":  false,
		"EnableVideoPlaybackTranscoding":  false,
		"EnablePlaybackRemuxing":          false,
		"EnableContentDeletion":           false,
		"EnableContentDownloading":        false,
		"EnableSubtitleDownloading":       false,
		"EnableSubtitleManagement":        false,
		"EnableSyncTranscoding":           false,
		"EnableMediaConversion":           false,
		"EnablePublicSharing":             false,
		"EnableAllDevices":                true,
		"EnableAllChannels":               true,
		"EnableAllFolders":                true,
		"DisablePremiumFeatures":          false,
		"AllowCameraUpload":               false,
		"SimultaneousStreamLimit":         2,
	}

	resp, err := c.postJSON(ctx, "/emby/Users/"+url.PathEscape(accountID)+"/Policy", policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("set policy: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// DeleteUser removes a media account. A 404 is treated as success:
// the account is already gone, which is the state we wanted.
func (c *Client) DeleteUser(ctx context.Context, accountID string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.endpoint("/emby/Users/"+url.PathEscape(accountID)), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete media user: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		log.Info().Str("account", accountID).Msg("Deleted media account")
		return nil
	case http.StatusNotFound:
		log.Info().Str("account", accountID).Msg("Media account already absent")
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete media user: status %d: %s", resp.StatusCode, string(body))
	}
}
