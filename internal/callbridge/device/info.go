package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AllInfo is the out-of-band device snapshot served by all_info.
type AllInfo struct {
	Name           string       `json:"name"`
	ProfilePicture string       `json:"profile_picture"`
	Status         string       `json:"status"`
	Phone          string       `json:"phone"`
	Integrations   Integrations `json:"integrations"`
	Call           ActiveCall   `json:"call"`
}

// Integrations lists the third-party bridges attached to a device.
type Integrations struct {
	Baileys   []json.RawMessage `json:"baileys"`
	Evolution []Integration     `json:"evolution"`
}

// Integration is one named integration.
type Integration struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ActiveCall summarises the call the device is on, if any. Every field is
// null when the device is idle.
type ActiveCall struct {
	CallID                *int64  `json:"call_id"`
	PeerMadeCall          *bool   `json:"peer_made_call"`
	AcceptedPeer          *int64  `json:"accepted_peer"`
	CallDirection         *string `json:"call_direction"`
	CallActiveDate        *string `json:"call_active_date"`
	CallDurationInSeconds *int64  `json:"call_duration_in_seconds"`
}

// InCall reports whether the snapshot shows a call in progress.
func (a ActiveCall) InCall() bool {
	return a.CallID != nil
}

// InfoSource is the HTTP device surface.
type InfoSource interface {
	AllInfo(ctx context.Context, token string) (*AllInfo, error)
	Restart(ctx context.Context, token string) error
	Logout(ctx context.Context, token string) error
}

// InfoClient talks to the device HTTP endpoints.
type InfoClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ InfoSource = (*InfoClient)(nil)

// NewInfoClient creates a client for baseURL.
func NewInfoClient(baseURL string) *InfoClient {
	return &InfoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// AllInfo fetches the device snapshot.
func (c *InfoClient) AllInfo(ctx context.Context, token string) (*AllInfo, error) {
	resp, err := c.get(ctx, token, "all_info")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info AllInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode all_info: %w", err)
	}
	return &info, nil
}

// Restart asks the device to restart its phone session.
func (c *InfoClient) Restart(ctx context.Context, token string) error {
	resp, err := c.get(ctx, token, "restart")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Logout unlinks the phone number from the device.
func (c *InfoClient) Logout(ctx context.Context, token string) error {
	resp, err := c.get(ctx, token, "logout")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *InfoClient) get(ctx context.Context, token, action string) (*http.Response, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidArgument)
	}
	endpoint := c.baseURL + "/" + url.PathEscape(token) + "/whatsapp/" + action

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status: %d", action, resp.StatusCode)
	}
	return resp, nil
}
