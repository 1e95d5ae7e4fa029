package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Client implements Adapter over the platform's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient constructs an API client. timeout bounds every individual call.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type memberPayload struct {
	ID      string   `json:"id"`
	RoleIDs []string `json:"role_ids"`
}

type invitePayload struct {
	URL string `json:"url"`
}

// FetchMember reads a member's live role state on a server.
func (c *Client) FetchMember(ctx context.Context, serverID, memberID string) (Member, error) {
	var payload memberPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/servers/%s/members/%s", serverID, memberID), nil, &payload)
	if err != nil {
		return Member{}, err
	}
	return Member{ID: payload.ID, RoleIDs: payload.RoleIDs}, nil
}

// AddRole grants a role. Granting an already-held role is a platform no-op.
func (c *Client) AddRole(ctx context.Context, serverID, memberID, roleID, reason string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/servers/%s/members/%s/roles/%s", serverID, memberID, roleID), map[string]string{"reason": reason}, nil)
}

// RemoveRole revokes a role. Removing an absent role is a platform no-op.
func (c *Client) RemoveRole(ctx context.Context, serverID, memberID, roleID, reason string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%s/members/%s/roles/%s", serverID, memberID, roleID), map[string]string{"reason": reason}, nil)
}

// KickMember removes a member from a server.
func (c *Client) KickMember(ctx context.Context, serverID, memberID, reason string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%s/members/%s", serverID, memberID), map[string]string{"reason": reason}, nil)
}

// CreateInvite issues a fresh invite URL for the given channel.
func (c *Client) CreateInvite(ctx context.Context, serverID, channelID string, maxUses int, ttl time.Duration) (string, error) {
	body := map[string]any{
		"channel_id":  channelID,
		"max_uses":    maxUses,
		"max_age_sec": int(ttl.Seconds()),
	}
	var payload invitePayload
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/servers/%s/invites", serverID), body, &payload); err != nil {
		return "", err
	}
	return payload.URL, nil
}

// SendDirectMessage delivers a message to the member's DM channel.
func (c *Client) SendDirectMessage(ctx context.Context, memberID, content string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%s/messages", memberID), map[string]string{"content": content}, nil)
	if errors.Is(err, ErrForbidden) {
		// The platform reports a blocked DM channel as a permission failure.
		return ErrBlocked
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("gateway: %s %s returned status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway: decode response: %w", err)
		}
	}
	return nil
}
