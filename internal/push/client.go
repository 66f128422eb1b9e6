package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/askhub/livesync/internal/livesync"
)

// Client вызывает микросервис пуш-уведомлений (cmd/pushd) и реализует
// livesync.Notifier. Если URL пустой, пуши отключены, разрешение Denied.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. При пустом baseURL пуши отключены.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool { return c.baseURL != "" }

// Subscription: подписка из браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

type SubscribeRequest struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
}

type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type PermissionRequest struct {
	UserID string `json:"user_id"`
	// Deny records an explicit opt-out; false asks for the current state.
	Deny bool `json:"deny,omitempty"`
}

type PermissionResponse struct {
	Permission livesync.Permission `json:"permission"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push %s %s: %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Subscribe сохраняет подписку браузера для userID.
func (c *Client) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub}, nil)
}

// Unsubscribe удаляет подписку по endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/api/subscribe", map[string]string{"user_id": userID, "endpoint": endpoint}, nil)
}

// Permission is Granted once the user has a live subscription, Denied after
// an opt-out and Default otherwise.
func (c *Client) Permission(ctx context.Context, userID string) (livesync.Permission, error) {
	if !c.Enabled() {
		return livesync.PermissionDenied, nil
	}
	var out PermissionResponse
	err := c.do(ctx, http.MethodGet, "/api/permission?user_id="+url.QueryEscape(userID), nil, &out)
	if err != nil {
		return livesync.PermissionDefault, err
	}
	return out.Permission, nil
}

// RequestPermission clears an earlier opt-out and returns the resulting
// state. The browser still has to subscribe before it becomes Granted.
func (c *Client) RequestPermission(ctx context.Context, userID string) (livesync.Permission, error) {
	if !c.Enabled() {
		return livesync.PermissionDenied, nil
	}
	var out PermissionResponse
	if err := c.do(ctx, http.MethodPost, "/api/permission", PermissionRequest{UserID: userID}, &out); err != nil {
		return livesync.PermissionDefault, err
	}
	return out.Permission, nil
}

// Deny records that the user turned desktop notifications off.
func (c *Client) Deny(ctx context.Context, userID string) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/permission", PermissionRequest{UserID: userID, Deny: true}, nil)
}

// Show отправляет пуш пользователю.
func (c *Client) Show(ctx context.Context, n livesync.Notice) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/notify", NotifyRequest{UserID: n.UserID, Title: n.Title, Body: n.Body, Data: n.Data}, nil)
}

var _ livesync.Notifier = (*Client)(nil)
