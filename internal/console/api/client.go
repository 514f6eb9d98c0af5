package api

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

	"github.com/gorilla/websocket"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/registry"
	"github.com/sebas/callconsole/internal/console/session"
)

// APIError is a non-2xx response. It unwraps to the registry or session
// sentinel named by its code, so errors.Is works across the wire.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case registry.CodeTransportNotRegistered:
		return registry.ErrTransportNotRegistered
	case registry.CodeBusy:
		return registry.ErrBusy
	case registry.CodeInvalidState:
		return session.ErrInvalidState
	case registry.CodeSessionClosed:
		return session.ErrSessionClosed
	case registry.CodeNotFound:
		return registry.ErrNotFound
	case registry.CodeNoPrimaryCall:
		return registry.ErrNoPrimaryCall
	case registry.CodeNotPermitted:
		return registry.ErrNotPermitted
	default:
		return nil
	}
}

// Client is an HTTP client for a console API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new console API client
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the console base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches health status from the console
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Call fetches the reconciled current call
func (c *Client) Call(ctx context.Context) (*types.CallView, error) {
	var view types.CallView
	if err := c.do(ctx, http.MethodGet, "/api/v1/call", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ServerCalls fetches switch calls with no local leg
func (c *Client) ServerCalls(ctx context.Context) ([]types.ServerCall, error) {
	var calls []types.ServerCall
	if err := c.do(ctx, http.MethodGet, "/api/v1/server-calls", nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// Session fetches one session by id
func (c *Client) Session(ctx context.Context, id string) (*types.Session, error) {
	return c.session(ctx, http.MethodGet, "/api/v1/calls/"+url.PathEscape(id), nil)
}

// Dial places an outbound call
func (c *Client) Dial(ctx context.Context, req types.CallRequest) (*types.Session, error) {
	return c.session(ctx, http.MethodPost, "/api/v1/calls", req)
}

func (c *Client) Answer(ctx context.Context, id string) (*types.Session, error) {
	return c.action(ctx, id, "answer")
}

func (c *Client) Decline(ctx context.Context, id string) (*types.Session, error) {
	return c.action(ctx, id, "decline")
}

func (c *Client) Hangup(ctx context.Context, id string) (*types.Session, error) {
	return c.action(ctx, id, "hangup")
}

func (c *Client) Mute(ctx context.Context, id string, mute bool) (*types.Session, error) {
	if mute {
		return c.action(ctx, id, "mute")
	}
	return c.action(ctx, id, "unmute")
}

func (c *Client) Hold(ctx context.Context, id string, hold bool) (*types.Session, error) {
	if hold {
		return c.action(ctx, id, "hold")
	}
	return c.action(ctx, id, "unhold")
}

// Conference attaches a conference leg to the primary call id
func (c *Client) Conference(ctx context.Context, id, target string) (*types.Session, error) {
	return c.session(ctx, http.MethodPost, "/api/v1/calls/"+url.PathEscape(id)+"/conference", types.TargetRequest{Target: target})
}

// Transfer blind-transfers the primary call id
func (c *Client) Transfer(ctx context.Context, id, target string) (*types.Session, error) {
	return c.session(ctx, http.MethodPost, "/api/v1/calls/"+url.PathEscape(id)+"/transfer", types.TargetRequest{Target: target})
}

// Register registers the signaling transport
func (c *Client) Register(ctx context.Context) (*types.TransportResponse, error) {
	var resp types.TransportResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transport/register", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unregister tears down every call and unregisters the transport
func (c *Client) Unregister(ctx context.Context) (*types.TransportResponse, error) {
	var resp types.TransportResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transport/unregister", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPresence reports whether the agent is looking at this console
func (c *Client) SetPresence(ctx context.Context, present bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/presence", types.PresenceRequest{Present: present}, nil)
}

// SelectOutput selects the audio output device
func (c *Client) SelectOutput(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/audio/output", types.AudioOutputRequest{DeviceID: deviceID}, nil)
}

// NotificationActed marks the push notification for id as handled
func (c *Client) NotificationActed(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(id)+"/acted", nil, nil)
}

// LogLevel returns the console's current log level
func (c *Client) LogLevel(ctx context.Context) (string, error) {
	var resp types.LogLevel
	if err := c.do(ctx, http.MethodGet, "/api/v1/loglevel", nil, &resp); err != nil {
		return "", err
	}
	return resp.Level, nil
}

// SetLogLevel changes the console's log level at runtime
func (c *Client) SetLogLevel(ctx context.Context, level string) (string, error) {
	var resp types.LogLevel
	if err := c.do(ctx, http.MethodPut, "/api/v1/loglevel", types.LogLevel{Level: level}, &resp); err != nil {
		return "", err
	}
	return resp.Level, nil
}

// Stream is an open view stream.
type Stream struct {
	conn *websocket.Conn
}

// Stream opens the websocket view stream
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/stream"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next stream message
func (s *Stream) Next() (types.StreamMessage, error) {
	var msg types.StreamMessage
	err := s.conn.ReadJSON(&msg)
	return msg, err
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (c *Client) action(ctx context.Context, id, action string) (*types.Session, error) {
	return c.session(ctx, http.MethodPost, "/api/v1/calls/"+url.PathEscape(id)+"/"+action, nil)
}

func (c *Client) session(ctx context.Context, method, path string, body any) (*types.Session, error) {
	var s types.Session
	if err := c.do(ctx, method, path, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// do performs a request and decodes a JSON response into out. A 204 leaves
// out untouched.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "Unknown"}
		var e types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
