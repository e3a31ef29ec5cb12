package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Defaults for request timing.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultRetries    = 2
	DefaultRetryDelay = time.Second
)

// Client is an HTTP client for the finsync server.
type Client struct {
	BaseURL    string
	Token      string
	DeviceID   string
	HTTP       *http.Client
	Timeout    time.Duration // per attempt
	Retries    int           // extra attempts after the first
	RetryDelay time.Duration // the nth retry waits RetryDelay*n
	Log        zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new sync client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		DeviceID:   deviceID,
		HTTP:       &http.Client{},
		Timeout:    DefaultTimeout,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
		Log:        zerolog.Nop(),
		sleep:      sleepCtx,
	}
}

// --- Response types (mirror internal/api, independently defined) ---

// User is the public view of an account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"nome"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// PushResponse acknowledges a push.
type PushResponse struct {
	OK   bool   `json:"ok"`
	AsOf string `json:"asOf"`
}

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	OK bool  `json:"ok"`
	TS int64 `json:"ts"`
}

// SyncMeta is the server-side sync metadata of the caller.
type SyncMeta struct {
	UserID        string `json:"userId"`
	LastSyncedAt  string `json:"lastSyncedAt,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	SchemaVersion int    `json:"schemaVersion"`
}

// SyncStatusResponse is the response from GET /sync/status.
type SyncStatusResponse struct {
	Meta      SyncMeta `json:"meta"`
	Snapshots int      `json:"snapshots"`
}

// Health hits the /health endpoint to verify server reachability.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Auth methods ---

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, email, password, name string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	if name != "" {
		body["nome"] = name
	}
	var resp AuthResponse
	if err := c.doNoAuth(ctx, "POST", "/auth/register", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.doNoAuth(ctx, "POST", "/auth/login", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the account behind the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, "GET", "/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// --- Sync methods ---

// Pull fetches the latest snapshot. A non-empty since asks for records
// modified at or after that timestamp.
func (c *Client) Pull(ctx context.Context, since string) (*models.Bundle, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

	var b models.Bundle
	if err := c.do(ctx, "GET", "/sync?"+q.Encode(), nil, &b); err != nil {
		return nil, err
	}
	b.Normalize()
	return &b, nil
}

// Push uploads a bundle for merging into a new snapshot.
func (c *Client) Push(ctx context.Context, b models.Bundle) (*PushResponse, error) {
	b.Normalize()
	var resp PushResponse
	if err := c.do(ctx, "POST", "/sync", b, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncStatus returns the caller's server-side sync metadata.
func (c *Client) SyncStatus(ctx context.Context) (*SyncStatusResponse, error) {
	var resp SyncStatusResponse
	if err := c.do(ctx, "GET", "/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("HTTP %d", e.Status)
	}
}

// Unwrap maps the status onto the sentinel errors.
func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// IsAuthError reports whether err is a 401 or 403 from the server.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// parseErrorBody reads both the structured {error:{code,message}} body and
// the flat {error:"message"} body.
func parseErrorBody(status int, body []byte) *HTTPError {
	e := &HTTPError{Status: status}
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		var structured struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &structured) == nil {
			e.Code, e.Message = structured.Code, structured.Message
			return e
		}
		var flat string
		if json.Unmarshal(env.Error, &flat) == nil {
			e.Message = flat
			return e
		}
	}
	e.Message = strings.TrimSpace(string(body))
	if len(e.Message) > 200 {
		e.Message = e.Message[:200]
	}
	return e
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			delay := c.RetryDelay * time.Duration(attempt)
			c.Log.Debug().Err(lastErr).Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
			if err := c.sleepFor(ctx, delay); err != nil {
				return lastErr
			}
		}

		err := c.attempt(ctx, method, path, payload, result, auth)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, result any, auth bool) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &transportError{op: "http request", err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{op: "read response", err: err}
	}

	if resp.StatusCode >= 400 {
		return parseErrorBody(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// retryable reports whether a failed attempt may be repeated: network
// failures and 5xx responses, as long as the caller has not given up.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var te *transportError
	return errors.As(err, &te)
}

// transportError is a failure to reach the server or read its reply.
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string { return e.op + ": " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsTransportError reports whether err came from the network rather than
// from a server response.
func IsTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func (c *Client) sleepFor(ctx context.Context, d time.Duration) error {
	if c.sleep == nil {
		return sleepCtx(ctx, d)
	}
	return c.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
