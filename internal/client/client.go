// Package client talks to the buildr draft API.
package client

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
	"unicode/utf8"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectedError is a failure declared by the server in the response body.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return apperrors.ErrAPIResponse }

const (
	httpClientTimeout   = 30 * time.Second
	maxAPIResponseBytes = 1024 * 1024
	maxRedirects        = 10
)

// Client calls the draft API on behalf of one account. Tokens are
// obtained with the configured credentials and renewed on 401.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string

	mu    sync.Mutex
	token string
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
	}
}

// BaseURL returns the server address with no trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FeedURL returns the websocket address of the change feed.
func (c *Client) FeedURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + "/api/feed"
}

// LoginResponse is returned by the login endpoint.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// Login exchanges the configured credentials for a bearer token.
func (c *Client) Login(ctx context.Context) (*LoginResponse, error) {
	body := map[string]string{"username": c.username, "password": c.password}

	var resp LoginResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login", "", body, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	return &resp, nil
}

// Token returns the cached bearer token, logging in when there is none.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		return token, nil
	}

	resp, err := c.Login(ctx)
	if err != nil {
		return "", err
	}

	return resp.Token, nil
}

// UpdatePropertyDraft pushes one draft snapshot. A stale write is
// reported as a conflict result, not an error.
func (c *Client) UpdatePropertyDraft(ctx context.Context, req models.SyncRequest) (models.SyncResult, error) {
	raw, err := c.authed(ctx, http.MethodPost, "/api/drafts/sync", req, nil)
	if err != nil && !isConflict(err) {
		return models.SyncResult{}, fmt.Errorf("syncing draft: %w", err)
	}

	return decodeSyncResult(raw)
}

// ListDrafts returns the account's server-side drafts.
func (c *Client) ListDrafts(ctx context.Context) ([]models.Record, error) {
	var out struct {
		Drafts []models.Record `json:"drafts"`
	}

	if _, err := c.authed(ctx, http.MethodGet, "/api/drafts", nil, &out); err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}

	return out.Drafts, nil
}

// GetDraft returns one server-side draft.
func (c *Client) GetDraft(ctx context.Context, id string) (*models.Record, error) {
	var rec models.Record
	if _, err := c.authed(ctx, http.MethodGet, "/api/drafts/"+id, nil, &rec); err != nil {
		return nil, fmt.Errorf("getting draft %s: %w", id, err)
	}

	return &rec, nil
}

// decodeSyncResult reads a sync response body. Both the success and the
// conflict shape are accepted; anything else is a response error.
func decodeSyncResult(raw []byte) (models.SyncResult, error) {
	if !gjson.ValidBytes(raw) {
		return models.SyncResult{}, fmt.Errorf("%w: sync response is not JSON", apperrors.ErrAPIResponse)
	}

	parsed := gjson.ParseBytes(raw)

	if parsed.Get("success").Bool() {
		ts, err := models.ParseTime(parsed.Get("updatedAt").Str)
		if err != nil {
			return models.SyncResult{}, fmt.Errorf("%w: %w", apperrors.ErrAPIResponse, err)
		}

		id := parsed.Get("propertyId").Str
		if id == "" {
			return models.SyncResult{}, fmt.Errorf("%w: sync response has no propertyId", apperrors.ErrAPIResponse)
		}

		return models.SyncResult{DraftID: id, ServerTimestamp: ts}, nil
	}

	if parsed.Get("error").Str == models.ErrorConflict {
		ts, err := models.ParseTime(parsed.Get("serverData.updatedAt").Str)
		if err != nil {
			return models.SyncResult{}, fmt.Errorf("%w: %w", apperrors.ErrAPIResponse, err)
		}

		return models.SyncResult{Conflict: true, ServerTimestamp: ts}, nil
	}

	return models.SyncResult{}, fmt.Errorf("%w: unexpected sync response: %s",
		apperrors.ErrAPIResponse, sanitizeResponseBody(raw))
}

// authed sends a request with the bearer token. A 401 drops the cached
// token and retries once with a fresh login.
func (c *Client) authed(ctx context.Context, method, endpoint string, body, result any) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}

		raw, err := c.do(ctx, method, endpoint, token, body, result)

		var rejected *RejectedError
		if attempt == 0 && errors.As(err, &rejected) && rejected.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			if c.token == token {
				c.token = ""
			}
			c.mu.Unlock()

			continue
		}

		return raw, err
	}
}

// do sends a JSON request and decodes a 2xx response into result. The raw
// body is returned alongside any RejectedError so callers can inspect it.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result any) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshalling request body: %w", apperrors.ErrAPIRequest, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", apperrors.ErrAPIRequest, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "error").Str
		if msg == "" {
			msg = sanitizeResponseBody(raw)
		}

		rejected := &RejectedError{StatusCode: resp.StatusCode, Message: msg}
		if isTransientStatus(resp.StatusCode) {
			return raw, &TransientError{Err: rejected}
		}

		return raw, rejected
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return raw, fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return raw, nil
}

func isConflict(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.StatusCode == http.StatusConflict
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("redirect to different host blocked: %s -> %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces control characters.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
