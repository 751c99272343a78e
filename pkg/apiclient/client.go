package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"huaxuanbooks/pkg/localstore"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
// It is fatal to the current session and is never retried.
var ErrUnauthorized = errors.New("authentication rejected")

// Envelope is the canonical response shape. Every remote response is
// normalized into it once at this boundary; Data stays raw so each
// operation decodes into its own type.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the envelope payload into out. A missing payload
// leaves out untouched.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 || out == nil {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// APIError represents a non-auth HTTP failure after retries.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("http %d", e.Status)
}

// RetryPolicy bounds transient-failure retries. Backoff receives the
// 1-based attempt number that just failed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy matches the storefront's historical behavior:
// three attempts with linearly increasing delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Config holds API client dependencies. Store is required: the token is
// re-read from it when absent in memory, covering a login performed by
// another component after this client's construction.
type Config struct {
	BaseURL     string
	Store       localstore.Store
	Retry       RetryPolicy
	HTTPClient  *http.Client
	OnAuthError func()
	Logger      *slog.Logger
}

// Client issues JSON requests against the storefront API.
type Client struct {
	baseURL     string
	store       localstore.Store
	retry       RetryPolicy
	httpClient  *http.Client
	onAuthError func()
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	token string
}

// New constructs an API client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("api base URL is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.Backoff == nil {
		retry.Backoff = DefaultRetryPolicy().Backoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		store:       cfg.Store,
		retry:       retry,
		httpClient:  httpClient,
		onAuthError: cfg.OnAuthError,
		logger:      logger,
		sleep:       sleepCtx,
	}, nil
}

// SetToken installs the session token after login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the in-memory token, falling back to the local store.
func (c *Client) Token() string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token
	}
	token = localstore.Token(c.store)
	if token != "" {
		c.SetToken(token)
	}
	return token
}

// Call performs the request with retries and normalizes the response
// into an Envelope. Auth rejection aborts immediately, clears session
// state, and signals the redirect hook; any other failure is retried up
// to the policy bound and the last error is propagated.
func (c *Client) Call(ctx context.Context, req Request) (Envelope, error) {
	var body []byte
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode request: %w", err)
		}
		body = data
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		env, err := c.do(ctx, req.Method, target, body)
		if err == nil {
			return env, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			c.handleAuthError()
			return Envelope{}, err
		}
		lastErr = err
		c.logger.Warn("api call failed",
			"method", req.Method, "path", req.Path,
			"attempt", attempt, "max_attempts", c.retry.MaxAttempts, "err", err)
		if attempt < c.retry.MaxAttempts {
			if err := c.sleep(ctx, c.retry.Backoff(attempt)); err != nil {
				return Envelope{}, err
			}
		}
	}
	return Envelope{}, lastErr
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (Envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Envelope{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Envelope{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Envelope{}, ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var env Envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return Envelope{}, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

// handleAuthError tears down the session once: in-memory token, then the
// durable session keys, then the redirect signal.
func (c *Client) handleAuthError() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	if err := c.store.Delete(localstore.SessionKeys...); err != nil {
		c.logger.Error("clear session state", "err", err)
	}
	if c.onAuthError != nil {
		c.onAuthError()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
