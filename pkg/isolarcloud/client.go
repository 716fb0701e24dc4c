// Package isolarcloud is a small client for the Sungrow iSolarCloud OpenAPI:
// OAuth2 authorization-code exchange, power station listing and realtime
// point data.
package isolarcloud

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

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// ErrNotAuthorized is returned when a call needs a token and none is held.
var ErrNotAuthorized = errors.New("isolarcloud: not authorized, complete the OAuth flow first")

// APIError is a well-formed response whose result_code is not "1".
type APIError struct {
	Path    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("isolarcloud %s: %s (result_code=%s)", e.Path, e.Message, e.Code)
}

// Config configures a Client.
type Config struct {
	Server    Server
	BaseURL   string
	AppKey    string
	SecretKey string
	AppID     string
	// Timeout bounds each HTTP round-trip when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one iSolarCloud account. It is safe for concurrent use.
type Client struct {
	server    Server
	baseURL   string
	appKey    string
	secretKey string
	appID     string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
	refreshes singleflight.Group
	now       func() time.Time

	mu            sync.Mutex
	token         *Token
	onTokenChange func()
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.Server.GatewayURL == "" {
		cfg.Server = Europe
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cfg.Server.GatewayURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		server:    cfg.Server,
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    cfg.AppKey,
		secretKey: cfg.SecretKey,
		appID:     cfg.AppID,
		http:      hc,
		breaker:   newBreaker(cfg.Server.Name),
		now:       time.Now,
	}
}

func newBreaker(region string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "isolarcloud-" + strings.ToLower(region),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Vendor-level rejections mean the service is up.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr)
		},
	})
}

// Server returns the region the client was configured for.
func (c *Client) Server() Server { return c.server }

type envelope struct {
	ResultCode string          `json:"result_code"`
	ResultMsg  string          `json:"result_msg"`
	ResultData json.RawMessage `json:"result_data"`
}

// post sends body (with the app key added) to path and decodes result_data
// into out. A bearer token is attached when authed is set.
func (c *Client) post(ctx context.Context, path string, body map[string]any, authed bool, out any) error {
	var bearer string
	if authed {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		bearer = tok
	}

	if body == nil {
		body = map[string]any{}
	}
	body["appkey"] = c.appKey
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, path, payload, bearer)
	})
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, path string, payload []byte, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-access-key", c.secretKey)
	req.Header.Set("sys_code", "901")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.ResultCode != "1" {
		return nil, &APIError{Path: path, Code: env.ResultCode, Message: env.ResultMsg}
	}
	return env.ResultData, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
