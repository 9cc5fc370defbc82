package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/evidence_layer/internal/httputil"
)

// Client is the Supabase client.
type Client struct {
	config     Config
	httpClient *http.Client
	transport  *retryTransport

	baseURL     string
	restURL     string
	storageURL  string
	realtimeURL string
	host        string

	database *DatabaseClient
	storage  *StorageClient
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("service key is required")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid project URL %q", cfg.URL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := cfg.HTTPClient
	if base == nil {
		base = httputil.NewClient(cfg.Timeout)
	}

	c := &Client{
		config:      cfg,
		baseURL:     baseURL,
		restURL:     baseURL + "/rest/v1",
		storageURL:  baseURL + "/storage/v1",
		realtimeURL: websocketURL(baseURL) + "/realtime/v1/websocket",
		host:        parsed.Host,
	}

	if cfg.DisableResilience {
		c.httpClient = base
	} else {
		retry := cfg.Retry
		if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
			retry = DefaultRetryConfig()
		}
		breaker := cfg.CircuitBreaker
		if breaker.FailureThreshold == 0 {
			breaker = DefaultCircuitBreakerConfig()
		}
		c.transport = newRetryTransport(base, retry, breaker)
		c.httpClient = &http.Client{Transport: c.transport}
	}

	c.database = &DatabaseClient{client: c}
	c.storage = &StorageClient{client: c}
	return c, nil
}

func websocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

// Database returns the PostgREST client.
func (c *Client) Database() *DatabaseClient { return c.database }

// Storage returns the Storage client.
func (c *Client) Storage() *StorageClient { return c.storage }

// CircuitState reports the breaker state; closed when resilience is off.
func (c *Client) CircuitState() CircuitState {
	if c.transport == nil {
		return CircuitClosed
	}
	return c.transport.breaker.State()
}

// Stats returns request counters; zero when resilience is off.
func (c *Client) Stats() TransportStats {
	if c.transport == nil {
		return TransportStats{}
	}
	return c.transport.stats()
}

// =============================================================================
// Internal HTTP Methods
// =============================================================================

// request performs an HTTP request with the service key and returns the body
// and status.
func (c *Client) request(ctx context.Context, method, rawURL string, body io.Reader, headers map[string]string) ([]byte, int, error) {
	if err := c.validateURL(rawURL); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.buildHeaders(headers) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, httputil.MaxResponseBytes)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) requestJSON(ctx context.Context, method, rawURL string, payload []byte, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	respBody, status, err := c.request(ctx, method, rawURL, body, headers)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, parseError(respBody, status)
	}
	return respBody, nil
}

func (c *Client) buildHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"apikey":        c.config.ServiceKey,
		"Authorization": "Bearer " + c.config.ServiceKey,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

// validateURL keeps requests on the project host.
func (c *Client) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host != c.host {
		return fmt.Errorf("host not allowed: %s", u.Host)
	}
	return nil
}

// parseError reads the error shapes of PostgREST ({code,message,details,hint})
// and of Storage/GoTrue ({error,error_description} or {statusCode,message}).
func parseError(body []byte, statusCode int) error {
	if !gjson.ValidBytes(body) {
		return &Error{Code: "unknown", Message: strings.TrimSpace(string(body)), StatusCode: statusCode}
	}
	doc := gjson.ParseBytes(body)
	msg := ""
	for _, key := range []string{"message", "error", "error_description", "msg"} {
		if msg = doc.Get(key).String(); msg != "" {
			break
		}
	}
	return &Error{
		Code:       doc.Get("code").String(),
		Message:    msg,
		Details:    doc.Get("details").String(),
		Hint:       doc.Get("hint").String(),
		StatusCode: statusCode,
	}
}
