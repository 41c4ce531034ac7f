// Package httpx implements the session-based HTTP client used by the
// ingestion pipeline. All portal traffic goes through one Client so that the
// login cookies established by the auth stages are visible to the scraper.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent with every request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win) AppleWebKit/537.36 (KHTML, like Gecko) Safari/537.36"

// Config controls client-wide defaults. Per-call Options override them.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	Referer    string
	UserAgent  string
}

// Options carries per-call header and retry overrides.
type Options struct {
	Referer    string
	Origin     string
	Timeout    time.Duration
	MaxRetries int
}

// Response holds a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Text decodes the body as UTF-8 text.
func (r *Response) Text() string {
	return string(r.Body)
}

// TimeoutError is returned after every retry attempt timed out.
type TimeoutError struct {
	Method   string
	URL      string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("httpx: max %s retries (%d) exceeded with url: %s", e.Method, e.Attempts, e.URL)
}

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Client wraps an http.Client with a refreshable cookie jar, browser-like
// headers and timeout-only retries.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client *http.Client
}

// New builds a Client with a fresh session.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	c := &Client{cfg: cfg, logger: logger}
	if err := c.RefreshSession(); err != nil {
		return nil, err
	}
	return c, nil
}

// RefreshSession discards the cookie jar and starts a clean session. Called
// once per polling cycle so no authentication state leaks across cycles.
func (c *Client) RefreshSession() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("httpx: create cookie jar: %w", err)
	}
	c.mu.Lock()
	c.client = &http.Client{
		Transport: newTransport(),
		Jar:       jar,
	}
	c.mu.Unlock()
	c.logger.Warn("httpx: session refreshed")
	return nil
}

// Get performs a GET with browser headers and timeout retries.
func (c *Client) Get(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Post submits a form with browser headers and timeout retries.
func (c *Client) Post(ctx context.Context, rawURL string, form url.Values, opts Options) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, form, opts)
}

func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.MaxRetries
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := c.doOnce(ctx, method, rawURL, form, opts, timeout)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// Parent cancellation is never retried.
			return nil, fmt.Errorf("httpx: %s %s canceled: %w", method, rawURL, ctx.Err())
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("httpx: %s %s failed: %w", method, rawURL, err)
		}
		c.logger.Warn("httpx: request timed out",
			zap.String("method", method),
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)
	}
	return nil, &TimeoutError{Method: method, URL: rawURL, Attempts: maxRetries}
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, form url.Values, opts Options, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, opts)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		URL:        resp.Request.URL.String(),
	}, nil
}

func (c *Client) setHeaders(req *http.Request, opts Options) {
	referer := opts.Referer
	if referer == "" {
		referer = c.cfg.Referer
	}
	origin := opts.Origin
	if origin == "" {
		origin = referer
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8,zh-CN;q=0.6,zh;q=0.4")
	// Accept-Encoding is left to the transport so gzip bodies are decoded
	// transparently.
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("DNT", "1")
	req.Header.Set("Cache-Control", "max-age=0")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
