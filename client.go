// Package cellbox is the entry point of the SDK: an HTTP client for the
// control plane, authenticated with an API key. Service surfaces build on it:
// sandbox.New for sandbox lifecycle, template.New for template builds.
package cellbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cellbox-dev/cellbox/config"
	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const userAgent = "cellbox-go/0.1.0"

// Client issues REST calls against the control plane. The configuration and
// headers are immutable after construction; a Client is safe for concurrent
// use.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	cfg config.Config

	customizeRetryableClient func(r *retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("cellbox").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a Client from the environment and config file.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewClientWithConfig(cfg, opts...)
}

// NewClientWithAPIKey builds a Client with an explicit API key, still
// honoring the rest of the environment configuration.
func NewClientWithAPIKey(apiKey string, opts ...ClientOption) (*Client, error) {
	return NewClientWithConfig(config.WithAPIKey(apiKey), opts...)
}

func NewClientWithConfig(cfg config.Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.ErrAPIKeyNotFound
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	c := &Client{
		Logger: logger.Named("cellbox").Sugar(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	c.Logger.Debugw("client initialized", "BaseURL", cfg.BaseURL)
	return c, nil
}

// Config returns the immutable configuration the client was built with.
func (c *Client) Config() config.Config {
	return c.cfg
}

// BuildURL joins an API path onto the configured base URL.
func (c *Client) BuildURL(path string) string {
	return c.cfg.BaseURL + path
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Set("X-API-Key", c.cfg.APIKey)
	r.Header.Set("User-Agent", userAgent)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("X-Request-Id", uuid.NewString())
}

// DoJSON issues a request with an optional JSON body and decodes a 2xx JSON
// response into out (which may be nil). Non-2xx statuses map onto the error
// taxonomy: 401 authentication, 404 not found, 429 rate limit, anything else
// an APIError carrying the response body.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := c.DoRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &errdefs.APIError{
			StatusCode: 500,
			Message:    fmt.Sprintf("failed to parse response: %s. Response: %s", err, body),
		}
	}
	return nil
}

// DoRaw issues a request and returns the raw 2xx response body.
func (c *Client) DoRaw(ctx context.Context, method, path string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.BuildURL(path)
	c.Logger.Debugw("control plane request", "Method", method, "URL", u)

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return respBody, nil
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, &errdefs.AuthenticationError{Message: "invalid API key"}
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, &errdefs.NotFoundError{Resource: method + " " + path}
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, errdefs.ErrRateLimited
	default:
		return nil, &errdefs.APIError{StatusCode: httpResp.StatusCode, Message: string(respBody)}
	}
}
