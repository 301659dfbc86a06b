package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client issues Connect-style RPC calls against a sandbox daemon. The base
// URL, headers, and auth are fixed at construction and safely shared by many
// concurrent calls; all per-call state lives in the returned streams.
type Client struct {
	Logger *zap.SugaredLogger

	baseURL string
	headers http.Header

	// unary requests retry on transient failures; a consumed stream cannot
	// be replayed, so streaming and multipart requests go out once.
	unaryClient  *http.Client
	streamClient *http.Client

	customizeRetryable func(r *retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithStreamClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.streamClient = hc
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryable = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Connect builds a Client for the daemon at baseURL. The daemon authenticates
// requests with Basic auth (user "user", empty password) and, when the
// sandbox was created with an access token, the X-Access-Token header.
func Connect(log *zap.SugaredLogger, baseURL, accessToken string, opts ...ClientOption) (*Client, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("Connect-Protocol-Version", "1")
	headers.Set("Content-Encoding", "identity")
	headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:")))
	if accessToken != "" {
		headers.Set("X-Access-Token", accessToken)
	}

	c := &Client{
		Logger:       log.Named("rpc_client"),
		baseURL:      baseURL,
		headers:      headers,
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryable != nil {
		c.customizeRetryable(retryClient)
	}
	c.unaryClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	for name, values := range c.headers {
		for _, v := range values {
			r.Header.Set(name, v)
		}
	}
	r.Header.Set("X-Request-Id", uuid.NewString())
}

// Call issues a unary RPC to {base}/{service}/{method} with a plain JSON body
// and returns the raw JSON response for the caller to shape.
func (c *Client) Call(ctx context.Context, service, method string, req any) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s.%s request: %w", service, method, err)
	}

	u := fmt.Sprintf("%s/%s/%s", c.baseURL, service, method)
	c.Logger.Debugw("unary call", "URL", u, "Body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.unaryClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", service, method, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s.%s response: %w", service, method, err)
	}
	return respBody, nil
}

// Stream issues a streaming RPC: the JSON request is wrapped in a single
// envelope frame, and the chunked response body is returned as a
// ProcessStream for the caller to drain.
func (c *Client) Stream(ctx context.Context, service, method string, req any) (*ProcessStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s.%s request: %w", service, method, err)
	}

	u := fmt.Sprintf("%s/%s/%s", c.baseURL, service, method)
	c.Logger.Debugw("streaming call", "URL", u, "Body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(EncodeEnvelope(body)))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)
	httpReq.Header.Set("Content-Type", "application/connect+json")

	httpResp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", service, method, err)
	}
	if err := checkStatus(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}

	return newProcessStream(c.Logger.Named("stream"), httpResp.Body), nil
}

// Get fetches a plain (non-RPC) endpoint such as /files.
func (c *Client) Get(ctx context.Context, urlPath string, query url.Values) ([]byte, error) {
	u := c.baseURL + urlPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.unaryClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", urlPath, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}
	return io.ReadAll(httpResp.Body)
}

// MultipartFile is one part of a multipart upload.
type MultipartFile struct {
	FieldName string
	FileName  string
	Contents  []byte
}

// PostMultipart uploads files to a plain endpoint as a multipart form and
// returns the raw response body.
func (c *Client) PostMultipart(ctx context.Context, urlPath string, query url.Values, files []MultipartFile) ([]byte, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := form.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return nil, fmt.Errorf("building multipart form: %w", err)
		}
		if _, err := part.Write(f.Contents); err != nil {
			return nil, fmt.Errorf("writing multipart part: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart form: %w", err)
	}

	u := c.baseURL + urlPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	httpResp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", urlPath, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}
	return io.ReadAll(httpResp.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var msg string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		msg = "unknown error"
	} else {
		msg = string(b)
	}
	return &errdefs.APIError{StatusCode: resp.StatusCode, Message: msg}
}
