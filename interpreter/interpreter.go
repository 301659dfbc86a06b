// Package interpreter talks to the code interpreter service running inside a
// sandbox built from an interpreter template. Executions stream back as
// newline-delimited JSON messages which are folded into a single Execution
// result.
package interpreter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cellbox-dev/cellbox/errdefs"
	"go.uber.org/zap"
)

// DefaultExecutionTimeout bounds a single code execution.
const DefaultExecutionTimeout = 300 * time.Second

// Options controls a single execution.
type Options struct {
	// Language selects the kernel; empty means the server default (python).
	Language string
	// Context is the ID of an execution context to run in.
	Context string
	// Envs are extra environment variables for this execution.
	Envs map[string]string
	// Timeout bounds the execution; zero means DefaultExecutionTimeout and a
	// negative value disables the bound.
	Timeout time.Duration
}

// Execution is the folded result of one code execution.
type Execution struct {
	Stdout  []string
	Stderr  []string
	Results []Result
	Error   *ExecutionError
}

// Text returns the text of the main result, if any.
func (e *Execution) Text() string {
	for _, r := range e.Results {
		if r.IsMainResult && r.Text != "" {
			return r.Text
		}
	}
	return ""
}

// Result is one rich output of an execution, keyed by MIME-like format names
// in Data (text/html, image/png base64, and so on).
type Result struct {
	Text         string
	Data         map[string]string
	IsMainResult bool
}

// ExecutionError is a runtime error raised by the executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// Context is a persistent execution context (kernel session) in the sandbox.
type Context struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Cwd      string `json:"cwd"`
}

// API is the code interpreter surface of one sandbox.
type API struct {
	log         *zap.SugaredLogger
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

func New(log *zap.SugaredLogger, httpClient *http.Client, baseURL, accessToken string) *API {
	return &API{
		log:         log.Named("interpreter"),
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
	}
}

// Execute runs code with the default language and options.
func (a *API) Execute(ctx context.Context, code string) (*Execution, error) {
	return a.ExecuteWithOptions(ctx, code, Options{})
}

// ExecuteWithLanguage runs code under the named kernel language.
func (a *API) ExecuteWithLanguage(ctx context.Context, code, language string) (*Execution, error) {
	return a.ExecuteWithOptions(ctx, code, Options{Language: language})
}

// ExecuteWithOptions runs code and folds the streamed output messages into an
// Execution. Malformed output lines are skipped.
func (a *API) ExecuteWithOptions(ctx context.Context, code string, opts Options) (*Execution, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultExecutionTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := map[string]any{"code": code}
	if opts.Language != "" {
		req["language"] = opts.Language
	}
	if opts.Context != "" {
		req["context_id"] = opts.Context
	}
	if len(opts.Envs) > 0 {
		req["env_vars"] = opts.Envs
	}

	body, err := a.post(ctx, "/execute", req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("code execution timed out: %w", errdefs.ErrTimeout)
		}
		return nil, err
	}
	defer body.Close()

	return parseExecution(body)
}

// CreateContext creates a persistent execution context.
func (a *API) CreateContext(ctx context.Context, language, cwd string) (*Context, error) {
	req := map[string]any{}
	if language != "" {
		req["language"] = language
	}
	if cwd != "" {
		req["cwd"] = cwd
	}
	body, err := a.post(ctx, "/contexts", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var execCtx Context
	if err := json.NewDecoder(body).Decode(&execCtx); err != nil {
		return nil, &errdefs.ProtocolError{Reason: "invalid context response", Err: err}
	}
	return &execCtx, nil
}

// ListContexts lists the sandbox's execution contexts.
func (a *API) ListContexts(ctx context.Context) ([]Context, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/contexts", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	a.prepReq(httpReq)

	body, err := a.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var contexts []Context
	if err := json.NewDecoder(body).Decode(&contexts); err != nil {
		return nil, &errdefs.ProtocolError{Reason: "invalid contexts response", Err: err}
	}
	return contexts, nil
}

func (a *API) post(ctx context.Context, path string, req any) (io.ReadCloser, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	a.prepReq(httpReq)
	return a.do(httpReq)
}

func (a *API) prepReq(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if a.accessToken != "" {
		r.Header.Set("X-Access-Token", a.accessToken)
	}
}

func (a *API) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &errdefs.APIError{StatusCode: resp.StatusCode, Message: string(b)}
	}
	return resp.Body, nil
}

// outputMessage is one line of the execution output stream.
type outputMessage struct {
	Type string `json:"type"`

	// stdout/stderr variants
	Text *string         `json:"text"`
	Line *string         `json:"line"`
	Data json.RawMessage `json:"data"`

	// result/display_data variants
	IsMainResult bool `json:"is_main_result"`

	// error variant
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`

	// plain object fallback
	Stdout *string `json:"stdout"`
	Stderr *string `json:"stderr"`
}

func parseExecution(body io.Reader) (*Execution, error) {
	exec := &Execution{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg outputMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		foldMessage(exec, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading execution output: %w", err)
	}
	return exec, nil
}

func foldMessage(exec *Execution, msg *outputMessage) {
	switch msg.Type {
	case "stdout":
		if s := msgText(msg); s != "" {
			exec.Stdout = append(exec.Stdout, s)
		}
	case "stderr":
		if s := msgText(msg); s != "" {
			exec.Stderr = append(exec.Stderr, s)
		}
	case "result", "display_data":
		result := Result{IsMainResult: msg.IsMainResult}
		if msg.Text != nil {
			result.Text = *msg.Text
		}
		if len(msg.Data) > 0 {
			var data map[string]string
			if err := json.Unmarshal(msg.Data, &data); err == nil {
				result.Data = data
				if result.Text == "" {
					result.Text = data["text/plain"]
				}
			}
		}
		exec.Results = append(exec.Results, result)
	case "error":
		exec.Error = &ExecutionError{
			Name:      msg.Name,
			Value:     msg.Value,
			Traceback: msg.Traceback,
		}
	default:
		// some server versions emit plain {"stdout": "..."} objects
		if msg.Stdout != nil {
			exec.Stdout = append(exec.Stdout, *msg.Stdout)
		}
		if msg.Stderr != nil {
			exec.Stderr = append(exec.Stderr, *msg.Stderr)
		}
	}
}

func msgText(msg *outputMessage) string {
	if msg.Text != nil {
		return *msg.Text
	}
	if msg.Line != nil {
		return *msg.Line
	}
	if len(msg.Data) > 0 {
		var s string
		if err := json.Unmarshal(msg.Data, &s); err == nil {
			return s
		}
	}
	return ""
}
