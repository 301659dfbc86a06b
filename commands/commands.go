// Package commands runs shell commands inside a sandbox over the daemon's
// streaming process service. Commands can run synchronously (start, drain the
// event stream, return an accumulated result) or in the background (return a
// live handle immediately and drain on a separate goroutine).
package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/cellbox-dev/cellbox/rpc"
	"go.uber.org/zap"
)

const processService = "process.Process"

// ErrEndedImmediately is returned by RunBackground when the first event on
// the stream is already End: the process failed to launch rather than ran
// with no output.
var ErrEndedImmediately = errors.New("process ended immediately after start")

// Options control a single command invocation.
type Options struct {
	// Envs are extra environment variables for the process.
	Envs map[string]string
	// Cwd is the working directory; empty means the daemon's default.
	Cwd string
	// Timeout bounds a synchronous run. Zero means DefaultTimeout; negative
	// disables the bound entirely.
	Timeout time.Duration
}

// DefaultTimeout bounds synchronous runs that don't set Options.Timeout.
const DefaultTimeout = 60 * time.Second

// Result is the accumulated outcome of one command.
type Result struct {
	Stdout        string
	Stderr        string
	ExitCode      int32
	ExecutionTime time.Duration
}

// ProcessInfo describes one running process from the daemon's listing.
type ProcessInfo struct {
	PID  uint32
	Tag  string
	Cmd  string
	Args []string
	Envs map[string]string
	Cwd  string
}

// API is the command surface of one sandbox. The zero value is unusable;
// construct with New and connect with InitRPC before issuing calls.
type API struct {
	log       *zap.SugaredLogger
	sandboxID string
	rpcClient *rpc.Client
}

func New(log *zap.SugaredLogger, sandboxID string) *API {
	return &API{
		log:       log.Named("commands"),
		sandboxID: sandboxID,
	}
}

// InitRPC connects the API to the sandbox daemon at daemonURL.
func (a *API) InitRPC(daemonURL, accessToken string, opts ...rpc.ClientOption) error {
	client, err := rpc.Connect(a.log, daemonURL, accessToken, opts...)
	if err != nil {
		return fmt.Errorf("connecting to sandbox daemon: %w", err)
	}
	a.rpcClient = client
	return nil
}

// WithRPCClient attaches an already-connected RPC client, for daemons that
// share one connection config across services.
func (a *API) WithRPCClient(client *rpc.Client) *API {
	a.rpcClient = client
	return a
}

func (a *API) rpc() (*rpc.Client, error) {
	if a.rpcClient == nil {
		return nil, errdefs.ErrNotInitialized
	}
	return a.rpcClient, nil
}

// Run executes cmd and waits for it to finish, bounded by DefaultTimeout.
func (a *API) Run(ctx context.Context, cmd string) (*Result, error) {
	return a.RunWithOptions(ctx, cmd, Options{})
}

// RunWithTimeout executes cmd bounded by the given timeout.
func (a *API) RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (*Result, error) {
	return a.RunWithOptions(ctx, cmd, Options{Timeout: timeout})
}

// RunWithOptions executes cmd synchronously: it starts the process, drains
// every event off the stream, and returns the accumulated result. A timeout
// expiry abandons the in-flight drain and returns errdefs.ErrTimeout; the
// remote process is not killed as a side effect.
func (a *API) RunWithOptions(ctx context.Context, cmd string, opts Options) (*Result, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	stream, err := client.Stream(ctx, processService, "Start", startRequest(cmd, opts))
	if err != nil {
		return nil, mapTimeout(ctx, err)
	}
	defer stream.Close()

	res, err := drainStream(stream)
	if err != nil {
		return nil, mapTimeout(ctx, err)
	}
	res.ExecutionTime = time.Since(started)
	return res, nil
}

// List returns the processes currently running in the sandbox.
func (a *API) List(ctx context.Context) ([]ProcessInfo, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}
	raw, err := client.Call(ctx, processService, "List", struct{}{})
	if err != nil {
		return nil, err
	}
	return parseProcessList(raw)
}

// Kill sends SIGKILL to pid. A remote 404 means the process was already gone
// and reports false rather than an error; any other failure propagates.
func (a *API) Kill(ctx context.Context, pid uint32) (bool, error) {
	client, err := a.rpc()
	if err != nil {
		return false, err
	}
	req := map[string]any{
		"process": map[string]any{"pid": pid},
		"signal":  "SIGKILL",
	}
	_, err = client.Call(ctx, processService, "SendSignal", req)
	if err != nil {
		if errdefs.IsStatus(err, 404) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SendStdin writes data to the stdin of a running process.
func (a *API) SendStdin(ctx context.Context, pid uint32, data string) error {
	client, err := a.rpc()
	if err != nil {
		return err
	}
	req := map[string]any{
		"process": map[string]any{"pid": pid},
		"input": map[string]any{
			"stdin": base64.StdEncoding.EncodeToString([]byte(data)),
		},
	}
	_, err = client.Call(ctx, processService, "SendInput", req)
	return err
}

// Connect returns a handle bound to an already-running process. No RPC is
// issued here; the attach happens when the handle is waited on.
func (a *API) Connect(pid uint32) *Handle {
	return &Handle{PID: pid}
}

// WaitForCommand attaches to the handle's process and waits for it to finish.
// For a background handle this just awaits its drainer's result; for a
// connect-by-PID handle it opens the process's output stream and drains it,
// skipping any stray Start event the reconnect stream still carries.
func (a *API) WaitForCommand(ctx context.Context, h *Handle) (*Result, error) {
	if h.background() {
		return h.Wait(ctx)
	}

	client, err := a.rpc()
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"process": map[string]any{"pid": h.PID},
	}
	stream, err := client.Stream(ctx, processService, "Connect", req)
	if err != nil {
		return nil, mapTimeout(ctx, err)
	}
	defer stream.Close()

	res, err := drainStream(stream)
	if err != nil {
		return nil, mapTimeout(ctx, err)
	}
	return res, nil
}

// WaitForCommandWithTimeout is WaitForCommand bounded by a timeout.
func (a *API) WaitForCommandWithTimeout(ctx context.Context, h *Handle, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.WaitForCommand(ctx, h)
}

// startRequest builds the Start RPC body. Commands containing shell
// metacharacters run under "sh -c" so redirection, pipes, quoting, and
// substitution keep their shell semantics; simple commands split on
// whitespace and skip the extra shell hop.
func startRequest(cmd string, opts Options) map[string]any {
	command, args := splitCommand(cmd)
	envs := opts.Envs
	if envs == nil {
		envs = map[string]string{}
	}
	process := map[string]any{
		"cmd":  command,
		"args": args,
		"envs": envs,
	}
	if opts.Cwd != "" {
		process["cwd"] = opts.Cwd
	}
	return map[string]any{"process": process}
}

func splitCommand(cmd string) (string, []string) {
	if strings.ContainsAny(cmd, "><|&;(){}$`\"'") {
		return "sh", []string{"-c", cmd}
	}
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return cmd, []string{}
	}
	return parts[0], parts[1:]
}

// drainStream consumes events until End or end-of-stream, accumulating
// decoded output. Start events are informational here (and reconnect streams
// may still carry one). A stream that ends without an End event yields the
// sentinel exit code, never a success.
func drainStream(stream *rpc.ProcessStream) (*Result, error) {
	res := &Result{ExitCode: rpc.ExitCodeSentinel}
	for {
		ev, err := stream.NextEvent()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case ev.Event.Start != nil:
		case ev.Event.Data != nil:
			if err := appendData(res, ev.Event.Data); err != nil {
				return nil, err
			}
		case ev.Event.End != nil:
			res.ExitCode = ev.Event.End.ResolveExitCode()
			return res, nil
		}
	}
}

// appendData base64-decodes and UTF-8-validates a Data event's payloads,
// appending them to the result. Invalid data fails the call rather than
// silently dropping bytes.
func appendData(res *Result, data *rpc.ProcessData) error {
	if data.Stdout != nil {
		text, err := decodeOutput(*data.Stdout)
		if err != nil {
			return fmt.Errorf("decoding stdout: %w", err)
		}
		res.Stdout += text
	}
	if data.Stderr != nil {
		text, err := decodeOutput(*data.Stderr)
		if err != nil {
			return fmt.Errorf("decoding stderr: %w", err)
		}
		res.Stderr += text
	}
	return nil
}

func decodeOutput(encoded string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("output is not valid UTF-8")
	}
	return string(b), nil
}

// parseProcessList accepts the three shapes the daemon is known to return:
// a bare array, an object with a "processes" array, or an empty object
// (zero processes). Anything else is a hard parse error. Individual entries
// default missing args/envs to empty instead of failing the listing.
func parseProcessList(raw json.RawMessage) ([]ProcessInfo, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, &errdefs.ProtocolError{
				Reason: fmt.Sprintf("invalid process list response: %s", raw),
			}
		}
		procs, ok := obj["processes"]
		if !ok {
			if len(obj) == 0 {
				return []ProcessInfo{}, nil
			}
			return nil, &errdefs.ProtocolError{
				Reason: fmt.Sprintf("invalid process list response: expected array or object with 'processes' field, got: %s", raw),
			}
		}
		if err := json.Unmarshal(procs, &entries); err != nil {
			return nil, &errdefs.ProtocolError{
				Reason: fmt.Sprintf("invalid 'processes' field: %s", procs),
			}
		}
	}

	infos := make([]ProcessInfo, 0, len(entries))
	for _, entry := range entries {
		var p struct {
			PID    uint32 `json:"pid"`
			Tag    string `json:"tag"`
			Config struct {
				Cmd  string            `json:"cmd"`
				Args []string          `json:"args"`
				Envs map[string]string `json:"envs"`
				Cwd  string            `json:"cwd"`
			} `json:"config"`
		}
		if err := json.Unmarshal(entry, &p); err != nil {
			// tolerate malformed entries, defaulting all fields
			infos = append(infos, ProcessInfo{Args: []string{}, Envs: map[string]string{}})
			continue
		}
		info := ProcessInfo{
			PID:  p.PID,
			Tag:  p.Tag,
			Cmd:  p.Config.Cmd,
			Args: p.Config.Args,
			Envs: p.Config.Envs,
			Cwd:  p.Config.Cwd,
		}
		if info.Args == nil {
			info.Args = []string{}
		}
		if info.Envs == nil {
			info.Envs = map[string]string{}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func mapTimeout(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", errdefs.ErrTimeout, err)
	}
	return err
}
