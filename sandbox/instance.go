package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cellbox-dev/cellbox/commands"
	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/cellbox-dev/cellbox/filesystem"
	"github.com/cellbox-dev/cellbox/interpreter"
	"go.uber.org/zap"
)

const (
	// daemonPort is the in-sandbox daemon's well-known port, used to build
	// the per-sandbox hostname {port}-{sandboxID}.{domain}.
	daemonPort = 49983
	// interpreterPort serves the code-interpreter service on interpreter
	// templates.
	interpreterPort = 49999

	rpcInitRetries    = 3
	rpcInitRetryDelay = 2 * time.Second
)

// Instance is a live sandbox: the control-plane record plus connected daemon
// APIs.
type Instance struct {
	api *API
	log *zap.SugaredLogger

	sandbox     *Sandbox
	commands    *commands.API
	files       *filesystem.API
	interpreter *interpreter.API
}

// newInstance connects the daemon APIs for a freshly created sandbox.
func (a *API) newInstance(ctx context.Context, sb *Sandbox) (*Instance, error) {
	log := a.client.Logger.Named("sandbox").With("sandbox_id", sb.SandboxID)

	domain := sb.SandboxDomain
	if domain == "" {
		domain = sb.Domain
	}
	if domain == "" {
		domain = a.client.Config().SandboxDomain()
	}

	scheme := "https"
	if a.client.Config().Debug {
		scheme = "http"
	}
	daemonURL := fmt.Sprintf("%s://%d-%s.%s", scheme, daemonPort, sb.SandboxID, domain)
	log.Debugw("configured sandbox daemon endpoint", "URL", daemonURL)

	inst := &Instance{
		api:      a,
		log:      log,
		sandbox:  sb,
		commands: commands.New(log, sb.SandboxID),
		files:    filesystem.New(log, sb.SandboxID),
	}

	// The daemon takes a moment to come up after creation; connect with
	// bounded retries and degrade instead of failing the sandbox.
	initRPC(ctx, log, "commands", func() error {
		return inst.commands.InitRPC(daemonURL, sb.DaemonAccessToken)
	})
	initRPC(ctx, log, "filesystem", func() error {
		return inst.files.InitRPC(daemonURL, sb.DaemonAccessToken)
	})

	if isInterpreterTemplate(sb) {
		interpURL := fmt.Sprintf("%s://%d-%s.%s", scheme, interpreterPort, sb.SandboxID, domain)
		log.Debugw("configured code interpreter endpoint", "URL", interpURL)
		inst.interpreter = interpreter.New(log, a.client.HTTPClient, interpURL, sb.DaemonAccessToken)
	}

	return inst, nil
}

func initRPC(ctx context.Context, log *zap.SugaredLogger, name string, connect func() error) {
	for attempt := 1; attempt <= rpcInitRetries; attempt++ {
		err := connect()
		if err == nil {
			log.Debugf("%s RPC connected", name)
			return
		}
		if attempt == rpcInitRetries {
			log.Warnf("failed to connect %s RPC after %d attempts: %s; the %s API will not be available", name, rpcInitRetries, err, name)
			return
		}
		log.Warnf("%s RPC connection failed (attempt %d/%d): %s", name, attempt, rpcInitRetries, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(rpcInitRetryDelay):
		}
	}
}

func isInterpreterTemplate(sb *Sandbox) bool {
	return strings.Contains(sb.TemplateID, "code-interpreter") ||
		strings.Contains(sb.Alias, "code-interpreter")
}

// ID returns the sandbox ID.
func (i *Instance) ID() string {
	return i.sandbox.SandboxID
}

// Sandbox returns the control-plane record.
func (i *Instance) Sandbox() *Sandbox {
	return i.sandbox
}

// Commands returns the command execution API.
func (i *Instance) Commands() *commands.API {
	return i.commands
}

// Files returns the filesystem API.
func (i *Instance) Files() *filesystem.API {
	return i.files
}

// Interpreter returns the code interpreter API, or nil when the sandbox was
// not created from an interpreter template.
func (i *Instance) Interpreter() *interpreter.API {
	return i.interpreter
}

// RunCode executes code through the control plane's proxy endpoint.
func (i *Instance) RunCode(ctx context.Context, code string) (*CodeExecution, error) {
	req := map[string]string{"code": code}
	var exec CodeExecution
	err := i.api.client.DoJSON(ctx, http.MethodPost, "/sandboxes/"+i.ID()+"/code", req, &exec)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Pause suspends the sandbox.
func (i *Instance) Pause(ctx context.Context) error {
	return i.api.client.DoJSON(ctx, http.MethodPost, "/sandboxes/"+i.ID()+"/pause", struct{}{}, nil)
}

// Resume wakes a paused sandbox.
func (i *Instance) Resume(ctx context.Context) error {
	return i.api.client.DoJSON(ctx, http.MethodPost, "/sandboxes/"+i.ID()+"/resume", struct{}{}, nil)
}

// Delete destroys the sandbox.
func (i *Instance) Delete(ctx context.Context) error {
	return i.api.client.DoJSON(ctx, http.MethodDelete, "/sandboxes/"+i.ID(), nil, nil)
}

// Refresh reloads the control-plane record.
func (i *Instance) Refresh(ctx context.Context) error {
	sb, err := i.api.Get(ctx, i.ID())
	if err != nil {
		return err
	}
	i.sandbox = sb
	i.log.Debugw("refreshed sandbox record", "IsLive", sb.IsLive)
	return nil
}

// Logs fetches the sandbox's log entries. The endpoint returns either
// structured entries under "logEntries" or raw lines under "logs" (which may
// themselves be JSON); both are accepted, unparseable entries are skipped,
// and an entirely empty result is an error.
func (i *Instance) Logs(ctx context.Context) ([]Log, error) {
	raw, err := i.api.client.DoRaw(ctx, http.MethodGet, "/sandboxes/"+i.ID()+"/logs", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		LogEntries []json.RawMessage `json:"logEntries"`
		Logs       []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &errdefs.APIError{StatusCode: 500, Message: fmt.Sprintf("failed to parse logs response: %s", err)}
	}

	var entries []Log
	for _, item := range resp.LogEntries {
		if log, ok := parseStructuredLog(item); ok {
			entries = append(entries, log)
		}
	}
	for _, item := range resp.Logs {
		entries = append(entries, parseLineLog(item))
	}
	if len(entries) == 0 {
		return nil, &errdefs.APIError{StatusCode: 500, Message: "no log entries returned"}
	}
	return entries, nil
}

// Metrics fetches the sandbox's latest resource usage snapshot. The endpoint
// may return a single object or an array of snapshots; for an array the
// first entry wins, and an empty array yields zero metrics.
func (i *Instance) Metrics(ctx context.Context) (*Metrics, error) {
	raw, err := i.api.client.DoRaw(ctx, http.MethodGet, "/sandboxes/"+i.ID()+"/metrics", nil)
	if err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return &Metrics{}, nil
		}
		raw = list[0]
	}
	return parseMetrics(raw)
}

func parseMetrics(raw json.RawMessage) (*Metrics, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &errdefs.APIError{StatusCode: 500, Message: "invalid metrics format"}
	}
	return &Metrics{
		CPUCount:   pickUint32(m, "cpuCount"),
		CPUUsedPct: pickFloat(m, "cpuUsedPct"),
		DiskTotal:  pickUint64(m, "diskTotal"),
		DiskUsed:   pickUint64(m, "diskUsed"),
		MemTotal:   pickUint64(m, "memTotal"),
		MemUsed:    pickUint64(m, "memUsed"),
		Timestamp:  pickTimeOrNow(m, "timestamp"),
	}, nil
}

func parseStructuredLog(raw json.RawMessage) (Log, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Log{}, false
	}

	level := pickString(m, "level")
	if level == "" {
		level = "info"
	}

	source := "unknown"
	if fieldsRaw, ok := m["fields"]; ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(fieldsRaw, &fields); err == nil {
			if s := pickString(fields, "service", "logger"); s != "" {
				source = s
			}
		}
	}

	return Log{
		Timestamp: pickTimeOrNow(m, "timestamp"),
		Level:     parseLogLevel(level),
		Message:   pickString(m, "message"),
		Source:    source,
	}, true
}

func parseLineLog(raw json.RawMessage) Log {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Log{Timestamp: time.Now(), Level: LogLevelInfo, Source: "log"}
	}
	line := pickString(m, "line")
	timestamp := pickTimeOrNow(m, "timestamp")

	// lines are sometimes JSON log records themselves
	if log, ok := parseStructuredLog(json.RawMessage(line)); ok && log.Message != "" {
		log.Timestamp = timestamp
		return log
	}
	return Log{Timestamp: timestamp, Level: LogLevelInfo, Message: line, Source: "log"}
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func pickFloat(m map[string]json.RawMessage, keys ...string) float64 {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var f float64
			if err := json.Unmarshal(raw, &f); err == nil {
				return f
			}
		}
	}
	return 0
}

func pickUint64(m map[string]json.RawMessage, keys ...string) uint64 {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var n uint64
			if err := json.Unmarshal(raw, &n); err == nil {
				return n
			}
		}
	}
	return 0
}

func pickTimeOrNow(m map[string]json.RawMessage, keys ...string) time.Time {
	if t := pickTime(m, keys...); !t.IsZero() {
		return t
	}
	return time.Now()
}
