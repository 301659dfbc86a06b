package sandbox

import (
	"encoding/json"
	"time"
)

// Sandbox is the control plane's view of one sandbox. The API has returned
// both snake_case and camelCase field names across versions, so decoding
// goes through a raw map with per-field key fallbacks instead of a single
// struct tag set.
type Sandbox struct {
	SandboxID         string
	TemplateID        string
	Alias             string
	ClientID          string
	TeamID            string
	Name              string
	Metadata          json.RawMessage
	StartCmd          string
	Cwd               string
	EnvVars           map[string]string
	CPUCount          uint32
	MemoryMB          uint32
	IsLive            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PausedAt          *time.Time
	Domain            string
	SandboxDomain     string
	DaemonAccessToken string
}

func (s *Sandbox) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.SandboxID = pickString(m, "sandbox_id", "sandboxID")
	s.TemplateID = pickString(m, "template_id", "templateID")
	s.Alias = pickString(m, "alias")
	s.ClientID = pickString(m, "client_id", "clientID")
	s.TeamID = pickString(m, "team_id", "teamID")
	if s.TeamID == "" {
		s.TeamID = "default"
	}
	s.Name = pickString(m, "name")
	if raw, ok := m["metadata"]; ok {
		s.Metadata = raw
	}
	s.StartCmd = pickString(m, "start_cmd", "startCmd")
	s.Cwd = pickString(m, "cwd")
	s.EnvVars = pickStringMap(m, "env_vars", "envVars")
	s.CPUCount = pickUint32(m, "cpu_count", "cpuCount")
	s.MemoryMB = pickUint32(m, "memory_mb", "memoryMB")
	s.IsLive = pickBool(m, true, "is_live", "isLive")
	s.CreatedAt = pickTime(m, "created_at", "createdAt")
	s.UpdatedAt = pickTime(m, "updated_at", "updatedAt")
	if t := pickTime(m, "paused_at", "pausedAt"); !t.IsZero() && hasAny(m, "paused_at", "pausedAt") {
		s.PausedAt = &t
	}
	s.Domain = pickString(m, "domain")
	s.SandboxDomain = pickString(m, "sandbox_domain", "sandboxDomain")
	s.DaemonAccessToken = pickString(m, "envd_access_token", "envdAccessToken", "access_token", "accessToken")
	return nil
}

// CreateRequest is the sandbox creation payload.
type CreateRequest struct {
	TemplateID          string            `json:"templateID"`
	Timeout             uint32            `json:"timeout,omitempty"`
	AutoPause           *bool             `json:"autoPause,omitempty"`
	Secure              *bool             `json:"secure,omitempty"`
	AllowInternetAccess *bool             `json:"allow_internet_access,omitempty"`
	Metadata            json.RawMessage   `json:"metadata,omitempty"`
	EnvVars             map[string]string `json:"envVars,omitempty"`
}

// Metrics is a resource usage snapshot for a sandbox.
type Metrics struct {
	CPUCount   uint32
	CPUUsedPct float64
	DiskTotal  uint64
	DiskUsed   uint64
	MemTotal   uint64
	MemUsed    uint64
	Timestamp  time.Time
}

// LogLevel is the severity of a sandbox log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Log is one sandbox log entry.
type Log struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Source    string
}

// CodeExecution is the result of the control plane's code proxy endpoint.
type CodeExecution struct {
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	ExitCode int32             `json:"exit_code"`
	Error    *string           `json:"error"`
	Results  []ExecutionResult `json:"results"`
}

// ExecutionResult is one rich output of a code execution: text, markup, or a
// base64-encoded rendering, keyed by format.
type ExecutionResult struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text"`
	HTML     *string         `json:"html"`
	Markdown *string         `json:"markdown"`
	SVG      *string         `json:"svg"`
	PNG      *string         `json:"png"`
	JPEG     *string         `json:"jpeg"`
	PDF      *string         `json:"pdf"`
	LaTeX    *string         `json:"latex"`
	JSON     json.RawMessage `json:"json"`
}

func pickString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

func pickUint32(m map[string]json.RawMessage, keys ...string) uint32 {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var n uint32
			if err := json.Unmarshal(raw, &n); err == nil {
				return n
			}
		}
	}
	return 0
}

func pickBool(m map[string]json.RawMessage, def bool, keys ...string) bool {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var b bool
			if err := json.Unmarshal(raw, &b); err == nil {
				return b
			}
		}
	}
	return def
}

func pickStringMap(m map[string]json.RawMessage, keys ...string) map[string]string {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			var sm map[string]string
			if err := json.Unmarshal(raw, &sm); err == nil {
				return sm
			}
		}
	}
	return nil
}

func pickTime(m map[string]json.RawMessage, keys ...string) time.Time {
	if s := pickString(m, keys...); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func hasAny(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if raw, ok := m[k]; ok && string(raw) != "null" {
			return true
		}
	}
	return false
}
