package rpc

import (
	"strconv"
	"strings"
)

// ProcessEvent is one message on a process event stream. Exactly one of the
// inner variants is set; a well-formed stream is Start? Data* End?.
type ProcessEvent struct {
	Event ProcessEventData `json:"event"`
}

type ProcessEventData struct {
	Start *ProcessStart `json:"start,omitempty"`
	Data  *ProcessData  `json:"data,omitempty"`
	End   *ProcessEnd   `json:"end,omitempty"`
}

// ProcessStart announces that the remote process was created. It is emitted
// at most once per stream, before any other event.
type ProcessStart struct {
	PID uint32 `json:"pid"`
}

// ProcessData carries incremental output. Both fields are base64-encoded;
// either or both may be present.
type ProcessData struct {
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
}

// ProcessEnd is the terminal event. If the stream is cut before an End
// arrives, the process must be treated as unfinished, never as a success.
type ProcessEnd struct {
	Exited   bool   `json:"exited"`
	Status   string `json:"status"`
	ExitCode *int32 `json:"exit_code,omitempty"`
}

// ExitCodeSentinel marks "no exit code was ever observed". It is distinct
// from a real exit code the remote could report.
const ExitCodeSentinel int32 = -1

// ResolveExitCode applies the exit-code resolution rule: prefer the explicit
// code, fall back to parsing the trailing integer of an "exit status N"
// status string, else the sentinel. The status-string parse is kept for
// compatibility with the remote's free-text status and is deliberately not
// extended to other formats.
func (e *ProcessEnd) ResolveExitCode() int32 {
	if e.ExitCode != nil {
		return *e.ExitCode
	}
	if _, rest, found := strings.Cut(e.Status, "exit status "); found {
		if code, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 32); err == nil {
			return int32(code)
		}
	}
	return ExitCodeSentinel
}
