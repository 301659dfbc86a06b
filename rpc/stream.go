package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cellbox-dev/cellbox/errdefs"
	"go.uber.org/zap"
)

// ProcessStream reads process events from a streaming response body. The body
// arrives as an unbounded sequence of chunks with no alignment to envelope
// frames, so the stream is a resumable state machine: bytes accumulate in an
// envelope buffer, complete frame payloads queue up, and NextEvent pops one
// event at a time, suspending on the body read when the queue runs dry.
//
// A ProcessStream is owned by a single reader and is not goroutine-safe.
type ProcessStream struct {
	log      *zap.SugaredLogger
	body     io.ReadCloser
	buf      envelopeBuffer
	pending  [][]byte
	finished bool
	chunk    []byte
}

func newProcessStream(log *zap.SugaredLogger, body io.ReadCloser) *ProcessStream {
	return &ProcessStream{
		log:   log,
		body:  body,
		chunk: make([]byte, 8192),
	}
}

// NextEvent returns the next event on the stream, or io.EOF once the stream
// is exhausted. Empty and "{}" payloads are keep-alives and are skipped. A
// payload carrying an "error" field fails the read with the remote's message.
func (s *ProcessStream) NextEvent() (*ProcessEvent, error) {
	for {
		if len(s.pending) > 0 {
			payload := s.pending[0]
			s.pending = s.pending[1:]

			trimmed := strings.TrimSpace(string(payload))
			if trimmed == "" || trimmed == "{}" {
				if s.finished && len(s.pending) == 0 {
					return nil, io.EOF
				}
				continue
			}
			s.log.Debugw("processing stream payload", "Payload", trimmed)
			return decodeEvent(payload)
		}

		if s.finished {
			return nil, io.EOF
		}

		n, err := s.body.Read(s.chunk)
		if n > 0 {
			s.buf.append(s.chunk[:n])
			s.drainFrames()
		}
		if err == io.EOF {
			// The transport closed; decode whatever is left buffered.
			s.finished = true
			s.drainFrames()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading event stream: %w", err)
		}
	}
}

func (s *ProcessStream) drainFrames() {
	for {
		payload, ok := s.buf.next()
		if !ok {
			break
		}
		s.pending = append(s.pending, payload)
	}
	if s.buf.endStream {
		s.finished = true
	}
}

func decodeEvent(payload []byte) (*ProcessEvent, error) {
	var probe struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Error != nil {
		msg := probe.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &errdefs.APIError{StatusCode: 500, Message: "server error: " + msg}
	}

	var ev ProcessEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &errdefs.ProtocolError{Reason: "decoding process event", Err: err}
	}
	if ev.Event.Start == nil && ev.Event.Data == nil && ev.Event.End == nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("unrecognized process event: %s", payload)}
	}
	return &ev, nil
}

// Close releases the underlying response body. Safe to call after EOF.
func (s *ProcessStream) Close() error {
	return s.body.Close()
}
