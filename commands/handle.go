package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cellbox-dev/cellbox/rpc"
	"go.uber.org/zap"
)

// outputChanCap bounds the background output channels. A full channel slows
// the drainer down rather than dropping or reordering output.
const outputChanCap = 64

// Output is one timestamped chunk of background process output.
type Output struct {
	Data      string
	Timestamp time.Time
}

// Handle refers to a process running in the sandbox. Handles from
// RunBackground own live output channels and a result slot fed by a drainer
// goroutine; handles from Connect carry only the PID, and attach lazily via
// API.WaitForCommand.
//
// Dropping a Handle does not cancel the remote process; it only makes its
// output unobservable. Use API.Kill to stop it. A process that produces more
// output than the channel capacity needs its channels read, or the drainer
// stays parked until the process is killed.
type Handle struct {
	PID uint32

	mu       sync.Mutex
	stdoutCh chan Output
	stderrCh chan Output
	resultCh chan *Result
}

func (h *Handle) background() bool {
	return h.resultCh != nil
}

// Stdout takes ownership of the stdout channel. The channel is closed when
// the process ends. The second and later calls return nil: a channel can be
// taken at most once, never duplicated.
func (h *Handle) Stdout() <-chan Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.stdoutCh
	h.stdoutCh = nil
	return ch
}

// Stderr takes ownership of the stderr channel, with the same take-at-most-
// once contract as Stdout.
func (h *Handle) Stderr() <-chan Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.stderrCh
	h.stderrCh = nil
	return ch
}

// Wait blocks until the drainer resolves the result slot, or ctx is done.
// The slot is always resolved eventually, even when the stream is cut before
// the process finishes.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	if h.resultCh == nil {
		return nil, errors.New("handle has no background drainer; use API.WaitForCommand")
	}
	select {
	case res := <-h.resultCh:
		if res != nil {
			// republish so concurrent and repeated waiters all see it
			h.resultCh <- res
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunBackground starts cmd and returns a live handle as soon as the Start
// event arrives. A drainer goroutine keeps reading the stream, forwarding
// output onto the handle's channels and resolving its result slot on End.
func (a *API) RunBackground(ctx context.Context, cmd string) (*Handle, error) {
	return a.RunBackgroundWithOptions(ctx, cmd, Options{})
}

func (a *API) RunBackgroundWithOptions(ctx context.Context, cmd string, opts Options) (*Handle, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}

	stream, err := client.Stream(ctx, processService, "Start", startRequest(cmd, opts))
	if err != nil {
		return nil, err
	}

	for {
		ev, err := stream.NextEvent()
		if err == io.EOF {
			stream.Close()
			return nil, errors.New("failed to start process: no PID received")
		}
		if err != nil {
			stream.Close()
			return nil, err
		}
		switch {
		case ev.Event.Start != nil:
			d := &drainer{
				log:      a.log.Named("drainer").With("pid", ev.Event.Start.PID),
				stream:   stream,
				stdoutCh: make(chan Output, outputChanCap),
				stderrCh: make(chan Output, outputChanCap),
				resultCh: make(chan *Result, 1),
			}
			h := &Handle{
				PID:      ev.Event.Start.PID,
				stdoutCh: d.stdoutCh,
				stderrCh: d.stderrCh,
				resultCh: d.resultCh,
			}
			go d.run()
			return h, nil
		case ev.Event.Data != nil:
			// output before Start is not attributable to a PID; skip
			continue
		case ev.Event.End != nil:
			stream.Close()
			return nil, ErrEndedImmediately
		}
	}
}

// drainer reads the rest of a background process's stream. It holds its own
// references to the channels so that taking them off the Handle cannot race
// with forwarding. The result slot is resolved exactly once in every path:
// on End with the resolved exit code, and on stream error or abrupt close
// with the sentinel exit code and whatever output was collected so far. A
// waiting consumer is never left hanging.
type drainer struct {
	log      *zap.SugaredLogger
	stream   *rpc.ProcessStream
	stdoutCh chan Output
	stderrCh chan Output
	resultCh chan *Result
}

func (d *drainer) run() {
	defer d.stream.Close()

	res := &Result{ExitCode: rpc.ExitCodeSentinel}
	resolve := func() {
		d.resultCh <- res
		close(d.stdoutCh)
		close(d.stderrCh)
	}

	for {
		ev, err := d.stream.NextEvent()
		if err == io.EOF {
			d.log.Debug("stream closed before process end")
			resolve()
			return
		}
		if err != nil {
			d.log.Debugf("drainer got stream error: %s", err)
			resolve()
			return
		}
		switch {
		case ev.Event.Start != nil:
			// already started; nothing to do
		case ev.Event.Data != nil:
			if err := d.forward(res, ev.Event.Data); err != nil {
				d.log.Debugf("drainer got malformed output: %s", err)
				resolve()
				return
			}
		case ev.Event.End != nil:
			res.ExitCode = ev.Event.End.ResolveExitCode()
			d.log.Debugf("process ended with exit code %d", res.ExitCode)
			resolve()
			return
		}
	}
}

// forward decodes one Data event, appends it to the running totals, and
// publishes it as timestamped records. Sends block on a full channel: back
// pressure slows the drainer, it never drops or reorders.
func (d *drainer) forward(res *Result, data *rpc.ProcessData) error {
	now := time.Now()
	if data.Stdout != nil {
		text, err := decodeOutput(*data.Stdout)
		if err != nil {
			return fmt.Errorf("decoding stdout: %w", err)
		}
		res.Stdout += text
		d.stdoutCh <- Output{Data: text, Timestamp: now}
	}
	if data.Stderr != nil {
		text, err := decodeOutput(*data.Stderr)
		if err != nil {
			return fmt.Errorf("decoding stderr: %w", err)
		}
		res.Stderr += text
		d.stderrCh <- Output{Data: text, Timestamp: now}
	}
	return nil
}
