package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunBackground(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "echo first; echo second")
	require.NoError(t, err)
	require.NotZero(t, h.PID)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(0), res.ExitCode)
	require.Equal(t, "first\nsecond\n", res.Stdout)
}

func TestRunBackgroundStreamsOutput(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "echo one; sleep 0.1; echo two")
	require.NoError(t, err)

	stdout := h.Stdout()
	require.NotNil(t, stdout)

	var collected string
	for out := range stdout {
		require.False(t, out.Timestamp.IsZero())
		collected += out.Data
	}
	require.Equal(t, "one\ntwo\n", collected)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(0), res.ExitCode)
}

func TestHandleChannelsTakenOnce(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "echo hi")
	require.NoError(t, err)

	require.NotNil(t, h.Stdout())
	require.Nil(t, h.Stdout())
	require.NotNil(t, h.Stderr())
	require.Nil(t, h.Stderr())

	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestHandleWaitRepeatable(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "echo hi")
	require.NoError(t, err)

	first, err := h.Wait(ctx)
	require.NoError(t, err)
	second, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestHandleWaitContextCancelled(t *testing.T) {
	api := newTestAPI(t)

	h, err := api.RunBackground(context.Background(), "sleep 30")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = api.Kill(context.Background(), h.PID)
	require.NoError(t, err)
}

func TestConnectHandleHasNoDrainer(t *testing.T) {
	api := newTestAPI(t)

	h := api.Connect(1234)
	require.Nil(t, h.Stdout())
	require.Nil(t, h.Stderr())
	_, err := h.Wait(context.Background())
	require.Error(t, err)
}

func TestRunBackgroundEndedImmediately(t *testing.T) {
	// A daemon whose first event is already End: the launch failed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(endFrame(`{"event":{"end":{"exited":true,"status":"exit status 127","exit_code":127}}}`))
	}))
	defer srv.Close()

	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	require.NoError(t, api.InitRPC(srv.URL, ""))

	_, err := api.RunBackground(context.Background(), "no-such-binary")
	require.ErrorIs(t, err, ErrEndedImmediately)
}

func TestRunBackgroundNoStartEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// empty 200: the stream closes without ever announcing a PID
	}))
	defer srv.Close()

	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	require.NoError(t, api.InitRPC(srv.URL, ""))

	_, err := api.RunBackground(context.Background(), "echo hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no PID received")
}

func TestRunBackgroundStderr(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "echo problem >&2")
	require.NoError(t, err)

	stderr := h.Stderr()
	var collected string
	for out := range stderr {
		collected += out.Data
	}
	require.Equal(t, "problem\n", collected)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "problem\n", res.Stderr)
}
