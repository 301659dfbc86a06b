package commands

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/cellbox-dev/cellbox/internal/boxdtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAPI(t *testing.T) *API {
	d := boxdtest.New(t)
	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	require.NoError(t, api.InitRPC(d.URL(), ""))
	return api
}

func TestSplitCommand(t *testing.T) {
	for _, tc := range []struct {
		cmd      string
		wantCmd  string
		wantArgs []string
	}{
		{"ls", "ls", []string{}},
		{"ls -la /tmp", "ls", []string{"-la", "/tmp"}},
		{"echo hello world", "echo", []string{"hello", "world"}},
		{"echo hi > /tmp/out", "sh", []string{"-c", "echo hi > /tmp/out"}},
		{"cat < input", "sh", []string{"-c", "cat < input"}},
		{"ls | wc -l", "sh", []string{"-c", "ls | wc -l"}},
		{"a && b", "sh", []string{"-c", "a && b"}},
		{"true; false", "sh", []string{"-c", "true; false"}},
		{"(cd /tmp)", "sh", []string{"-c", "(cd /tmp)"}},
		{"echo ${HOME}", "sh", []string{"-c", "echo ${HOME}"}},
		{"echo `date`", "sh", []string{"-c", "echo `date`"}},
		{`echo "quoted"`, "sh", []string{"-c", `echo "quoted"`}},
		{"echo 'quoted'", "sh", []string{"-c", "echo 'quoted'"}},
		{"", "", []string{}},
	} {
		cmd, args := splitCommand(tc.cmd)
		require.Equal(t, tc.wantCmd, cmd, "command %q", tc.cmd)
		require.Equal(t, tc.wantArgs, args, "command %q", tc.cmd)
	}
}

func TestParseProcessList(t *testing.T) {
	full := `[{"pid":7,"tag":"t","config":{"cmd":"sleep","args":["5"],"envs":{"A":"1"},"cwd":"/tmp"}}]`

	t.Run("bare array", func(t *testing.T) {
		infos, err := parseProcessList(json.RawMessage(full))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		require.Equal(t, uint32(7), infos[0].PID)
		require.Equal(t, "sleep", infos[0].Cmd)
		require.Equal(t, []string{"5"}, infos[0].Args)
		require.Equal(t, map[string]string{"A": "1"}, infos[0].Envs)
		require.Equal(t, "/tmp", infos[0].Cwd)
	})

	t.Run("processes object", func(t *testing.T) {
		infos, err := parseProcessList(json.RawMessage(`{"processes":` + full + `}`))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		require.Equal(t, uint32(7), infos[0].PID)
	})

	t.Run("empty object means zero", func(t *testing.T) {
		infos, err := parseProcessList(json.RawMessage(`{}`))
		require.NoError(t, err)
		require.Empty(t, infos)
	})

	t.Run("missing optional fields default", func(t *testing.T) {
		infos, err := parseProcessList(json.RawMessage(`[{"pid":3}]`))
		require.NoError(t, err)
		require.Len(t, infos, 1)
		require.NotNil(t, infos[0].Args)
		require.NotNil(t, infos[0].Envs)
	})

	t.Run("other shapes are hard errors", func(t *testing.T) {
		for _, raw := range []string{`"nope"`, `42`, `{"other":1}`} {
			_, err := parseProcessList(json.RawMessage(raw))
			var protoErr *errdefs.ProtocolError
			require.ErrorAs(t, err, &protoErr, "input %s", raw)
		}
	})
}

func TestRun(t *testing.T) {
	api := newTestAPI(t)

	res, err := api.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Equal(t, int32(0), res.ExitCode)
	require.Greater(t, res.ExecutionTime, time.Duration(0))
}

func TestRunNonZeroExit(t *testing.T) {
	api := newTestAPI(t)

	res, err := api.Run(context.Background(), "echo oops >&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, "oops\n", res.Stderr)
	require.Equal(t, int32(3), res.ExitCode)
}

func TestRunWithEnvsAndCwd(t *testing.T) {
	api := newTestAPI(t)

	res, err := api.RunWithOptions(context.Background(), "echo $GREETING", Options{
		Envs: map[string]string{"GREETING": "hi there"},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there\n", res.Stdout)
	require.Equal(t, int32(0), res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	api := newTestAPI(t)

	_, err := api.RunWithTimeout(context.Background(), "sleep 10", 200*time.Millisecond)
	require.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestRunNotInitialized(t *testing.T) {
	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	_, err := api.Run(context.Background(), "echo hi")
	require.ErrorIs(t, err, errdefs.ErrNotInitialized)
}

func TestListAndKill(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "sleep 30")
	require.NoError(t, err)

	infos, err := api.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, info := range infos {
		if info.PID == h.PID {
			found = true
		}
	}
	require.True(t, found, "started process missing from listing")

	killed, err := api.Kill(ctx, h.PID)
	require.NoError(t, err)
	require.True(t, killed)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.NotEqual(t, int32(0), res.ExitCode)
}

func TestKillUnknownPID(t *testing.T) {
	api := newTestAPI(t)

	killed, err := api.Kill(context.Background(), 999999)
	require.NoError(t, err)
	require.False(t, killed)
}

func TestSendStdin(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "cat")
	require.NoError(t, err)
	stdout := h.Stdout()

	require.NoError(t, api.SendStdin(ctx, h.PID, "ping\n"))

	select {
	case out := <-stdout:
		require.Equal(t, "ping\n", out.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no stdout received")
	}

	_, err = api.Kill(ctx, h.PID)
	require.NoError(t, err)
}

func TestSendStdinUnknownPID(t *testing.T) {
	api := newTestAPI(t)

	err := api.SendStdin(context.Background(), 999999, "data")
	require.True(t, errdefs.IsStatus(err, http.StatusNotFound))
}

func TestWaitForCommandByPID(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	h, err := api.RunBackground(ctx, "sleep 0.2; echo done")
	require.NoError(t, err)

	// attach with a bare handle, as a separate consumer would
	res, err := api.WaitForCommand(ctx, api.Connect(h.PID))
	require.NoError(t, err)
	require.Equal(t, int32(0), res.ExitCode)
	require.Equal(t, "done\n", res.Stdout)
}

// endFrame builds a single envelope frame carrying the end-of-stream flag.
func endFrame(payload string) []byte {
	b := make([]byte, 5+len(payload))
	b[0] = 0b0000_0010
	binary.BigEndian.PutUint32(b[1:5], uint32(len(payload)))
	copy(b[5:], payload)
	return b
}

func TestRunStreamCutWithoutEnd(t *testing.T) {
	// A daemon that hangs up after some output but never sends End.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := `{"event":{"data":{"stdout":"cGFydGlhbA=="}}}`
		b := make([]byte, 5+len(payload))
		binary.BigEndian.PutUint32(b[1:5], uint32(len(payload)))
		copy(b[5:], payload)
		w.Write(b)
	}))
	defer srv.Close()

	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	require.NoError(t, api.InitRPC(srv.URL, ""))

	res, err := api.Run(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, "partial", res.Stdout)
	require.Equal(t, int32(-1), res.ExitCode)
}

func TestRunInvalidOutputEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(endFrame(`{"event":{"data":{"stdout":"not-base64!!"}}}`))
	}))
	defer srv.Close()

	api := New(zaptest.NewLogger(t).Sugar(), "sb-test")
	require.NoError(t, api.InitRPC(srv.URL, ""))

	_, err := api.Run(context.Background(), "whatever")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decoding stdout")
}
