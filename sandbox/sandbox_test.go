package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cellbox-dev/cellbox"
	"github.com/cellbox-dev/cellbox/config"
	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

// newControlPlane runs a fake control plane and returns an API bound to it.
func newControlPlane(t *testing.T, configure func(*httprouter.Router)) *API {
	router := httprouter.New()
	configure(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	client, err := cellbox.NewClientWithConfig(config.Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Timeout:    10 * time.Second,
		MaxRetries: 0,
	})
	require.NoError(t, err)
	return New(client)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestList(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.GET("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, []map[string]any{
				{"sandbox_id": "sb-1", "template_id": "base"},
				{"sandboxID": "sb-2", "templateID": "base"},
			})
		})
	})

	sandboxes, err := api.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sandboxes, 2)
	require.Equal(t, "sb-1", sandboxes[0].SandboxID)
	require.Equal(t, "sb-2", sandboxes[1].SandboxID)
}

func TestGet(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.GET("/sandboxes/:id", func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
			if p.ByName("id") != "sb-1" {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1"})
		})
	})

	sb, err := api.Get(context.Background(), "sb-1")
	require.NoError(t, err)
	require.Equal(t, "sb-1", sb.SandboxID)

	_, err = api.Get(context.Background(), "sb-missing")
	require.True(t, errdefs.IsNotFound(err))
}

func TestCreate(t *testing.T) {
	var gotReq map[string]any
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&gotReq))
			writeJSON(t, w, map[string]any{
				"sandbox_id": "sb-new",
				"template_id": "base",
			})
		})
	})

	inst, err := api.Template("base").
		Timeout(300).
		AutoPause(true).
		EnvVar("FOO", "bar").
		Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sb-new", inst.ID())
	require.NotNil(t, inst.Commands())
	require.NotNil(t, inst.Files())
	require.Nil(t, inst.Interpreter())

	require.Equal(t, "base", gotReq["templateID"])
	require.Equal(t, float64(300), gotReq["timeout"])
	require.Equal(t, true, gotReq["autoPause"])
	require.Equal(t, map[string]any{"FOO": "bar"}, gotReq["envVars"])
}

func TestCreateInterpreterSandbox(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{
				"sandbox_id":  "sb-ci",
				"template_id": "code-interpreter-v1",
			})
		})
	})

	inst, err := api.Template("code-interpreter-v1").Create(context.Background())
	require.NoError(t, err)
	require.NotNil(t, inst.Interpreter())
}

func TestInstanceLifecycle(t *testing.T) {
	var paused, resumed, deleted bool
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1"})
		})
		r.POST("/sandboxes/:id/pause", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			paused = true
			writeJSON(t, w, map[string]any{})
		})
		r.POST("/sandboxes/:id/resume", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			resumed = true
			writeJSON(t, w, map[string]any{})
		})
		r.DELETE("/sandboxes/:id", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		})
	})

	ctx := context.Background()
	inst, err := api.Template("base").Create(ctx)
	require.NoError(t, err)

	require.NoError(t, inst.Pause(ctx))
	require.NoError(t, inst.Resume(ctx))
	require.NoError(t, inst.Delete(ctx))
	require.True(t, paused)
	require.True(t, resumed)
	require.True(t, deleted)
}

func TestInstanceLogs(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1"})
		})
		r.GET("/sandboxes/:id/logs", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{
				"logEntries": []map[string]any{
					{"timestamp": "2026-08-30T12:00:00Z", "level": "info", "message": "booted"},
				},
				"logs": []map[string]any{
					{"timestamp": "2026-08-30T12:00:01Z", "line": "plain line"},
				},
			})
		})
	})

	ctx := context.Background()
	inst, err := api.Template("base").Create(ctx)
	require.NoError(t, err)

	logs, err := inst.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "booted", logs[0].Message)
	require.Equal(t, "plain line", logs[1].Message)
}

func TestInstanceLogsEmpty(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1"})
		})
		r.GET("/sandboxes/:id/logs", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{})
		})
	})

	ctx := context.Background()
	inst, err := api.Template("base").Create(ctx)
	require.NoError(t, err)

	_, err = inst.Logs(ctx)
	require.Error(t, err)
}

func TestInstanceMetricsArray(t *testing.T) {
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1"})
		})
		r.GET("/sandboxes/:id/metrics", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, []map[string]any{
				{"cpuCount": 2, "memUsed": 100},
				{"cpuCount": 2, "memUsed": 200},
			})
		})
	})

	ctx := context.Background()
	inst, err := api.Template("base").Create(ctx)
	require.NoError(t, err)

	m, err := inst.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), m.CPUCount)
	require.Equal(t, uint64(100), m.MemUsed)
}

func TestInstanceRefresh(t *testing.T) {
	live := true
	api := newControlPlane(t, func(r *httprouter.Router) {
		r.POST("/sandboxes", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1", "is_live": true})
		})
		r.GET("/sandboxes/:id", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			writeJSON(t, w, map[string]any{"sandbox_id": "sb-1", "is_live": live})
		})
	})

	ctx := context.Background()
	inst, err := api.Template("base").Create(ctx)
	require.NoError(t, err)
	require.True(t, inst.Sandbox().IsLive)

	live = false
	require.NoError(t, inst.Refresh(ctx))
	require.False(t, inst.Sandbox().IsLive)
}
