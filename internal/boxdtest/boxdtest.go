// Package boxdtest runs an in-process stand-in for the sandbox daemon so the
// client packages can be tested end to end over real HTTP. Processes are
// executed with os/exec and their output streamed back as envelope frames;
// filesystem operations act on a per-daemon temp directory.
package boxdtest

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	envelopeHeaderLen = 5
	flagEndStream     = 0b0000_0010
)

// Daemon is a fake sandbox daemon bound to an httptest server.
type Daemon struct {
	log    *zap.SugaredLogger
	server *httptest.Server
	root   string

	mu    sync.Mutex
	procs map[uint32]*proc
}

// proc is one spawned process plus its recorded event payloads. Subscribers
// (the Start response and any Connect responses) replay the payload log and
// block on the cond until more arrives or the end payload is set.
type proc struct {
	pid    uint32
	config processConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu       sync.Mutex
	cond     *sync.Cond
	payloads [][]byte
	end      []byte
}

type processConfig struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Envs map[string]string `json:"envs"`
	Cwd  string            `json:"cwd"`
}

func New(t *testing.T) *Daemon {
	d := &Daemon{
		log:   zaptest.NewLogger(t).Named("boxd").Sugar(),
		root:  t.TempDir(),
		procs: map[uint32]*proc{},
	}

	router := httprouter.New()
	router.POST("/process.Process/Start", d.handleStart)
	router.POST("/process.Process/Connect", d.handleConnect)
	router.POST("/process.Process/List", d.handleList)
	router.POST("/process.Process/SendSignal", d.handleSendSignal)
	router.POST("/process.Process/SendInput", d.handleSendInput)
	router.POST("/filesystem.Filesystem/Write", d.handleWrite)
	router.POST("/filesystem.Filesystem/ListDir", d.handleListDir)
	router.POST("/filesystem.Filesystem/Stat", d.handleStat)
	router.POST("/filesystem.Filesystem/MakeDir", d.handleMakeDir)
	router.POST("/filesystem.Filesystem/Remove", d.handleRemove)
	router.POST("/filesystem.Filesystem/Move", d.handleMove)
	router.GET("/files", d.handleDownload)
	router.POST("/files", d.handleUpload)

	d.server = httptest.NewServer(router)
	t.Cleanup(d.Close)
	return d
}

// URL returns the daemon's base URL.
func (d *Daemon) URL() string {
	return d.server.URL
}

// Root returns the daemon's filesystem root.
func (d *Daemon) Root() string {
	return d.root
}

func (d *Daemon) Close() {
	d.server.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.procs {
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	}
}

// --- process service ---

func (d *Daemon) handleStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Process processConfig `json:"process"`
	}
	if err := decodeEnvelopedBody(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := d.spawn(req.Process)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.log.Debugw("spawned process", "PID", p.pid, "Cmd", req.Process.Cmd)
	streamEvents(w, p)
}

func (d *Daemon) handleConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Process struct {
			PID uint32 `json:"pid"`
		} `json:"process"`
	}
	if err := decodeEnvelopedBody(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	p, ok := d.procs[req.Process.PID]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "no such process", http.StatusNotFound)
		return
	}
	streamEvents(w, p)
}

func (d *Daemon) handleList(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	d.mu.Lock()
	type listEntry struct {
		PID    uint32        `json:"pid"`
		Tag    string        `json:"tag"`
		Config processConfig `json:"config"`
	}
	entries := []listEntry{}
	for _, p := range d.procs {
		p.mu.Lock()
		running := p.end == nil
		p.mu.Unlock()
		if running {
			entries = append(entries, listEntry{PID: p.pid, Config: p.config})
		}
	}
	d.mu.Unlock()
	writeJSON(w, map[string]any{"processes": entries})
}

func (d *Daemon) handleSendSignal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Process struct {
			PID uint32 `json:"pid"`
		} `json:"process"`
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	p, ok := d.procs[req.Process.PID]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "no such process", http.StatusNotFound)
		return
	}
	p.cmd.Process.Kill()
	writeJSON(w, map[string]any{})
}

func (d *Daemon) handleSendInput(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Process struct {
			PID uint32 `json:"pid"`
		} `json:"process"`
		Input struct {
			Stdin string `json:"stdin"`
		} `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	p, ok := d.procs[req.Process.PID]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "no such process", http.StatusNotFound)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Input.Stdin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := p.stdin.Write(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{})
}

func (d *Daemon) spawn(config processConfig) (*proc, error) {
	cmd := exec.Command(config.Cmd, config.Args...)
	cmd.Env = os.Environ()
	for k, v := range config.Envs {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if config.Cwd != "" {
		cmd.Dir = d.resolve(config.Cwd)
	} else {
		cmd.Dir = d.root
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &proc{
		pid:    uint32(cmd.Process.Pid),
		config: config,
		cmd:    cmd,
		stdin:  stdin,
	}
	p.cond = sync.NewCond(&p.mu)

	d.mu.Lock()
	d.procs[p.pid] = p
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(&wg, "stdout", stdout)
	go p.pump(&wg, "stderr", stderr)
	go func() {
		wg.Wait()
		err := cmd.Wait()
		exitCode := 0
		status := "exit status 0"
		if err != nil {
			exitCode = -1
			status = err.Error()
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
				status = exitErr.String()
			}
		}
		p.finish(exitCode, status)
	}()

	return p, nil
}

func (p *proc) pump(wg *sync.WaitGroup, name string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			encoded := base64.StdEncoding.EncodeToString(buf[:n])
			p.publish(map[string]any{
				"event": map[string]any{
					"data": map[string]any{name: encoded},
				},
			})
		}
		if err != nil {
			return
		}
	}
}

func (p *proc) publish(event map[string]any) {
	payload, _ := json.Marshal(event)
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *proc) finish(exitCode int, status string) {
	payload, _ := json.Marshal(map[string]any{
		"event": map[string]any{
			"end": map[string]any{
				"exited":    true,
				"status":    status,
				"exit_code": exitCode,
			},
		},
	})
	p.mu.Lock()
	p.end = payload
	p.cond.Broadcast()
	p.mu.Unlock()
}

// streamEvents writes a start event and then the process's event log as
// envelope frames, blocking until the process finishes. The end frame carries
// the end-of-stream flag.
func streamEvents(w http.ResponseWriter, p *proc) {
	w.Header().Set("Content-Type", "application/connect+json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	start, _ := json.Marshal(map[string]any{
		"event": map[string]any{"start": map[string]any{"pid": p.pid}},
	})
	writeFrame(w, 0, start)
	if flusher != nil {
		flusher.Flush()
	}

	next := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for next < len(p.payloads) {
			payload := p.payloads[next]
			next++
			p.mu.Unlock()
			writeFrame(w, 0, payload)
			if flusher != nil {
				flusher.Flush()
			}
			p.mu.Lock()
		}
		if p.end != nil {
			end := p.end
			p.mu.Unlock()
			writeFrame(w, flagEndStream, end)
			if flusher != nil {
				flusher.Flush()
			}
			p.mu.Lock()
			return
		}
		p.cond.Wait()
	}
}

// --- filesystem service ---

func (d *Daemon) handleWrite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Format  string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := []byte(req.Content)
	if req.Format == "binary" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data = decoded
	}

	full := d.resolve(req.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"path": req.Path, "size": len(data)})
}

func (d *Daemon) handleListDir(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := decodePathRequest(w, r)
	if !ok {
		return
	}
	dirEntries, err := os.ReadDir(d.resolve(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	entries := []map[string]any{}
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, map[string]any{
			"path":        filepath.Join(req, de.Name()),
			"name":        de.Name(),
			"is_dir":      de.IsDir(),
			"size":        info.Size(),
			"created_at":  info.ModTime().Format(time.RFC3339),
			"updated_at":  info.ModTime().Format(time.RFC3339),
			"permissions": info.Mode().String(),
		})
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (d *Daemon) handleStat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := decodePathRequest(w, r)
	if !ok {
		return
	}
	info, err := os.Stat(d.resolve(req))
	if err != nil {
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"path":        req,
		"name":        info.Name(),
		"size":        info.Size(),
		"is_dir":      info.IsDir(),
		"created_at":  info.ModTime().Format(time.RFC3339),
		"modified_at": info.ModTime().Format(time.RFC3339),
		"permissions": uint32(info.Mode().Perm()),
		"owner":       "user",
		"group":       "user",
	})
}

func (d *Daemon) handleMakeDir(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := decodePathRequest(w, r)
	if !ok {
		return
	}
	if err := os.MkdirAll(d.resolve(req), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{})
}

func (d *Daemon) handleRemove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := decodePathRequest(w, r)
	if !ok {
		return
	}
	if err := os.RemoveAll(d.resolve(req)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{})
}

func (d *Daemon) handleMove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := os.Rename(d.resolve(req.From), d.resolve(req.To)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{})
}

func (d *Daemon) handleDownload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(d.resolve(path))
	if err != nil {
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}
	w.Write(data)
}

func (d *Daemon) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pathOverride := r.URL.Query().Get("path")
	infos := []map[string]any{}
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			path := header.Filename
			if pathOverride != "" {
				path = pathOverride
			}
			full := d.resolve(path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := os.WriteFile(full, data, 0o644); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			infos = append(infos, map[string]any{
				"path": path,
				"name": filepath.Base(path),
				"type": "file",
				"size": len(data),
			})
		}
	}
	writeJSON(w, infos)
}

func (d *Daemon) resolve(path string) string {
	return filepath.Join(d.root, strings.TrimPrefix(path, "/"))
}

func decodePathRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return req.Path, true
}

// decodeEnvelopedBody strips the single request envelope frame and decodes
// its JSON payload.
func decodeEnvelopedBody(body io.Reader, out any) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(b) >= envelopeHeaderLen {
		length := int(binary.BigEndian.Uint32(b[1:envelopeHeaderLen]))
		if len(b) >= envelopeHeaderLen+length {
			b = b[envelopeHeaderLen : envelopeHeaderLen+length]
		}
	}
	return json.Unmarshal(b, out)
}

func writeFrame(w io.Writer, flags byte, payload []byte) {
	header := make([]byte, envelopeHeaderLen)
	header[0] = flags
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	w.Write(header)
	w.Write(payload)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
