// Package filesystem exposes the sandbox daemon's filesystem service: file
// reads and writes, directory listing and manipulation, and batch multipart
// uploads. Everything here is plain request/response plumbing over the RPC
// client; the streaming machinery lives in package rpc.
package filesystem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/cellbox-dev/cellbox/rpc"
	"go.uber.org/zap"
)

const (
	filesystemService = "filesystem.Filesystem"

	// defaultUsername is the sandbox user file operations run as.
	defaultUsername = "user"
)

// EntryInfo is one entry of a directory listing.
type EntryInfo struct {
	Path        string
	Name        string
	IsDir       bool
	Size        uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Permissions string
}

// FileInfo is the full stat result for a single path.
type FileInfo struct {
	Path        string
	Name        string
	Size        uint64
	IsDir       bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Permissions uint32
	Owner       string
	Group       string
}

// WriteEntry is one file to write: text when Binary is false, raw bytes
// (base64-encoded on the wire) when true.
type WriteEntry struct {
	Path   string
	Data   []byte
	Binary bool
}

// WriteInfo describes a written file.
type WriteInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size uint64 `json:"size"`
}

// API is the filesystem surface of one sandbox.
type API struct {
	log       *zap.SugaredLogger
	sandboxID string
	rpcClient *rpc.Client
}

func New(log *zap.SugaredLogger, sandboxID string) *API {
	return &API{
		log:       log.Named("filesystem"),
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

// WithRPCClient attaches an already-connected RPC client.
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

// ReadText reads a file's contents as text via the daemon's /files endpoint.
func (a *API) ReadText(ctx context.Context, path string) (string, error) {
	client, err := a.rpc()
	if err != nil {
		return "", err
	}
	query := url.Values{"path": {path}, "username": {defaultUsername}}
	b, err := client.Get(ctx, "/files", query)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a file's contents as raw bytes. The endpoint returns
// base64 for binary reads; invalid base64 fails the call.
func (a *API) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	text, err := a.ReadText(ctx, path)
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decoding binary content: %w", err)
	}
	return decoded, nil
}

// WriteText writes a text file through the filesystem Write RPC.
func (a *API) WriteText(ctx context.Context, path, content string) (*WriteInfo, error) {
	return a.Write(ctx, WriteEntry{Path: path, Data: []byte(content)})
}

// WriteBytes writes a binary file; contents cross the wire base64-encoded.
func (a *API) WriteBytes(ctx context.Context, path string, content []byte) (*WriteInfo, error) {
	return a.Write(ctx, WriteEntry{Path: path, Data: content, Binary: true})
}

func (a *API) Write(ctx context.Context, entry WriteEntry) (*WriteInfo, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}

	content, format := encodeEntry(entry)
	req := map[string]any{
		"path":     entry.Path,
		"content":  content,
		"format":   format,
		"username": defaultUsername,
	}
	raw, err := client.Call(ctx, filesystemService, "Write", req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Path string  `json:"path"`
		Size *uint64 `json:"size"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Path == "" || resp.Size == nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("invalid write response: %s", raw)}
	}
	return &WriteInfo{Path: resp.Path, Size: *resp.Size}, nil
}

// Upload writes multiple files in one multipart request to the daemon's
// /files endpoint. A single entry also sets the path query parameter, which
// the daemon uses to place the file exactly.
func (a *API) Upload(ctx context.Context, entries []WriteEntry) ([]WriteInfo, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []WriteInfo{}, nil
	}

	files := make([]rpc.MultipartFile, 0, len(entries))
	for _, entry := range entries {
		files = append(files, rpc.MultipartFile{
			FieldName: "file",
			FileName:  entry.Path,
			Contents:  entry.Data,
		})
	}

	query := url.Values{"username": {defaultUsername}}
	if len(entries) == 1 {
		query.Set("path", entries[0].Path)
	}

	raw, err := client.PostMultipart(ctx, "/files", query, files)
	if err != nil {
		return nil, err
	}

	var infos []WriteInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("invalid upload response: %s", raw)}
	}
	return infos, nil
}

// List returns the entries of a directory. Missing optional fields default
// to their zero values; timestamps fall back to the current time.
func (a *API) List(ctx context.Context, path string) ([]EntryInfo, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}
	raw, err := client.Call(ctx, filesystemService, "ListDir", pathRequest(path))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Entries == nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("invalid list response: missing entries: %s", raw)}
	}

	entries := make([]EntryInfo, 0, len(resp.Entries))
	for _, rawEntry := range resp.Entries {
		var e struct {
			Path        string `json:"path"`
			Name        string `json:"name"`
			IsDir       bool   `json:"is_dir"`
			Size        uint64 `json:"size"`
			CreatedAt   string `json:"created_at"`
			UpdatedAt   string `json:"updated_at"`
			Permissions string `json:"permissions"`
		}
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			entries = append(entries, EntryInfo{CreatedAt: time.Now(), UpdatedAt: time.Now()})
			continue
		}
		entries = append(entries, EntryInfo{
			Path:        e.Path,
			Name:        e.Name,
			IsDir:       e.IsDir,
			Size:        e.Size,
			CreatedAt:   parseTime(e.CreatedAt),
			UpdatedAt:   parseTime(e.UpdatedAt),
			Permissions: e.Permissions,
		})
	}
	return entries, nil
}

// Exists reports whether path exists, mapping a remote 404 to false.
func (a *API) Exists(ctx context.Context, path string) (bool, error) {
	client, err := a.rpc()
	if err != nil {
		return false, err
	}
	_, err = client.Call(ctx, filesystemService, "Stat", pathRequest(path))
	if err != nil {
		if errdefs.IsStatus(err, 404) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns the full file info for a path.
func (a *API) Stat(ctx context.Context, path string) (*FileInfo, error) {
	client, err := a.rpc()
	if err != nil {
		return nil, err
	}
	raw, err := client.Call(ctx, filesystemService, "Stat", pathRequest(path))
	if err != nil {
		return nil, err
	}

	var resp struct {
		Path        string `json:"path"`
		Name        string `json:"name"`
		Size        uint64 `json:"size"`
		IsDir       bool   `json:"is_dir"`
		CreatedAt   string `json:"created_at"`
		ModifiedAt  string `json:"modified_at"`
		Permissions uint32 `json:"permissions"`
		Owner       string `json:"owner"`
		Group       string `json:"group"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("invalid stat response: %s", raw)}
	}
	return &FileInfo{
		Path:        resp.Path,
		Name:        resp.Name,
		Size:        resp.Size,
		IsDir:       resp.IsDir,
		CreatedAt:   parseTime(resp.CreatedAt),
		ModifiedAt:  parseTime(resp.ModifiedAt),
		Permissions: resp.Permissions,
		Owner:       resp.Owner,
		Group:       resp.Group,
	}, nil
}

// Remove deletes a file or directory.
func (a *API) Remove(ctx context.Context, path string) error {
	client, err := a.rpc()
	if err != nil {
		return err
	}
	_, err = client.Call(ctx, filesystemService, "Remove", pathRequest(path))
	return err
}

// Rename moves a file or directory.
func (a *API) Rename(ctx context.Context, from, to string) error {
	client, err := a.rpc()
	if err != nil {
		return err
	}
	req := map[string]any{"from": from, "to": to, "username": defaultUsername}
	_, err = client.Call(ctx, filesystemService, "Move", req)
	return err
}

// MakeDir creates a directory.
func (a *API) MakeDir(ctx context.Context, path string) error {
	client, err := a.rpc()
	if err != nil {
		return err
	}
	_, err = client.Call(ctx, filesystemService, "MakeDir", pathRequest(path))
	return err
}

func pathRequest(path string) map[string]any {
	return map[string]any{"path": path, "username": defaultUsername}
}

func encodeEntry(entry WriteEntry) (content, format string) {
	if entry.Binary {
		return base64.StdEncoding.EncodeToString(entry.Data), "binary"
	}
	return string(entry.Data), "text"
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}
