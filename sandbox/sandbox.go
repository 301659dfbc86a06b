// Package sandbox manages sandbox lifecycle against the control plane and
// wires up the per-sandbox daemon APIs (commands, filesystem, interpreter)
// once a sandbox is running.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cellbox-dev/cellbox"
	"github.com/cellbox-dev/cellbox/errdefs"
)

// API lists, fetches, and creates sandboxes.
type API struct {
	client *cellbox.Client
}

func New(client *cellbox.Client) *API {
	return &API{client: client}
}

// Template starts a builder for a sandbox from the given template.
func (a *API) Template(templateID string) *Builder {
	return &Builder{
		api: a,
		req: CreateRequest{TemplateID: templateID},
	}
}

// List returns all sandboxes visible to the API key.
func (a *API) List(ctx context.Context) ([]Sandbox, error) {
	var sandboxes []Sandbox
	if err := a.client.DoJSON(ctx, http.MethodGet, "/sandboxes", nil, &sandboxes); err != nil {
		return nil, err
	}
	return sandboxes, nil
}

// Get fetches one sandbox by ID.
func (a *API) Get(ctx context.Context, sandboxID string) (*Sandbox, error) {
	var sb Sandbox
	err := a.client.DoJSON(ctx, http.MethodGet, "/sandboxes/"+sandboxID, nil, &sb)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, &errdefs.NotFoundError{Resource: "sandbox " + sandboxID}
		}
		return nil, err
	}
	return &sb, nil
}

// Delete destroys a sandbox by ID.
func (a *API) Delete(ctx context.Context, sandboxID string) error {
	return a.client.DoJSON(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
}

func (a *API) create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	var sb Sandbox
	if err := a.client.DoJSON(ctx, http.MethodPost, "/sandboxes", req, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Builder accumulates sandbox creation parameters.
type Builder struct {
	api *API
	req CreateRequest
}

func (b *Builder) Timeout(seconds uint32) *Builder {
	b.req.Timeout = seconds
	return b
}

func (b *Builder) AutoPause(v bool) *Builder {
	b.req.AutoPause = &v
	return b
}

func (b *Builder) Secure(v bool) *Builder {
	b.req.Secure = &v
	return b
}

func (b *Builder) AllowInternetAccess(v bool) *Builder {
	b.req.AllowInternetAccess = &v
	return b
}

func (b *Builder) Metadata(metadata any) *Builder {
	if raw, err := json.Marshal(metadata); err == nil {
		b.req.Metadata = raw
	}
	return b
}

func (b *Builder) EnvVars(envVars map[string]string) *Builder {
	b.req.EnvVars = envVars
	return b
}

func (b *Builder) EnvVar(key, value string) *Builder {
	if b.req.EnvVars == nil {
		b.req.EnvVars = map[string]string{}
	}
	b.req.EnvVars[key] = value
	return b
}

// Create creates the sandbox and connects the daemon APIs. Daemon connection
// failures degrade (the affected API stays uninitialized and its calls
// return errdefs.ErrNotInitialized) rather than failing the creation.
func (b *Builder) Create(ctx context.Context) (*Instance, error) {
	sb, err := b.api.create(ctx, b.req)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	return b.api.newInstance(ctx, sb)
}
