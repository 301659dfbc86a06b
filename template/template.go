// Package template manages sandbox templates: the images sandboxes are
// created from, their builds, and build logs.
package template

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cellbox-dev/cellbox"
	"github.com/cellbox-dev/cellbox/errdefs"
)

// API lists, fetches, and creates templates.
type API struct {
	client *cellbox.Client
}

func New(client *cellbox.Client) *API {
	return &API{client: client}
}

// List returns all templates visible to the API key.
func (a *API) List(ctx context.Context) ([]Template, error) {
	var templates []Template
	if err := a.client.DoJSON(ctx, http.MethodGet, "/templates", nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// Get fetches one template by ID or alias.
func (a *API) Get(ctx context.Context, templateID string) (*TemplateInstance, error) {
	var tpl Template
	err := a.client.DoJSON(ctx, http.MethodGet, "/templates/"+templateID, nil, &tpl)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, &errdefs.NotFoundError{Resource: "template " + templateID}
		}
		return nil, err
	}
	return &TemplateInstance{api: a, template: &tpl}, nil
}

// New starts a builder for a new template with the given name.
func (a *API) New(name string) *Builder {
	return &Builder{
		api: a,
		req: createRequest{Name: name},
	}
}

// Builder accumulates template creation parameters.
type Builder struct {
	api *API
	req createRequest
}

func (b *Builder) Description(description string) *Builder {
	b.req.Description = description
	return b
}

func (b *Builder) Dockerfile(dockerfile string) *Builder {
	b.req.Dockerfile = dockerfile
	return b
}

func (b *Builder) StartCmd(cmd string) *Builder {
	b.req.StartCmd = cmd
	return b
}

func (b *Builder) CPUCount(count uint32) *Builder {
	b.req.CPUCount = count
	return b
}

func (b *Builder) MemoryMB(mb uint32) *Builder {
	b.req.MemoryMB = mb
	return b
}

func (b *Builder) DiskMB(mb uint32) *Builder {
	b.req.DiskMB = mb
	return b
}

// Create registers the template and kicks off its first build.
func (b *Builder) Create(ctx context.Context) (*TemplateInstance, error) {
	var tpl Template
	if err := b.api.client.DoJSON(ctx, http.MethodPost, "/templates", b.req, &tpl); err != nil {
		return nil, fmt.Errorf("creating template: %w", err)
	}
	return &TemplateInstance{api: b.api, template: &tpl}, nil
}

// TemplateInstance is a template plus the operations on it.
type TemplateInstance struct {
	api      *API
	template *Template
}

// ID returns the template ID.
func (t *TemplateInstance) ID() string {
	return t.template.TemplateID
}

// Template returns the underlying record.
func (t *TemplateInstance) Template() *Template {
	return t.template
}

// Rebuild kicks off a new build of the template.
func (t *TemplateInstance) Rebuild(ctx context.Context) (*Build, error) {
	var build Build
	err := t.api.client.DoJSON(ctx, http.MethodPost, "/templates/"+t.ID()+"/builds", struct{}{}, &build)
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// Builds returns the template's build history.
func (t *TemplateInstance) Builds(ctx context.Context) ([]Build, error) {
	var builds []Build
	err := t.api.client.DoJSON(ctx, http.MethodGet, "/templates/"+t.ID()+"/builds", nil, &builds)
	if err != nil {
		return nil, err
	}
	return builds, nil
}

// Delete removes the template.
func (t *TemplateInstance) Delete(ctx context.Context) error {
	return t.api.client.DoJSON(ctx, http.MethodDelete, "/templates/"+t.ID(), nil, nil)
}

// Refresh reloads the template record.
func (t *TemplateInstance) Refresh(ctx context.Context) error {
	refreshed, err := t.api.Get(ctx, t.ID())
	if err != nil {
		return err
	}
	t.template = refreshed.template
	return nil
}
