package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(path.Join(u.Host, u.Path))
}

func init() {
	jsonschema.Loaders["embedfs"] = loadSchema
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.Compile("embedfs://schemas/protocol-template.schema.json")
	})
	return compiled, compileErr
}

// ValidateJSON validates raw template bytes against the wire schema
// before it is ever unmarshalled into a ProtocolTemplate, catching
// malformed files the Go struct tags alone would silently coerce.
func ValidateJSON(raw []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("template schema: %w", err)
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Errorf("template: invalid json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("template: schema violation: %w", err)
	}
	return nil
}

// Repository is a content-addressed, in-memory ProtocolTemplate store
// guarded by a single-writer/many-reader discipline.
type Repository struct {
	mu        sync.RWMutex
	templates map[string]ProtocolTemplate
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{templates: make(map[string]ProtocolTemplate)}
}

// ErrNotFound is returned by Get/Delete for an unknown template_id.
var ErrNotFound = fmt.Errorf("template: not found")

// Get returns a copy of the template with the given id.
func (r *Repository) Get(id string) (ProtocolTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return ProtocolTemplate{}, ErrNotFound
	}
	return t, nil
}

// Filter selects templates for List.
type Filter func(ProtocolTemplate) bool

// List returns all templates matching filter (nil selects all), sorted
// by template_id for deterministic iteration.
func (r *Repository) List(filter Filter) []ProtocolTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProtocolTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}

// Put validates and stores a template. Put on an existing id replaces
// the stored template unconditionally; there is no compare-and-swap
// and no check that the id is new. Values previously returned by
// Get/List are not modified by it.
func (r *Repository) Put(t ProtocolTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("template: marshal for validation: %w", err)
	}
	if err := ValidateJSON(raw); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.TemplateID] = t
	return nil
}

// Delete removes a template by id.
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return ErrNotFound
	}
	delete(r.templates, id)
	return nil
}
