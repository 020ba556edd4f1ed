package email

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates/*.html
var templateFS embed.FS

// ErrUnknownTemplate is returned for template names that were not loaded.
var ErrUnknownTemplate = errors.New("email: unknown template")

// Renderer holds compiled templates keyed by name (file name without .html).
type Renderer struct {
	templates map[string]*pongo2.Template
}

// NewRenderer compiles the embedded templates.
func NewRenderer() (*Renderer, error) {
	return NewRendererFS(templateFS, "templates")
}

// NewRendererFS compiles every *.html file in dir of fsys.
func NewRendererFS(fsys fs.FS, dir string) (*Renderer, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("email: read templates: %w", err)
	}
	r := &Renderer{templates: make(map[string]*pongo2.Template)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".html" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("email: read %s: %w", e.Name(), err)
		}
		tpl, err := pongo2.FromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("email: compile %s: %w", e.Name(), err)
		}
		r.templates[strings.TrimSuffix(e.Name(), ".html")] = tpl
	}
	return r, nil
}

// Names lists loaded templates.
func (r *Renderer) Names() []string {
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render executes the named template. Values are HTML-escaped.
func (r *Renderer) Render(name string, vars map[string]any) (string, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	out, err := tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("email: render %s: %w", name, err)
	}
	return out, nil
}
