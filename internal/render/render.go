// Package render turns event templates into message bodies.
//
// Templates live in a directory and are addressed by file name, the way the
// events document references them. Parsing happens per render so operators
// can edit templates without a restart; bodies are small and passes are
// infrequent, so there is no cache.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Params is the flat key/value bag handed to a template: the event's extra
// parameters plus the user identity fields added by the dispatcher.
type Params map[string]any

// Renderer produces a message body from a named template.
type Renderer interface {
	Render(templateName string, params Params) (string, error)
}

// Dir renders templates from a directory using text/template.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("template directory is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("template directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template directory: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Render(templateName string, params Params) (string, error) {
	name := filepath.Base(strings.TrimSpace(templateName))
	if name == "" || name == "." {
		return "", fmt.Errorf("template name is required")
	}

	b, err := os.ReadFile(filepath.Join(d.root, name))
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	tpl, err := template.New(name).Option("missingkey=zero").Parse(string(b))
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, map[string]any(params)); err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return sb.String(), nil
}
