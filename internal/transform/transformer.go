// Package transform renders message documents through named text/template
// templates.
//
// A template sees the document as .Document and the action parameters as
// .Params. The helpers field, param, xml and format are available; format
// sets the output format reported to the caller.
package transform

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/cuongbtq/msgroute/internal/payload"
	"github.com/cuongbtq/msgroute/internal/routing"
)

// ErrTemplateNotFound is returned for a template that was never loaded
var ErrTemplateNotFound = errors.New("template not found")

const templateExt = ".tmpl"

// Transformer is a routing.DocumentTransformer over text templates
type Transformer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New creates a transformer with no templates
func New() *Transformer {
	return &Transformer{templates: map[string]*template.Template{}}
}

// placeholders are replaced per execution
func placeholders() template.FuncMap {
	return template.FuncMap{
		"field":  func(string) string { return "" },
		"param":  func(string) string { return "" },
		"format": func(string) string { return "" },
		"xml":    escapeXML,
	}
}

func escapeXML(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Add parses text as the template called name, replacing any previous one
func (t *Transformer) Add(name, text string) error {
	tmpl, err := template.New(name).Funcs(placeholders()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	t.mu.Lock()
	t.templates[name] = tmpl
	t.mu.Unlock()
	return nil
}

// LoadDir adds every *.tmpl file of dir, named after the file without extension
func (t *Transformer) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+templateExt))
	if err != nil {
		return fmt.Errorf("failed to list templates in %s: %w", dir, err)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), templateExt)
		if err := t.Add(name, string(data)); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the loaded template names
func (t *Transformer) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.templates))
	for name := range t.templates {
		names = append(names, name)
	}
	return names
}

// Transform renders document with the named template. The returned format
// is empty unless the template called format.
func (t *Transformer) Transform(ctx context.Context, document []byte, templateName string, params map[string]string) ([]byte, string, error) {
	t.mu.RLock()
	base, ok := t.templates[templateName]
	t.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrTemplateNotFound, templateName)
	}

	// Executed templates can not be cloned, so the stored one is never run.
	tmpl, err := base.Clone()
	if err != nil {
		return nil, "", fmt.Errorf("failed to prepare template %s: %w", templateName, err)
	}

	var format string
	evaluator := payload.Detect(document)
	tmpl.Funcs(template.FuncMap{
		"field": func(name string) string {
			v, err := evaluator.GetField(name)
			if err != nil {
				return ""
			}
			return v
		},
		"param": func(name string) string { return params[name] },
		"format": func(f string) string {
			format = f
			return ""
		},
	})

	data := map[string]any{
		"Document": string(document),
		"Params":   params,
		"Family":   string(evaluator.Family()),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, "", fmt.Errorf("failed to execute template %s: %w", templateName, err)
	}
	return buf.Bytes(), format, nil
}

var _ routing.DocumentTransformer = (*Transformer)(nil)
