// Package codec exports document subtrees as JSON or YAML.
package codec

import (
	"context"
	"fmt"
	"io"

	"docstore/internal/document"
)

// Tree is a snapshot of a document and its descendants
type Tree struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Path       string         `json:"path,omitempty" yaml:"path,omitempty"`
	Facets     []string       `json:"facets,omitempty" yaml:"facets,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []*Tree        `json:"children,omitempty" yaml:"children,omitempty"`
}

// Count returns the number of documents in the tree
func (t *Tree) Count() int {
	n := 1
	for _, c := range t.Children {
		n += c.Count()
	}
	return n
}

// Exporter writes a tree in one format
type Exporter interface {
	Export(t *Tree, w io.Writer) error
	Format() string
}

// ForFormat returns the exporter of a format name
func ForFormat(format string) (Exporter, error) {
	switch format {
	case "json":
		return NewJSONCodec(), nil
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// Capture reads doc and its descendants down to depth levels below it; a
// negative depth reads the whole subtree. Children the session may not
// browse are left out.
func Capture(ctx context.Context, doc *document.Document, depth int) (*Tree, error) {
	info, err := doc.Info(ctx)
	if err != nil {
		return nil, err
	}
	props, err := doc.Properties(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", info.Path, err)
	}
	t := &Tree{
		Name:       info.Name,
		Type:       info.Type,
		Path:       info.Path,
		Facets:     info.Facets,
		Properties: props,
	}
	if depth == 0 || !info.IsFolder {
		return t, nil
	}

	children, err := doc.Children(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", info.Path, err)
	}
	for _, child := range children {
		ct, err := Capture(ctx, child, depth-1)
		if err != nil {
			return nil, err
		}
		t.Children = append(t.Children, ct)
	}
	return t, nil
}
