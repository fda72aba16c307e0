package document

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"docstore/internal/model"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
)

// ============================================================================
// Property values
// ============================================================================
//
// Values by field kind:
//
//	scalar   string, int64, float64, bool, time.Time
//	array    []any (typed slices are accepted on write)
//	complex  map[string]any keyed by field name
//	list     []map[string]any
//	blob     *Blob
//
// An xpath names a document property and may descend into complex values:
// "dc:title", "file:content/name", "files:files/0/file".

// GetValue reads the property at xpath. Unset values read as nil.
func (d *Document) GetValue(ctx context.Context, xpath string) (any, error) {
	n, err := d.checked(ctx, "get value", storage.ReadProperties)
	if err != nil {
		return nil, err
	}
	segs, err := splitXPath(xpath)
	if err != nil {
		return nil, storeerr.New("get value", d.id, err)
	}
	return d.s.readPath(ctx, n, segs)
}

// Properties reads every set property of the document, keyed by prefixed
// name
func (d *Document) Properties(ctx context.Context) (map[string]any, error) {
	n, err := d.checked(ctx, "get properties", storage.ReadProperties)
	if err != nil {
		return nil, err
	}
	reg := d.s.model().Registry
	out := make(map[string]any)
	for _, name := range reg.SchemasFor(n.PrimaryType(), n.MixinTypes()) {
		schema := reg.Schema(name)
		if schema == nil {
			continue
		}
		for _, f := range schema.Fields {
			v, err := d.s.readPath(ctx, n, []string{schema.Prefix + ":" + f.Name})
			if err != nil {
				return nil, err
			}
			if !isNil(v) {
				out[schema.Prefix+":"+f.Name] = v
			}
		}
	}
	return out, nil
}

// SetValue writes the property at xpath, checking out a checked-in
// document first. Complex and list values are replaced as a whole; nil
// removes them.
func (d *Document) SetValue(ctx context.Context, xpath string, v any) error {
	const op = "set value"
	n, err := d.checked(ctx, op, storage.WriteProperties)
	if err != nil {
		return err
	}
	segs, err := splitXPath(xpath)
	if err != nil {
		return storeerr.New(op, d.id, err)
	}
	if err := d.s.autoCheckOut(ctx, n); err != nil {
		return err
	}
	return d.s.writePath(ctx, n, segs, v)
}

// GetBlob reads a blob property, nil when unset
func (d *Document) GetBlob(ctx context.Context, xpath string) (*Blob, error) {
	v, err := d.GetValue(ctx, xpath)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(*Blob)
	if !ok {
		return nil, storeerr.New("get blob", d.id, fmt.Errorf("%w: %s is not a blob", storeerr.ErrInvalidArgument, xpath))
	}
	return b, nil
}

func splitXPath(xpath string) ([]string, error) {
	segs := strings.Split(strings.Trim(xpath, "/"), "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: bad xpath %q", storeerr.ErrInvalidArgument, xpath)
		}
	}
	return segs, nil
}

func invalid(n *storage.Node, format string, args ...any) error {
	return storeerr.New("property", n.ID(), fmt.Errorf("%w: "+format, append([]any{storeerr.ErrInvalidArgument}, args...)...))
}

// field resolves the layout of a property of n
func (s *Session) field(n *storage.Node, name string) (*model.Field, error) {
	info, err := s.model().Property(n.PrimaryType(), n.MixinTypes(), name)
	if err != nil {
		return nil, invalid(n, "%v", err)
	}
	return info.Field, nil
}

func complexTypeOf(f *model.Field) string {
	if f.Kind == model.KindBlob {
		return model.ContentType
	}
	return f.ComplexType
}

// listItems returns the items of a list property in order
func (s *Session) listItems(ctx context.Context, n *storage.Node, name string) ([]*storage.Node, error) {
	children, err := s.st.GetChildren(ctx, n, true)
	if err != nil {
		return nil, err
	}
	var out []*storage.Node
	for _, c := range children {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out, nil
}

func listIndex(n *storage.Node, seg string, size int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= size {
		return 0, invalid(n, "no list item %s", seg)
	}
	return i, nil
}

// ============================================================================
// Read
// ============================================================================

func (s *Session) readPath(ctx context.Context, n *storage.Node, segs []string) (any, error) {
	name := segs[0]
	f, err := s.field(n, name)
	if err != nil {
		return nil, err
	}

	switch f.Kind {
	case model.KindScalar, model.KindArray:
		if len(segs) > 1 {
			return nil, invalid(n, "%s has no sub-properties", name)
		}
		if f.Kind == model.KindScalar {
			return n.GetSimpleProperty(ctx, name)
		}
		return n.GetArrayProperty(ctx, name)

	case model.KindComplex, model.KindBlob:
		child, err := s.st.GetChild(ctx, n, name, true)
		if err != nil || child == nil {
			return nil, err
		}
		if len(segs) == 1 {
			return s.readComplex(ctx, child, f)
		}
		return s.readPath(ctx, child, segs[1:])

	case model.KindList:
		items, err := s.listItems(ctx, n, name)
		if err != nil {
			return nil, err
		}
		if len(segs) == 1 {
			out := make([]map[string]any, 0, len(items))
			for _, item := range items {
				v, err := s.readFields(ctx, item)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			if len(out) == 0 {
				return nil, nil
			}
			return out, nil
		}
		i, err := listIndex(n, segs[1], len(items))
		if err != nil {
			return nil, err
		}
		if len(segs) == 2 {
			return s.readFields(ctx, items[i])
		}
		return s.readPath(ctx, items[i], segs[2:])
	}
	return nil, invalid(n, "unsupported kind %s", f.Kind)
}

// readComplex reads a complex property node as a map, or as a *Blob for
// blob fields
func (s *Session) readComplex(ctx context.Context, n *storage.Node, f *model.Field) (any, error) {
	values, err := s.readFields(ctx, n)
	if err != nil {
		return nil, err
	}
	if f.Kind == model.KindBlob {
		return blobFromMap(values), nil
	}
	return values, nil
}

// readFields reads every set field of a complex value
func (s *Session) readFields(ctx context.Context, n *storage.Node) (map[string]any, error) {
	ct := s.model().Registry.ComplexType(n.PrimaryType())
	if ct == nil {
		return nil, invalid(n, "%s is not a complex type", n.PrimaryType())
	}
	out := make(map[string]any, len(ct.Fields))
	for _, f := range ct.Fields {
		v, err := s.readPath(ctx, n, []string{f.Name})
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[f.Name] = v
		}
	}
	return out, nil
}

// ============================================================================
// Write
// ============================================================================

func (s *Session) writePath(ctx context.Context, n *storage.Node, segs []string, v any) error {
	name := segs[0]
	f, err := s.field(n, name)
	if err != nil {
		return err
	}

	switch f.Kind {
	case model.KindScalar, model.KindArray:
		if len(segs) > 1 {
			return invalid(n, "%s has no sub-properties", name)
		}
		if f.Kind == model.KindScalar {
			return n.SetSimpleProperty(ctx, name, v)
		}
		return n.SetArrayProperty(ctx, name, v)

	case model.KindComplex, model.KindBlob:
		child, err := s.st.GetChild(ctx, n, name, true)
		if err != nil {
			return err
		}
		if len(segs) == 1 && isNil(v) {
			if child == nil {
				return nil
			}
			return s.st.RemovePropertyNode(ctx, child)
		}
		var values map[string]any
		if len(segs) == 1 {
			if values, err = complexValue(n, f, v); err != nil {
				return err
			}
		}
		if child == nil {
			if child, err = s.st.AddChildNode(ctx, n, name, nil, complexTypeOf(f), true); err != nil {
				return err
			}
		}
		if len(segs) > 1 {
			return s.writePath(ctx, child, segs[1:], v)
		}
		return s.writeFields(ctx, child, values)

	case model.KindList:
		if len(segs) == 1 {
			return s.writeList(ctx, n, name, f, v)
		}
		items, err := s.listItems(ctx, n, name)
		if err != nil {
			return err
		}
		i, err := listIndex(n, segs[1], len(items))
		if err != nil {
			return err
		}
		if len(segs) > 2 {
			return s.writePath(ctx, items[i], segs[2:], v)
		}
		values, err := complexValue(n, f, v)
		if err != nil {
			return err
		}
		return s.writeFields(ctx, items[i], values)
	}
	return invalid(n, "unsupported kind %s", f.Kind)
}

// writeList replaces every item of a list property
func (s *Session) writeList(ctx context.Context, n *storage.Node, name string, f *model.Field, v any) error {
	var values []map[string]any
	switch list := v.(type) {
	case nil:
	case []map[string]any:
		values = list
	case []any:
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return invalid(n, "list %s takes maps, got %T", name, item)
			}
			values = append(values, m)
		}
	default:
		return invalid(n, "list %s takes []map[string]any, got %T", name, v)
	}

	items, err := s.listItems(ctx, n, name)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.st.RemovePropertyNode(ctx, item); err != nil {
			return err
		}
	}
	for i, m := range values {
		pos := int64(i)
		item, err := s.st.AddChildNode(ctx, n, name, &pos, f.ComplexType, true)
		if err != nil {
			return err
		}
		if err := s.writeFields(ctx, item, m); err != nil {
			return err
		}
	}
	return nil
}

// writeFields sets every field of a complex value; fields missing from
// values are cleared
func (s *Session) writeFields(ctx context.Context, n *storage.Node, values map[string]any) error {
	ct := s.model().Registry.ComplexType(n.PrimaryType())
	if ct == nil {
		return invalid(n, "%s is not a complex type", n.PrimaryType())
	}
	for key := range values {
		if ct.Field(key) == nil {
			return invalid(n, "no field %s in %s", key, ct.Name)
		}
	}
	for _, f := range ct.Fields {
		if err := s.writePath(ctx, n, []string{f.Name}, values[f.Name]); err != nil {
			return err
		}
	}
	return nil
}

// complexValue converts the value written to a complex or blob field
func complexValue(n *storage.Node, f *model.Field, v any) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		if f.Kind == model.KindBlob {
			return nil, invalid(n, "blob %s takes a *Blob", f.Name)
		}
		return val, nil
	case *Blob:
		if f.Kind != model.KindBlob {
			return nil, invalid(n, "%s is not a blob", f.Name)
		}
		return val.toMap(), nil
	case Blob:
		if f.Kind != model.KindBlob {
			return nil, invalid(n, "%s is not a blob", f.Name)
		}
		return val.toMap(), nil
	}
	return nil, invalid(n, "%s %s cannot take %T", f.Kind, f.Name, v)
}

func isNil(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case *Blob:
		return val == nil
	case map[string]any:
		return val == nil
	case []any:
		return val == nil
	}
	return false
}
