package model

import (
	"fmt"
	"sort"
	"strings"
)

// ScalarType is the value type of scalar and array fields
type ScalarType string

const (
	TypeString  ScalarType = "string"
	TypeLong    ScalarType = "long"
	TypeDouble  ScalarType = "double"
	TypeBoolean ScalarType = "boolean"
	TypeDate    ScalarType = "date"
)

// Valid reports whether t is a known scalar type
func (t ScalarType) Valid() bool {
	switch t {
	case TypeString, TypeLong, TypeDouble, TypeBoolean, TypeDate:
		return true
	}
	return false
}

// FieldKind is the closed set of property shapes
type FieldKind int

const (
	KindScalar  FieldKind = iota // single typed value
	KindArray                    // ordered list of scalars
	KindComplex                  // one nested complex value
	KindList                     // ordered list of complex values
	KindBlob                     // binary reference, stored as a content complex value
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArray:
		return "array"
	case KindComplex:
		return "complex"
	case KindList:
		return "list"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// StoredAsNode reports whether values of this kind live in child property nodes
func (k FieldKind) StoredAsNode() bool {
	return k == KindComplex || k == KindList || k == KindBlob
}

// Field is one field of a schema or complex type
type Field struct {
	Name string
	Kind FieldKind
	// Type is set for scalar and array fields
	Type ScalarType
	// ComplexType is set for complex and list fields; blob fields use ContentType
	ComplexType string
}

// Schema is a named group of fields. Document schemas have a prefix used to
// qualify property names (dc:title); complex types have none.
type Schema struct {
	Name   string
	Prefix string
	Fields []*Field

	byName map[string]*Field
}

// Field returns the named field, or nil
func (s *Schema) Field(name string) *Field {
	if s.byName == nil {
		s.index()
	}
	return s.byName[name]
}

func (s *Schema) index() {
	s.byName = make(map[string]*Field, len(s.Fields))
	for _, f := range s.Fields {
		s.byName[f.Name] = f
	}
}

// Facet is a mixin type contributing schemas
type Facet struct {
	Name    string
	Schemas []string
}

// DocumentType is a primary type
type DocumentType struct {
	Name    string
	Schemas []string
	Facets  []string
}

// HasFacet reports whether the type itself carries the facet
func (t *DocumentType) HasFacet(name string) bool {
	for _, f := range t.Facets {
		if f == name {
			return true
		}
	}
	return false
}

// Registry holds every schema, complex type, facet and document type known
// to a repository
type Registry struct {
	schemas      map[string]*Schema
	prefixes     map[string]*Schema
	complexTypes map[string]*Schema
	facets       map[string]*Facet
	types        map[string]*DocumentType
}

// NewRegistry creates a registry preloaded with the built-in types
func NewRegistry() *Registry {
	r := &Registry{
		schemas:      make(map[string]*Schema),
		prefixes:     make(map[string]*Schema),
		complexTypes: make(map[string]*Schema),
		facets:       make(map[string]*Facet),
		types:        make(map[string]*DocumentType),
	}
	registerBuiltins(r)
	return r
}

// AddSchema registers a prefixed document schema
func (r *Registry) AddSchema(s *Schema) error {
	if s.Name == "" || s.Prefix == "" {
		return fmt.Errorf("schema needs a name and a prefix: %q", s.Name)
	}
	if _, exists := r.schemas[s.Name]; exists {
		return fmt.Errorf("schema %s already registered", s.Name)
	}
	if other, exists := r.prefixes[s.Prefix]; exists {
		return fmt.Errorf("prefix %s already used by schema %s", s.Prefix, other.Name)
	}
	if err := checkFields(s); err != nil {
		return err
	}
	s.index()
	r.schemas[s.Name] = s
	r.prefixes[s.Prefix] = s
	return nil
}

// AddComplexType registers the field group of a complex property
func (r *Registry) AddComplexType(s *Schema) error {
	if s.Name == "" {
		return fmt.Errorf("complex type needs a name")
	}
	if _, exists := r.complexTypes[s.Name]; exists {
		return fmt.Errorf("complex type %s already registered", s.Name)
	}
	if err := checkFields(s); err != nil {
		return err
	}
	s.Prefix = ""
	s.index()
	r.complexTypes[s.Name] = s
	return nil
}

// AddFacet registers a facet
func (r *Registry) AddFacet(f *Facet) error {
	if f.Name == "" {
		return fmt.Errorf("facet needs a name")
	}
	if _, exists := r.facets[f.Name]; exists {
		return fmt.Errorf("facet %s already registered", f.Name)
	}
	r.facets[f.Name] = f
	return nil
}

// AddDocumentType registers a primary type
func (r *Registry) AddDocumentType(t *DocumentType) error {
	if t.Name == "" {
		return fmt.Errorf("document type needs a name")
	}
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("document type %s already registered", t.Name)
	}
	if _, clash := r.complexTypes[t.Name]; clash {
		return fmt.Errorf("document type %s clashes with a complex type", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Validate checks every cross reference once all types are registered
func (r *Registry) Validate() error {
	for _, s := range r.allSchemas() {
		for _, f := range s.Fields {
			if f.Kind == KindComplex || f.Kind == KindList {
				if _, ok := r.complexTypes[f.ComplexType]; !ok {
					return fmt.Errorf("field %s.%s: unknown complex type %q", s.Name, f.Name, f.ComplexType)
				}
			}
		}
	}
	for _, f := range r.facets {
		for _, name := range f.Schemas {
			if _, ok := r.schemas[name]; !ok {
				return fmt.Errorf("facet %s: unknown schema %q", f.Name, name)
			}
		}
	}
	for _, t := range r.types {
		for _, name := range t.Schemas {
			if _, ok := r.schemas[name]; !ok {
				return fmt.Errorf("document type %s: unknown schema %q", t.Name, name)
			}
		}
		for _, name := range t.Facets {
			if _, ok := r.facets[name]; !ok {
				return fmt.Errorf("document type %s: unknown facet %q", t.Name, name)
			}
		}
	}
	return nil
}

// Schema returns a document schema by name
func (r *Registry) Schema(name string) *Schema { return r.schemas[name] }

// SchemaByPrefix returns the document schema using prefix
func (r *Registry) SchemaByPrefix(prefix string) *Schema { return r.prefixes[prefix] }

// ComplexType returns a complex type by name
func (r *Registry) ComplexType(name string) *Schema { return r.complexTypes[name] }

// Facet returns a facet by name
func (r *Registry) Facet(name string) *Facet { return r.facets[name] }

// DocumentType returns a document type by name
func (r *Registry) DocumentType(name string) *DocumentType { return r.types[name] }

// DocumentTypes returns all document type names, sorted
func (r *Registry) DocumentTypes() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemasFor returns the schema names of a document type plus those of the
// facets it carries, in declaration order, without duplicates
func (r *Registry) SchemasFor(primaryType string, mixins []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}

	t := r.types[primaryType]
	if t != nil {
		add(t.Schemas)
		for _, fname := range t.Facets {
			if f := r.facets[fname]; f != nil {
				add(f.Schemas)
			}
		}
	}
	for _, fname := range mixins {
		if f := r.facets[fname]; f != nil {
			add(f.Schemas)
		}
	}
	return out
}

// FacetsFor returns the facets of a type plus the instance mixins
func (r *Registry) FacetsFor(primaryType string, mixins []string) []string {
	var out []string
	if t := r.types[primaryType]; t != nil {
		out = append(out, t.Facets...)
	}
	for _, m := range mixins {
		dup := false
		for _, f := range out {
			if f == m {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) allSchemas() []*Schema {
	out := make([]*Schema, 0, len(r.schemas)+len(r.complexTypes))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	for _, s := range r.complexTypes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func checkFields(s *Schema) error {
	seen := make(map[string]bool)
	for _, f := range s.Fields {
		if f.Name == "" || strings.ContainsAny(f.Name, ":/ ") {
			return fmt.Errorf("schema %s: invalid field name %q", s.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %s", s.Name, f.Name)
		}
		seen[f.Name] = true

		switch f.Kind {
		case KindScalar, KindArray:
			if !f.Type.Valid() {
				return fmt.Errorf("schema %s: field %s has invalid type %q", s.Name, f.Name, f.Type)
			}
		case KindComplex, KindList:
			if f.ComplexType == "" {
				return fmt.Errorf("schema %s: field %s needs a complex type", s.Name, f.Name)
			}
		case KindBlob:
			f.ComplexType = ContentType
		default:
			return fmt.Errorf("schema %s: field %s has unknown kind %d", s.Name, f.Name, f.Kind)
		}
	}
	return nil
}
