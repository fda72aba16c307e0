package config

import (
	"fmt"
	"slices"

	"docstore/internal/model"
)

// Registry builds a type registry holding the built-in types plus the
// declared ones. Each call returns a fresh registry.
func (t TypesConfig) Registry() (*model.Registry, error) {
	reg := model.NewRegistry()

	// complex types first: schema fields may reference them
	for _, ct := range t.ComplexTypes {
		fields, err := buildFields(ct.Fields)
		if err != nil {
			return nil, fmt.Errorf("complex type %s: %w", ct.Name, err)
		}
		if err := reg.AddComplexType(&model.Schema{Name: ct.Name, Fields: fields}); err != nil {
			return nil, err
		}
	}
	for _, s := range t.Schemas {
		fields, err := buildFields(s.Fields)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", s.Name, err)
		}
		if err := reg.AddSchema(&model.Schema{Name: s.Name, Prefix: s.Prefix, Fields: fields}); err != nil {
			return nil, err
		}
	}
	for _, f := range t.Facets {
		if err := reg.AddFacet(&model.Facet{Name: f.Name, Schemas: f.Schemas}); err != nil {
			return nil, err
		}
	}
	for _, dt := range t.DocumentTypes {
		facets := append([]string(nil), dt.Facets...)
		if dt.Folderish && !slices.Contains(facets, model.FacetFolderish) {
			facets = append(facets, model.FacetFolderish)
		}
		if err := reg.AddDocumentType(&model.DocumentType{Name: dt.Name, Schemas: dt.Schemas, Facets: facets}); err != nil {
			return nil, err
		}
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildFields(configs []FieldConfig) ([]*model.Field, error) {
	fields := make([]*model.Field, 0, len(configs))
	for _, fc := range configs {
		f, err := buildField(fc)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fc.Name, err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func buildField(fc FieldConfig) (*model.Field, error) {
	f := &model.Field{Name: fc.Name}
	switch {
	case fc.Complex != "":
		if fc.Type != "" || fc.Array {
			return nil, fmt.Errorf("complex field takes neither type nor array")
		}
		f.ComplexType = fc.Complex
		f.Kind = model.KindComplex
		if fc.List {
			f.Kind = model.KindList
		}
	case fc.List:
		return nil, fmt.Errorf("list needs a complex type")
	case fc.Type == "blob":
		if fc.Array {
			return nil, fmt.Errorf("blob arrays are declared as a list of a complex type")
		}
		f.Kind = model.KindBlob
	default:
		st := model.ScalarType(fc.Type)
		if fc.Type == "" {
			st = model.TypeString
		}
		if !st.Valid() {
			return nil, fmt.Errorf("unknown type %q", fc.Type)
		}
		f.Type = st
		f.Kind = model.KindScalar
		if fc.Array {
			f.Kind = model.KindArray
		}
	}
	return f, nil
}
