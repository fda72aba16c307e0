package storage

import (
	"context"

	"docstore/internal/model"
)

// AddMixinType adds a facet to a document. It returns false when the
// document already has the facet through its type or its instance.
func (s *Session) AddMixinType(ctx context.Context, n *Node, mixin string) (bool, error) {
	const op = "add mixin"
	if err := s.guard(op); err != nil {
		return false, err
	}
	if err := checkAlive(op, n); err != nil {
		return false, err
	}
	if n.IsProperty() {
		return false, errInvalid(op, n.id, "properties have no facets")
	}
	if s.model().Registry.Facet(mixin) == nil {
		return false, errInvalid(op, n.id, "unknown facet %s", mixin)
	}
	if n.HasFacet(mixin) {
		return false, nil
	}
	if err := s.checkWritable(ctx, op, n); err != nil {
		return false, err
	}

	s.pc.set(n.row(), model.KeyMixinTypes, formatMixins(append(n.MixinTypes(), mixin)))
	s.fulltextDirty[n.id] = struct{}{}
	return true, nil
}

// RemoveMixinType removes a facet from a document together with the data of
// the schemas only that facet provided. It returns false when the facet is
// not on the instance, including facets of the primary type.
func (s *Session) RemoveMixinType(ctx context.Context, n *Node, mixin string) (bool, error) {
	const op = "remove mixin"
	if err := s.guard(op); err != nil {
		return false, err
	}
	if err := checkAlive(op, n); err != nil {
		return false, err
	}
	if dt := s.model().Registry.DocumentType(n.PrimaryType()); dt != nil && dt.HasFacet(mixin) {
		return false, nil
	}
	before := n.MixinTypes()
	var after []string
	for _, m := range before {
		if m != mixin {
			after = append(after, m)
		}
	}
	if len(after) == len(before) {
		return false, nil
	}
	if err := s.checkWritable(ctx, op, n); err != nil {
		return false, err
	}

	reg := s.model().Registry
	kept := make(map[string]bool)
	for _, sn := range reg.SchemasFor(n.PrimaryType(), after) {
		kept[sn] = true
	}
	for _, sn := range reg.SchemasFor(n.PrimaryType(), before) {
		if kept[sn] {
			continue
		}
		if err := s.dropSchemaData(ctx, n, reg.Schema(sn)); err != nil {
			return false, err
		}
	}

	s.pc.set(n.row(), model.KeyMixinTypes, formatMixins(after))
	s.fulltextDirty[n.id] = struct{}{}
	return true, nil
}

// dropSchemaData removes the fragments and complex properties of a schema
func (s *Session) dropSchemaData(ctx context.Context, n *Node, schema *model.Schema) error {
	for _, table := range s.model().SchemaFragments(schema.Name) {
		f, err := s.pc.get(ctx, model.RowID{Table: table, ID: n.id})
		if err != nil {
			return err
		}
		if f != nil {
			s.pc.removeFragment(f)
		}
	}
	for _, field := range schema.Fields {
		switch field.Kind {
		case model.KindComplex, model.KindList, model.KindBlob:
		default:
			continue
		}
		children, err := s.children(ctx, n.id, true)
		if err != nil {
			return err
		}
		name := schema.Prefix + ":" + field.Name
		for _, c := range children {
			if c.Name() != name {
				continue
			}
			ids, err := s.propertySubtree(ctx, c)
			if err != nil {
				return err
			}
			s.pc.removeNodes(ids, false)
		}
		s.pc.touchSelection(childrenKey(n.id, true))
	}
	return nil
}
