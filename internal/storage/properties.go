package storage

import (
	"context"
	"fmt"

	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// ============================================================================
// Property access
// ============================================================================
//
// Scalar and array properties live in the schema fragments of the node.
// Complex properties are child nodes in the property namespace and are
// reached with GetChild/AddChildNode. Proxies read and write the data of
// their target.

// resolveProperty returns the node holding the data and the property layout
func (n *Node) resolveProperty(ctx context.Context, op, name string, kind model.FieldKind) (*Node, *model.PropertyInfo, error) {
	if err := n.s.guard(op); err != nil {
		return nil, nil, err
	}
	if err := checkAlive(op, n); err != nil {
		return nil, nil, err
	}
	data, err := n.s.dataNode(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	info, err := n.s.model().Property(data.PrimaryType(), data.MixinTypes(), name)
	if err != nil {
		return nil, nil, storeerr.New(op, n.id, fmt.Errorf("%w: %v", storeerr.ErrInvalidArgument, err))
	}
	if info.Field.Kind != kind {
		return nil, nil, errInvalid(op, n.id, "property %s is a %s", name, info.Field.Kind)
	}
	return data, info, nil
}

// GetSimpleProperty returns a scalar value, nil when unset
func (n *Node) GetSimpleProperty(ctx context.Context, name string) (any, error) {
	data, info, err := n.resolveProperty(ctx, "get property", name, model.KindScalar)
	if err != nil {
		return nil, err
	}
	f, err := n.s.pc.get(ctx, model.RowID{Table: info.Table, ID: data.id})
	if err != nil || f == nil {
		return nil, err
	}
	return f.get(info.Column), nil
}

// SetSimpleProperty sets a scalar value. The value is converted to the
// canonical type of the field; nil clears it.
func (n *Node) SetSimpleProperty(ctx context.Context, name string, v any) error {
	const op = "set property"
	data, info, err := n.resolveProperty(ctx, op, name, model.KindScalar)
	if err != nil {
		return err
	}
	if err := n.s.checkWritable(ctx, op, n); err != nil {
		return err
	}
	norm, err := model.Normalize(info.Field.Type, v)
	if err != nil {
		return storeerr.New(op, n.id, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, name, err))
	}
	f, err := n.s.pc.getOrCreate(ctx, model.RowID{Table: info.Table, ID: data.id})
	if err != nil {
		return err
	}
	n.s.pc.set(f, info.Column, norm)
	return n.s.textChanged(ctx, data)
}

// GetArrayProperty returns the items of an array, nil when empty
func (n *Node) GetArrayProperty(ctx context.Context, name string) ([]any, error) {
	data, info, err := n.resolveProperty(ctx, "get array", name, model.KindArray)
	if err != nil {
		return nil, err
	}
	f, err := n.s.pc.get(ctx, model.RowID{Table: info.Table, ID: data.id})
	if err != nil || f == nil || len(f.row.Items) == 0 {
		return nil, err
	}
	return f.items(), nil
}

// SetArrayProperty replaces the items of an array. v is a typed slice or
// []any; nil elements are rejected.
func (n *Node) SetArrayProperty(ctx context.Context, name string, v any) error {
	const op = "set array"
	data, info, err := n.resolveProperty(ctx, op, name, model.KindArray)
	if err != nil {
		return err
	}
	if err := n.s.checkWritable(ctx, op, n); err != nil {
		return err
	}
	values, err := model.NormalizeArray(info.Field.Type, v)
	if err != nil {
		return storeerr.New(op, n.id, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, name, err))
	}
	rid := model.RowID{Table: info.Table, ID: data.id}
	if len(values) == 0 {
		f, err := n.s.pc.get(ctx, rid)
		if err != nil {
			return err
		}
		if f != nil {
			n.s.pc.removeFragment(f)
		}
		return n.s.textChanged(ctx, data)
	}
	f, err := n.s.pc.getOrCreate(ctx, rid)
	if err != nil {
		return err
	}
	n.s.pc.setItems(f, itemsOf(values))
	return n.s.textChanged(ctx, data)
}

// LifeCycleState returns the lifecycle state, empty when none was set
func (n *Node) LifeCycleState(ctx context.Context) (string, error) {
	const op = "get lifecycle"
	if err := n.s.guard(op); err != nil {
		return "", err
	}
	if err := checkAlive(op, n); err != nil {
		return "", err
	}
	data, err := n.s.dataNode(ctx, n)
	if err != nil {
		return "", err
	}
	f, err := n.s.pc.get(ctx, model.RowID{Table: model.MiscTable, ID: data.id})
	if err != nil || f == nil {
		return "", err
	}
	return f.getString(model.KeyLifeCycleState), nil
}

// SetLifeCycleState records a lifecycle state. Lifecycle is not versioned
// content, so checked-in documents and versions accept it.
func (n *Node) SetLifeCycleState(ctx context.Context, state string) error {
	const op = "set lifecycle"
	if err := n.s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, n); err != nil {
		return err
	}
	if n.IsProperty() {
		return errInvalid(op, n.id, "properties have no lifecycle")
	}
	data, err := n.s.dataNode(ctx, n)
	if err != nil {
		return err
	}
	f, err := n.s.pc.getOrCreate(ctx, model.RowID{Table: model.MiscTable, ID: data.id})
	if err != nil {
		return err
	}
	n.s.pc.set(f, model.KeyLifeCycleState, state)
	return nil
}

// ============================================================================
// Write checks
// ============================================================================

// checkWritable refuses content changes on versions and checked-in
// documents, resolving properties to their document and proxies to their
// target
func (s *Session) checkWritable(ctx context.Context, op string, n *Node) error {
	doc, err := s.ownerDocument(ctx, n)
	if err != nil {
		return err
	}
	if doc, err = s.dataNode(ctx, doc); err != nil {
		return err
	}
	switch {
	case doc.IsVersion():
		return storeerr.New(op, doc.id, fmt.Errorf("%w: versions are immutable", storeerr.ErrReadOnly))
	case doc.IsCheckedIn():
		return storeerr.New(op, doc.id, fmt.Errorf("%w: document is checked in", storeerr.ErrReadOnly))
	}
	return nil
}

// textChanged schedules the fulltext of the document owning n
func (s *Session) textChanged(ctx context.Context, n *Node) error {
	doc, err := s.ownerDocument(ctx, n)
	if err != nil {
		return err
	}
	s.fulltextDirty[doc.id] = struct{}{}
	return nil
}
