package mapper

import (
	"docstore/internal/model"
)

// Row holds the values of one fragment. Simple tables use Values keyed by
// column name; collection tables use Items, one map per position.
type Row struct {
	model.RowID
	Values map[string]any
	Items  []map[string]any
}

// NewRow creates an empty simple row
func NewRow(table, id string) *Row {
	return &Row{RowID: model.RowID{Table: table, ID: id}, Values: make(map[string]any)}
}

// NewCollectionRow creates an empty collection row
func NewCollectionRow(table, id string) *Row {
	return &Row{RowID: model.RowID{Table: table, ID: id}, Items: []map[string]any{}}
}

// Get returns a simple value, nil when unset
func (r *Row) Get(key string) any {
	return r.Values[key]
}

// Put sets a simple value
func (r *Row) Put(key string, v any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[key] = v
}

// Clone copies the row. Values are scalars so a shallow copy of each map suffices.
func (r *Row) Clone() *Row {
	c := &Row{RowID: r.RowID}
	if r.Values != nil {
		c.Values = make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			c.Values[k] = v
		}
	}
	if r.Items != nil {
		c.Items = make([]map[string]any, len(r.Items))
		for i, item := range r.Items {
			m := make(map[string]any, len(item))
			for k, v := range item {
				m[k] = v
			}
			c.Items[i] = m
		}
	}
	return c
}

// RowUpdate is a partial update of a simple row, or a full replacement of
// the items of a collection row (Keys is ignored then)
type RowUpdate struct {
	Row  *Row
	Keys []string
}

// Batch is everything a session flushes at save.
//
// Creates are applied in slice order and must list parents before children.
// FragmentDeletes remove single non-hierarchy rows of surviving nodes.
// Deletes list node ids children first; every fragment of each node goes.
// SoftDeletes only mark hierarchy rows.
type Batch struct {
	Creates         []*Row
	Updates         []*RowUpdate
	FragmentDeletes []model.RowID
	Deletes         []string
	SoftDeletes     []string
}

// Empty reports whether the batch has nothing to write
func (b *Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Updates) == 0 && len(b.FragmentDeletes) == 0 &&
		len(b.Deletes) == 0 && len(b.SoftDeletes) == 0
}
