package storage

import (
	"sort"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// fragmentState tracks a row through the unit of work
type fragmentState int

const (
	// statePristine rows match the database as of the last read or flush
	statePristine fragmentState = iota
	// stateCreated rows are inserted at the next flush
	stateCreated
	// stateModified rows have dirty keys updated at the next flush
	stateModified
	// stateDeleted rows are removed at the next flush
	stateDeleted
	// stateAbsent marks a row known not to exist
	stateAbsent
)

func (s fragmentState) String() string {
	switch s {
	case statePristine:
		return "pristine"
	case stateCreated:
		return "created"
	case stateModified:
		return "modified"
	case stateDeleted:
		return "deleted"
	case stateAbsent:
		return "absent"
	}
	return "unknown"
}

// fragment is one cached row with its unit-of-work state
type fragment struct {
	row   *mapper.Row
	state fragmentState
	// collection rows are always written whole
	collection bool
	dirty      map[string]struct{}
}

func newFragment(row *mapper.Row, state fragmentState, collection bool) *fragment {
	return &fragment{row: row, state: state, collection: collection}
}

func (f *fragment) id() model.RowID { return f.row.RowID }

// alive reports whether the row exists from the session's point of view
func (f *fragment) alive() bool {
	return f != nil && f.state != stateDeleted && f.state != stateAbsent
}

func (f *fragment) get(key string) any {
	return f.row.Get(key)
}

func (f *fragment) getString(key string) string {
	s, _ := f.row.Get(key).(string)
	return s
}

func (f *fragment) getBool(key string) bool {
	b, _ := f.row.Get(key).(bool)
	return b
}

func (f *fragment) getLong(key string) (int64, bool) {
	n, ok := f.row.Get(key).(int64)
	return n, ok
}

func (f *fragment) markDirty(keys ...string) {
	if f.dirty == nil {
		f.dirty = make(map[string]struct{})
	}
	for _, k := range keys {
		f.dirty[k] = struct{}{}
	}
}

func (f *fragment) dirtyKeys() []string {
	keys := make([]string, 0, len(f.dirty))
	for k := range f.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// items returns the values of an array collection row
func (f *fragment) items() []any {
	out := make([]any, len(f.row.Items))
	for i, item := range f.row.Items {
		out[i] = item[model.KeyItem]
	}
	return out
}

func itemsOf(values []any) []map[string]any {
	items := make([]map[string]any, len(values))
	for i, v := range values {
		items[i] = map[string]any{model.KeyItem: v}
	}
	return items
}
