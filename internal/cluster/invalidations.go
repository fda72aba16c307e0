package cluster

import (
	"sort"

	"docstore/internal/model"
)

// Invalidations is a set of fragments whose cached state is stale: rows
// modified elsewhere, and rows deleted elsewhere. Selection keys (child
// lists, version series, proxy series) travel as RowIDs too.
type Invalidations struct {
	Modified map[model.RowID]struct{}
	Deleted  map[model.RowID]struct{}
}

// NewInvalidations returns an empty set
func NewInvalidations() *Invalidations {
	return &Invalidations{
		Modified: make(map[model.RowID]struct{}),
		Deleted:  make(map[model.RowID]struct{}),
	}
}

// AddModified records a modified row
func (inv *Invalidations) AddModified(id model.RowID) {
	inv.Modified[id] = struct{}{}
}

// AddDeleted records a deleted row
func (inv *Invalidations) AddDeleted(id model.RowID) {
	inv.Deleted[id] = struct{}{}
}

// Add merges other into inv
func (inv *Invalidations) Add(other *Invalidations) {
	if other == nil {
		return
	}
	for id := range other.Modified {
		inv.Modified[id] = struct{}{}
	}
	for id := range other.Deleted {
		inv.Deleted[id] = struct{}{}
	}
}

// IsEmpty reports whether nothing is invalidated
func (inv *Invalidations) IsEmpty() bool {
	return inv == nil || len(inv.Modified) == 0 && len(inv.Deleted) == 0
}

// Size is the number of invalidated rows
func (inv *Invalidations) Size() int {
	if inv == nil {
		return 0
	}
	return len(inv.Modified) + len(inv.Deleted)
}

// ModifiedIDs returns the modified rows in a stable order
func (inv *Invalidations) ModifiedIDs() []model.RowID {
	return sortedIDs(inv.Modified)
}

// DeletedIDs returns the deleted rows in a stable order
func (inv *Invalidations) DeletedIDs() []model.RowID {
	return sortedIDs(inv.Deleted)
}

func sortedIDs(set map[model.RowID]struct{}) []model.RowID {
	out := make([]model.RowID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].ID < out[j].ID
	})
	return out
}
