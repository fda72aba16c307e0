package storage

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"docstore/internal/cluster"
	"docstore/internal/mapper"
	"docstore/internal/model"
)

// persistenceContext is the unit of work of a session: pristine rows in a
// bounded LRU, dirty rows in a map that is never evicted, and selections.
type persistenceContext struct {
	model  *model.Model
	mapper mapper.Mapper

	pristine *lru.Cache[model.RowID, *fragment]
	modified map[model.RowID]*fragment
	// created keeps insertion order so parents are written first
	created         []model.RowID
	fragmentDeletes []model.RowID
	nodeDeletes     []string
	softDeletes     []string

	selections map[model.RowID]*selection
	// dirtySelections are announced to other sessions at the next flush
	dirtySelections map[model.RowID]struct{}

	// outgoing accumulates the invalidations of flushed changes until commit
	outgoing *cluster.Invalidations

	pristineSize  atomic.Int64
	modifiedSize  atomic.Int64
	selectionSize atomic.Int64
}

func newPersistenceContext(m *model.Model, mp mapper.Mapper, size int) (*persistenceContext, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[model.RowID, *fragment](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &persistenceContext{
		model:           m,
		mapper:          mp,
		pristine:        cache,
		modified:        make(map[model.RowID]*fragment),
		selections:      make(map[model.RowID]*selection),
		dirtySelections: make(map[model.RowID]struct{}),
		outgoing:        cluster.NewInvalidations(),
	}, nil
}

func (pc *persistenceContext) updateStats() {
	pc.pristineSize.Store(int64(pc.pristine.Len()))
	pc.modifiedSize.Store(int64(len(pc.modified)))
	pc.selectionSize.Store(int64(len(pc.selections)))
}

func (pc *persistenceContext) isCollection(table string) bool {
	t := pc.model.Table(table)
	return t != nil && t.Collection
}

// cached returns the fragment known to the session without reading
func (pc *persistenceContext) cached(rid model.RowID) *fragment {
	if f, ok := pc.modified[rid]; ok {
		return f
	}
	if f, ok := pc.pristine.Get(rid); ok {
		return f
	}
	return nil
}

// adopt returns the canonical fragment for f's row, putting f back in the
// cache when it was evicted
func (pc *persistenceContext) adopt(f *fragment) *fragment {
	if cur := pc.cached(f.id()); cur != nil {
		return cur
	}
	if f.state == statePristine || f.state == stateAbsent {
		pc.pristine.Add(f.id(), f)
	}
	return f
}

// get returns the live fragment of a row, reading it if needed. Missing
// rows are remembered as absent and returned as nil.
func (pc *persistenceContext) get(ctx context.Context, rid model.RowID) (*fragment, error) {
	if f := pc.cached(rid); f != nil {
		if !f.alive() {
			return nil, nil
		}
		return f, nil
	}
	if err := pc.load(ctx, rid.Table, []string{rid.ID}); err != nil {
		return nil, err
	}
	f := pc.cached(rid)
	if !f.alive() {
		return nil, nil
	}
	return f, nil
}

// getMany returns the live fragments of ids in table, in the order of ids,
// with a single read for the uncached ones. Missing rows are skipped.
func (pc *persistenceContext) getMany(ctx context.Context, table string, ids []string) ([]*fragment, error) {
	var missing []string
	for _, id := range ids {
		if pc.cached(model.RowID{Table: table, ID: id}) == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if err := pc.load(ctx, table, missing); err != nil {
			return nil, err
		}
	}
	out := make([]*fragment, 0, len(ids))
	for _, id := range ids {
		if f := pc.cached(model.RowID{Table: table, ID: id}); f.alive() {
			out = append(out, f)
		}
	}
	return out, nil
}

// load reads rows into the pristine cache, marking missing ones absent
func (pc *persistenceContext) load(ctx context.Context, table string, ids []string) error {
	rows, err := pc.mapper.ReadRows(ctx, table, ids)
	if err != nil {
		return err
	}
	found := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		found[r.ID] = struct{}{}
		pc.putPristine(r)
	}
	collection := pc.isCollection(table)
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		rid := model.RowID{Table: table, ID: id}
		if _, ok := pc.modified[rid]; ok {
			continue
		}
		var row *mapper.Row
		if collection {
			row = mapper.NewCollectionRow(table, id)
		} else {
			row = mapper.NewRow(table, id)
		}
		pc.pristine.Add(rid, newFragment(row, stateAbsent, collection))
	}
	pc.updateStats()
	return nil
}

// putPristine caches a row read from the database unless the session holds
// its own version of it
func (pc *persistenceContext) putPristine(r *mapper.Row) *fragment {
	if f, ok := pc.modified[r.RowID]; ok {
		return f
	}
	if f, ok := pc.pristine.Peek(r.RowID); ok && f.state == statePristine {
		f.row = r
		return f
	}
	f := newFragment(r, statePristine, pc.isCollection(r.Table))
	pc.pristine.Add(r.RowID, f)
	return f
}

// create registers a new row. Re-creating a row deleted earlier in the same
// unit of work turns into a full update of the existing row.
func (pc *persistenceContext) create(row *mapper.Row) *fragment {
	rid := row.RowID
	collection := pc.isCollection(row.Table)
	if collection && row.Items == nil {
		row.Items = []map[string]any{}
	}
	if f, ok := pc.modified[rid]; ok && f.state == stateDeleted {
		pc.fragmentDeletes = removeRowID(pc.fragmentDeletes, rid)
		f.row = row
		f.state = stateModified
		if !collection {
			f.markDirty(pc.model.Table(row.Table).ColumnNames()...)
		}
		return f
	}
	pc.pristine.Remove(rid)
	f := newFragment(row, stateCreated, collection)
	pc.modified[rid] = f
	pc.created = append(pc.created, rid)
	pc.updateStats()
	return f
}

// getOrCreate returns the live fragment of a row, creating an empty one
func (pc *persistenceContext) getOrCreate(ctx context.Context, rid model.RowID) (*fragment, error) {
	f, err := pc.get(ctx, rid)
	if err != nil || f != nil {
		return f, err
	}
	if pc.isCollection(rid.Table) {
		return pc.create(mapper.NewCollectionRow(rid.Table, rid.ID)), nil
	}
	return pc.create(mapper.NewRow(rid.Table, rid.ID)), nil
}

// set writes a simple value and tracks it
func (pc *persistenceContext) set(f *fragment, key string, v any) {
	f.row.Put(key, v)
	pc.markModified(f, key)
}

// setItems replaces the items of a collection row
func (pc *persistenceContext) setItems(f *fragment, items []map[string]any) {
	f.row.Items = items
	pc.markModified(f)
}

func (pc *persistenceContext) markModified(f *fragment, keys ...string) {
	switch f.state {
	case statePristine:
		pc.pristine.Remove(f.id())
		f.state = stateModified
		pc.modified[f.id()] = f
		pc.updateStats()
	case stateCreated:
		return
	}
	if !f.collection {
		f.markDirty(keys...)
	}
}

// removeFragment deletes one non-hierarchy row of a surviving node
func (pc *persistenceContext) removeFragment(f *fragment) {
	rid := f.id()
	switch f.state {
	case stateCreated:
		delete(pc.modified, rid)
		pc.created = removeRowID(pc.created, rid)
		f.state = stateAbsent
		pc.pristine.Add(rid, f)
	case statePristine, stateModified:
		pc.pristine.Remove(rid)
		f.state = stateDeleted
		f.dirty = nil
		pc.modified[rid] = f
		pc.fragmentDeletes = append(pc.fragmentDeletes, rid)
	}
	pc.updateStats()
}

// removeNodes deletes every fragment of the given nodes. ids must list
// children before parents. Nodes created in this unit of work just vanish.
func (pc *persistenceContext) removeNodes(ids []string, soft bool) {
	for _, id := range ids {
		hierID := model.RowID{Table: model.HierTable, ID: id}
		hier := pc.cached(hierID)
		createdHere := hier != nil && hier.state == stateCreated

		for _, t := range pc.model.Tables() {
			rid := model.RowID{Table: t.Name, ID: id}
			f := pc.cached(rid)
			if f == nil {
				continue
			}
			if f.state == stateCreated {
				pc.created = removeRowID(pc.created, rid)
			}
			pc.fragmentDeletes = removeRowID(pc.fragmentDeletes, rid)
			delete(pc.modified, rid)
			pc.pristine.Remove(rid)
			f.dirty = nil
			if createdHere || soft && t.Name != model.HierTable {
				f.state = stateAbsent
				continue
			}
			f.state = stateDeleted
			if !soft {
				pc.modified[rid] = f
			}
		}

		if createdHere {
			continue
		}
		if soft {
			if hier != nil {
				hier.state = stateDeleted
				pc.modified[hierID] = hier
			}
			pc.softDeletes = append(pc.softDeletes, id)
		} else {
			if hier == nil {
				hier = newFragment(mapper.NewRow(model.HierTable, id), stateDeleted, false)
				pc.modified[hierID] = hier
			}
			pc.nodeDeletes = append(pc.nodeDeletes, id)
		}
	}
	pc.updateStats()
}

func removeRowID(list []model.RowID, rid model.RowID) []model.RowID {
	for i, r := range list {
		if r == rid {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ============================================================================
// Selections
// ============================================================================

func (pc *persistenceContext) selection(key model.RowID) *selection {
	sel, ok := pc.selections[key]
	if !ok {
		sel = newSelection()
		pc.selections[key] = sel
		pc.updateStats()
	}
	return sel
}

// addToSelection records that id now belongs to the selection
func (pc *persistenceContext) addToSelection(key model.RowID, id string) {
	pc.selection(key).added[id] = struct{}{}
	pc.dirtySelections[key] = struct{}{}
}

// touchSelection records that the selection changed without adding to it
func (pc *persistenceContext) touchSelection(key model.RowID) {
	pc.dirtySelections[key] = struct{}{}
}

// selectionCandidates returns the ids possibly in the selection, loading it
// from the database first if needed
func (pc *persistenceContext) selectionCandidates(ctx context.Context, key model.RowID) ([]string, error) {
	sel := pc.selection(key)
	if !sel.loaded {
		rows, err := pc.readSelection(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			pc.putPristine(r)
			sel.ids[r.ID] = struct{}{}
		}
		sel.loaded = true
		pc.updateStats()
	}
	return sel.candidates(), nil
}

func (pc *persistenceContext) readSelection(ctx context.Context, key model.RowID) ([]*mapper.Row, error) {
	switch key.Table {
	case selChildren:
		return pc.mapper.ReadChildRows(ctx, key.ID, false)
	case selProperties:
		return pc.mapper.ReadChildRows(ctx, key.ID, true)
	case selVersions:
		return pc.mapper.ReadSelection(ctx, model.VersionTable, model.KeyVersionableID, key.ID)
	case selTargetProxies:
		return pc.mapper.ReadSelection(ctx, model.ProxyTable, model.KeyTargetID, key.ID)
	case selSeriesProxies:
		return pc.mapper.ReadSelection(ctx, model.ProxyTable, model.KeyVersionableID, key.ID)
	}
	return nil, fmt.Errorf("unknown selection %s", key.Table)
}

// childCandidates returns the candidates of a single named child without
// loading the whole children list when it is not cached
func (pc *persistenceContext) childCandidates(ctx context.Context, parentID, name string, complexProp bool) ([]string, error) {
	key := childrenKey(parentID, complexProp)
	sel := pc.selection(key)
	if sel.loaded {
		return sel.candidates(), nil
	}
	row, err := pc.mapper.ReadChildRow(ctx, parentID, name, complexProp)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sel.added)+1)
	if row != nil {
		pc.putPristine(row)
		out = append(out, row.ID)
	}
	for id := range sel.added {
		out = append(out, id)
	}
	return out, nil
}

// ============================================================================
// Flush
// ============================================================================

func (pc *persistenceContext) isDirty() bool {
	return len(pc.modified) > 0 || len(pc.nodeDeletes) > 0 || len(pc.softDeletes) > 0
}

// dirtyIDs returns the ids of created and modified rows of a table
func (pc *persistenceContext) dirtyIDs(table string) []string {
	var ids []string
	for rid, f := range pc.modified {
		if rid.Table == table && (f.state == stateCreated || f.state == stateModified) {
			ids = append(ids, rid.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// buildBatch renders the unit of work
func (pc *persistenceContext) buildBatch() *mapper.Batch {
	b := &mapper.Batch{}
	for _, rid := range pc.created {
		if f := pc.modified[rid]; f != nil && f.state == stateCreated {
			b.Creates = append(b.Creates, f.row)
		}
	}

	var updates []model.RowID
	for rid, f := range pc.modified {
		if f.state != stateModified {
			continue
		}
		if !f.collection && len(f.dirty) == 0 {
			continue
		}
		updates = append(updates, rid)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].String() < updates[j].String() })
	for _, rid := range updates {
		f := pc.modified[rid]
		b.Updates = append(b.Updates, &mapper.RowUpdate{Row: f.row, Keys: f.dirtyKeys()})
	}

	b.FragmentDeletes = append(b.FragmentDeletes, pc.fragmentDeletes...)
	b.Deletes = append(b.Deletes, pc.nodeDeletes...)
	b.SoftDeletes = append(b.SoftDeletes, pc.softDeletes...)
	return b
}

// afterFlush turns the unit of work into pristine state and records the
// invalidations other sessions need after commit
func (pc *persistenceContext) afterFlush() {
	deletedNodes := make(map[string]struct{}, len(pc.nodeDeletes)+len(pc.softDeletes))
	for _, id := range pc.nodeDeletes {
		deletedNodes[id] = struct{}{}
	}
	for _, id := range pc.softDeletes {
		deletedNodes[id] = struct{}{}
	}

	for rid, f := range pc.modified {
		switch f.state {
		case stateCreated, stateModified:
			pc.outgoing.AddModified(rid)
			f.state = statePristine
			f.dirty = nil
			pc.pristine.Add(rid, f)
		case stateDeleted:
			pc.outgoing.AddDeleted(rid)
			f.state = stateAbsent
			f.dirty = nil
			if _, gone := deletedNodes[rid.ID]; !gone || rid.Table == model.HierTable {
				pc.pristine.Add(rid, f)
			}
		}
	}
	for id := range deletedNodes {
		pc.outgoing.AddDeleted(model.RowID{Table: model.HierTable, ID: id})
	}
	for key := range pc.dirtySelections {
		pc.outgoing.AddModified(key)
	}
	for _, sel := range pc.selections {
		sel.flushed()
	}

	pc.modified = make(map[model.RowID]*fragment)
	pc.created = nil
	pc.fragmentDeletes = nil
	pc.nodeDeletes = nil
	pc.softDeletes = nil
	pc.dirtySelections = make(map[model.RowID]struct{})
	pc.updateStats()
}

// takeOutgoing returns and resets the invalidations to send
func (pc *persistenceContext) takeOutgoing() *cluster.Invalidations {
	inv := pc.outgoing
	pc.outgoing = cluster.NewInvalidations()
	return inv
}

// ============================================================================
// Invalidation
// ============================================================================

// applyInvalidations drops stale cached state. Hierarchy rows are refreshed
// in place since node handles point at them; other rows are evicted and
// re-read lazily. Rows the session modified itself are left alone.
func (pc *persistenceContext) applyInvalidations(ctx context.Context, inv *cluster.Invalidations) error {
	if inv.IsEmpty() {
		return nil
	}
	var refresh []string
	for rid := range inv.Modified {
		if isSelectionKey(rid) {
			if sel, ok := pc.selections[rid]; ok {
				sel.invalidate()
			}
			continue
		}
		if !pc.pristine.Contains(rid) {
			continue
		}
		if rid.Table == model.HierTable {
			refresh = append(refresh, rid.ID)
			continue
		}
		pc.pristine.Remove(rid)
	}
	for rid := range inv.Deleted {
		if rid.Table != model.HierTable {
			pc.pristine.Remove(rid)
			continue
		}
		if f, ok := pc.pristine.Peek(rid); ok {
			f.state = stateAbsent
		}
		for _, t := range pc.model.Tables() {
			if t.Name != model.HierTable {
				pc.pristine.Remove(model.RowID{Table: t.Name, ID: rid.ID})
			}
		}
	}

	if len(refresh) > 0 {
		sort.Strings(refresh)
		rows, err := pc.mapper.ReadRows(ctx, model.HierTable, refresh)
		if err != nil {
			return err
		}
		found := make(map[string]struct{}, len(rows))
		for _, r := range rows {
			found[r.ID] = struct{}{}
			pc.putPristine(r)
		}
		for _, id := range refresh {
			if _, ok := found[id]; ok {
				continue
			}
			if f, ok := pc.pristine.Peek(model.RowID{Table: model.HierTable, ID: id}); ok {
				f.state = stateAbsent
			}
		}
	}
	pc.updateStats()
	return nil
}

// clearPristine empties the read caches. Selections with pending session
// additions keep them.
func (pc *persistenceContext) clearPristine() {
	pc.pristine.Purge()
	for key, sel := range pc.selections {
		if len(sel.added) == 0 {
			delete(pc.selections, key)
		} else {
			sel.invalidate()
		}
	}
	pc.updateStats()
}

// reset forgets everything, after a rollback. Nodes created in the rolled
// back unit of work stop existing.
func (pc *persistenceContext) reset() {
	for _, f := range pc.modified {
		if f.state == stateCreated {
			f.state = stateAbsent
		}
	}
	pc.pristine.Purge()
	pc.modified = make(map[model.RowID]*fragment)
	pc.created = nil
	pc.fragmentDeletes = nil
	pc.nodeDeletes = nil
	pc.softDeletes = nil
	pc.selections = make(map[model.RowID]*selection)
	pc.dirtySelections = make(map[model.RowID]struct{})
	pc.outgoing = cluster.NewInvalidations()
	pc.updateStats()
}
