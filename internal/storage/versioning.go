package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// VersionInfo describes a version node
type VersionInfo struct {
	SeriesID    string
	Label       string
	Description string
	Created     time.Time
	IsLatest    bool
}

// VersionInfo returns the version metadata of a version node
func (n *Node) VersionInfo(ctx context.Context) (*VersionInfo, error) {
	const op = "get version info"
	if err := n.s.guard(op); err != nil {
		return nil, err
	}
	if !n.IsVersion() {
		return nil, errInvalid(op, n.id, "not a version")
	}
	f, err := n.s.pc.get(ctx, model.RowID{Table: model.VersionTable, ID: n.id})
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errNotAllowed(op, n.id, "version has no version row")
	}
	return versionInfoOf(f), nil
}

func versionInfoOf(f *fragment) *VersionInfo {
	info := &VersionInfo{
		SeriesID:    f.getString(model.KeyVersionableID),
		Label:       f.getString(model.KeyLabel),
		Description: f.getString(model.KeyDescription),
		IsLatest:    f.getBool(model.KeyIsLatest),
	}
	if t, ok := f.get(model.KeyCreated).(time.Time); ok {
		info.Created = t
	}
	return info
}

// ============================================================================
// Check in, check out, restore
// ============================================================================

// CheckIn snapshots a checked-out document into a new version, after an
// implicit save. An empty label defaults to "<major>.0". The live document
// is left checked in with the new version as base.
func (s *Session) CheckIn(ctx context.Context, n *Node, label, description string) (*Node, error) {
	const op = "check in"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	if err := checkAlive(op, n); err != nil {
		return nil, err
	}
	if n.Kind() != KindDocument {
		return nil, errNotAllowed(op, n.id, "cannot check in a %s", n.Kind())
	}
	if n.IsCheckedIn() {
		return nil, errNotAllowed(op, n.id, "already checked in")
	}
	if err := s.flush(ctx); err != nil {
		return nil, err
	}

	versionID, err := s.mapper.GenerateID(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	major := n.MajorVersion() + 1
	if label == "" {
		label = fmt.Sprintf("%d.0", major)
	}

	row := n.row().row.Clone()
	row.ID = versionID
	row.Put(model.KeyParentID, nil)
	delete(row.Values, model.KeyPos)
	row.Put(model.KeyIsVersion, true)
	row.Put(model.KeyIsCheckedIn, false)
	row.Put(model.KeyBaseVersionID, nil)
	row.Put(model.KeyMajorVersion, major)
	vf := s.pc.create(row)

	tables := append([]string{model.MiscTable}, s.model().TypeFragments(n.PrimaryType(), n.MixinTypes())...)
	if err := s.copyFragments(ctx, n.id, versionID, tables); err != nil {
		return nil, err
	}
	if err := s.copyProperties(ctx, n.id, versionID); err != nil {
		return nil, err
	}

	previous, err := s.GetLastVersion(ctx, n.id)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		pf, err := s.pc.get(ctx, model.RowID{Table: model.VersionTable, ID: previous.id})
		if err != nil {
			return nil, err
		}
		if pf != nil && pf.getBool(model.KeyIsLatest) {
			s.pc.set(pf, model.KeyIsLatest, false)
		}
	}

	vrow := mapper.NewRow(model.VersionTable, versionID)
	vrow.Put(model.KeyVersionableID, n.id)
	vrow.Put(model.KeyCreated, time.Now().UTC().Truncate(time.Millisecond))
	vrow.Put(model.KeyLabel, label)
	if description != "" {
		vrow.Put(model.KeyDescription, description)
	}
	vrow.Put(model.KeyIsLatest, true)
	s.pc.create(vrow)
	s.pc.addToSelection(versionsKey(n.id), versionID)

	live := n.row()
	s.pc.set(live, model.KeyIsCheckedIn, true)
	s.pc.set(live, model.KeyBaseVersionID, versionID)
	s.pc.set(live, model.KeyMajorVersion, major)

	s.fulltextDirty[versionID] = struct{}{}
	s.readACLRoots[versionID] = struct{}{}

	s.log.WithFields(logrus.Fields{
		"id":      n.id,
		"version": versionID,
		"label":   label,
	}).Debug("document checked in")
	return newNode(s, vf), nil
}

// CheckOut makes a checked-in document writable again
func (s *Session) CheckOut(ctx context.Context, n *Node) error {
	const op = "check out"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, n); err != nil {
		return err
	}
	if n.Kind() != KindDocument {
		return errNotAllowed(op, n.id, "cannot check out a %s", n.Kind())
	}
	if !n.IsCheckedIn() {
		return errNotAllowed(op, n.id, "already checked out")
	}
	s.pc.set(n.row(), model.KeyIsCheckedIn, false)
	return nil
}

// Restore replaces the content of a live document with the content of one
// of its versions, after an implicit save. The document is left checked
// in with the version as base.
func (s *Session) Restore(ctx context.Context, n, version *Node) error {
	const op = "restore"
	if err := s.guard(op); err != nil {
		return err
	}
	for _, x := range []*Node{n, version} {
		if err := checkAlive(op, x); err != nil {
			return err
		}
	}
	if n.Kind() != KindDocument {
		return errNotAllowed(op, n.id, "cannot restore a %s", n.Kind())
	}
	info, err := version.VersionInfo(ctx)
	if err != nil {
		return err
	}
	if info.SeriesID != n.id {
		return errInvalid(op, version.id, "not a version of %s", n.id)
	}
	if err := s.flush(ctx); err != nil {
		return err
	}

	// drop current complex properties
	current, err := s.children(ctx, n.id, true)
	if err != nil {
		return err
	}
	for _, c := range current {
		ids, err := s.propertySubtree(ctx, c)
		if err != nil {
			return err
		}
		s.pc.removeNodes(ids, false)
	}
	s.pc.touchSelection(childrenKey(n.id, true))

	// replace schema fragments, keeping the union so that fragments of
	// facets the version lacks are dropped
	tables := map[string]struct{}{model.MiscTable: {}}
	for _, t := range s.model().TypeFragments(n.PrimaryType(), n.MixinTypes()) {
		tables[t] = struct{}{}
	}
	for _, t := range s.model().TypeFragments(version.PrimaryType(), version.MixinTypes()) {
		tables[t] = struct{}{}
	}
	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, table := range names {
		cur, err := s.pc.get(ctx, model.RowID{Table: table, ID: n.id})
		if err != nil {
			return err
		}
		if cur != nil {
			s.pc.removeFragment(cur)
		}
	}
	if err := s.copyFragments(ctx, version.id, n.id, names); err != nil {
		return err
	}
	if err := s.copyProperties(ctx, version.id, n.id); err != nil {
		return err
	}

	live := n.row()
	s.pc.set(live, model.KeyMixinTypes, formatMixins(version.MixinTypes()))
	s.pc.set(live, model.KeyIsCheckedIn, true)
	s.pc.set(live, model.KeyBaseVersionID, version.id)
	s.pc.set(live, model.KeyMajorVersion, version.MajorVersion())
	s.fulltextDirty[n.id] = struct{}{}
	return nil
}

// copyProperties deep copies the complex properties of srcID under dstID
func (s *Session) copyProperties(ctx context.Context, srcID, dstID string) error {
	children, err := s.children(ctx, srcID, true)
	if err != nil {
		return err
	}
	for _, c := range children {
		var pos *int64
		if p, ok := c.Pos(); ok {
			pos = &p
		}
		if _, err := s.copyTree(ctx, c, dstID, c.Name(), pos); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Version lookups
// ============================================================================

// GetVersions returns the versions of a series, oldest first
func (s *Session) GetVersions(ctx context.Context, seriesID string) ([]*Node, error) {
	if err := s.guard("get versions"); err != nil {
		return nil, err
	}
	return s.versions(ctx, seriesID)
}

// GetLastVersion returns the most recent version of a series or nil
func (s *Session) GetLastVersion(ctx context.Context, seriesID string) (*Node, error) {
	if err := s.guard("get last version"); err != nil {
		return nil, err
	}
	versions, err := s.versions(ctx, seriesID)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return versions[len(versions)-1], nil
}

// GetVersionByLabel returns the version of a series with that label or nil
func (s *Session) GetVersionByLabel(ctx context.Context, seriesID, label string) (*Node, error) {
	if err := s.guard("get version by label"); err != nil {
		return nil, err
	}
	versions, err := s.versions(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		f := s.pc.cached(model.RowID{Table: model.VersionTable, ID: v.id})
		if f != nil && f.getString(model.KeyLabel) == label {
			return v, nil
		}
	}
	return nil, nil
}

func (s *Session) versions(ctx context.Context, seriesID string) ([]*Node, error) {
	ids, err := s.pc.selectionCandidates(ctx, versionsKey(seriesID))
	if err != nil {
		return nil, err
	}
	frags, err := s.pc.getMany(ctx, model.VersionTable, ids)
	if err != nil {
		return nil, err
	}

	type entry struct {
		node    *Node
		created time.Time
		major   int64
	}
	var entries []entry
	for _, f := range frags {
		if f.getString(model.KeyVersionableID) != seriesID {
			continue
		}
		n, err := s.node(ctx, f.row.ID)
		if err != nil {
			return nil, err
		}
		if n == nil || !n.IsVersion() {
			continue
		}
		info := versionInfoOf(f)
		entries = append(entries, entry{node: n, created: info.Created, major: n.MajorVersion()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].major != entries[j].major {
			return entries[i].major < entries[j].major
		}
		return entries[i].created.Before(entries[j].created)
	})

	out := make([]*Node, len(entries))
	for i, e := range entries {
		out[i] = e.node
	}
	return out, nil
}
