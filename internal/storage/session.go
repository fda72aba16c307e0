package storage

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"docstore/internal/cluster"
	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// Session is the unit of work over one Mapper. A session is used by one
// goroutine at a time; many sessions run concurrently.
//
// Data operations need an open transaction (Begin). Mutations stay in the
// session until Save flushes them; Commit saves and commits. A failed save
// marks the session failed: its dirty state is kept and everything except
// Rollback and Close fails until it is rolled back.
type Session struct {
	id     uint64
	repo   *Repository
	mapper mapper.Mapper
	pc     *persistenceContext
	queue  *cluster.Queue
	log    *logrus.Entry

	failed bool
	closed bool

	// readACLRoots are the nodes whose subtree needs read ACL recomputation
	readACLRoots map[string]struct{}
	// fulltextDirty are the documents whose text is recomputed at save
	fulltextDirty map[string]struct{}

	clearRequested atomic.Bool
}

// ID identifies the session in its repository
func (s *Session) ID() uint64 { return s.id }

// Repository returns the owning repository
func (s *Session) Repository() *Repository { return s.repo }

func (s *Session) model() *model.Model { return s.repo.model }

// InTransaction reports whether Begin succeeded and no Commit or Rollback
// followed
func (s *Session) InTransaction() bool {
	return !s.closed && s.mapper.InTransaction()
}

// IsDirty reports whether unsaved changes exist
func (s *Session) IsDirty() bool {
	return s.pc.isDirty() || len(s.readACLRoots) > 0
}

// Begin starts a transaction and brings the caches up to date with the
// invalidations received since the previous one
func (s *Session) Begin(ctx context.Context) error {
	if s.closed {
		return storeerr.New("begin", "", storeerr.ErrClosed)
	}
	if s.failed {
		return storeerr.New("begin", "", fmt.Errorf("%w: session failed, rollback required", storeerr.ErrOperationNotAllowed))
	}
	if err := s.mapper.Begin(ctx); err != nil {
		return err
	}

	if s.clearRequested.Swap(false) {
		s.pc.clearPristine()
	}
	s.repo.receiveClusterInvalidations()
	if inv := s.queue.Drain(); inv != nil {
		s.log.WithField("rows", inv.Size()).Debug("applying invalidations")
		if err := s.pc.applyInvalidations(ctx, inv); err != nil {
			_ = s.mapper.Rollback(ctx)
			return fmt.Errorf("failed to apply invalidations: %w", err)
		}
	}
	return nil
}

// guard fails fast outside of a usable transaction
func (s *Session) guard(op string) error {
	switch {
	case s.closed:
		return storeerr.New(op, "", storeerr.ErrClosed)
	case s.failed:
		return storeerr.New(op, "", fmt.Errorf("%w: session failed, rollback required", storeerr.ErrOperationNotAllowed))
	case !s.mapper.InTransaction():
		return storeerr.New(op, "", storeerr.ErrNoTransaction)
	}
	return nil
}

// fail marks the session failed after an error that left the unit of work
// in an unknown state
func (s *Session) fail(err error) error {
	if err != nil {
		s.failed = true
		s.repo.metrics.observeFailure(s.repo.name, err)
	}
	return err
}

// Save flushes pending changes to the database within the transaction
func (s *Session) Save(ctx context.Context) error {
	if err := s.guard("save"); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) error {
	if !s.IsDirty() && len(s.fulltextDirty) == 0 {
		return nil
	}
	if err := s.updateFulltext(ctx); err != nil {
		return s.fail(err)
	}

	batch := s.pc.buildBatch()
	if err := s.mapper.Write(ctx, batch); err != nil {
		return s.fail(err)
	}
	s.pc.afterFlush()

	if err := s.updateReadACLs(ctx); err != nil {
		return s.fail(err)
	}

	s.repo.metrics.saves.WithLabelValues(s.repo.name).Inc()
	s.log.WithFields(logrus.Fields{
		"creates": len(batch.Creates),
		"updates": len(batch.Updates),
		"deletes": len(batch.Deletes) + len(batch.SoftDeletes) + len(batch.FragmentDeletes),
	}).Debug("session saved")
	return nil
}

// Commit saves, commits, then announces the changes to the other sessions
// of the repository and of the cluster
func (s *Session) Commit(ctx context.Context) error {
	if err := s.guard("commit"); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if err := s.mapper.Commit(ctx); err != nil {
		s.pc.reset()
		return s.fail(err)
	}
	s.repo.metrics.commits.WithLabelValues(s.repo.name).Inc()

	inv := s.pc.takeOutgoing()
	if !inv.IsEmpty() {
		s.repo.propagateInvalidations(ctx, s.queue, inv)
	}
	return nil
}

// Rollback discards everything not committed, including the caches since
// they may hold rows flushed in the rolled back transaction
func (s *Session) Rollback(ctx context.Context) error {
	if s.closed {
		return storeerr.New("rollback", "", storeerr.ErrClosed)
	}
	err := s.mapper.Rollback(ctx)
	s.pc.reset()
	s.readACLRoots = make(map[string]struct{})
	s.fulltextDirty = make(map[string]struct{})
	s.failed = false
	s.repo.metrics.rollbacks.WithLabelValues(s.repo.name).Inc()
	return err
}

// Close rolls back any open transaction and releases the session
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.mapper.InTransaction() {
		err = s.Rollback(context.Background())
	}
	if cerr := s.mapper.Close(); err == nil {
		err = cerr
	}
	s.closed = true
	s.repo.unregister(s)
	return err
}

// ============================================================================
// Node resolution
// ============================================================================

func hierID(id string) model.RowID { return model.RowID{Table: model.HierTable, ID: id} }

// node returns a live, not soft-deleted node or nil
func (s *Session) node(ctx context.Context, id string) (*Node, error) {
	if id == "" {
		return nil, nil
	}
	f, err := s.pc.get(ctx, hierID(id))
	if err != nil || f == nil || f.getBool(model.KeyIsDeleted) {
		return nil, err
	}
	return newNode(s, f), nil
}

// mustNode is node for ids that must exist
func (s *Session) mustNode(ctx context.Context, op, id string) (*Node, error) {
	n, err := s.node(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, storeerr.New(op, id, storeerr.ErrNotFound)
	}
	return n, nil
}

// checkAlive fails for handles on removed nodes
func checkAlive(op string, n *Node) error {
	if n == nil {
		return storeerr.New(op, "", fmt.Errorf("%w: nil node", storeerr.ErrInvalidArgument))
	}
	if !n.Exists() {
		return storeerr.New(op, n.id, storeerr.ErrNotFound)
	}
	return nil
}

// GetRootNode returns the root of the document tree
func (s *Session) GetRootNode(ctx context.Context) (*Node, error) {
	if err := s.guard("get root"); err != nil {
		return nil, err
	}
	return s.mustNode(ctx, "get root", s.repo.rootID)
}

// GetNodeByID returns the node or nil when it does not exist
func (s *Session) GetNodeByID(ctx context.Context, id string) (*Node, error) {
	if err := s.guard("get node"); err != nil {
		return nil, err
	}
	return s.node(ctx, id)
}

// GetNodesByIDs returns the existing nodes among ids, in the order of ids
func (s *Session) GetNodesByIDs(ctx context.Context, ids []string) ([]*Node, error) {
	if err := s.guard("get nodes"); err != nil {
		return nil, err
	}
	frags, err := s.pc.getMany(ctx, model.HierTable, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(frags))
	for _, f := range frags {
		if !f.getBool(model.KeyIsDeleted) {
			out = append(out, newNode(s, f))
		}
	}
	return out, nil
}

// children returns the live children of a node in one namespace, ordered
// by position then name
func (s *Session) children(ctx context.Context, parentID string, complexProp bool) ([]*Node, error) {
	ids, err := s.pc.selectionCandidates(ctx, childrenKey(parentID, complexProp))
	if err != nil {
		return nil, err
	}
	frags, err := s.pc.getMany(ctx, model.HierTable, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(frags))
	for _, f := range frags {
		if f.getString(model.KeyParentID) != parentID ||
			f.getBool(model.KeyIsProperty) != complexProp ||
			f.getBool(model.KeyIsDeleted) {
			continue
		}
		out = append(out, newNode(s, f))
	}
	sortNodes(out)
	return out, nil
}

// sortNodes orders by position, unpositioned last, then by name
func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		pi, oki := nodes[i].Pos()
		pj, okj := nodes[j].Pos()
		if oki != okj {
			return oki
		}
		if pi != pj {
			return pi < pj
		}
		return nodes[i].Name() < nodes[j].Name()
	})
}

// child returns the first live child with that name in one namespace
func (s *Session) child(ctx context.Context, parentID, name string, complexProp bool) (*Node, error) {
	ids, err := s.pc.childCandidates(ctx, parentID, name, complexProp)
	if err != nil {
		return nil, err
	}
	frags, err := s.pc.getMany(ctx, model.HierTable, ids)
	if err != nil {
		return nil, err
	}
	var found []*Node
	for _, f := range frags {
		if f.getString(model.KeyParentID) == parentID &&
			f.getString(model.KeyName) == name &&
			f.getBool(model.KeyIsProperty) == complexProp &&
			!f.getBool(model.KeyIsDeleted) {
			found = append(found, newNode(s, f))
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	sortNodes(found)
	return found[0], nil
}

// ownerDocument walks up from a property node to its document
func (s *Session) ownerDocument(ctx context.Context, n *Node) (*Node, error) {
	cur := n
	for cur.IsProperty() {
		parent, err := s.mustNode(ctx, "resolve owner", cur.ParentID())
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return cur, nil
}

// errNotAllowed builds an OperationNotAllowed error
func errNotAllowed(op, id, format string, args ...any) error {
	return storeerr.New(op, id, fmt.Errorf("%w: "+format, append([]any{storeerr.ErrOperationNotAllowed}, args...)...))
}

// errInvalid builds an InvalidArgument error
func errInvalid(op, id, format string, args ...any) error {
	return storeerr.New(op, id, fmt.Errorf("%w: "+format, append([]any{storeerr.ErrInvalidArgument}, args...)...))
}

func errClosed(op string) error { return storeerr.New(op, "", storeerr.ErrClosed) }
