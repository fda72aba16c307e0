package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"docstore/internal/cluster"
	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// ProxyRemoval decides what removing a live document does to the proxies
// of its version series that live outside the removed subtree
type ProxyRemoval string

const (
	ProxyRemovalCascade ProxyRemoval = "cascade"
	ProxyRemovalDeny    ProxyRemoval = "deny"
)

// DefaultReadACLMaxSize bounds the principals stored per read ACL
const DefaultReadACLMaxSize = 4096

// Options configures a Repository
type Options struct {
	Name    string
	Backend mapper.Backend
	Model   *model.Model

	// SoftDelete marks removed nodes instead of deleting them
	SoftDelete   bool
	ProxyRemoval ProxyRemoval
	// DisableProxies makes AddProxy fail
	DisableProxies bool
	// DisableACLOptimizations stops read ACL maintenance; queries then check
	// permissions node by node
	DisableACLOptimizations bool
	ReadACLMaxSize          int
	// PristineCacheSize is the LRU capacity of unmodified rows per session
	PristineCacheSize int

	// Invalidator connects the repository to the other cluster nodes
	Invalidator cluster.Invalidator

	Logger  *logrus.Entry
	Metrics *Metrics
}

// Repository owns the model, the backend and the live sessions of one
// named repository
type Repository struct {
	name    string
	opts    Options
	model   *model.Model
	backend mapper.Backend
	log     *logrus.Entry
	metrics *Metrics

	rootID      string
	propagator  *cluster.Propagator
	invalidator cluster.Invalidator

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	closed   bool
}

// Open starts a repository, creating the root document on first use
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("repository name is required")
	}
	if opts.Backend == nil || opts.Model == nil {
		return nil, fmt.Errorf("repository %s: backend and model are required", opts.Name)
	}
	switch opts.ProxyRemoval {
	case "":
		opts.ProxyRemoval = ProxyRemovalCascade
	case ProxyRemovalCascade, ProxyRemovalDeny:
	default:
		return nil, fmt.Errorf("repository %s: invalid proxy removal %q", opts.Name, opts.ProxyRemoval)
	}
	if opts.ReadACLMaxSize == 0 {
		opts.ReadACLMaxSize = DefaultReadACLMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	r := &Repository{
		name:        opts.Name,
		opts:        opts,
		model:       opts.Model,
		backend:     opts.Backend,
		log:         opts.Logger.WithFields(logrus.Fields{"component": "repository", "repository": opts.Name}),
		metrics:     opts.Metrics,
		propagator:  cluster.NewPropagator(),
		invalidator: opts.Invalidator,
		sessions:    make(map[uint64]*Session),
	}
	if err := r.ensureRoot(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize repository %s: %w", opts.Name, err)
	}
	r.metrics.track(r)

	fields := logrus.Fields{"root": r.rootID, "softDelete": opts.SoftDelete}
	if r.invalidator != nil {
		fields["clusterNode"] = r.invalidator.NodeID()
	}
	r.log.WithFields(fields).Info("repository opened")
	return r, nil
}

// ensureRoot finds the root document or creates it with the default ACP
func (r *Repository) ensureRoot(ctx context.Context) (err error) {
	mp := r.backend.NewMapper()
	defer mp.Close()
	if err := mp.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = mp.Rollback(ctx)
		}
	}()

	q := new(mapper.Query).
		Where(mapper.FieldPrimaryType, mapper.OpEq, model.TypeRoot).
		Where(mapper.FieldParentID, mapper.OpIsNull, nil).
		OrderBy(mapper.FieldID, false)
	list, err := mp.Query(ctx, q, nil)
	if err != nil {
		return err
	}
	if len(list.IDs) > 0 {
		r.rootID = list.IDs[0]
		return mp.Commit(ctx)
	}

	id, err := mp.GenerateID(ctx)
	if err != nil {
		return err
	}
	hier := mapper.NewRow(model.HierTable, id)
	hier.Put(model.KeyName, "")
	hier.Put(model.KeyIsProperty, false)
	hier.Put(model.KeyPrimaryType, model.TypeRoot)
	hier.Put(model.KeyIsVersion, false)
	hier.Put(model.KeyIsProxy, false)
	hier.Put(model.KeyIsCheckedIn, false)
	hier.Put(model.KeyIsDeleted, false)

	acp := ACP{{Name: "local", Entries: RootEntries()}}
	acl := mapper.NewCollectionRow(model.ACLTable, id)
	for _, ace := range acp.Entries() {
		acl.Items = append(acl.Items, map[string]any{
			model.KeyACLName:    "local",
			model.KeyGrant:      ace.Grant,
			model.KeyPermission: ace.Permission,
			model.KeyPrincipal:  ace.Principal,
		})
	}
	if err := mp.Write(ctx, &mapper.Batch{Creates: []*mapper.Row{hier, acl}}); err != nil {
		return err
	}
	if !r.opts.DisableACLOptimizations {
		if err := mp.WriteReadACLs(ctx, map[string][]string{id: readPrincipals(acp.Entries())}); err != nil {
			return err
		}
	}
	r.rootID = id
	r.log.WithField("root", id).Info("root document created")
	return mp.Commit(ctx)
}

// RootEntries is the ACP given to a new root: administrators may do
// everything, members may read
func RootEntries() []ACE {
	return []ACE{
		{Principal: "administrators", Permission: Everything, Grant: true},
		{Principal: "members", Permission: Read, Grant: true},
	}
}

// Name returns the repository name
func (r *Repository) Name() string { return r.name }

// Model returns the physical model
func (r *Repository) Model() *model.Model { return r.model }

// RootID returns the id of the root document
func (r *Repository) RootID() string { return r.rootID }

// Backend returns the storage backend
func (r *Repository) Backend() mapper.Backend { return r.backend }

// ============================================================================
// Sessions
// ============================================================================

// OpenSession creates a session with its own mapper and caches
func (r *Repository) OpenSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, storeerr.New("open session", r.name, storeerr.ErrClosed)
	}

	mp := r.backend.NewMapper()
	pc, err := newPersistenceContext(r.model, mp, r.opts.PristineCacheSize)
	if err != nil {
		mp.Close()
		return nil, err
	}
	r.nextID++
	s := &Session{
		id:            r.nextID,
		repo:          r,
		mapper:        mp,
		pc:            pc,
		queue:         cluster.NewQueue(),
		log:           r.log.WithFields(logrus.Fields{"component": "session", "session": r.nextID}),
		readACLRoots:  make(map[string]struct{}),
		fulltextDirty: make(map[string]struct{}),
	}
	r.propagator.Subscribe(s.queue)
	r.sessions[s.id] = s
	r.metrics.activeSessions.WithLabelValues(r.name).Set(float64(len(r.sessions)))
	return s, nil
}

// Session returns a live session by id
func (r *Repository) Session(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ActiveSessionsCount returns the number of open sessions
func (r *Repository) ActiveSessionsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveSessions returns the open sessions ordered by id
func (r *Repository) ActiveSessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Repository) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	n := len(r.sessions)
	r.mu.Unlock()
	r.propagator.Unsubscribe(s.queue)
	r.metrics.activeSessions.WithLabelValues(r.name).Set(float64(n))
}

// Update runs fn in a new session and transaction, committing when fn
// succeeds and rolling back otherwise
func (r *Repository) Update(ctx context.Context, fn func(s *Session) error) (err error) {
	s, err := r.OpenSession()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	if err := s.Begin(ctx); err != nil {
		return err
	}
	if err := fn(s); err != nil {
		if rerr := s.Rollback(ctx); rerr != nil {
			s.log.WithError(rerr).Warn("rollback failed")
		}
		return err
	}
	return s.Commit(ctx)
}

// ============================================================================
// Invalidations
// ============================================================================

// propagateInvalidations hands committed changes to the sibling sessions
// and to the cluster. The commit already happened, so a cluster failure is
// logged and not returned.
func (r *Repository) propagateInvalidations(ctx context.Context, from *cluster.Queue, inv *cluster.Invalidations) {
	r.propagator.Publish(from, inv)
	r.metrics.invalidationsOut.WithLabelValues(r.name).Add(float64(inv.Size()))
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.Send(ctx, inv); err != nil {
		r.log.WithError(err).WithField("rows", inv.Size()).Error("failed to send cluster invalidations")
	}
}

// receiveClusterInvalidations moves the invalidations the cluster delivered
// to every local session
func (r *Repository) receiveClusterInvalidations() {
	if r.invalidator == nil {
		return
	}
	inv := r.invalidator.Receive()
	if inv.IsEmpty() {
		return
	}
	r.log.WithField("rows", inv.Size()).Debug("cluster invalidations received")
	r.metrics.invalidationsIn.WithLabelValues(r.name).Add(float64(inv.Size()))
	r.propagator.Publish(nil, inv)
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown closes leaked sessions, the cluster link and the backend
func (r *Repository) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.ActiveSessions() {
		r.log.WithField("session", s.id).Warn("closing leaked session")
		if err := s.Close(); err != nil {
			r.log.WithError(err).WithField("session", s.id).Warn("failed to close leaked session")
		}
	}

	var firstErr error
	if r.invalidator != nil {
		if err := r.invalidator.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close invalidator: %w", err)
		}
	}
	if err := r.backend.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close backend: %w", err)
	}
	r.metrics.untrack(r)
	r.log.Info("repository shut down")
	return firstErr
}
