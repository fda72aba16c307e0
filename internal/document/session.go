package document

import (
	"context"
	"fmt"
	"time"

	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
)

// Principal is the identity documents are accessed as
type Principal struct {
	Name   string
	Groups []string
	// Administrator bypasses every permission check
	Administrator bool
}

// SystemPrincipal is used by administrative code paths
var SystemPrincipal = Principal{Name: "system", Administrator: true}

func (p Principal) names() []string {
	return append([]string{p.Name}, p.Groups...)
}

// Ref designates a document by id or by path
type Ref interface {
	fmt.Stringer
	resolve(ctx context.Context, s *storage.Session) (*storage.Node, error)
}

// IDRef designates a document by id
type IDRef string

func (r IDRef) String() string { return string(r) }

func (r IDRef) resolve(ctx context.Context, s *storage.Session) (*storage.Node, error) {
	return s.GetNodeByID(ctx, string(r))
}

// PathRef designates a document by absolute path
type PathRef string

func (r PathRef) String() string { return string(r) }

func (r PathRef) resolve(ctx context.Context, s *storage.Session) (*storage.Node, error) {
	return s.GetNodeByPath(ctx, string(r), nil)
}

// Session exposes the documents of a storage session to one principal
type Session struct {
	st        *storage.Session
	principal Principal
}

// NewSession wraps a storage session. Transactions stay under the control
// of the caller through Begin, Commit and Rollback.
func NewSession(st *storage.Session, principal Principal) *Session {
	return &Session{st: st, principal: principal}
}

// Storage returns the underlying storage session
func (s *Session) Storage() *storage.Session { return s.st }

// Principal returns the identity of the session
func (s *Session) Principal() Principal { return s.principal }

func (s *Session) Begin(ctx context.Context) error    { return s.st.Begin(ctx) }
func (s *Session) Save(ctx context.Context) error     { return s.st.Save(ctx) }
func (s *Session) Commit(ctx context.Context) error   { return s.st.Commit(ctx) }
func (s *Session) Rollback(ctx context.Context) error { return s.st.Rollback(ctx) }
func (s *Session) Close() error                       { return s.st.Close() }

func (s *Session) model() *model.Model { return s.st.Repository().Model() }

// ============================================================================
// Security
// ============================================================================

// check fails with SecurityViolation unless the principal holds permission
// on n
func (s *Session) check(ctx context.Context, op string, n *storage.Node, permission string) error {
	ok, err := s.can(ctx, n, permission)
	if err != nil {
		return err
	}
	if !ok {
		return storeerr.New(op, n.ID(), fmt.Errorf("%w: %s lacks %s", storeerr.ErrSecurityViolation, s.principal.Name, permission))
	}
	return nil
}

func (s *Session) can(ctx context.Context, n *storage.Node, permission string) (bool, error) {
	if s.principal.Administrator {
		return true, nil
	}
	return s.st.HasPermission(ctx, n, s.principal.names(), permission)
}

// browsable keeps the nodes the principal may browse
func (s *Session) browsable(ctx context.Context, nodes []*storage.Node) ([]*Document, error) {
	out := make([]*Document, 0, len(nodes))
	for _, n := range nodes {
		ok, err := s.can(ctx, n, storage.Browse)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s.wrap(n))
		}
	}
	return out, nil
}

func (s *Session) wrap(n *storage.Node) *Document {
	return &Document{s: s, id: n.ID()}
}

// ============================================================================
// Lookup
// ============================================================================

// resolve returns the document node designated by ref, or nil
func (s *Session) resolve(ctx context.Context, ref Ref) (*storage.Node, error) {
	n, err := ref.resolve(ctx, s.st)
	if err != nil || n == nil {
		return nil, err
	}
	if n.IsProperty() {
		return nil, nil
	}
	return n, nil
}

// mustResolve is resolve failing with NotFound
func (s *Session) mustResolve(ctx context.Context, op string, ref Ref) (*storage.Node, error) {
	n, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, storeerr.New(op, ref.String(), storeerr.ErrNotFound)
	}
	return n, nil
}

// GetRootDocument returns the root
func (s *Session) GetRootDocument(ctx context.Context) (*Document, error) {
	n, err := s.st.GetRootNode(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, "get root", n, storage.Browse); err != nil {
		return nil, err
	}
	return s.wrap(n), nil
}

// GetDocument returns the document designated by ref, nil when it does
// not exist
func (s *Session) GetDocument(ctx context.Context, ref Ref) (*Document, error) {
	n, err := s.resolve(ctx, ref)
	if err != nil || n == nil {
		return nil, err
	}
	if err := s.check(ctx, "get document", n, storage.Browse); err != nil {
		return nil, err
	}
	return s.wrap(n), nil
}

// Exists reports whether ref designates a document, whatever the
// permissions on it
func (s *Session) Exists(ctx context.Context, ref Ref) (bool, error) {
	n, err := s.resolve(ctx, ref)
	return n != nil, err
}

// ============================================================================
// Hierarchy
// ============================================================================

// CreateDocument adds a document under parent. Documents carrying the
// dublincore schema get their creator and creation date.
func (s *Session) CreateDocument(ctx context.Context, parent Ref, name, typeName string) (*Document, error) {
	const op = "create document"
	p, err := s.mustResolve(ctx, op, parent)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, p, storage.AddChildren); err != nil {
		return nil, err
	}
	n, err := s.st.AddChildNode(ctx, p, name, nil, typeName, false)
	if err != nil {
		return nil, err
	}
	if s.hasSchema(n, "dublincore") {
		if err := n.SetSimpleProperty(ctx, "dc:creator", s.principal.Name); err != nil {
			return nil, err
		}
		if err := n.SetSimpleProperty(ctx, "dc:created", time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return s.wrap(n), nil
}

func (s *Session) hasSchema(n *storage.Node, schema string) bool {
	for _, name := range s.model().Registry.SchemasFor(n.PrimaryType(), n.MixinTypes()) {
		if name == schema {
			return true
		}
	}
	return false
}

// RemoveDocument removes a document and its subtree
func (s *Session) RemoveDocument(ctx context.Context, ref Ref) error {
	const op = "remove document"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return err
	}
	if err := s.check(ctx, op, n, storage.Remove); err != nil {
		return err
	}
	if parent, err := s.st.GetParentNode(ctx, n); err != nil {
		return err
	} else if parent != nil {
		if err := s.check(ctx, op, parent, storage.RemoveChildren); err != nil {
			return err
		}
	}
	return s.st.RemoveNode(ctx, n)
}

// Move reparents a document; an empty name keeps the current one
func (s *Session) Move(ctx context.Context, src, dstParent Ref, name string) (*Document, error) {
	const op = "move document"
	n, err := s.mustResolve(ctx, op, src)
	if err != nil {
		return nil, err
	}
	dst, err := s.mustResolve(ctx, op, dstParent)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.Remove); err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, dst, storage.AddChildren); err != nil {
		return nil, err
	}
	if err := s.st.Move(ctx, n, dst, name); err != nil {
		return nil, err
	}
	return s.wrap(n), nil
}

// Copy duplicates a document subtree under dstParent
func (s *Session) Copy(ctx context.Context, src, dstParent Ref, name string) (*Document, error) {
	const op = "copy document"
	n, err := s.mustResolve(ctx, op, src)
	if err != nil {
		return nil, err
	}
	dst, err := s.mustResolve(ctx, op, dstParent)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.Read); err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, dst, storage.AddChildren); err != nil {
		return nil, err
	}
	c, err := s.st.Copy(ctx, n, dst, name)
	if err != nil {
		return nil, err
	}
	return s.wrap(c), nil
}

// ============================================================================
// Versions and proxies
// ============================================================================

// CheckIn creates a version of a document
func (s *Session) CheckIn(ctx context.Context, ref Ref, label, comment string) (*Document, error) {
	const op = "check in"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.Version); err != nil {
		return nil, err
	}
	v, err := s.st.CheckIn(ctx, n, label, comment)
	if err != nil {
		return nil, err
	}
	return s.wrap(v), nil
}

// CheckOut makes a checked-in document writable again
func (s *Session) CheckOut(ctx context.Context, ref Ref) error {
	const op = "check out"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return err
	}
	if err := s.check(ctx, op, n, storage.Version); err != nil {
		return err
	}
	return s.st.CheckOut(ctx, n)
}

// Restore replaces the content of a document with one of its versions
func (s *Session) Restore(ctx context.Context, ref, version Ref) error {
	const op = "restore"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return err
	}
	v, err := s.mustResolve(ctx, op, version)
	if err != nil {
		return err
	}
	if err := s.check(ctx, op, n, storage.WriteProperties); err != nil {
		return err
	}
	return s.st.Restore(ctx, n, v)
}

// GetVersions returns the versions of the series of a document, oldest
// first
func (s *Session) GetVersions(ctx context.Context, ref Ref) ([]*Document, error) {
	const op = "get versions"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.ReadVersion); err != nil {
		return nil, err
	}
	series, err := s.seriesID(ctx, n)
	if err != nil {
		return nil, err
	}
	versions, err := s.st.GetVersions(ctx, series)
	if err != nil {
		return nil, err
	}
	out := make([]*Document, len(versions))
	for i, v := range versions {
		out[i] = s.wrap(v)
	}
	return out, nil
}

// GetLastVersion returns the latest version of the series, nil when none
func (s *Session) GetLastVersion(ctx context.Context, ref Ref) (*Document, error) {
	const op = "get last version"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.ReadVersion); err != nil {
		return nil, err
	}
	series, err := s.seriesID(ctx, n)
	if err != nil {
		return nil, err
	}
	v, err := s.st.GetLastVersion(ctx, series)
	if err != nil || v == nil {
		return nil, err
	}
	return s.wrap(v), nil
}

// GetVersion returns the version of the series with label, nil when none
func (s *Session) GetVersion(ctx context.Context, ref Ref, label string) (*Document, error) {
	const op = "get version"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, n, storage.ReadVersion); err != nil {
		return nil, err
	}
	series, err := s.seriesID(ctx, n)
	if err != nil {
		return nil, err
	}
	v, err := s.st.GetVersionByLabel(ctx, series, label)
	if err != nil || v == nil {
		return nil, err
	}
	return s.wrap(v), nil
}

// seriesID returns the version series of a document, version or proxy
func (s *Session) seriesID(ctx context.Context, n *storage.Node) (string, error) {
	switch n.Kind() {
	case storage.KindVersion:
		info, err := n.VersionInfo(ctx)
		if err != nil {
			return "", err
		}
		return info.SeriesID, nil
	case storage.KindProxy:
		_, series, err := s.st.ProxyInfo(ctx, n)
		return series, err
	}
	return n.ID(), nil
}

// CreateProxy publishes target, a version or a live document, under parent
func (s *Session) CreateProxy(ctx context.Context, target, parent Ref, name string) (*Document, error) {
	const op = "create proxy"
	t, err := s.mustResolve(ctx, op, target)
	if err != nil {
		return nil, err
	}
	p, err := s.mustResolve(ctx, op, parent)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, t, storage.Read); err != nil {
		return nil, err
	}
	if err := s.check(ctx, op, p, storage.AddChildren); err != nil {
		return nil, err
	}
	proxy, err := s.st.AddProxy(ctx, t.ID(), "", p, name, nil)
	if err != nil {
		return nil, err
	}
	return s.wrap(proxy), nil
}

// GetProxies returns the browsable proxies of a document or version; a
// non nil parent restricts them to its children
func (s *Session) GetProxies(ctx context.Context, ref, parent Ref) ([]*Document, error) {
	const op = "get proxies"
	n, err := s.mustResolve(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	var p *storage.Node
	if parent != nil {
		if p, err = s.mustResolve(ctx, op, parent); err != nil {
			return nil, err
		}
	}
	proxies, err := s.st.GetProxies(ctx, n, p)
	if err != nil {
		return nil, err
	}
	return s.browsable(ctx, proxies)
}

// ============================================================================
// Queries
// ============================================================================

// DocumentList is one page of query results
type DocumentList struct {
	Documents []*Document
	// TotalSize ignores paging
	TotalSize int64
}

// Query returns the documents matching q that the principal may browse
func (s *Session) Query(ctx context.Context, q *mapper.Query, limit, offset int) (*DocumentList, error) {
	filter := &mapper.QueryFilter{
		Permissions: []string{storage.Browse},
		Limit:       limit,
		Offset:      offset,
		CountTotal:  true,
	}
	if !s.principal.Administrator {
		filter.Principals = s.principal.names()
	}
	list, err := s.st.Query(ctx, q, filter)
	if err != nil {
		return nil, err
	}
	nodes, err := s.st.GetNodesByIDs(ctx, list.IDs)
	if err != nil {
		return nil, err
	}
	out := &DocumentList{Documents: make([]*Document, len(nodes)), TotalSize: list.TotalSize}
	for i, n := range nodes {
		out.Documents[i] = s.wrap(n)
	}
	return out, nil
}
