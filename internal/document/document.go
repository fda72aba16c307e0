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

// Document is a handle on one document of a session. It holds the node id
// only; the node is resolved at each call so a removed document fails with
// NotFound instead of reading stale state.
type Document struct {
	s  *Session
	id string
}

func (d *Document) ID() string { return d.id }

// Ref returns an id reference to the document
func (d *Document) Ref() Ref { return IDRef(d.id) }

func (d *Document) node(ctx context.Context, op string) (*storage.Node, error) {
	n, err := d.s.st.GetNodeByID(ctx, d.id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, storeerr.New(op, d.id, storeerr.ErrNotFound)
	}
	return n, nil
}

// checked resolves the node and checks permission on it
func (d *Document) checked(ctx context.Context, op, permission string) (*storage.Node, error) {
	n, err := d.node(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := d.s.check(ctx, op, n, permission); err != nil {
		return nil, err
	}
	return n, nil
}

// ============================================================================
// Identity
// ============================================================================

// Info is a read-only snapshot of the system properties of a document
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Path        string   `json:"path,omitempty"`
	Type        string   `json:"type"`
	Facets      []string `json:"facets,omitempty"`
	ParentID    string   `json:"parentId,omitempty"`
	IsFolder    bool     `json:"isFolder"`
	IsVersion   bool     `json:"isVersion"`
	IsProxy     bool     `json:"isProxy"`
	IsCheckedIn bool     `json:"isCheckedIn"`
}

// Info returns the system properties of the document
func (d *Document) Info(ctx context.Context) (*Info, error) {
	n, err := d.checked(ctx, "get info", storage.Browse)
	if err != nil {
		return nil, err
	}
	path, err := d.s.st.GetPath(ctx, n)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:          n.ID(),
		Name:        n.Name(),
		Path:        path,
		Type:        n.PrimaryType(),
		Facets:      d.s.model().Registry.FacetsFor(n.PrimaryType(), n.MixinTypes()),
		ParentID:    n.ParentID(),
		IsFolder:    n.HasFacet(model.FacetFolderish),
		IsVersion:   n.IsVersion(),
		IsProxy:     n.IsProxy(),
		IsCheckedIn: n.IsCheckedIn(),
	}, nil
}

func (d *Document) Name(ctx context.Context) (string, error) {
	n, err := d.node(ctx, "get name")
	if err != nil {
		return "", err
	}
	return n.Name(), nil
}

// Path is empty for versions
func (d *Document) Path(ctx context.Context) (string, error) {
	n, err := d.node(ctx, "get path")
	if err != nil {
		return "", err
	}
	return d.s.st.GetPath(ctx, n)
}

func (d *Document) Type(ctx context.Context) (string, error) {
	n, err := d.node(ctx, "get type")
	if err != nil {
		return "", err
	}
	return n.PrimaryType(), nil
}

// HasFacet reports whether the type or the instance carries facet
func (d *Document) HasFacet(ctx context.Context, facet string) (bool, error) {
	n, err := d.node(ctx, "has facet")
	if err != nil {
		return false, err
	}
	return n.HasFacet(facet), nil
}

// AddFacet adds a mixin facet, reporting whether it was missing
func (d *Document) AddFacet(ctx context.Context, facet string) (bool, error) {
	const op = "add facet"
	n, err := d.checked(ctx, op, storage.WriteProperties)
	if err != nil {
		return false, err
	}
	if err := d.s.autoCheckOut(ctx, n); err != nil {
		return false, err
	}
	return d.s.st.AddMixinType(ctx, n, facet)
}

// RemoveFacet removes a mixin facet and its data, reporting whether it was
// present on the instance
func (d *Document) RemoveFacet(ctx context.Context, facet string) (bool, error) {
	const op = "remove facet"
	n, err := d.checked(ctx, op, storage.WriteProperties)
	if err != nil {
		return false, err
	}
	if err := d.s.autoCheckOut(ctx, n); err != nil {
		return false, err
	}
	return d.s.st.RemoveMixinType(ctx, n, facet)
}

// ============================================================================
// Hierarchy
// ============================================================================

// Parent returns the parent document, nil for the root and for versions
func (d *Document) Parent(ctx context.Context) (*Document, error) {
	n, err := d.node(ctx, "get parent")
	if err != nil {
		return nil, err
	}
	p, err := d.s.st.GetParentNode(ctx, n)
	if err != nil || p == nil {
		return nil, err
	}
	if err := d.s.check(ctx, "get parent", p, storage.Browse); err != nil {
		return nil, err
	}
	return d.s.wrap(p), nil
}

// Children returns the browsable children in order
func (d *Document) Children(ctx context.Context) ([]*Document, error) {
	n, err := d.checked(ctx, "get children", storage.ReadChildren)
	if err != nil {
		return nil, err
	}
	children, err := d.s.st.GetChildren(ctx, n, false)
	if err != nil {
		return nil, err
	}
	return d.s.browsable(ctx, children)
}

// Child returns the named child, nil when absent
func (d *Document) Child(ctx context.Context, name string) (*Document, error) {
	n, err := d.checked(ctx, "get child", storage.ReadChildren)
	if err != nil {
		return nil, err
	}
	c, err := d.s.st.GetChild(ctx, n, name, false)
	if err != nil || c == nil {
		return nil, err
	}
	if err := d.s.check(ctx, "get child", c, storage.Browse); err != nil {
		return nil, err
	}
	return d.s.wrap(c), nil
}

func (d *Document) HasChildren(ctx context.Context) (bool, error) {
	n, err := d.checked(ctx, "has children", storage.ReadChildren)
	if err != nil {
		return false, err
	}
	return d.s.st.HasChildren(ctx, n, false)
}

// AddChild creates a document under this one
func (d *Document) AddChild(ctx context.Context, name, typeName string) (*Document, error) {
	return d.s.CreateDocument(ctx, d.Ref(), name, typeName)
}

// OrderBefore moves the child src before the child dest; an empty dest
// moves it last
func (d *Document) OrderBefore(ctx context.Context, src, dest string) error {
	const op = "order before"
	n, err := d.checked(ctx, op, storage.Write)
	if err != nil {
		return err
	}
	source, err := d.s.st.GetChild(ctx, n, src, false)
	if err != nil {
		return err
	}
	if source == nil {
		return storeerr.New(op, src, storeerr.ErrNotFound)
	}
	var target *storage.Node
	if dest != "" {
		if target, err = d.s.st.GetChild(ctx, n, dest, false); err != nil {
			return err
		}
		if target == nil {
			return storeerr.New(op, dest, storeerr.ErrNotFound)
		}
	}
	return d.s.st.OrderBefore(ctx, n, source, target)
}

// ============================================================================
// Versioning
// ============================================================================

// IsCheckedOut is false for checked-in documents and for versions
func (d *Document) IsCheckedOut(ctx context.Context) (bool, error) {
	n, err := d.node(ctx, "is checked out")
	if err != nil {
		return false, err
	}
	return !n.IsVersion() && !n.IsCheckedIn(), nil
}

func (d *Document) IsVersion(ctx context.Context) (bool, error) {
	n, err := d.node(ctx, "is version")
	if err != nil {
		return false, err
	}
	return n.IsVersion(), nil
}

func (d *Document) IsProxy(ctx context.Context) (bool, error) {
	n, err := d.node(ctx, "is proxy")
	if err != nil {
		return false, err
	}
	return n.IsProxy(), nil
}

// VersionSeriesID is the id shared by a live document, its versions and
// the proxies to them
func (d *Document) VersionSeriesID(ctx context.Context) (string, error) {
	n, err := d.node(ctx, "get version series")
	if err != nil {
		return "", err
	}
	return d.s.seriesID(ctx, n)
}

// VersionInfo describes a version; it fails on anything else
func (d *Document) VersionInfo(ctx context.Context) (*storage.VersionInfo, error) {
	n, err := d.checked(ctx, "get version info", storage.ReadVersion)
	if err != nil {
		return nil, err
	}
	return n.VersionInfo(ctx)
}

// BaseVersion returns the version a live document was checked in as or
// restored from, nil when it has none
func (d *Document) BaseVersion(ctx context.Context) (*Document, error) {
	n, err := d.node(ctx, "get base version")
	if err != nil {
		return nil, err
	}
	if n.BaseVersionID() == "" {
		return nil, nil
	}
	return d.s.GetDocument(ctx, IDRef(n.BaseVersionID()))
}

// SourceDocument returns the live document of a version, the target of a
// proxy, or the document itself
func (d *Document) SourceDocument(ctx context.Context) (*Document, error) {
	n, err := d.node(ctx, "get source document")
	if err != nil {
		return nil, err
	}
	switch n.Kind() {
	case storage.KindVersion:
		series, err := d.s.seriesID(ctx, n)
		if err != nil {
			return nil, err
		}
		return d.s.GetDocument(ctx, IDRef(series))
	case storage.KindProxy:
		return d.TargetDocument(ctx)
	}
	return d, nil
}

// TargetDocument returns the target of a proxy
func (d *Document) TargetDocument(ctx context.Context) (*Document, error) {
	n, err := d.node(ctx, "get target")
	if err != nil {
		return nil, err
	}
	target, _, err := d.s.st.ProxyInfo(ctx, n)
	if err != nil {
		return nil, err
	}
	return d.s.GetDocument(ctx, IDRef(target))
}

// SetTargetDocument repoints a proxy within its version series
func (d *Document) SetTargetDocument(ctx context.Context, target *Document) error {
	const op = "set target"
	n, err := d.checked(ctx, op, storage.WriteProperties)
	if err != nil {
		return err
	}
	return d.s.st.SetProxyTarget(ctx, n, target.id)
}

// autoCheckOut checks out a checked-in live document before a change
func (s *Session) autoCheckOut(ctx context.Context, n *storage.Node) error {
	data := n
	if n.IsProxy() {
		target, _, err := s.st.ProxyInfo(ctx, n)
		if err != nil {
			return err
		}
		if data, err = s.st.GetNodeByID(ctx, target); err != nil {
			return err
		}
		if data == nil {
			return storeerr.New("check out", target, storeerr.ErrNotFound)
		}
	}
	if data.IsVersion() || !data.IsCheckedIn() {
		return nil
	}
	return s.st.CheckOut(ctx, data)
}

// ============================================================================
// Security and lifecycle
// ============================================================================

// ACP returns the local access control policy, nil when none
func (d *Document) ACP(ctx context.Context) (storage.ACP, error) {
	n, err := d.checked(ctx, "get acp", storage.ReadSecurity)
	if err != nil {
		return nil, err
	}
	return d.s.st.GetACP(ctx, n)
}

// SetACP replaces the local access control policy
func (d *Document) SetACP(ctx context.Context, acp storage.ACP) error {
	n, err := d.checked(ctx, "set acp", storage.WriteSecurity)
	if err != nil {
		return err
	}
	return d.s.st.SetACP(ctx, n, acp)
}

// HasPermission evaluates permission for the session principal
func (d *Document) HasPermission(ctx context.Context, permission string) (bool, error) {
	n, err := d.node(ctx, "has permission")
	if err != nil {
		return false, err
	}
	return d.s.can(ctx, n, permission)
}

func (d *Document) LifeCycleState(ctx context.Context) (string, error) {
	n, err := d.checked(ctx, "get lifecycle", storage.ReadLifeCycle)
	if err != nil {
		return "", err
	}
	return n.LifeCycleState(ctx)
}

func (d *Document) SetLifeCycleState(ctx context.Context, state string) error {
	n, err := d.checked(ctx, "set lifecycle", storage.WriteLifeCycle)
	if err != nil {
		return err
	}
	return n.SetLifeCycleState(ctx, state)
}

// ============================================================================
// Locks
// ============================================================================

// Lock locks the document for the session principal. It returns nil when
// the lock was taken, or the existing lock.
func (d *Document) Lock(ctx context.Context) (*mapper.Lock, error) {
	if _, err := d.checked(ctx, "lock", storage.WriteProperties); err != nil {
		return nil, err
	}
	return d.s.st.SetLock(ctx, d.id, d.s.principal.Name)
}

// Unlock removes the lock of the session principal. Administrators remove
// any lock.
func (d *Document) Unlock(ctx context.Context) (*mapper.Lock, error) {
	if _, err := d.checked(ctx, "unlock", storage.WriteProperties); err != nil {
		return nil, err
	}
	lock, err := d.s.st.RemoveLock(ctx, d.id, d.s.principal.Name, d.s.principal.Administrator)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Failed {
		return lock, storeerr.New("unlock", d.id, fmt.Errorf("%w: locked by %s", storeerr.ErrOperationNotAllowed, lock.Owner))
	}
	return lock, nil
}

func (d *Document) GetLock(ctx context.Context) (*mapper.Lock, error) {
	if _, err := d.checked(ctx, "get lock", storage.Browse); err != nil {
		return nil, err
	}
	return d.s.st.GetLock(ctx, d.id)
}

// Touch sets dc:modified to now when the document has the dublincore schema
func (d *Document) Touch(ctx context.Context) error {
	n, err := d.node(ctx, "touch")
	if err != nil {
		return err
	}
	if !d.s.hasSchema(n, "dublincore") {
		return nil
	}
	return d.SetValue(ctx, "dc:modified", time.Now().UTC())
}
