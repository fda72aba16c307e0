package storage

import (
	"strings"

	"docstore/internal/model"
)

// NodeKind discriminates the variants of a node
type NodeKind int

const (
	// KindDocument is a live document
	KindDocument NodeKind = iota
	// KindVersion is an immutable snapshot of a document
	KindVersion
	// KindProxy references a version or a live document
	KindProxy
	// KindProperty holds the value of a complex property
	KindProperty
)

func (k NodeKind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindVersion:
		return "version"
	case KindProxy:
		return "proxy"
	case KindProperty:
		return "property"
	}
	return "unknown"
}

// Node is a handle on one persisted entity of a session. It holds the
// hierarchy row; everything else is read through the session on demand.
//
// Node handles are valid for the session that returned them. After a
// rollback, handles on nodes created in the rolled back work report
// Exists() == false.
type Node struct {
	s    *Session
	id   string
	hier *fragment
}

func newNode(s *Session, hier *fragment) *Node {
	return &Node{s: s, id: hier.row.ID, hier: hier}
}

// row returns the current hierarchy fragment, re-adopting it if evicted
func (n *Node) row() *fragment {
	f := n.s.pc.adopt(n.hier)
	n.hier = f
	return f
}

func (n *Node) ID() string { return n.id }

// Exists reports whether the node is still alive in its session
func (n *Node) Exists() bool {
	f := n.row()
	return f.alive() && !f.getBool(model.KeyIsDeleted)
}

func (n *Node) Kind() NodeKind {
	f := n.row()
	switch {
	case f.getBool(model.KeyIsProperty):
		return KindProperty
	case f.getBool(model.KeyIsVersion):
		return KindVersion
	case f.getBool(model.KeyIsProxy):
		return KindProxy
	}
	return KindDocument
}

func (n *Node) IsVersion() bool  { return n.Kind() == KindVersion }
func (n *Node) IsProxy() bool    { return n.Kind() == KindProxy }
func (n *Node) IsProperty() bool { return n.Kind() == KindProperty }

// ParentID is empty for the root and for versions
func (n *Node) ParentID() string { return n.row().getString(model.KeyParentID) }

func (n *Node) Name() string { return n.row().getString(model.KeyName) }

// Pos returns the position among siblings, false when unordered
func (n *Node) Pos() (int64, bool) { return n.row().getLong(model.KeyPos) }

func (n *Node) PrimaryType() string { return n.row().getString(model.KeyPrimaryType) }

// MixinTypes returns the facets added to this instance
func (n *Node) MixinTypes() []string {
	return parseMixins(n.row().getString(model.KeyMixinTypes))
}

// HasFacet reports whether the node's type or instance carries facet
func (n *Node) HasFacet(facet string) bool {
	if dt := n.s.model().Registry.DocumentType(n.PrimaryType()); dt != nil && dt.HasFacet(facet) {
		return true
	}
	for _, m := range n.MixinTypes() {
		if m == facet {
			return true
		}
	}
	return false
}

func (n *Node) IsCheckedIn() bool { return n.row().getBool(model.KeyIsCheckedIn) }

// BaseVersionID is the version the live document was last checked in as
// or restored from
func (n *Node) BaseVersionID() string { return n.row().getString(model.KeyBaseVersionID) }

func (n *Node) MajorVersion() int64 {
	v, _ := n.row().getLong(model.KeyMajorVersion)
	return v
}

func (n *Node) String() string {
	return n.Kind().String() + ":" + n.PrimaryType() + ":" + n.id
}

// mixins are stored as |A|B| so a LIKE '%|A|%' matches exactly one facet

func parseMixins(s string) []string {
	s = strings.Trim(s, "|")
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

func formatMixins(mixins []string) any {
	if len(mixins) == 0 {
		return nil
	}
	return "|" + strings.Join(mixins, "|") + "|"
}
