package storage

import (
	"context"
	"strings"

	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// ============================================================================
// Navigation
// ============================================================================

// GetParentNode returns the parent, nil for the root and for versions
func (s *Session) GetParentNode(ctx context.Context, n *Node) (*Node, error) {
	if err := s.guard("get parent"); err != nil {
		return nil, err
	}
	if err := checkAlive("get parent", n); err != nil {
		return nil, err
	}
	return s.node(ctx, n.ParentID())
}

// GetPath returns the slash separated path from the root. Versions have
// no path and return "".
func (s *Session) GetPath(ctx context.Context, n *Node) (string, error) {
	if err := s.guard("get path"); err != nil {
		return "", err
	}
	if err := checkAlive("get path", n); err != nil {
		return "", err
	}
	if n.IsVersion() {
		return "", nil
	}

	var names []string
	cur := n
	for cur.ParentID() != "" {
		names = append(names, cur.Name())
		parent, err := s.node(ctx, cur.ParentID())
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", storeerr.New("get path", cur.id, storeerr.ErrNotFound)
		}
		cur = parent
	}
	if cur.id != s.repo.rootID {
		// detached subtree of a version
		return "", nil
	}

	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(names[i])
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

// GetNodeByPath resolves an absolute path from the root or a relative one
// from base. It returns nil when a segment does not exist.
func (s *Session) GetNodeByPath(ctx context.Context, path string, base *Node) (*Node, error) {
	if err := s.guard("get node by path"); err != nil {
		return nil, err
	}
	var cur *Node
	if strings.HasPrefix(path, "/") {
		root, err := s.mustNode(ctx, "get node by path", s.repo.rootID)
		if err != nil {
			return nil, err
		}
		cur = root
	} else {
		if base == nil {
			return nil, errInvalid("get node by path", "", "relative path %q without base", path)
		}
		if !base.Exists() {
			return nil, nil
		}
		cur = base
	}

	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		next, err := s.child(ctx, cur.id, name, false)
		if err != nil || next == nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// GetChildren lists the children of a node in one namespace
func (s *Session) GetChildren(ctx context.Context, parent *Node, complexProp bool) ([]*Node, error) {
	if err := s.guard("get children"); err != nil {
		return nil, err
	}
	if err := checkAlive("get children", parent); err != nil {
		return nil, err
	}
	id, err := s.childrenOwner(ctx, parent, complexProp)
	if err != nil {
		return nil, err
	}
	return s.children(ctx, id, complexProp)
}

// HasChildren reports whether a node has children in one namespace
func (s *Session) HasChildren(ctx context.Context, parent *Node, complexProp bool) (bool, error) {
	children, err := s.GetChildren(ctx, parent, complexProp)
	return len(children) > 0, err
}

// GetChild returns the named child or nil
func (s *Session) GetChild(ctx context.Context, parent *Node, name string, complexProp bool) (*Node, error) {
	if err := s.guard("get child"); err != nil {
		return nil, err
	}
	if err := checkAlive("get child", parent); err != nil {
		return nil, err
	}
	id, err := s.childrenOwner(ctx, parent, complexProp)
	if err != nil {
		return nil, err
	}
	return s.child(ctx, id, name, complexProp)
}

// HasChild reports whether the named child exists
func (s *Session) HasChild(ctx context.Context, parent *Node, name string, complexProp bool) (bool, error) {
	n, err := s.GetChild(ctx, parent, name, complexProp)
	return n != nil, err
}

// childrenOwner returns the node holding the children: complex properties
// of a proxy live on its target
func (s *Session) childrenOwner(ctx context.Context, n *Node, complexProp bool) (string, error) {
	if !complexProp || !n.IsProxy() {
		return n.id, nil
	}
	target, err := s.proxyTarget(ctx, n)
	if err != nil {
		return "", err
	}
	return target.id, nil
}

// nextPos returns the position after the last positioned child
func (s *Session) nextPos(ctx context.Context, parentID string) (int64, error) {
	children, err := s.children(ctx, parentID, false)
	if err != nil {
		return 0, err
	}
	var next int64
	for _, c := range children {
		if p, ok := c.Pos(); ok && p >= next {
			next = p + 1
		}
	}
	return next, nil
}

// ============================================================================
// Creation
// ============================================================================

// AddChildNode creates a node under parent. Document children need a
// document type and a name unique among the document children; complex
// property children need a complex type and a unique (name, pos) pair, so
// that the items of a list share the list's name. A nil pos appends
// documents and leaves single complex properties unpositioned.
func (s *Session) AddChildNode(ctx context.Context, parent *Node, name string, pos *int64, typeName string, complexProp bool) (*Node, error) {
	if err := s.guard("add child"); err != nil {
		return nil, err
	}
	id, err := s.mapper.GenerateID(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	return s.addChildNode(ctx, parent, id, name, pos, typeName, complexProp)
}

// AddChildNodeWithID is AddChildNode with a caller supplied id, for imports
func (s *Session) AddChildNodeWithID(ctx context.Context, parent *Node, id, name string, pos *int64, typeName string, complexProp bool) (*Node, error) {
	if err := s.guard("add child"); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errInvalid("add child", "", "empty id")
	}
	existing, err := s.node(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errNotAllowed("add child", id, "id already in use")
	}
	return s.addChildNode(ctx, parent, id, name, pos, typeName, complexProp)
}

func (s *Session) addChildNode(ctx context.Context, parent *Node, id, name string, pos *int64, typeName string, complexProp bool) (*Node, error) {
	const op = "add child"
	if err := checkAlive(op, parent); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errInvalid(op, id, "empty name")
	}
	reg := s.model().Registry
	if complexProp {
		if reg.ComplexType(typeName) == nil {
			return nil, errInvalid(op, id, "unknown complex type %s", typeName)
		}
	} else if reg.DocumentType(typeName) == nil {
		return nil, errInvalid(op, id, "unknown document type %s", typeName)
	}

	parentID := parent.id
	if complexProp {
		owner, err := s.ownerDocument(ctx, parent)
		if err != nil {
			return nil, err
		}
		if err := s.checkWritable(ctx, "add property", owner); err != nil {
			return nil, err
		}
		if parentID, err = s.childrenOwner(ctx, parent, true); err != nil {
			return nil, err
		}
		siblings, err := s.children(ctx, parentID, true)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			sp, sok := sib.Pos()
			if sib.Name() == name && (pos == nil && !sok || pos != nil && sok && sp == *pos) {
				return nil, errNotAllowed(op, parentID, "property %s already exists", name)
			}
		}
		s.fulltextDirty[owner.id] = struct{}{}
	} else {
		if k := parent.Kind(); k == KindVersion || k == KindProperty {
			return nil, errNotAllowed(op, parentID, "cannot add a document under a %s", k)
		}
		existing, err := s.child(ctx, parentID, name, false)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errNotAllowed(op, parentID, "child %s already exists", name)
		}
		if pos == nil {
			next, err := s.nextPos(ctx, parentID)
			if err != nil {
				return nil, err
			}
			pos = &next
		}
	}

	row := mapper.NewRow(model.HierTable, id)
	row.Put(model.KeyParentID, parentID)
	if pos != nil {
		row.Put(model.KeyPos, *pos)
	}
	row.Put(model.KeyName, name)
	row.Put(model.KeyIsProperty, complexProp)
	row.Put(model.KeyPrimaryType, typeName)
	row.Put(model.KeyIsDeleted, false)
	if !complexProp {
		row.Put(model.KeyIsVersion, false)
		row.Put(model.KeyIsProxy, false)
		row.Put(model.KeyIsCheckedIn, false)
	}
	f := s.pc.create(row)
	s.pc.addToSelection(childrenKey(parentID, complexProp), id)

	if !complexProp {
		s.readACLRoots[id] = struct{}{}
		s.fulltextDirty[id] = struct{}{}
	}
	return newNode(s, f), nil
}

// ============================================================================
// Removal
// ============================================================================

// RemoveNode removes a document with its whole subtree, after an implicit
// save. Proxies of removed live documents are removed too, or the removal
// is refused, depending on the repository's proxy removal policy. Versions
// still targeted by proxies cannot be removed.
func (s *Session) RemoveNode(ctx context.Context, n *Node) error {
	const op = "remove node"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, n); err != nil {
		return err
	}
	if n.IsProperty() {
		return s.RemovePropertyNode(ctx, n)
	}
	if n.id == s.repo.rootID {
		return errNotAllowed(op, n.id, "cannot remove the root")
	}
	if err := s.flush(ctx); err != nil {
		return err
	}

	if n.IsVersion() {
		proxies, err := s.proxiesOf(ctx, targetProxiesKey(n.id), model.KeyTargetID, n.id)
		if err != nil {
			return err
		}
		if len(proxies) > 0 {
			return errNotAllowed(op, n.id, "version is the target of %d proxies", len(proxies))
		}
	}

	descendants, err := s.mapper.DescendantIDs(ctx, n.id, true)
	if err != nil {
		return s.fail(err)
	}
	subtree := make(map[string]struct{}, len(descendants)+1)
	subtree[n.id] = struct{}{}
	for _, id := range descendants {
		subtree[id] = struct{}{}
	}

	frags, err := s.pc.getMany(ctx, model.HierTable, append([]string{n.id}, descendants...))
	if err != nil {
		return err
	}
	var extra []*Node
	for _, f := range frags {
		node := newNode(s, f)
		switch node.Kind() {
		case KindDocument:
			proxies, err := s.proxiesOf(ctx, seriesProxiesKey(node.id), model.KeyVersionableID, node.id)
			if err != nil {
				return err
			}
			for _, p := range proxies {
				if _, inside := subtree[p.id]; inside {
					continue
				}
				if s.repo.opts.ProxyRemoval == ProxyRemovalDeny {
					return errNotAllowed(op, n.id, "document %s still has proxy %s", node.id, p.id)
				}
				subtree[p.id] = struct{}{}
				extra = append(extra, p)
			}
		case KindProxy:
			if err := s.touchProxySelections(ctx, node); err != nil {
				return err
			}
		}
	}

	// children before parents
	order := make([]string, 0, len(subtree))
	for _, p := range extra {
		order = append(order, p.id)
		if err := s.touchProxySelections(ctx, p); err != nil {
			return err
		}
		s.pc.touchSelection(childrenKey(p.ParentID(), false))
	}
	for i := len(descendants) - 1; i >= 0; i-- {
		order = append(order, descendants[i])
	}
	order = append(order, n.id)

	if n.IsVersion() {
		if vf, err := s.pc.get(ctx, model.RowID{Table: model.VersionTable, ID: n.id}); err == nil && vf != nil {
			s.pc.touchSelection(versionsKey(vf.getString(model.KeyVersionableID)))
		}
	} else {
		s.pc.touchSelection(childrenKey(n.ParentID(), false))
	}

	s.pc.removeNodes(order, s.repo.opts.SoftDelete)
	s.log.WithField("id", n.id).WithField("nodes", len(order)).Debug("node removed")
	return nil
}

// RemovePropertyNode removes a complex property with its nested values
func (s *Session) RemovePropertyNode(ctx context.Context, n *Node) error {
	const op = "remove property"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, n); err != nil {
		return err
	}
	if !n.IsProperty() {
		return errInvalid(op, n.id, "not a property node")
	}
	owner, err := s.ownerDocument(ctx, n)
	if err != nil {
		return err
	}
	if err := s.checkWritable(ctx, op, owner); err != nil {
		return err
	}

	ids, err := s.propertySubtree(ctx, n)
	if err != nil {
		return err
	}
	s.pc.touchSelection(childrenKey(n.ParentID(), true))
	s.pc.removeNodes(ids, false)
	s.fulltextDirty[owner.id] = struct{}{}
	return nil
}

// propertySubtree lists a property node and its nested properties,
// children first
func (s *Session) propertySubtree(ctx context.Context, n *Node) ([]string, error) {
	levels := [][]*Node{{n}}
	for {
		var next []*Node
		for _, p := range levels[len(levels)-1] {
			children, err := s.children(ctx, p.id, true)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		if len(next) == 0 {
			break
		}
		levels = append(levels, next)
	}
	var ids []string
	for i := len(levels) - 1; i >= 0; i-- {
		for _, p := range levels[i] {
			ids = append(ids, p.id)
		}
	}
	return ids, nil
}

// ============================================================================
// Ordering, move, copy
// ============================================================================

// OrderBefore places source immediately before dest among the children of
// parent, or last when dest is nil. Positions are renumbered densely.
func (s *Session) OrderBefore(ctx context.Context, parent, source, dest *Node) error {
	const op = "order before"
	if err := s.guard(op); err != nil {
		return err
	}
	for _, n := range []*Node{parent, source} {
		if err := checkAlive(op, n); err != nil {
			return err
		}
	}
	if source.ParentID() != parent.id {
		return errInvalid(op, source.id, "not a child of %s", parent.id)
	}
	if dest != nil {
		if dest.ParentID() != parent.id {
			return errInvalid(op, dest.id, "not a child of %s", parent.id)
		}
		if dest.id == source.id {
			return nil
		}
	}

	complexProp := source.IsProperty()
	children, err := s.children(ctx, parent.id, complexProp)
	if err != nil {
		return err
	}
	ordered := make([]*Node, 0, len(children))
	for _, c := range children {
		if c.id == source.id {
			continue
		}
		if dest != nil && c.id == dest.id {
			ordered = append(ordered, source)
		}
		ordered = append(ordered, c)
	}
	if dest == nil {
		ordered = append(ordered, source)
	}

	for i, c := range ordered {
		if p, ok := c.Pos(); ok && p == int64(i) {
			continue
		}
		s.pc.set(c.row(), model.KeyPos, int64(i))
	}
	s.pc.touchSelection(childrenKey(parent.id, complexProp))
	return nil
}

// Move reparents and optionally renames a document after an implicit save
func (s *Session) Move(ctx context.Context, n, newParent *Node, newName string) error {
	const op = "move"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := s.checkMovable(op, n, newParent); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if newName == "" {
		newName = n.Name()
	}
	oldParent := n.ParentID()
	if oldParent == newParent.id && newName == n.Name() {
		return nil
	}
	if err := s.checkNoCycle(ctx, op, n, newParent); err != nil {
		return err
	}
	existing, err := s.child(ctx, newParent.id, newName, false)
	if err != nil {
		return err
	}
	if existing != nil && existing.id != n.id {
		return errNotAllowed(op, newParent.id, "child %s already exists", newName)
	}

	f := n.row()
	if oldParent != newParent.id {
		pos, err := s.nextPos(ctx, newParent.id)
		if err != nil {
			return err
		}
		s.pc.set(f, model.KeyParentID, newParent.id)
		s.pc.set(f, model.KeyPos, pos)
		s.readACLRoots[n.id] = struct{}{}
	}
	s.pc.set(f, model.KeyName, newName)
	s.pc.addToSelection(childrenKey(newParent.id, false), n.id)
	s.pc.touchSelection(childrenKey(oldParent, false))
	return nil
}

// Copy duplicates a document subtree with its complex properties under
// newParent, after an implicit save. Copies of live documents start a new
// version series.
func (s *Session) Copy(ctx context.Context, n, newParent *Node, newName string) (*Node, error) {
	const op = "copy"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	if err := s.checkMovable(op, n, newParent); err != nil {
		return nil, err
	}
	if err := s.flush(ctx); err != nil {
		return nil, err
	}
	if newName == "" {
		newName = n.Name()
	}
	if err := s.checkNoCycle(ctx, op, n, newParent); err != nil {
		return nil, err
	}
	existing, err := s.child(ctx, newParent.id, newName, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errNotAllowed(op, newParent.id, "child %s already exists", newName)
	}
	pos, err := s.nextPos(ctx, newParent.id)
	if err != nil {
		return nil, err
	}

	copied, err := s.copyTree(ctx, n, newParent.id, newName, &pos)
	if err != nil {
		return nil, err
	}
	s.readACLRoots[copied.id] = struct{}{}
	return copied, nil
}

func (s *Session) checkMovable(op string, n, newParent *Node) error {
	for _, x := range []*Node{n, newParent} {
		if err := checkAlive(op, x); err != nil {
			return err
		}
	}
	if n.id == s.repo.rootID {
		return errNotAllowed(op, n.id, "cannot %s the root", op)
	}
	if k := n.Kind(); k == KindVersion || k == KindProperty {
		return errNotAllowed(op, n.id, "cannot %s a %s", op, k)
	}
	if k := newParent.Kind(); k == KindVersion || k == KindProperty {
		return errNotAllowed(op, newParent.id, "cannot %s under a %s", op, k)
	}
	return nil
}

// checkNoCycle refuses a destination inside the moved subtree
func (s *Session) checkNoCycle(ctx context.Context, op string, n, newParent *Node) error {
	for cur := newParent; cur != nil; {
		if cur.id == n.id {
			return errNotAllowed(op, n.id, "destination %s is inside the source", newParent.id)
		}
		next, err := s.node(ctx, cur.ParentID())
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// copyTree copies one node, its data and its children
func (s *Session) copyTree(ctx context.Context, src *Node, parentID, name string, pos *int64) (*Node, error) {
	id, err := s.mapper.GenerateID(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	row := src.row().row.Clone()
	row.ID = id
	row.Put(model.KeyParentID, parentID)
	row.Put(model.KeyName, name)
	if pos != nil {
		row.Put(model.KeyPos, *pos)
	} else {
		delete(row.Values, model.KeyPos)
	}
	kind := src.Kind()
	if kind == KindDocument {
		row.Put(model.KeyIsCheckedIn, false)
		row.Put(model.KeyBaseVersionID, nil)
		row.Put(model.KeyMajorVersion, nil)
	}
	f := s.pc.create(row)
	copied := newNode(s, f)
	s.pc.addToSelection(childrenKey(parentID, kind == KindProperty), id)

	tables := []string{model.MiscTable, model.ACLTable}
	if kind == KindProxy {
		tables = append(tables, model.ProxyTable)
	} else {
		tables = append(tables, s.model().TypeFragments(src.PrimaryType(), src.MixinTypes())...)
	}
	if err := s.copyFragments(ctx, src.id, id, tables); err != nil {
		return nil, err
	}
	if kind == KindProxy {
		pf, err := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: id})
		if err != nil {
			return nil, err
		}
		if pf != nil {
			s.pc.addToSelection(targetProxiesKey(pf.getString(model.KeyTargetID)), id)
			s.pc.addToSelection(seriesProxiesKey(pf.getString(model.KeyVersionableID)), id)
		}
	}
	if kind != KindProperty {
		s.fulltextDirty[id] = struct{}{}
	}

	for _, complexProp := range []bool{true, false} {
		children, err := s.children(ctx, src.id, complexProp)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			var cpos *int64
			if p, ok := c.Pos(); ok {
				cpos = &p
			}
			if _, err := s.copyTree(ctx, c, id, c.Name(), cpos); err != nil {
				return nil, err
			}
		}
	}
	return copied, nil
}

// copyFragments clones the rows of srcID in tables onto dstID
func (s *Session) copyFragments(ctx context.Context, srcID, dstID string, tables []string) error {
	for _, table := range tables {
		f, err := s.pc.get(ctx, model.RowID{Table: table, ID: srcID})
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		row := f.row.Clone()
		row.ID = dstID
		s.pc.create(row)
	}
	return nil
}
