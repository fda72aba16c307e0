package storage

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// Principals and permissions known to the core
const (
	Everyone = "Everyone"

	Everything      = "Everything"
	Browse          = "Browse"
	Read            = "Read"
	ReadProperties  = "ReadProperties"
	ReadChildren    = "ReadChildren"
	ReadLifeCycle   = "ReadLifeCycle"
	ReadSecurity    = "ReadSecurity"
	ReadVersion     = "ReadVersion"
	ReadWrite       = "ReadWrite"
	ReadRemove      = "ReadRemove"
	Write           = "Write"
	WriteProperties = "WriteProperties"
	WriteSecurity   = "WriteSecurity"
	WriteLifeCycle  = "WriteLifeCycle"
	AddChildren     = "AddChildren"
	RemoveChildren  = "RemoveChildren"
	Remove          = "Remove"
	Version         = "Version"
)

// permissionGroups lists what each compound permission grants
var permissionGroups = map[string][]string{
	Everything: {ReadWrite, ReadRemove, WriteSecurity, Version},
	ReadWrite:  {Read, Write},
	ReadRemove: {Read, Remove},
	Read:       {Browse, ReadProperties, ReadChildren, ReadLifeCycle, ReadSecurity, ReadVersion},
	Write:      {WriteProperties, WriteLifeCycle, AddChildren, RemoveChildren, Version},
}

// browsePermissions are the permissions that imply Browse
var browsePermissions = func() map[string]bool {
	out := make(map[string]bool)
	for p := range permissionGroups {
		if implies(p, Browse) {
			out[p] = true
		}
	}
	out[Browse] = true
	return out
}()

// implies reports whether holding granted gives wanted
func implies(granted, wanted string) bool {
	if granted == wanted {
		return true
	}
	for _, sub := range permissionGroups[granted] {
		if implies(sub, wanted) {
			return true
		}
	}
	return false
}

// ACE is one access control entry
type ACE struct {
	Principal  string `json:"principal"`
	Permission string `json:"permission"`
	Grant      bool   `json:"grant"`
}

// ACL is a named, ordered list of entries
type ACL struct {
	Name    string `json:"name"`
	Entries []ACE  `json:"entries"`
}

// ACP is the ordered list of ACLs set on one node. The first entry
// matching a principal and a permission decides.
type ACP []ACL

// Entries flattens the ACP in evaluation order
func (a ACP) Entries() []ACE {
	var out []ACE
	for _, acl := range a {
		out = append(out, acl.Entries...)
	}
	return out
}

// ============================================================================
// ACP storage
// ============================================================================

// SetACP replaces the local ACP of a document or proxy. An empty ACP
// removes it. Read ACLs of the subtree are recomputed at the next save.
func (s *Session) SetACP(ctx context.Context, n *Node, acp ACP) error {
	const op = "set acp"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, n); err != nil {
		return err
	}
	if k := n.Kind(); k == KindVersion || k == KindProperty {
		return errNotAllowed(op, n.id, "a %s has no own acp", k)
	}

	var items []map[string]any
	for _, acl := range acp {
		if acl.Name == "" {
			return errInvalid(op, n.id, "acl without name")
		}
		for _, ace := range acl.Entries {
			if ace.Principal == "" || ace.Permission == "" {
				return errInvalid(op, n.id, "incomplete entry in acl %s", acl.Name)
			}
			items = append(items, map[string]any{
				model.KeyACLName:    acl.Name,
				model.KeyGrant:      ace.Grant,
				model.KeyPermission: ace.Permission,
				model.KeyPrincipal:  ace.Principal,
			})
		}
	}

	rid := model.RowID{Table: model.ACLTable, ID: n.id}
	if len(items) == 0 {
		f, err := s.pc.get(ctx, rid)
		if err != nil {
			return err
		}
		if f != nil {
			s.pc.removeFragment(f)
		}
	} else {
		f, err := s.pc.getOrCreate(ctx, rid)
		if err != nil {
			return err
		}
		s.pc.setItems(f, items)
	}
	s.RequireReadAclsUpdate(n)
	return nil
}

// GetACP returns the local ACP of a node, nil when none
func (s *Session) GetACP(ctx context.Context, n *Node) (ACP, error) {
	const op = "get acp"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	if err := checkAlive(op, n); err != nil {
		return nil, err
	}
	return s.localACP(ctx, n.id)
}

func (s *Session) localACP(ctx context.Context, id string) (ACP, error) {
	f, err := s.pc.get(ctx, model.RowID{Table: model.ACLTable, ID: id})
	if err != nil || f == nil {
		return nil, err
	}
	var acp ACP
	for _, item := range f.row.Items {
		name, _ := item[model.KeyACLName].(string)
		if len(acp) == 0 || acp[len(acp)-1].Name != name {
			acp = append(acp, ACL{Name: name})
		}
		ace := ACE{}
		ace.Principal, _ = item[model.KeyPrincipal].(string)
		ace.Permission, _ = item[model.KeyPermission].(string)
		ace.Grant, _ = item[model.KeyGrant].(bool)
		last := &acp[len(acp)-1]
		last.Entries = append(last.Entries, ace)
	}
	return acp, nil
}

// effectiveEntries returns the local entries of n followed by the
// inherited ones. Versions use the entries of their live document and
// properties those of their document.
func (s *Session) effectiveEntries(ctx context.Context, n *Node, memo map[string][]ACE) ([]ACE, error) {
	if aces, ok := memo[n.id]; ok {
		return aces, nil
	}
	switch n.Kind() {
	case KindProperty:
		doc, err := s.ownerDocument(ctx, n)
		if err != nil {
			return nil, err
		}
		return s.effectiveEntries(ctx, doc, memo)
	case KindVersion:
		info, err := n.VersionInfo(ctx)
		if err != nil {
			return nil, err
		}
		live, err := s.node(ctx, info.SeriesID)
		if err != nil || live == nil {
			return nil, err
		}
		aces, err := s.effectiveEntries(ctx, live, memo)
		if err == nil && memo != nil {
			memo[n.id] = aces
		}
		return aces, err
	}

	acp, err := s.localACP(ctx, n.id)
	if err != nil {
		return nil, err
	}
	aces := acp.Entries()
	parent, err := s.node(ctx, n.ParentID())
	if err != nil {
		return nil, err
	}
	if parent != nil {
		inherited, err := s.effectiveEntries(ctx, parent, memo)
		if err != nil {
			return nil, err
		}
		aces = append(aces[:len(aces):len(aces)], inherited...)
	}
	if memo != nil {
		memo[n.id] = aces
	}
	return aces, nil
}

// HasPermission evaluates the effective ACP of n for any of principals.
// Everyone always applies. Without a matching entry permission is denied.
func (s *Session) HasPermission(ctx context.Context, n *Node, principals []string, permission string) (bool, error) {
	const op = "check permission"
	if err := s.guard(op); err != nil {
		return false, err
	}
	if err := checkAlive(op, n); err != nil {
		return false, err
	}
	aces, err := s.effectiveEntries(ctx, n, nil)
	if err != nil {
		return false, err
	}
	return decide(aces, principals, permission), nil
}

func decide(aces []ACE, principals []string, permission string) bool {
	for _, ace := range aces {
		if !matchesPrincipal(ace.Principal, principals) {
			continue
		}
		if implies(ace.Permission, permission) {
			return ace.Grant
		}
	}
	return false
}

func matchesPrincipal(principal string, principals []string) bool {
	if principal == Everyone {
		return true
	}
	for _, p := range principals {
		if p == principal {
			return true
		}
	}
	return false
}

// ============================================================================
// Read ACLs
// ============================================================================

// readPrincipals computes the principals allowed to browse. The first entry
// for a principal decides; a deny to Everyone hides the node from everyone
// not granted before it.
func readPrincipals(aces []ACE) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ace := range aces {
		if !browsePermissions[ace.Permission] || seen[ace.Principal] {
			continue
		}
		seen[ace.Principal] = true
		if ace.Grant {
			out = append(out, ace.Principal)
		} else if ace.Principal == Everyone {
			break
		}
	}
	sort.Strings(out)
	return out
}

// RequireReadAclsUpdate schedules the read ACLs of the subtree of n for
// recomputation at the next save
func (s *Session) RequireReadAclsUpdate(n *Node) {
	s.readACLRoots[n.id] = struct{}{}
}

// UpdateReadAcls saves, which recomputes every scheduled read ACL
func (s *Session) UpdateReadAcls(ctx context.Context) error {
	if err := s.guard("update read acls"); err != nil {
		return err
	}
	return s.flush(ctx)
}

// updateReadACLs recomputes the read ACLs of the scheduled subtrees. It
// runs after the rows were written so that descendants are read from the
// database.
func (s *Session) updateReadACLs(ctx context.Context) error {
	roots := s.readACLRoots
	s.readACLRoots = make(map[string]struct{})
	if s.repo.opts.DisableACLOptimizations || len(roots) == 0 {
		return nil
	}

	var ids []string
	seen := make(map[string]bool)
	for root := range roots {
		n, err := s.node(ctx, root)
		if err != nil {
			return err
		}
		if n == nil || seen[root] {
			continue
		}
		seen[root] = true
		ids = append(ids, root)
		if n.Kind() != KindDocument && n.Kind() != KindProxy {
			continue
		}
		descendants, err := s.mapper.DescendantIDs(ctx, root, false)
		if err != nil {
			return err
		}
		for _, id := range descendants {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return s.writeReadACLs(ctx, ids)
}

// RebuildReadAcls recomputes the read ACLs of every document, version and
// proxy of the repository
func (s *Session) RebuildReadAcls(ctx context.Context) error {
	const op = "rebuild read acls"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	list, err := s.mapper.Query(ctx, &mapper.Query{}, nil)
	if err != nil {
		return s.fail(err)
	}
	if err := s.writeReadACLs(ctx, list.IDs); err != nil {
		return err
	}
	s.log.WithField("nodes", len(list.IDs)).Info("read acls rebuilt")
	return nil
}

const readACLBatch = 500

func (s *Session) writeReadACLs(ctx context.Context, ids []string) error {
	max := s.repo.opts.ReadACLMaxSize
	memo := make(map[string][]ACE)
	batch := make(map[string][]string)
	if _, err := s.pc.getMany(ctx, model.HierTable, ids); err != nil {
		return err
	}
	for _, id := range ids {
		n, err := s.node(ctx, id)
		if err != nil {
			return err
		}
		if n == nil || n.IsProperty() {
			continue
		}
		aces, err := s.effectiveEntries(ctx, n, memo)
		if err != nil {
			return err
		}
		principals := readPrincipals(aces)
		if max > 0 && len(principals) > max {
			s.log.WithFields(logrus.Fields{
				"id":         id,
				"principals": len(principals),
				"max":        max,
			}).Warn("read acl truncated")
			principals = principals[:max]
		}
		batch[id] = principals
		if len(batch) >= readACLBatch {
			if err := s.mapper.WriteReadACLs(ctx, batch); err != nil {
				return s.fail(err)
			}
			batch = make(map[string][]string)
		}
	}
	if len(batch) > 0 {
		if err := s.mapper.WriteReadACLs(ctx, batch); err != nil {
			return s.fail(err)
		}
	}
	return nil
}
