package storage

import (
	"context"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// AddProxy creates a proxy to targetID under parent. The target is a
// version or a live document; seriesID may be empty and is then derived
// from the target.
func (s *Session) AddProxy(ctx context.Context, targetID, seriesID string, parent *Node, name string, pos *int64) (*Node, error) {
	const op = "add proxy"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	if s.repo.opts.DisableProxies {
		return nil, errNotAllowed(op, targetID, "proxies are disabled")
	}
	target, err := s.mustNode(ctx, op, targetID)
	if err != nil {
		return nil, err
	}

	var series string
	switch target.Kind() {
	case KindVersion:
		info, err := target.VersionInfo(ctx)
		if err != nil {
			return nil, err
		}
		series = info.SeriesID
	case KindDocument:
		series = target.id
	default:
		return nil, errInvalid(op, targetID, "cannot proxy a %s", target.Kind())
	}
	if seriesID != "" && seriesID != series {
		return nil, errInvalid(op, targetID, "target is not in series %s", seriesID)
	}

	id, err := s.mapper.GenerateID(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	proxy, err := s.addChildNode(ctx, parent, id, name, pos, target.PrimaryType(), false)
	if err != nil {
		return nil, err
	}
	f := proxy.row()
	s.pc.set(f, model.KeyIsProxy, true)
	s.pc.set(f, model.KeyMixinTypes, formatMixins(target.MixinTypes()))

	row := mapper.NewRow(model.ProxyTable, id)
	row.Put(model.KeyTargetID, target.id)
	row.Put(model.KeyVersionableID, series)
	s.pc.create(row)
	s.pc.addToSelection(targetProxiesKey(target.id), id)
	s.pc.addToSelection(seriesProxiesKey(series), id)
	return proxy, nil
}

// SetProxyTarget points a proxy to another member of its version series
func (s *Session) SetProxyTarget(ctx context.Context, proxy *Node, targetID string) error {
	const op = "set proxy target"
	if err := s.guard(op); err != nil {
		return err
	}
	if err := checkAlive(op, proxy); err != nil {
		return err
	}
	if !proxy.IsProxy() {
		return errInvalid(op, proxy.id, "not a proxy")
	}
	pf, err := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: proxy.id})
	if err != nil {
		return err
	}
	if pf == nil {
		return errNotAllowed(op, proxy.id, "proxy has no target row")
	}
	target, err := s.mustNode(ctx, op, targetID)
	if err != nil {
		return err
	}

	series := pf.getString(model.KeyVersionableID)
	switch target.Kind() {
	case KindVersion:
		info, err := target.VersionInfo(ctx)
		if err != nil {
			return err
		}
		if info.SeriesID != series {
			return errInvalid(op, targetID, "version is not in series %s", series)
		}
	case KindDocument:
		if target.id != series {
			return errInvalid(op, targetID, "document is not the head of series %s", series)
		}
	default:
		return errInvalid(op, targetID, "cannot proxy a %s", target.Kind())
	}

	old := pf.getString(model.KeyTargetID)
	if old == targetID {
		return nil
	}
	s.pc.set(pf, model.KeyTargetID, targetID)
	s.pc.touchSelection(targetProxiesKey(old))
	s.pc.addToSelection(targetProxiesKey(targetID), proxy.id)
	s.fulltextDirty[proxy.id] = struct{}{}
	return nil
}

// GetProxies returns the proxies of a version, or of any member of the
// series of a live document or proxy. A non nil parent restricts the
// result to its children.
func (s *Session) GetProxies(ctx context.Context, n, parent *Node) ([]*Node, error) {
	const op = "get proxies"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	if err := checkAlive(op, n); err != nil {
		return nil, err
	}

	var proxies []*Node
	var err error
	switch n.Kind() {
	case KindVersion:
		proxies, err = s.proxiesOf(ctx, targetProxiesKey(n.id), model.KeyTargetID, n.id)
	case KindDocument:
		proxies, err = s.proxiesOf(ctx, seriesProxiesKey(n.id), model.KeyVersionableID, n.id)
	case KindProxy:
		pf, perr := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: n.id})
		if perr != nil || pf == nil {
			return nil, perr
		}
		series := pf.getString(model.KeyVersionableID)
		proxies, err = s.proxiesOf(ctx, seriesProxiesKey(series), model.KeyVersionableID, series)
	default:
		return nil, errInvalid(op, n.id, "a %s has no proxies", n.Kind())
	}
	if err != nil || parent == nil {
		return proxies, err
	}

	out := proxies[:0]
	for _, p := range proxies {
		if p.ParentID() == parent.id {
			out = append(out, p)
		}
	}
	return out, nil
}

// proxiesOf resolves a proxy selection to live proxy nodes
func (s *Session) proxiesOf(ctx context.Context, key model.RowID, column, value string) ([]*Node, error) {
	ids, err := s.pc.selectionCandidates(ctx, key)
	if err != nil {
		return nil, err
	}
	frags, err := s.pc.getMany(ctx, model.ProxyTable, ids)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, f := range frags {
		if f.getString(column) != value {
			continue
		}
		n, err := s.node(ctx, f.row.ID)
		if err != nil {
			return nil, err
		}
		if n != nil && n.IsProxy() {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out, nil
}

// ProxyInfo returns the target and the version series of a proxy
func (s *Session) ProxyInfo(ctx context.Context, proxy *Node) (targetID, seriesID string, err error) {
	const op = "get proxy info"
	if err := s.guard(op); err != nil {
		return "", "", err
	}
	if !proxy.IsProxy() {
		return "", "", errInvalid(op, proxy.id, "not a proxy")
	}
	pf, err := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: proxy.id})
	if err != nil {
		return "", "", err
	}
	if pf == nil {
		return "", "", errNotAllowed(op, proxy.id, "proxy has no target row")
	}
	return pf.getString(model.KeyTargetID), pf.getString(model.KeyVersionableID), nil
}

// proxyTarget returns the node a proxy points to
func (s *Session) proxyTarget(ctx context.Context, proxy *Node) (*Node, error) {
	pf, err := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: proxy.id})
	if err != nil {
		return nil, err
	}
	if pf == nil {
		return nil, errNotAllowed("resolve proxy", proxy.id, "proxy has no target row")
	}
	return s.mustNode(ctx, "resolve proxy", pf.getString(model.KeyTargetID))
}

// dataNode returns the node holding the data of n: the target for proxies
func (s *Session) dataNode(ctx context.Context, n *Node) (*Node, error) {
	if n.IsProxy() {
		return s.proxyTarget(ctx, n)
	}
	return n, nil
}

// touchProxySelections marks the selections a proxy belongs to as changed
func (s *Session) touchProxySelections(ctx context.Context, proxy *Node) error {
	pf, err := s.pc.get(ctx, model.RowID{Table: model.ProxyTable, ID: proxy.id})
	if err != nil || pf == nil {
		return err
	}
	s.pc.touchSelection(targetProxiesKey(pf.getString(model.KeyTargetID)))
	s.pc.touchSelection(seriesProxiesKey(pf.getString(model.KeyVersionableID)))
	return nil
}
