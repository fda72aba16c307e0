package storage

import (
	"context"
	"time"

	"docstore/internal/mapper"
)

// ============================================================================
// Queries
// ============================================================================

// Query saves pending changes then runs q. With ACL optimizations the
// principals of filter are matched against the read ACLs in the database;
// without them results are checked for Browse one by one and paged in
// memory.
func (s *Session) Query(ctx context.Context, q *mapper.Query, filter *mapper.QueryFilter) (*mapper.PartialList, error) {
	if err := s.guard("query"); err != nil {
		return nil, err
	}
	if err := checkPaging("query", filter); err != nil {
		return nil, err
	}
	if err := s.flush(ctx); err != nil {
		return nil, err
	}
	if !s.postFilter(filter) {
		return s.mapper.Query(ctx, q, filter)
	}

	list, err := s.mapper.Query(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	var allowed []string
	for _, id := range list.IDs {
		ok, err := s.canBrowse(ctx, id, filter.Principals)
		if err != nil {
			return nil, err
		}
		if ok {
			allowed = append(allowed, id)
		}
	}
	out := &mapper.PartialList{IDs: page(allowed, filter.Offset, filter.Limit), TotalSize: -1}
	if filter.CountTotal {
		out.TotalSize = int64(len(allowed))
	}
	return out, nil
}

// QueryAndFetch is Query returning the values of fields for each result
func (s *Session) QueryAndFetch(ctx context.Context, q *mapper.Query, filter *mapper.QueryFilter, fields ...string) ([]map[string]any, error) {
	if err := s.guard("query and fetch"); err != nil {
		return nil, err
	}
	if err := checkPaging("query and fetch", filter); err != nil {
		return nil, err
	}
	if err := s.flush(ctx); err != nil {
		return nil, err
	}
	if !s.postFilter(filter) {
		return s.mapper.QueryAndFetch(ctx, q, filter, fields...)
	}

	rows, err := s.mapper.QueryAndFetch(ctx, q, nil, fields...)
	if err != nil {
		return nil, err
	}
	var allowed []map[string]any
	for _, row := range rows {
		id, _ := row[mapper.FieldID].(string)
		ok, err := s.canBrowse(ctx, id, filter.Principals)
		if err != nil {
			return nil, err
		}
		if ok {
			allowed = append(allowed, row)
		}
	}
	return page(allowed, filter.Offset, filter.Limit), nil
}

// postFilter reports whether security is checked in memory
func (s *Session) postFilter(filter *mapper.QueryFilter) bool {
	return s.repo.opts.DisableACLOptimizations && filter != nil && len(filter.Principals) > 0
}

func (s *Session) canBrowse(ctx context.Context, id string, principals []string) (bool, error) {
	n, err := s.node(ctx, id)
	if err != nil || n == nil {
		return false, err
	}
	aces, err := s.effectiveEntries(ctx, n, nil)
	if err != nil {
		return false, err
	}
	return decide(aces, principals, Browse), nil
}

func checkPaging(op string, filter *mapper.QueryFilter) error {
	if filter == nil {
		return nil
	}
	if filter.Offset < 0 {
		return errInvalid(op, "", "negative offset")
	}
	if filter.Limit < 0 {
		return errInvalid(op, "", "negative limit")
	}
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ============================================================================
// Locks
// ============================================================================
//
// Locks live outside of session transactions: they are visible to every
// session as soon as they are taken.

// GetLock returns the lock on a document or nil
func (s *Session) GetLock(ctx context.Context, id string) (*mapper.Lock, error) {
	if s.closed {
		return nil, errClosed("get lock")
	}
	return s.repo.backend.GetLock(ctx, id)
}

// SetLock locks a document for owner. It returns nil on success or the
// existing lock, which is never replaced.
func (s *Session) SetLock(ctx context.Context, id, owner string) (*mapper.Lock, error) {
	if s.closed {
		return nil, errClosed("set lock")
	}
	if owner == "" {
		return nil, errInvalid("set lock", id, "empty owner")
	}
	return s.repo.backend.SetLock(ctx, id, mapper.Lock{Owner: owner, Created: time.Now().UTC()})
}

// RemoveLock unlocks a document. With a non empty owner that does not match
// and force unset, the lock stays and is returned with Failed set.
func (s *Session) RemoveLock(ctx context.Context, id, owner string, force bool) (*mapper.Lock, error) {
	if s.closed {
		return nil, errClosed("remove lock")
	}
	return s.repo.backend.RemoveLock(ctx, id, owner, force)
}
