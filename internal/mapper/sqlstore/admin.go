package sqlstore

import (
	"context"
	"fmt"
	"time"

	"docstore/internal/model"
)

// cleanupBatch bounds the ids purged per statement round
const cleanupBatch = 100

// CleanupDeleted purges soft-deleted nodes leaves first, so that parent
// references stay valid between rounds.
func (m *sqlMapper) CleanupDeleted(ctx context.Context, max int, before time.Time) (int, error) {
	tx, err := m.active("cleanup deleted")
	if err != nil {
		return 0, err
	}
	s := m.store
	q := s.q

	total := 0
	for max <= 0 || total < max {
		limit := cleanupBatch
		if max > 0 && max-total < limit {
			limit = max - total
		}
		query := fmt.Sprintf("SELECT h.%s FROM %s h WHERE h.%s = ? AND h.%s < ? "+
			"AND NOT EXISTS (SELECT 1 FROM %s c WHERE c.%s = h.%s) ORDER BY h.%s",
			q(model.KeyID), q(model.HierTable), q(model.KeyIsDeleted), q(model.KeyDeletedTime),
			q(model.HierTable), q(model.KeyParentID), q(model.KeyID), q(model.KeyID))
		query += s.dialect.LimitSQL(limit, 0)

		var raw []any
		if err := tx.SelectContext(ctx, &raw, tx.Rebind(query), true, before.UnixMilli()); err != nil {
			return total, m.wrap("cleanup deleted", err)
		}
		if len(raw) == 0 {
			break
		}
		ids := make([]string, len(raw))
		for i, v := range raw {
			id, err := fromDB(model.ColumnID, v)
			if err != nil {
				return total, err
			}
			ids[i] = id.(string)
		}
		if err := m.deleteNodes(ctx, tx, ids); err != nil {
			return total, err
		}
		total += len(ids)
	}

	if total > 0 {
		m.log.WithField("count", total).Info("purged soft-deleted nodes")
	}
	return total, nil
}

// ScanBinaries reports the distinct digests of stored blobs
func (m *sqlMapper) ScanBinaries(ctx context.Context, fn func(digest string)) error {
	tx, err := m.active("scan binaries")
	if err != nil {
		return err
	}
	s := m.store
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
		s.q("digest"), s.q(model.ContentType), s.q("digest"))

	var digests []string
	if err := tx.SelectContext(ctx, &digests, query); err != nil {
		return m.wrap("scan binaries", err)
	}
	for _, d := range digests {
		fn(d)
	}
	return nil
}
