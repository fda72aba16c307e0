package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// Write applies a batch in dependency order: creates (parents first, as
// given), updates, fragment deletes, soft deletes, then hard deletes
// (fragments first, then hierarchy rows children first, as given).
func (m *sqlMapper) Write(ctx context.Context, batch *mapper.Batch) error {
	tx, err := m.active("write")
	if err != nil {
		return err
	}
	if batch == nil || batch.Empty() {
		return nil
	}

	for _, row := range batch.Creates {
		if err := m.insertRow(ctx, tx, row); err != nil {
			return storeerr.WithContext(err, "insert "+row.Table, row.ID)
		}
	}
	for _, up := range batch.Updates {
		if err := m.updateRow(ctx, tx, up); err != nil {
			return storeerr.WithContext(err, "update "+up.Row.Table, up.Row.ID)
		}
	}
	for _, rid := range batch.FragmentDeletes {
		if err := m.deleteFragment(ctx, tx, rid); err != nil {
			return storeerr.WithContext(err, "delete "+rid.Table, rid.ID)
		}
	}
	if len(batch.SoftDeletes) > 0 {
		if err := m.softDelete(ctx, tx, batch.SoftDeletes); err != nil {
			return err
		}
	}
	if len(batch.Deletes) > 0 {
		if err := m.deleteNodes(ctx, tx, batch.Deletes); err != nil {
			return err
		}
	}

	m.log.WithField("creates", len(batch.Creates)).
		WithField("updates", len(batch.Updates)).
		WithField("deletes", len(batch.Deletes)+len(batch.SoftDeletes)+len(batch.FragmentDeletes)).
		Debug("batch written")
	return nil
}

func (m *sqlMapper) insertRow(ctx context.Context, tx *sqlx.Tx, row *mapper.Row) error {
	s := m.store
	t := s.model.Table(row.Table)
	if t == nil {
		return fmt.Errorf("unknown table %s", row.Table)
	}
	id, err := toDB(model.ColumnID, s.model.IDType, row.ID)
	if err != nil {
		return err
	}

	if !t.Collection {
		cols := []string{s.q(model.KeyID)}
		args := []any{id}
		for _, c := range t.Columns {
			v, err := toDB(c.Type, s.model.IDType, row.Values[c.Name])
			if err != nil {
				return fmt.Errorf("column %s: %w", c.Name, err)
			}
			cols = append(cols, s.q(c.Name))
			args = append(args, v)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.q(t.Name), strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return m.wrap("insert", err)
		}
		return nil
	}
	return m.insertItems(ctx, tx, t, id, row.Items)
}

func (m *sqlMapper) insertItems(ctx context.Context, tx *sqlx.Tx, t *model.Table, id any, items []map[string]any) error {
	if len(items) == 0 {
		return nil
	}
	s := m.store
	cols := append([]string{model.KeyID, model.KeyPos}, t.ColumnNames()...)
	query := tx.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.q(t.Name), quoteAll(s.dialect, cols), placeholders(len(cols))))

	for pos, item := range items {
		args := []any{id, int64(pos)}
		for _, c := range t.Columns {
			v, err := toDB(c.Type, s.model.IDType, item[c.Name])
			if err != nil {
				return fmt.Errorf("item %d column %s: %w", pos, c.Name, err)
			}
			args = append(args, v)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return m.wrap("insert item", err)
		}
	}
	return nil
}

// updateRow writes the listed keys of a simple row, or replaces all items
// of a collection row. An update matching no row means another transaction
// removed it.
func (m *sqlMapper) updateRow(ctx context.Context, tx *sqlx.Tx, up *mapper.RowUpdate) error {
	s := m.store
	row := up.Row
	t := s.model.Table(row.Table)
	if t == nil {
		return fmt.Errorf("unknown table %s", row.Table)
	}
	id, err := toDB(model.ColumnID, s.model.IDType, row.ID)
	if err != nil {
		return err
	}

	if t.Collection {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.q(t.Name), s.q(model.KeyID))
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), id); err != nil {
			return m.wrap("update", err)
		}
		return m.insertItems(ctx, tx, t, id, row.Items)
	}

	keys := up.Keys
	if len(keys) == 0 {
		keys = t.ColumnNames()
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		c := t.Column(k)
		if c == nil {
			return fmt.Errorf("unknown column %s.%s", t.Name, k)
		}
		v, err := toDB(c.Type, s.model.IDType, row.Values[k])
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
		sets = append(sets, s.q(k)+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", s.q(t.Name), strings.Join(sets, ", "), s.q(model.KeyID))
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return m.wrap("update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: row %s/%s no longer exists", storeerr.ErrConcurrentUpdate, t.Name, row.ID)
	}
	return nil
}

func (m *sqlMapper) deleteFragment(ctx context.Context, tx *sqlx.Tx, rid model.RowID) error {
	s := m.store
	if rid.Table == model.HierTable || s.model.Table(rid.Table) == nil {
		return fmt.Errorf("cannot delete fragment of table %s", rid.Table)
	}
	id, err := toDB(model.ColumnID, s.model.IDType, rid.ID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.q(rid.Table), s.q(model.KeyID))
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), id); err != nil {
		return m.wrap("delete fragment", err)
	}
	return nil
}

func (m *sqlMapper) softDelete(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	s := m.store
	now := time.Now().UnixMilli()
	for _, part := range chunk(ids, maxInParams) {
		args, err := idArgs(s.model.IDType, part)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s IN (%s)",
			s.q(model.HierTable), s.q(model.KeyIsDeleted), s.q(model.KeyDeletedTime),
			s.q(model.KeyID), placeholders(len(part)))
		args = append([]any{true, now}, args...)
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return m.wrap("soft delete", err)
		}
	}
	return nil
}

// deleteNodes removes every fragment of the given nodes. ids must list
// children before parents.
func (m *sqlMapper) deleteNodes(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	s := m.store
	for _, t := range s.model.Tables() {
		if t.Name == model.HierTable {
			continue
		}
		for _, part := range chunk(ids, maxInParams) {
			args, err := idArgs(s.model.IDType, part)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", s.q(t.Name), s.q(model.KeyID), placeholders(len(part)))
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return m.wrap("delete "+t.Name, err)
			}
		}
	}

	query := tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.q(model.HierTable), s.q(model.KeyID)))
	for _, id := range ids {
		arg, err := toDB(model.ColumnID, s.model.IDType, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, arg); err != nil {
			return m.wrap("delete hierarchy", err)
		}
	}
	return nil
}

func (m *sqlMapper) WriteReadACLs(ctx context.Context, acls map[string][]string) error {
	tx, err := m.active("write read acls")
	if err != nil {
		return err
	}
	s := m.store
	t := s.model.Table(model.ReadACLTable)

	ids := make([]string, 0, len(acls))
	for id := range acls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	del := tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.q(t.Name), s.q(model.KeyID)))
	for _, id := range ids {
		arg, err := toDB(model.ColumnID, s.model.IDType, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, del, arg); err != nil {
			return m.wrap("write read acls", err)
		}
		items := make([]map[string]any, len(acls[id]))
		for i, p := range acls[id] {
			items[i] = map[string]any{model.KeyPrincipal: p}
		}
		if err := m.insertItems(ctx, tx, t, arg, items); err != nil {
			return err
		}
	}
	return nil
}
