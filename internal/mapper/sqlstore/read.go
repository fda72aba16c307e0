package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// selectColumns renders the column list of a table: id, [pos], columns
func (s *Store) selectColumns(t *model.Table, alias string) string {
	cols := []string{model.KeyID}
	if t.Collection {
		cols = append(cols, model.KeyPos)
	}
	cols = append(cols, t.ColumnNames()...)
	for i, c := range cols {
		if alias != "" {
			cols[i] = alias + "." + s.q(c)
		} else {
			cols[i] = s.q(c)
		}
	}
	return strings.Join(cols, ", ")
}

// scanRows reads rows of t. Collection rows are folded into one Row per id,
// items ordered by pos as returned by the query.
func (s *Store) scanRows(t *model.Table, rows *sqlx.Rows) ([]*mapper.Row, error) {
	defer rows.Close()

	var out []*mapper.Row
	byID := make(map[string]*mapper.Row)
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		idv, err := fromDB(model.ColumnID, vals[0])
		if err != nil {
			return nil, err
		}
		id := idv.(string)
		offset := 1
		if t.Collection {
			offset = 2
		}

		values := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			v, err := fromDB(c.Type, vals[offset+i])
			if err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", t.Name, c.Name, err)
			}
			values[c.Name] = v
		}

		if !t.Collection {
			out = append(out, &mapper.Row{RowID: model.RowID{Table: t.Name, ID: id}, Values: values})
			continue
		}
		row := byID[id]
		if row == nil {
			row = mapper.NewCollectionRow(t.Name, id)
			byID[id] = row
			out = append(out, row)
		}
		row.Items = append(row.Items, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.Name, err)
	}
	return out, nil
}

func (m *sqlMapper) ReadRows(ctx context.Context, table string, ids []string) ([]*mapper.Row, error) {
	tx, err := m.active("read rows")
	if err != nil {
		return nil, err
	}
	t := m.store.model.Table(table)
	if t == nil {
		return nil, fmt.Errorf("unknown table %s", table)
	}

	var out []*mapper.Row
	for _, part := range chunk(ids, maxInParams) {
		args, err := idArgs(m.store.model.IDType, part)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			m.store.selectColumns(t, ""), m.store.q(t.Name), m.store.q(model.KeyID), placeholders(len(part)))
		if t.Collection {
			query += fmt.Sprintf(" ORDER BY %s, %s", m.store.q(model.KeyID), m.store.q(model.KeyPos))
		}
		rows, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return nil, m.wrap("read "+table, err)
		}
		got, err := m.store.scanRows(t, rows)
		if err != nil {
			return nil, m.wrap("read "+table, err)
		}
		out = append(out, got...)
	}
	return out, nil
}

func (m *sqlMapper) ReadChildRows(ctx context.Context, parentID string, complexProp bool) ([]*mapper.Row, error) {
	return m.readChildren(ctx, parentID, "", complexProp)
}

func (m *sqlMapper) ReadChildRow(ctx context.Context, parentID, name string, complexProp bool) (*mapper.Row, error) {
	rows, err := m.readChildren(ctx, parentID, name, complexProp)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (m *sqlMapper) readChildren(ctx context.Context, parentID, name string, complexProp bool) ([]*mapper.Row, error) {
	tx, err := m.active("read children")
	if err != nil {
		return nil, err
	}
	s := m.store
	t := s.model.Table(model.HierTable)
	pid, err := toDB(model.ColumnID, s.model.IDType, parentID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ? AND %s = ?",
		s.selectColumns(t, ""), s.q(t.Name), s.q(model.KeyParentID), s.q(model.KeyIsProperty), s.q(model.KeyIsDeleted))
	args := []any{pid, complexProp, false}
	if name != "" {
		query += fmt.Sprintf(" AND %s = ?", s.q(model.KeyName))
		args = append(args, name)
	}
	query += fmt.Sprintf(" ORDER BY %s, %s", s.q(model.KeyPos), s.q(model.KeyName))

	rows, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return nil, m.wrap("read children", err)
	}
	out, err := s.scanRows(t, rows)
	if err != nil {
		return nil, m.wrap("read children", err)
	}
	return out, nil
}

func (m *sqlMapper) ReadSelection(ctx context.Context, table, column string, value any) ([]*mapper.Row, error) {
	tx, err := m.active("read selection")
	if err != nil {
		return nil, err
	}
	s := m.store
	t := s.model.Table(table)
	if t == nil {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	c := t.Column(column)
	if c == nil {
		return nil, fmt.Errorf("unknown column %s.%s", table, column)
	}
	arg, err := toDB(c.Type, s.model.IDType, value)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
		s.selectColumns(t, ""), s.q(t.Name), s.q(column), s.q(model.KeyID))
	rows, err := tx.QueryxContext(ctx, tx.Rebind(query), arg)
	if err != nil {
		return nil, m.wrap("read selection", err)
	}
	out, err := s.scanRows(t, rows)
	if err != nil {
		return nil, m.wrap("read selection", err)
	}
	return out, nil
}

// DescendantIDs walks the hierarchy breadth first, one level per query, so
// parents always precede their children in the result
func (m *sqlMapper) DescendantIDs(ctx context.Context, rootID string, includeProperties bool) ([]string, error) {
	tx, err := m.active("read descendants")
	if err != nil {
		return nil, err
	}
	s := m.store

	var out []string
	level := []string{rootID}
	for len(level) > 0 {
		var next []string
		for _, part := range chunk(level, maxInParams) {
			args, err := idArgs(s.model.IDType, part)
			if err != nil {
				return nil, err
			}
			query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
				s.q(model.KeyID), s.q(model.HierTable), s.q(model.KeyParentID), placeholders(len(part)))
			if !includeProperties {
				query += fmt.Sprintf(" AND %s = ?", s.q(model.KeyIsProperty))
				args = append(args, false)
			}
			query += fmt.Sprintf(" ORDER BY %s", s.q(model.KeyID))

			var raw []any
			rows, err := tx.QueryxContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return nil, m.wrap("read descendants", err)
			}
			for rows.Next() {
				var v any
				if err := rows.Scan(&v); err != nil {
					rows.Close()
					return nil, m.wrap("read descendants", err)
				}
				raw = append(raw, v)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, m.wrap("read descendants", err)
			}
			rows.Close()

			for _, v := range raw {
				id, err := fromDB(model.ColumnID, v)
				if err != nil {
					return nil, err
				}
				next = append(next, id.(string))
			}
		}
		out = append(out, next...)
		level = next
	}
	return out, nil
}
