package sqlstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// queryMaker renders a mapper.Query into SQL over the hierarchy table,
// joining fragment tables on demand
type queryMaker struct {
	s     *Store
	joins []string
	// aliases maps joined table names to their alias
	aliases map[string]string
	where   []string
	args    []any
}

// column is a resolved query field
type column struct {
	sql  string
	typ  model.ColumnType
	kind model.FieldKind
	// table is the collection table of array properties
	table string
}

func newQueryMaker(s *Store) *queryMaker {
	return &queryMaker{s: s, aliases: make(map[string]string)}
}

const hierAlias = "h"

func (qm *queryMaker) hier(col string) string {
	return hierAlias + "." + qm.s.q(col)
}

// join adds a LEFT JOIN of table on the node id and returns its alias
func (qm *queryMaker) join(table string) string {
	if alias, ok := qm.aliases[table]; ok {
		return alias
	}
	alias := fmt.Sprintf("t%d", len(qm.aliases))
	qm.aliases[table] = alias
	qm.joins = append(qm.joins, fmt.Sprintf(" LEFT JOIN %s %s ON %s.%s = %s",
		qm.s.q(table), alias, alias, qm.s.q(model.KeyID), qm.hier(model.KeyID)))
	return alias
}

// resolve maps a field name to a column expression
func (qm *queryMaker) resolve(field string) (*column, error) {
	sys := func(table, col string, typ model.ColumnType) *column {
		if table == model.HierTable {
			return &column{sql: qm.hier(col), typ: typ}
		}
		return &column{sql: qm.join(table) + "." + qm.s.q(col), typ: typ}
	}

	switch field {
	case mapper.FieldID:
		return sys(model.HierTable, model.KeyID, model.ColumnID), nil
	case mapper.FieldParentID:
		return sys(model.HierTable, model.KeyParentID, model.ColumnID), nil
	case mapper.FieldName:
		return sys(model.HierTable, model.KeyName, model.ColumnString), nil
	case mapper.FieldPos:
		return sys(model.HierTable, model.KeyPos, model.ColumnLong), nil
	case mapper.FieldPrimaryType:
		return sys(model.HierTable, model.KeyPrimaryType, model.ColumnString), nil
	case mapper.FieldIsProxy:
		return sys(model.HierTable, model.KeyIsProxy, model.ColumnBoolean), nil
	case mapper.FieldIsVersion:
		return sys(model.HierTable, model.KeyIsVersion, model.ColumnBoolean), nil
	case mapper.FieldIsCheckedIn:
		return sys(model.HierTable, model.KeyIsCheckedIn, model.ColumnBoolean), nil
	case mapper.FieldLifeCycleState:
		return sys(model.MiscTable, model.KeyLifeCycleState, model.ColumnString), nil
	case mapper.FieldVersionLabel:
		return sys(model.VersionTable, model.KeyLabel, model.ColumnString), nil
	case mapper.FieldVersionSeries:
		return sys(model.VersionTable, model.KeyVersionableID, model.ColumnID), nil
	case mapper.FieldIsLatest:
		return sys(model.VersionTable, model.KeyIsLatest, model.ColumnBoolean), nil
	case mapper.FieldProxyTarget:
		return sys(model.ProxyTable, model.KeyTargetID, model.ColumnID), nil
	}

	info, err := qm.s.model.PropertyByName(field)
	if err != nil {
		return nil, err
	}
	switch info.Field.Kind {
	case model.KindScalar:
		c := sys(info.Table, info.Column, model.ColumnTypeOf(info.Field.Type))
		c.kind = model.KindScalar
		return c, nil
	case model.KindArray:
		return &column{typ: model.ColumnTypeOf(info.Field.Type), kind: model.KindArray, table: info.Table}, nil
	}
	return nil, fmt.Errorf("field %s of kind %s cannot be queried", field, info.Field.Kind)
}

func (qm *queryMaker) bind(typ model.ColumnType, v any) (any, error) {
	return toDB(typ, qm.s.model.IDType, v)
}

func (qm *queryMaker) bindList(typ model.ColumnType, v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("IN needs a slice, got %T", v)
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("IN needs at least one value")
	}
	out := make([]any, rv.Len())
	for i := range out {
		b, err := qm.bind(typ, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (qm *queryMaker) addCondition(c mapper.Condition) error {
	switch c.Field {
	case mapper.FieldAncestorID:
		return qm.ancestorCondition(c)
	case mapper.FieldFulltext:
		return qm.fulltextCondition(c)
	case mapper.FieldMixinType:
		return qm.mixinCondition(c)
	}

	col, err := qm.resolve(c.Field)
	if err != nil {
		return err
	}
	if col.kind == model.KindArray {
		return qm.arrayCondition(col, c)
	}

	switch c.Op {
	case mapper.OpIsNull, mapper.OpNotNull:
		qm.where = append(qm.where, col.sql+" "+string(c.Op))
	case mapper.OpIn:
		vals, err := qm.bindList(col.typ, c.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Field, err)
		}
		qm.where = append(qm.where, fmt.Sprintf("%s IN (%s)", col.sql, placeholders(len(vals))))
		qm.args = append(qm.args, vals...)
	case mapper.OpEq, mapper.OpNotEq, mapper.OpLt, mapper.OpLte, mapper.OpGt, mapper.OpGte, mapper.OpLike:
		v, err := qm.bind(col.typ, c.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Field, err)
		}
		if v == nil {
			return fmt.Errorf("%s: nil value, use IS NULL", c.Field)
		}
		qm.where = append(qm.where, fmt.Sprintf("%s %s ?", col.sql, c.Op))
		qm.args = append(qm.args, v)
	default:
		return fmt.Errorf("unsupported operator %q", c.Op)
	}
	return nil
}

func (qm *queryMaker) arrayCondition(col *column, c mapper.Condition) error {
	sub := fmt.Sprintf("SELECT 1 FROM %s a WHERE a.%s = %s AND a.%s",
		qm.s.q(col.table), qm.s.q(model.KeyID), qm.hier(model.KeyID), qm.s.q(model.KeyItem))
	switch c.Op {
	case mapper.OpEq:
		v, err := qm.bind(col.typ, c.Value)
		if err != nil {
			return err
		}
		qm.where = append(qm.where, "EXISTS ("+sub+" = ?)")
		qm.args = append(qm.args, v)
	case mapper.OpIn:
		vals, err := qm.bindList(col.typ, c.Value)
		if err != nil {
			return err
		}
		qm.where = append(qm.where, fmt.Sprintf("EXISTS (%s IN (%s))", sub, placeholders(len(vals))))
		qm.args = append(qm.args, vals...)
	case mapper.OpIsNull:
		qm.where = append(qm.where, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s a WHERE a.%s = %s)",
			qm.s.q(col.table), qm.s.q(model.KeyID), qm.hier(model.KeyID)))
	default:
		return fmt.Errorf("operator %q not supported on arrays", c.Op)
	}
	return nil
}

// ancestorCondition restricts to the strict descendants of a node
func (qm *queryMaker) ancestorCondition(c mapper.Condition) error {
	if c.Op != mapper.OpEq {
		return fmt.Errorf("%s supports = only", c.Field)
	}
	v, err := qm.bind(model.ColumnID, c.Value)
	if err != nil {
		return err
	}
	q := qm.s.q
	qm.where = append(qm.where, fmt.Sprintf(
		"%s IN (WITH RECURSIVE descendants(id) AS ("+
			"SELECT %s FROM %s WHERE %s = ? "+
			"UNION ALL SELECT c.%s FROM %s c JOIN descendants d ON c.%s = d.id"+
			") SELECT id FROM descendants)",
		qm.hier(model.KeyID),
		q(model.KeyID), q(model.HierTable), q(model.KeyParentID),
		q(model.KeyID), q(model.HierTable), q(model.KeyParentID)))
	qm.args = append(qm.args, v)
	return nil
}

// fulltextCondition requires every word of the value, case-insensitively
func (qm *queryMaker) fulltextCondition(c mapper.Condition) error {
	text, ok := c.Value.(string)
	if !ok || c.Op != mapper.OpEq {
		return fmt.Errorf("%s needs = with a string", c.Field)
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return fmt.Errorf("%s needs at least one word", c.Field)
	}
	alias := qm.join(model.FulltextTable)
	for _, w := range words {
		qm.where = append(qm.where, fmt.Sprintf("LOWER(%s.%s) LIKE ?", alias, qm.s.q(model.KeySimpleText)))
		qm.args = append(qm.args, "%"+w+"%")
	}
	return nil
}

// mixinCondition matches facets carried by the primary type or added to
// the instance. Instance mixins are stored as |A|B|.
func (qm *queryMaker) mixinCondition(c mapper.Condition) error {
	facet, ok := c.Value.(string)
	if !ok {
		return fmt.Errorf("%s needs a string", c.Field)
	}
	reg := qm.s.model.Registry
	var types []any
	for _, name := range reg.DocumentTypes() {
		if reg.DocumentType(name).HasFacet(facet) {
			types = append(types, name)
		}
	}

	var expr string
	args := []any{}
	mixin := qm.hier(model.KeyMixinTypes) + " LIKE ?"
	if len(types) > 0 {
		expr = fmt.Sprintf("(%s IN (%s) OR %s)", qm.hier(model.KeyPrimaryType), placeholders(len(types)), mixin)
		args = append(args, types...)
	} else {
		expr = "(" + mixin + ")"
	}
	args = append(args, "%|"+facet+"|%")

	switch c.Op {
	case mapper.OpEq:
		qm.where = append(qm.where, expr)
	case mapper.OpNotEq:
		qm.where = append(qm.where, "NOT "+strings.Replace(expr, mixin, "COALESCE("+qm.hier(model.KeyMixinTypes)+", '') LIKE ?", 1))
	default:
		return fmt.Errorf("%s supports = and <> only", c.Field)
	}
	qm.args = append(qm.args, args...)
	return nil
}

func (qm *queryMaker) securityCondition(principals []string) {
	if len(principals) == 0 {
		return
	}
	q := qm.s.q
	qm.where = append(qm.where, fmt.Sprintf("EXISTS (SELECT 1 FROM %s r WHERE r.%s = %s AND r.%s IN (%s))",
		q(model.ReadACLTable), q(model.KeyID), qm.hier(model.KeyID), q(model.KeyPrincipal), placeholders(len(principals))))
	for _, p := range principals {
		qm.args = append(qm.args, p)
	}
}

// build collects the joins, conditions and args shared by the select and the count
func (qm *queryMaker) build(q *mapper.Query, filter *mapper.QueryFilter) error {
	qm.where = append(qm.where, qm.hier(model.KeyIsProperty)+" = ?", qm.hier(model.KeyIsDeleted)+" = ?")
	qm.args = append(qm.args, false, false)

	if q != nil {
		for _, c := range q.Conditions {
			if err := qm.addCondition(c); err != nil {
				return err
			}
		}
	}
	if filter != nil {
		qm.securityCondition(filter.Principals)
	}
	return nil
}

func (qm *queryMaker) from() string {
	return fmt.Sprintf(" FROM %s %s%s WHERE %s",
		qm.s.q(model.HierTable), hierAlias, strings.Join(qm.joins, ""), strings.Join(qm.where, " AND "))
}

func (qm *queryMaker) orderBy(q *mapper.Query) (string, error) {
	var parts []string
	if q != nil {
		for _, o := range q.Order {
			col, err := qm.resolve(o.Field)
			if err != nil {
				return "", err
			}
			if col.kind == model.KindArray {
				return "", fmt.Errorf("cannot order by array %s", o.Field)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, col.sql+" "+dir)
		}
	}
	// stable paging
	parts = append(parts, qm.hier(model.KeyID)+" ASC")
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func (m *sqlMapper) Query(ctx context.Context, q *mapper.Query, filter *mapper.QueryFilter) (*mapper.PartialList, error) {
	tx, err := m.active("query")
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = &mapper.QueryFilter{}
	}

	qm := newQueryMaker(m.store)
	if err := qm.build(q, filter); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	order, err := qm.orderBy(q)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	from := qm.from()

	query := "SELECT " + qm.hier(model.KeyID) + from + order + m.store.dialect.LimitSQL(filter.Limit, filter.Offset)
	var raw []any
	if err := tx.SelectContext(ctx, &raw, tx.Rebind(query), qm.args...); err != nil {
		return nil, m.wrap("query", err)
	}

	list := &mapper.PartialList{IDs: make([]string, 0, len(raw)), TotalSize: -1}
	for _, v := range raw {
		id, err := fromDB(model.ColumnID, v)
		if err != nil {
			return nil, err
		}
		list.IDs = append(list.IDs, id.(string))
	}

	if filter.CountTotal {
		if filter.Limit == 0 && filter.Offset == 0 {
			list.TotalSize = int64(len(list.IDs))
		} else {
			var total int64
			if err := tx.GetContext(ctx, &total, tx.Rebind("SELECT COUNT(*)"+from), qm.args...); err != nil {
				return nil, m.wrap("count", err)
			}
			list.TotalSize = total
		}
	}
	return list, nil
}

func (m *sqlMapper) QueryAndFetch(ctx context.Context, q *mapper.Query, filter *mapper.QueryFilter, fields ...string) ([]map[string]any, error) {
	tx, err := m.active("query and fetch")
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = &mapper.QueryFilter{}
	}

	qm := newQueryMaker(m.store)
	if err := qm.build(q, filter); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	if len(fields) == 0 || fields[0] != mapper.FieldID {
		fields = append([]string{mapper.FieldID}, fields...)
	}
	cols := make([]*column, len(fields))
	exprs := make([]string, len(fields))
	for i, f := range fields {
		col, err := qm.resolve(f)
		if err != nil {
			return nil, fmt.Errorf("invalid projection: %w", err)
		}
		if col.kind == model.KindArray {
			return nil, fmt.Errorf("invalid projection: array %s", f)
		}
		cols[i] = col
		exprs[i] = col.sql
	}

	order, err := qm.orderBy(q)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	query := "SELECT " + strings.Join(exprs, ", ") + qm.from() + order + m.store.dialect.LimitSQL(filter.Limit, filter.Offset)

	rows, err := tx.QueryxContext(ctx, tx.Rebind(query), qm.args...)
	if err != nil {
		return nil, m.wrap("query and fetch", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, m.wrap("query and fetch", err)
		}
		rec := make(map[string]any, len(fields))
		for i, f := range fields {
			v, err := fromDB(cols[i].typ, vals[i])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			rec[f] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, m.wrap("query and fetch", err)
	}
	return out, nil
}
