package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"docstore/internal/model"
)

// migrate creates every table of the model. Statements are idempotent so
// it runs at each startup.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect.IsAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// schemaStatements renders the DDL in dependency order: hierarchy first,
// then the fragment tables referencing it, then indexes
func (s *Store) schemaStatements() []string {
	var stmts []string
	idType := s.model.IDType
	idCol := s.dialect.ColumnSQL(model.ColumnID, idType)
	posCol := s.dialect.ColumnSQL(model.ColumnLong, idType)

	for _, t := range s.model.Tables() {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.q(t.Name))
		fmt.Fprintf(&b, "\t%s %s NOT NULL", s.q(model.KeyID), idCol)
		if t.Collection {
			fmt.Fprintf(&b, ",\n\t%s %s NOT NULL", s.q(model.KeyPos), posCol)
		}
		for _, c := range t.Columns {
			fmt.Fprintf(&b, ",\n\t%s %s", s.q(c.Name), s.dialect.ColumnSQL(c.Type, idType))
		}
		if t.Collection {
			fmt.Fprintf(&b, ",\n\tPRIMARY KEY (%s, %s)", s.q(model.KeyID), s.q(model.KeyPos))
		} else {
			fmt.Fprintf(&b, ",\n\tPRIMARY KEY (%s)", s.q(model.KeyID))
		}
		switch t.Name {
		case model.HierTable:
			fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s)",
				s.q(model.KeyParentID), s.q(model.HierTable), s.q(model.KeyID))
		case model.LockTable:
			// locks may be taken on documents not yet flushed
		default:
			fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE",
				s.q(model.KeyID), s.q(model.HierTable), s.q(model.KeyID))
		}
		b.WriteString("\n)")
		b.WriteString(s.dialect.TableSuffix())
		stmts = append(stmts, b.String())
	}

	stmts = append(stmts,
		s.dialect.CreateIndexSQL("hierarchy_parentid_idx", model.HierTable, model.KeyParentID, model.KeyName),
		s.dialect.CreateIndexSQL("hierarchy_primarytype_idx", model.HierTable, model.KeyPrimaryType),
		s.dialect.CreateIndexSQL("hierarchy_deleted_idx", model.HierTable, model.KeyIsDeleted, model.KeyDeletedTime),
		s.dialect.CreateIndexSQL("versions_versionableid_idx", model.VersionTable, model.KeyVersionableID),
		s.dialect.CreateIndexSQL("proxies_targetid_idx", model.ProxyTable, model.KeyTargetID),
		s.dialect.CreateIndexSQL("proxies_versionableid_idx", model.ProxyTable, model.KeyVersionableID),
		s.dialect.CreateIndexSQL("read_acls_principal_idx", model.ReadACLTable, model.KeyPrincipal),
	)

	if idType == model.IDSequence {
		stmts = append(stmts, s.dialect.SequenceSetupSQL()...)
	}
	return stmts
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
