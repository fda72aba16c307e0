package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"docstore/internal/model"
)

// Dialect isolates the statements and error codes that differ between
// databases
type Dialect interface {
	// Name is the configuration name: sqlite, postgres or mysql
	Name() string
	// DriverName is the database/sql driver name
	DriverName() string
	// PrepareDSN adds the connection options the mapper relies on
	PrepareDSN(dsn string) string
	Quote(ident string) string
	ColumnSQL(t model.ColumnType, idType model.IDType) string
	TableSuffix() string
	CreateIndexSQL(name, table string, columns ...string) string
	// LimitSQL renders paging; empty when there is none
	LimitSQL(limit, offset int) string
	ValidationQuery() string

	// SequenceSetupSQL creates the id sequence of sequence-typed repositories
	SequenceSetupSQL() []string
	NextID(ctx context.Context, q sqlx.QueryerContext) (int64, error)

	IsConnectionClosed(err error) bool
	IsConcurrentUpdate(err error) bool
	IsUniqueViolation(err error) bool
	// IsAlreadyExists reports DDL errors for objects that already exist
	IsAlreadyExists(err error) bool
}

// DialectFor returns the dialect registered under name
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

// isClosedConnection covers the database/sql level signals shared by all drivers
func isClosedConnection(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

const seqName = "hierarchy_seq"

// ============================================================================
// SQLite (modernc.org/sqlite)
// ============================================================================

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) PrepareDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (sqliteDialect) Quote(ident string) string { return `"` + ident + `"` }

func (sqliteDialect) ColumnSQL(t model.ColumnType, idType model.IDType) string {
	switch t {
	case model.ColumnID:
		if idType == model.IDSequence {
			return "INTEGER"
		}
		return "TEXT"
	case model.ColumnLong, model.ColumnBoolean, model.ColumnDate:
		return "INTEGER"
	case model.ColumnDouble:
		return "REAL"
	}
	return "TEXT"
}

func (sqliteDialect) TableSuffix() string { return "" }

func (d sqliteDialect) CreateIndexSQL(name, table string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

func (sqliteDialect) LimitSQL(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

func (sqliteDialect) ValidationQuery() string { return "SELECT 1" }

func (sqliteDialect) SequenceSetupSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS "` + seqName + `" ("name" TEXT PRIMARY KEY, "value" INTEGER NOT NULL)`,
		`INSERT INTO "` + seqName + `" ("name", "value") SELECT 'hierarchy', 0 WHERE NOT EXISTS (SELECT 1 FROM "` + seqName + `" WHERE "name" = 'hierarchy')`,
	}
}

func (sqliteDialect) NextID(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `UPDATE "`+seqName+`" SET "value" = "value" + 1 WHERE "name" = 'hierarchy' RETURNING "value"`)
	return id, err
}

func (sqliteDialect) IsConnectionClosed(err error) bool {
	return isClosedConnection(err)
}

func (sqliteDialect) IsConcurrentUpdate(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT
}

func (sqliteDialect) IsAlreadyExists(err error) bool { return false }

// sqliteCode returns the primary result code of a sqlite error
func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code() & 0xff, true
}

// ============================================================================
// PostgreSQL (github.com/lib/pq)
// ============================================================================

type postgresDialect struct{}

func (postgresDialect) Name() string                 { return "postgres" }
func (postgresDialect) DriverName() string           { return "postgres" }
func (postgresDialect) PrepareDSN(dsn string) string { return dsn }
func (postgresDialect) Quote(ident string) string    { return `"` + ident + `"` }

func (postgresDialect) ColumnSQL(t model.ColumnType, idType model.IDType) string {
	switch t {
	case model.ColumnID:
		switch idType {
		case model.IDSequence:
			return "BIGINT"
		case model.IDUUID:
			return "UUID"
		}
		return "VARCHAR(36)"
	case model.ColumnLong, model.ColumnDate:
		return "BIGINT"
	case model.ColumnDouble:
		return "DOUBLE PRECISION"
	case model.ColumnBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (postgresDialect) TableSuffix() string { return "" }

func (d postgresDialect) CreateIndexSQL(name, table string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

func (postgresDialect) LimitSQL(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func (postgresDialect) ValidationQuery() string { return "SELECT 1" }

func (postgresDialect) SequenceSetupSQL() []string {
	return []string{`CREATE SEQUENCE IF NOT EXISTS "` + seqName + `"`}
}

func (postgresDialect) NextID(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT nextval('`+seqName+`')`)
	return id, err
}

func (postgresDialect) IsConnectionClosed(err error) bool {
	if isClosedConnection(err) {
		return true
	}
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code.Class() == "08"
}

func (postgresDialect) IsConcurrentUpdate(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && (pe.Code == "40001" || pe.Code == "40P01" || pe.Code == "55P03")
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

func (postgresDialect) IsAlreadyExists(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && (pe.Code == "42P07" || pe.Code == "42710")
}

// ============================================================================
// MySQL (github.com/go-sql-driver/mysql)
// ============================================================================

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

// PrepareDSN asks for matched rather than changed row counts, which the
// write path uses to detect vanished rows
func (mysqlDialect) PrepareDSN(dsn string) string {
	if strings.Contains(dsn, "clientFoundRows") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&clientFoundRows=true"
	}
	return dsn + "?clientFoundRows=true"
}

func (mysqlDialect) Quote(ident string) string { return "`" + ident + "`" }

func (mysqlDialect) ColumnSQL(t model.ColumnType, idType model.IDType) string {
	switch t {
	case model.ColumnID:
		if idType == model.IDSequence {
			return "BIGINT"
		}
		return "VARCHAR(36)"
	case model.ColumnLong, model.ColumnDate:
		return "BIGINT"
	case model.ColumnDouble:
		return "DOUBLE"
	case model.ColumnBoolean:
		return "TINYINT(1)"
	case model.ColumnText:
		return "LONGTEXT"
	}
	return "VARCHAR(255)"
}

func (mysqlDialect) TableSuffix() string { return " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4" }

func (d mysqlDialect) CreateIndexSQL(name, table string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

func (mysqlDialect) LimitSQL(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", offset)
	}
	return ""
}

func (mysqlDialect) ValidationQuery() string { return "SELECT 1" }

func (mysqlDialect) SequenceSetupSQL() []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS `" + seqName + "` (`name` VARCHAR(64) PRIMARY KEY, `value` BIGINT NOT NULL) ENGINE=InnoDB",
		"INSERT IGNORE INTO `" + seqName + "` (`name`, `value`) VALUES ('hierarchy', 0)",
	}
}

// NextID relies on LAST_INSERT_ID being connection scoped; q is always the
// session connection or its transaction
func (mysqlDialect) NextID(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	ex, ok := q.(sqlx.ExecerContext)
	if !ok {
		return 0, fmt.Errorf("mysql sequence needs an executor")
	}
	if _, err := ex.ExecContext(ctx, "UPDATE `"+seqName+"` SET `value` = LAST_INSERT_ID(`value` + 1) WHERE `name` = 'hierarchy'"); err != nil {
		return 0, err
	}
	var id int64
	err := sqlx.GetContext(ctx, q, &id, "SELECT LAST_INSERT_ID()")
	return id, err
}

func (mysqlDialect) IsConnectionClosed(err error) bool {
	return isClosedConnection(err) || errors.Is(err, mysql.ErrInvalidConn)
}

func (mysqlDialect) IsConcurrentUpdate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && (me.Number == 1205 || me.Number == 1213)
}

func (mysqlDialect) IsUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (mysqlDialect) IsAlreadyExists(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && (me.Number == 1050 || me.Number == 1061)
}

func quoteAll(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.Quote(n)
	}
	return strings.Join(quoted, ", ")
}
