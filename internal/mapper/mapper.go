package mapper

import (
	"context"
	"time"
)

// Mapper translates fragment reads and write batches into statements on one
// dedicated connection. A Mapper is used by a single session at a time.
//
// Lookups return nil (or an empty slice) for absent rows. Every error is
// either wrapped storage failure or one of the storeerr sentinels
// (ConcurrentUpdate, ConnectionReset, ResourceExhausted, NoTransaction).
type Mapper interface {
	// Begin acquires a connection if none is held, revalidates it when a
	// sibling reported a reset, and starts a transaction.
	Begin(ctx context.Context) error
	// Commit commits and releases the connection.
	Commit(ctx context.Context) error
	// Rollback rolls back and releases the connection. Rolling back without
	// a transaction is a no-op.
	Rollback(ctx context.Context) error
	// InTransaction reports whether Begin succeeded and no Commit/Rollback followed.
	InTransaction() bool
	// Close releases everything. The Mapper cannot be reused.
	Close() error

	// GenerateID reserves a new node id according to the repository id type.
	GenerateID(ctx context.Context) (string, error)

	ReadRows(ctx context.Context, table string, ids []string) ([]*Row, error)
	// ReadChildRows returns the hierarchy rows under parentID in the given
	// namespace, ordered by position then name. Soft-deleted rows are skipped.
	ReadChildRows(ctx context.Context, parentID string, complexProp bool) ([]*Row, error)
	ReadChildRow(ctx context.Context, parentID, name string, complexProp bool) (*Row, error)
	// ReadSelection returns the rows of table whose column equals value.
	ReadSelection(ctx context.Context, table, column string, value any) ([]*Row, error)
	// DescendantIDs returns every id below rootID, parents before children.
	DescendantIDs(ctx context.Context, rootID string, includeProperties bool) ([]string, error)

	Write(ctx context.Context, batch *Batch) error
	// WriteReadACLs replaces the read ACL rows of the given ids.
	WriteReadACLs(ctx context.Context, acls map[string][]string) error

	Query(ctx context.Context, q *Query, filter *QueryFilter) (*PartialList, error)
	QueryAndFetch(ctx context.Context, q *Query, filter *QueryFilter, fields ...string) ([]map[string]any, error)

	// CleanupDeleted purges up to max soft-deleted nodes marked before the
	// given time (max <= 0 means no limit) and returns how many were purged.
	CleanupDeleted(ctx context.Context, max int, before time.Time) (int, error)
	// ScanBinaries calls fn with every blob digest referenced by a node.
	ScanBinaries(ctx context.Context, fn func(digest string)) error
}

// LockManager stores document locks outside of session transactions.
type LockManager interface {
	GetLock(ctx context.Context, id string) (*Lock, error)
	// SetLock returns nil when the lock was taken, or the existing lock.
	SetLock(ctx context.Context, id string, lock Lock) (*Lock, error)
	// RemoveLock returns the removed lock, nil when none existed, or the
	// existing lock with Failed set when owner does not match.
	RemoveLock(ctx context.Context, id, owner string, force bool) (*Lock, error)
}

// Backend is the repository-level factory of Mappers.
type Backend interface {
	LockManager
	NewMapper() Mapper
	Close() error
}

// Lock is a document lock
type Lock struct {
	Owner   string    `json:"owner"`
	Created time.Time `json:"created"`
	// Failed is set when a removal was refused
	Failed bool `json:"failed,omitempty"`
}
