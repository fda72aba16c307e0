package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"docstore/internal/mapper"
	"docstore/internal/model"
)

// Locks live outside session transactions: each call runs its own short
// transaction on a dedicated connection, serialized within the process.

func (s *Store) GetLock(ctx context.Context, id string) (*mapper.Lock, error) {
	var lock *mapper.Lock
	err := s.lockTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		lock, err = s.readLock(ctx, tx, id)
		return err
	})
	return lock, err
}

func (s *Store) SetLock(ctx context.Context, id string, lock mapper.Lock) (*mapper.Lock, error) {
	if lock.Created.IsZero() {
		lock.Created = time.Now()
	}
	var existing *mapper.Lock
	err := s.lockTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		existing, err = s.readLock(ctx, tx, id)
		if err != nil || existing != nil {
			return err
		}
		arg, err := toDB(model.ColumnID, s.model.IDType, id)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)",
			s.q(model.LockTable), s.q(model.KeyID), s.q(model.KeyLockOwner), s.q(model.KeyLockCreated))
		_, err = tx.ExecContext(ctx, tx.Rebind(query), arg, lock.Owner, lock.Created.UnixMilli())
		return err
	})
	if err != nil && s.dialect.IsUniqueViolation(err) {
		// another node took it in between
		return s.GetLock(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if existing == nil {
		s.log.WithField("id", id).WithField("owner", lock.Owner).Debug("lock set")
	}
	return existing, nil
}

func (s *Store) RemoveLock(ctx context.Context, id, owner string, force bool) (*mapper.Lock, error) {
	var existing *mapper.Lock
	err := s.lockTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		existing, err = s.readLock(ctx, tx, id)
		if err != nil || existing == nil {
			return err
		}
		if !force && owner != "" && existing.Owner != owner {
			existing.Failed = true
			return nil
		}
		arg, err := toDB(model.ColumnID, s.model.IDType, id)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.q(model.LockTable), s.q(model.KeyID))
		_, err = tx.ExecContext(ctx, tx.Rebind(query), arg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Store) readLock(ctx context.Context, tx *sqlx.Tx, id string) (*mapper.Lock, error) {
	arg, err := toDB(model.ColumnID, s.model.IDType, id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
		s.q(model.KeyLockOwner), s.q(model.KeyLockCreated), s.q(model.LockTable), s.q(model.KeyID))

	var owner, created any
	err = tx.QueryRowxContext(ctx, tx.Rebind(query), arg).Scan(&owner, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	o, err := fromDB(model.ColumnString, owner)
	if err != nil {
		return nil, err
	}
	lock := &mapper.Lock{}
	if o != nil {
		lock.Owner = o.(string)
	}
	if c, err := fromDB(model.ColumnDate, created); err == nil && c != nil {
		lock.Created = c.(time.Time)
	}
	return lock, nil
}

func (s *Store) lockTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify("begin lock transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify("update lock", err)
	}
	if err := tx.Commit(); err != nil {
		return s.classify("commit lock transaction", err)
	}
	return nil
}
