package sqlstore

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// sqlMapper is the per-session Mapper. It holds a pooled connection only
// between Begin and Commit/Rollback.
type sqlMapper struct {
	store *Store
	conn  *sqlx.Conn
	tx    *sqlx.Tx
	log   *logrus.Entry

	// checkValid is set by siblings after a reset; the next Begin checks
	// the connection before using it
	checkValid atomic.Bool
	closed     bool
}

var _ mapper.Mapper = (*sqlMapper)(nil)

func (m *sqlMapper) Begin(ctx context.Context) error {
	if m.closed {
		return storeerr.New("begin", "", storeerr.ErrClosed)
	}
	if m.tx != nil {
		return storeerr.New("begin", "", fmt.Errorf("%w: transaction already active", storeerr.ErrOperationNotAllowed))
	}
	if m.conn == nil {
		if err := m.openConnection(ctx); err != nil {
			return err
		}
	}

	tx, err := m.conn.BeginTxx(ctx, nil)
	if err != nil {
		err = m.wrap("begin", err)
		m.releaseConnection()
		return err
	}
	m.tx = tx
	return nil
}

// openConnection acquires a connection. After a reset reported by a
// sibling it pings the connection and retries a few times with backoff;
// a connection failing the ping is discarded from the pool.
func (m *sqlMapper) openConnection(ctx context.Context) error {
	validate := m.checkValid.Load()

	op := func() error {
		conn, err := m.store.acquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if validate {
			if _, err := conn.ExecContext(ctx, m.store.dialect.ValidationQuery()); err != nil {
				m.log.WithError(err).Warn("discarding invalid connection")
				discard(conn)
				return err
			}
		}
		m.conn = conn
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = m.store.cfg.BlockingTimeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return m.wrap("open connection", err)
	}
	m.checkValid.Store(false)
	return nil
}

func (m *sqlMapper) Commit(ctx context.Context) error {
	if m.tx == nil {
		return storeerr.New("commit", "", storeerr.ErrNoTransaction)
	}
	err := m.tx.Commit()
	m.tx = nil
	if err != nil {
		err = m.wrap("commit", err)
	}
	m.releaseConnection()
	return err
}

func (m *sqlMapper) Rollback(ctx context.Context) error {
	if m.tx == nil {
		m.releaseConnection()
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	m.releaseConnection()
	if err != nil && !m.store.dialect.IsConnectionClosed(err) {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

func (m *sqlMapper) InTransaction() bool {
	return m.tx != nil
}

func (m *sqlMapper) Close() error {
	if m.closed {
		return nil
	}
	err := m.Rollback(context.Background())
	m.closed = true
	m.store.propagator.remove(m)
	return err
}

func (m *sqlMapper) releaseConnection() {
	if m.conn == nil {
		return
	}
	// closing an already returned connection is a no-op
	_ = m.conn.Close()
	m.conn = nil
}

// resetConnection drops the current transaction and connection after a
// connection failure and tells siblings to revalidate
func (m *sqlMapper) resetConnection() {
	if m.tx != nil {
		_ = m.tx.Rollback()
		m.tx = nil
	}
	if m.conn != nil {
		discard(m.conn)
		m.conn = nil
	}
	m.store.propagator.connectionWasReset(m)
	if m.store.cfg.OnReset != nil {
		m.store.cfg.OnReset()
	}
	m.log.Warn("connection reset, siblings will revalidate")
}

// discard removes a connection from the pool instead of returning it
func discard(conn *sqlx.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// wrap classifies a driver error. Connection failures reset the
// connection; conflicts become ConcurrentUpdate; everything else is wrapped.
func (m *sqlMapper) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if m.store.dialect.IsConnectionClosed(err) {
		m.resetConnection()
	}
	return m.store.classify(op, err)
}

// active returns the transaction or fails fast
func (m *sqlMapper) active(op string) (*sqlx.Tx, error) {
	if m.closed {
		return nil, storeerr.New(op, "", storeerr.ErrClosed)
	}
	if m.tx == nil {
		return nil, storeerr.New(op, "", storeerr.ErrNoTransaction)
	}
	return m.tx, nil
}

func (m *sqlMapper) GenerateID(ctx context.Context) (string, error) {
	if m.store.model.IDType != model.IDSequence {
		return uuid.NewString(), nil
	}
	tx, err := m.active("generate id")
	if err != nil {
		return "", err
	}
	id, err := m.store.dialect.NextID(ctx, tx)
	if err != nil {
		return "", m.wrap("generate id", err)
	}
	return strconv.FormatInt(id, 10), nil
}
