// Package sqlstore implements the mapper interfaces over database/sql with
// sqlx, for sqlite, postgres and mysql.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"docstore/internal/mapper"
	"docstore/internal/model"
	"docstore/internal/storeerr"
)

// Config configures a Store
type Config struct {
	Dialect string
	DSN     string

	MaxOpen int
	MaxIdle int
	// BlockingTimeout bounds the wait for a pooled connection
	BlockingTimeout time.Duration

	// NoDDL skips table creation
	NoDDL bool

	Logger *logrus.Entry
	// OnReset is called after a connection reset was detected
	OnReset func()
}

// Store owns the connection pool of one repository. It hands out one
// Mapper per session and serves locks on short transactions of its own.
type Store struct {
	cfg     Config
	db      *sqlx.DB
	dialect Dialect
	model   *model.Model
	log     *logrus.Entry

	propagator *propagator
	lockMu     sync.Mutex
}

var _ mapper.Backend = (*Store)(nil)

// Open connects to the database and creates the schema of m unless NoDDL
func Open(ctx context.Context, m *model.Model, cfg Config) (*Store, error) {
	d, err := DialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = 5 * time.Second
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 20
	}

	db, err := sqlx.Open(d.DriverName(), d.PrepareDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	s := &Store{
		cfg:        cfg,
		db:         db,
		dialect:    d,
		model:      m,
		log:        cfg.Logger.WithField("component", "mapper"),
		propagator: newPropagator(),
	}

	if !cfg.NoDDL {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"dialect": d.Name(),
		"idType":  m.IDType,
	}).Info("store opened")
	return s, nil
}

// Dialect returns the dialect in use
func (s *Store) Dialect() Dialect { return s.dialect }

// NewMapper creates a Mapper bound to this store's propagation group
func (s *Store) NewMapper() mapper.Mapper {
	m := &sqlMapper{
		store: s,
		log:   s.log,
	}
	s.propagator.add(m)
	return m
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire takes a connection from the pool, waiting at most BlockingTimeout
func (s *Store) acquire(ctx context.Context) (*sqlx.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.BlockingTimeout)
	defer cancel()

	conn, err := s.db.Connx(actx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, storeerr.New("acquire connection", "",
				fmt.Errorf("%w: no connection available within %s", storeerr.ErrResourceExhausted, s.cfg.BlockingTimeout))
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

// classify maps driver errors to the storeerr kinds of the dialect
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case s.dialect.IsConnectionClosed(err):
		return storeerr.New(op, "", fmt.Errorf("%w: %w", storeerr.ErrConnectionReset, err))
	case s.dialect.IsConcurrentUpdate(err):
		return storeerr.New(op, "", fmt.Errorf("%w: %w", storeerr.ErrConcurrentUpdate, err))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *Store) q(ident string) string { return s.dialect.Quote(ident) }
