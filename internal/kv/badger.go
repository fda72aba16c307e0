package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"docstore/internal/storeerr"
)

// Badger key layout. The tag byte selects the structure; key, field and
// member are separated by a zero byte.
//
//	h 0 <key> 0 <field>   hash field -> value
//	s 0 <key> 0 <member>  set member -> empty
//	l 0 <key>             list -> JSON array of strings
const (
	tagHash = 'h'
	tagSet  = 's'
	tagList = 'l'
	sep     = 0
)

// BadgerOptions configures a BadgerStore
type BadgerOptions struct {
	// Dir holds the database files; ignored in memory
	Dir      string
	InMemory bool
	Logger   *logrus.Entry
}

// BadgerStore is a Store over an embedded badger database
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens or creates a badger database
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Logger.WithField("component", "kv")

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else if opts.Dir == "" {
		return nil, fmt.Errorf("badger directory is required")
	}
	bopts = bopts.WithLogger(badgerLogger{log.WithField("store", "badger")})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	log.WithFields(logrus.Fields{"dir": opts.Dir, "inMemory": opts.InMemory}).Info("badger store opened")
	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) View(ctx context.Context, _ []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// Update runs fn in a read-write transaction. A conflict with a concurrent
// transaction fails with ErrConcurrentUpdate.
func (s *BadgerStore) Update(ctx context.Context, _ []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return storeerr.New("kv update", "", fmt.Errorf("%w: %v", storeerr.ErrConcurrentUpdate, err))
	}
	return err
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	s.log.Debug("badger store closed")
	return nil
}

// ============================================================================
// Transaction
// ============================================================================

type badgerTx struct {
	txn *badger.Txn
}

func encodeKey(tag byte, key string, sub ...string) []byte {
	b := make([]byte, 0, 2+len(key)+16)
	b = append(b, tag, sep)
	b = append(b, key...)
	for _, s := range sub {
		b = append(b, sep)
		b = append(b, s...)
	}
	return b
}

// prefixOf is the badger prefix of every entry of a hash or set
func prefixOf(tag byte, key string) []byte {
	return append(encodeKey(tag, key), sep)
}

func (t *badgerTx) get(k []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// suffixes lists the fields or members stored under prefix
func (t *badgerTx) suffixes(prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out, nil
}

func (t *badgerTx) HGet(key, field string) (string, bool, error) {
	v, ok, err := t.get(encodeKey(tagHash, key, field))
	return string(v), ok, err
}

func (t *badgerTx) HSet(key, field, value string) error {
	return t.txn.Set(encodeKey(tagHash, key, field), []byte(value))
}

func (t *badgerTx) HDel(key string, fields ...string) error {
	for _, f := range fields {
		if err := t.txn.Delete(encodeKey(tagHash, key, f)); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) list(key string) ([]string, error) {
	v, ok, err := t.get(encodeKey(tagList, key))
	if err != nil || !ok {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("failed to decode list %s: %w", key, err)
	}
	return out, nil
}

func (t *badgerTx) setList(key string, values []string) error {
	k := encodeKey(tagList, key)
	if len(values) == 0 {
		return t.txn.Delete(k)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode list %s: %w", key, err)
	}
	return t.txn.Set(k, data)
}

func (t *badgerTx) LRange(key string) ([]string, error) {
	return t.list(key)
}

func (t *badgerTx) LLen(key string) (int64, error) {
	l, err := t.list(key)
	return int64(len(l)), err
}

func (t *badgerTx) RPush(key string, values ...string) error {
	l, err := t.list(key)
	if err != nil {
		return err
	}
	return t.setList(key, append(l, values...))
}

func (t *badgerTx) LPop(key string) error {
	l, err := t.list(key)
	if err != nil || len(l) == 0 {
		return err
	}
	return t.setList(key, l[1:])
}

func (t *badgerTx) LRem(key, value string) error {
	l, err := t.list(key)
	if err != nil {
		return err
	}
	kept := l[:0]
	for _, v := range l {
		if v != value {
			kept = append(kept, v)
		}
	}
	return t.setList(key, kept)
}

func (t *badgerTx) SAdd(key string, members ...string) error {
	for _, m := range members {
		if err := t.txn.Set(encodeKey(tagSet, key, m), nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) SRem(key string, members ...string) error {
	for _, m := range members {
		if err := t.txn.Delete(encodeKey(tagSet, key, m)); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) SMembers(key string) ([]string, error) {
	return t.suffixes(prefixOf(tagSet, key))
}

func (t *badgerTx) SCard(key string) (int64, error) {
	m, err := t.SMembers(key)
	return int64(len(m)), err
}

func (t *badgerTx) SIsMember(key, member string) (bool, error) {
	_, ok, err := t.get(encodeKey(tagSet, key, member))
	return ok, err
}

func (t *badgerTx) Keys(prefix string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range []byte{tagHash, tagSet, tagList} {
		entries, err := t.suffixes(encodeKey(tag, prefix))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			key := prefix + e
			if i := strings.IndexByte(key, sep); i >= 0 {
				key = key[:i]
			}
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	return out, nil
}

func (t *badgerTx) Del(keys ...string) error {
	for _, key := range keys {
		if err := t.txn.Delete(encodeKey(tagList, key)); err != nil {
			return err
		}
		for _, tag := range []byte{tagHash, tagSet} {
			prefix := prefixOf(tag, key)
			subs, err := t.suffixes(prefix)
			if err != nil {
				return err
			}
			for _, sub := range subs {
				if err := t.txn.Delete(append(prefix[:len(prefix):len(prefix)], sub...)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// badgerLogger routes badger logs to logrus, demoting its chatty info
// messages to debug
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
