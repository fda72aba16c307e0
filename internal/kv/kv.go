package kv

import (
	"context"
	"strings"
)

// Tx is a transaction over a store. Reads observe a consistent snapshot.
// Writes are applied when the transaction function returns nil; they are not
// guaranteed to be visible to reads made later in the same transaction.
type Tx interface {
	// HGet returns a hash field and whether it is set
	HGet(key, field string) (string, bool, error)
	HSet(key, field, value string) error
	HDel(key string, fields ...string) error

	// LRange returns the whole list, head first
	LRange(key string) ([]string, error)
	LLen(key string) (int64, error)
	RPush(key string, values ...string) error
	// LPop removes the head of the list
	LPop(key string) error
	// LRem removes every occurrence of value
	LRem(key, value string) error

	SAdd(key string, members ...string) error
	SRem(key string, members ...string) error
	SMembers(key string) ([]string, error)
	SCard(key string) (int64, error)
	SIsMember(key, member string) (bool, error)

	// Keys returns the keys starting with prefix, whatever their structure
	Keys(prefix string) ([]string, error)
	Del(keys ...string) error
}

// Store runs transactions. keys names the keys the transaction reads; stores
// with optimistic concurrency watch them, others ignore them.
type Store interface {
	View(ctx context.Context, keys []string, fn func(Tx) error) error
	Update(ctx context.Context, keys []string, fn func(Tx) error) error
	Close() error
}

// SetScanner is implemented by stores that iterate over a set without
// reading it whole. The first call passes cursor 0; a returned cursor of 0
// ends the iteration. A member may be returned more than once.
type SetScanner interface {
	SScan(ctx context.Context, key string, cursor uint64, count int64) ([]string, uint64, error)
}

// ScanSet iterates over a set in batches of about count members, using the
// store's SetScanner when it has one and a paginated snapshot otherwise.
func ScanSet(ctx context.Context, s Store, key string, count int64, fn func(members []string) error) error {
	if count <= 0 {
		count = 1000
	}
	if sc, ok := s.(SetScanner); ok {
		var cursor uint64
		for {
			members, next, err := sc.SScan(ctx, key, cursor, count)
			if err != nil {
				return err
			}
			if len(members) > 0 {
				if err := fn(members); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	var members []string
	err := s.View(ctx, []string{key}, func(tx Tx) error {
		var err error
		members, err = tx.SMembers(key)
		return err
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(members); start += int(count) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+int(count), len(members))
		if err := fn(members[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// escapeGlob quotes the glob metacharacters of a Redis MATCH pattern
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
