package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/storeerr"
)

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newBadger(t *testing.T) Store {
	t.Helper()
	s, err := OpenBadger(BadgerOptions{InMemory: true, Logger: nullEntry()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRedis(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nullEntry())
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs a test against every store implementation
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	stores := map[string]func(*testing.T) Store{
		"badger": newBadger,
		"redis":  newRedis,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func update(t *testing.T, s Store, fn func(Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), nil, fn))
}

func view[T any](t *testing.T, s Store, fn func(Tx) (T, error)) T {
	t.Helper()
	var out T
	require.NoError(t, s.View(context.Background(), nil, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	}))
	return out
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestHashes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		update(t, s, func(tx Tx) error {
			if err := tx.HSet("h", "a", "1"); err != nil {
				return err
			}
			return tx.HSet("h", "b", "2")
		})

		type result struct {
			v  string
			ok bool
		}
		get := func(field string) result {
			return view(t, s, func(tx Tx) (result, error) {
				v, ok, err := tx.HGet("h", field)
				return result{v, ok}, err
			})
		}
		assert.Equal(t, result{"1", true}, get("a"))
		assert.Equal(t, result{"", false}, get("missing"))

		update(t, s, func(tx Tx) error { return tx.HDel("h", "a") })
		assert.Equal(t, result{"", false}, get("a"))
		assert.Equal(t, result{"2", true}, get("b"))
	})
}

func TestLists(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		update(t, s, func(tx Tx) error { return tx.RPush("l", "a", "b", "c", "b") })
		lrange := func() []string {
			return view(t, s, func(tx Tx) ([]string, error) { return tx.LRange("l") })
		}
		assert.Equal(t, []string{"a", "b", "c", "b"}, lrange())

		update(t, s, func(tx Tx) error { return tx.LRem("l", "b") })
		assert.Equal(t, []string{"a", "c"}, lrange())

		update(t, s, func(tx Tx) error { return tx.LPop("l") })
		assert.Equal(t, []string{"c"}, lrange())
		n := view(t, s, func(tx Tx) (int64, error) { return tx.LLen("l") })
		assert.Equal(t, int64(1), n)

		update(t, s, func(tx Tx) error { return tx.LPop("l") })
		assert.Empty(t, lrange())
		keys := view(t, s, func(tx Tx) ([]string, error) { return tx.Keys("l") })
		assert.Empty(t, keys)

		// popping an empty list is a no-op and keeps the other writes
		update(t, s, func(tx Tx) error {
			return errors.Join(tx.LPop("l"), tx.RPush("other", "x"))
		})
		other := view(t, s, func(tx Tx) ([]string, error) { return tx.LRange("other") })
		assert.Equal(t, []string{"x"}, other)
	})
}

func TestSets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		update(t, s, func(tx Tx) error { return tx.SAdd("s", "x", "y", "z", "x") })
		members := view(t, s, func(tx Tx) ([]string, error) { return tx.SMembers("s") })
		assert.Equal(t, []string{"x", "y", "z"}, sorted(members))
		card := view(t, s, func(tx Tx) (int64, error) { return tx.SCard("s") })
		assert.Equal(t, int64(3), card)

		update(t, s, func(tx Tx) error { return tx.SRem("s", "y") })
		in := view(t, s, func(tx Tx) (bool, error) { return tx.SIsMember("s", "y") })
		assert.False(t, in)
		in = view(t, s, func(tx Tx) (bool, error) { return tx.SIsMember("s", "z") })
		assert.True(t, in)
	})
}

func TestKeysAndDel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		update(t, s, func(tx Tx) error {
			return errors.Join(
				tx.HSet("app:data", "id", "v"),
				tx.RPush("app:queue:q1", "id"),
				tx.SAdd("app:run:q2", "id"),
				tx.SAdd("other:run:q3", "id"),
			)
		})
		keys := view(t, s, func(tx Tx) ([]string, error) { return tx.Keys("app:") })
		assert.Equal(t, []string{"app:data", "app:queue:q1", "app:run:q2"}, sorted(keys))
		keys = view(t, s, func(tx Tx) ([]string, error) { return tx.Keys("app:queue:") })
		assert.Equal(t, []string{"app:queue:q1"}, keys)

		update(t, s, func(tx Tx) error { return tx.Del("app:data", "app:run:q2", "app:queue:q1") })
		keys = view(t, s, func(tx Tx) ([]string, error) { return tx.Keys("app:") })
		assert.Empty(t, keys)
		keys = view(t, s, func(tx Tx) ([]string, error) { return tx.Keys("other:") })
		assert.Len(t, keys, 1)
	})
}

func TestFailedUpdateWritesNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		boom := errors.New("boom")
		err := s.Update(context.Background(), nil, func(tx Tx) error {
			if err := tx.HSet("h", "a", "1"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, ok := view2(t, s, "h", "a")
		assert.False(t, ok)
	})
}

func view2(t *testing.T, s Store, key, field string) (string, bool) {
	t.Helper()
	var v string
	var ok bool
	require.NoError(t, s.View(context.Background(), nil, func(tx Tx) error {
		var err error
		v, ok, err = tx.HGet(key, field)
		return err
	}))
	return v, ok
}

func TestConflictingUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		update(t, s, func(tx Tx) error { return tx.HSet("counter", "n", "1") })

		err := s.Update(ctx, []string{"counter"}, func(tx Tx) error {
			v, _, err := tx.HGet("counter", "n")
			if err != nil {
				return err
			}
			// another writer commits between the read and the write
			if err := s.Update(ctx, nil, func(tx Tx) error { return tx.HSet("counter", "n", "10") }); err != nil {
				return err
			}
			return tx.HSet("counter", "n", v+"1")
		})
		assert.ErrorIs(t, err, storeerr.ErrConcurrentUpdate)

		v, _ := view2(t, s, "counter", "n")
		assert.Equal(t, "10", v)
	})
}

func TestScanSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		var want []string
		for i := 0; i < 25; i++ {
			want = append(want, fmt.Sprintf("m%02d", i))
		}
		update(t, s, func(tx Tx) error { return tx.SAdd("big", want...) })

		seen := make(map[string]bool)
		batches := 0
		err := ScanSet(context.Background(), s, "big", 10, func(members []string) error {
			batches++
			for _, m := range members {
				seen[m] = true
			}
			return nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, batches, 1)
		var got []string
		for m := range seen {
			got = append(got, m)
		}
		if diff := cmp.Diff(want, sorted(got)); diff != "" {
			t.Errorf("scanned members (-want +got):\n%s", diff)
		}
	})
}

func TestScanSetPaginatesWithoutScanner(t *testing.T) {
	s := newBadger(t)
	_, ok := s.(SetScanner)
	require.False(t, ok)

	update(t, s, func(tx Tx) error { return tx.SAdd("big", "a", "b", "c", "d", "e") })
	var sizes []int
	err := ScanSet(context.Background(), s, "big", 2, func(members []string) error {
		sizes = append(sizes, len(members))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "plain:", escapeGlob("plain:"))
}
