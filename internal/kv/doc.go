// Package kv provides the key-value primitives the work queue is built on:
// hashes, lists and sets of strings addressed by key, read and written in
// atomic transactions.
//
// Two stores implement Store:
//
//   - BadgerStore embeds a dgraph-io/badger database (on disk or in memory)
//     and encodes each structure over badger keys.
//   - RedisStore talks to a Redis server; transactions are optimistic, using
//     WATCH on the keys a transaction reads and MULTI/EXEC for its writes.
//
// A transaction that loses a race fails with storeerr.ErrConcurrentUpdate and
// leaves the store unchanged. Stores never retry a write transaction.
package kv
