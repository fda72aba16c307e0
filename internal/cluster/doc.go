// Package cluster keeps the caches of concurrent sessions coherent.
//
// Within a process, a Propagator fans the invalidations of a committing
// session out to the Queue of every sibling session. Across processes, an
// Invalidator broadcasts them to the other nodes; remote invalidations are
// buffered and handed out at most once per configured delay, at the next
// transaction start of a local session.
//
// This is a cache-coherence protocol, not a locking protocol: isolation
// between concurrent writers remains the job of the database.
package cluster
