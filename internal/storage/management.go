package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Management is the operations surface of a repository
type Management interface {
	Name() string
	ActiveSessionsCount() int
	CacheSize() int64
	CachePristineSize() int64
	CacheSelectionSize() int64
	ClearCaches()
	ProcessClusterInvalidationsNext()
	MarkReferencedBinaries(ctx context.Context, mark func(digest string)) (int, error)
	CleanupDeletedDocuments(ctx context.Context, max int, before time.Time) (int, error)
	RebuildReadAcls(ctx context.Context) error
}

var _ Management = (*Repository)(nil)

// CacheSize returns the rows cached by all sessions, modified ones included
func (r *Repository) CacheSize() int64 {
	var n int64
	for _, s := range r.ActiveSessions() {
		n += s.pc.pristineSize.Load() + s.pc.modifiedSize.Load()
	}
	return n
}

// CachePristineSize returns the unmodified rows cached by all sessions
func (r *Repository) CachePristineSize() int64 {
	var n int64
	for _, s := range r.ActiveSessions() {
		n += s.pc.pristineSize.Load()
	}
	return n
}

// CacheSelectionSize returns the selections cached by all sessions
func (r *Repository) CacheSelectionSize() int64 {
	var n int64
	for _, s := range r.ActiveSessions() {
		n += s.pc.selectionSize.Load()
	}
	return n
}

// ClearCaches drops the pristine caches of every session. Sessions are
// single goroutine, so each one clears at its next Begin.
func (r *Repository) ClearCaches() {
	sessions := r.ActiveSessions()
	for _, s := range sessions {
		s.clearRequested.Store(true)
	}
	r.log.WithField("sessions", len(sessions)).Info("caches clear requested")
}

// ProcessClusterInvalidationsNext delivers the pending cluster
// invalidations at the next Begin regardless of the delay
func (r *Repository) ProcessClusterInvalidationsNext() {
	if r.invalidator != nil {
		r.invalidator.ProcessNext()
	}
}

// MarkReferencedBinaries calls mark with the digest of every blob still
// referenced, for a binary store garbage collector, and returns how many
// digests were marked
func (r *Repository) MarkReferencedBinaries(ctx context.Context, mark func(digest string)) (int, error) {
	var count int
	err := r.Update(ctx, func(s *Session) error {
		return s.mapper.ScanBinaries(ctx, func(digest string) {
			count++
			mark(digest)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark binaries: %w", err)
	}
	r.log.WithField("binaries", count).Info("referenced binaries marked")
	return count, nil
}

// CleanupDeletedDocuments purges up to max soft-deleted documents marked
// before the given time. max <= 0 means no limit.
func (r *Repository) CleanupDeletedDocuments(ctx context.Context, max int, before time.Time) (int, error) {
	var purged int
	err := r.Update(ctx, func(s *Session) error {
		var err error
		purged, err = s.mapper.CleanupDeleted(ctx, max, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up deleted documents: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"purged": purged,
		"before": before.Format(time.RFC3339),
	}).Info("deleted documents cleaned up")
	return purged, nil
}

// RebuildReadAcls recomputes every read ACL in its own transaction
func (r *Repository) RebuildReadAcls(ctx context.Context) error {
	return r.Update(ctx, func(s *Session) error {
		return s.RebuildReadAcls(ctx)
	})
}
