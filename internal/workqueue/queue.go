package workqueue

import (
	"context"

	"docstore/internal/kv"
	"docstore/internal/storeerr"
)

// ScheduledQueue is the handle on the scheduled list of one queue
type ScheduledQueue struct {
	id string
	q  *Queuing
}

func (sq *ScheduledQueue) ID() string { return sq.id }

// Offer schedules w at the tail of the queue
func (sq *ScheduledQueue) Offer(ctx context.Context, w *Work) error {
	return sq.q.AddScheduledWork(ctx, sq.id, w)
}

// Poll takes the work at the head of the queue, nil when the queue is
// empty. Concurrent pollers racing for the same head fail with
// ErrConcurrentUpdate except one.
func (sq *ScheduledQueue) Poll(ctx context.Context) (*Work, error) {
	q := sq.q
	key := q.scheduledKey(sq.id)
	var w *Work
	err := q.store.Update(ctx, []string{key}, func(tx kv.Tx) error {
		w = nil
		ids, err := tx.LRange(key)
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := tx.LPop(key); err != nil {
			return err
		}
		if w, err = q.load(tx, ids[0]); err != nil {
			return err
		}
		if w == nil {
			q.log.WithField("work", ids[0]).Warn("dropping scheduled work without data")
		}
		return nil
	})
	if err != nil {
		return nil, storeerr.WithContext(err, "poll", sq.id)
	}
	return w, nil
}

// Size is the number of scheduled instances
func (sq *ScheduledQueue) Size(ctx context.Context) (int64, error) {
	return sq.q.GetQueueSize(ctx, sq.id, StateScheduled)
}
