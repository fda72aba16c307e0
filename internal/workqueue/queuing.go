package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"docstore/internal/kv"
	"docstore/internal/storeerr"
)

// DefaultNamespace prefixes every key of the work queue
const DefaultNamespace = "docstore:work:"

// Key layout under the namespace
const (
	keyData      = "data"   // hash: work id -> JSON work
	keyState     = "state"  // hash: work id -> state code
	keyScheduled = "queue:" // list per queue, head is next
	keyRunning   = "run:"   // set per queue
	keyCompleted = "done:"  // set per queue
	keySuspended = "prev:"  // list per queue
)

const defaultScanBatch = 1000

// Options configures a Queuing
type Options struct {
	Namespace string
	// ScanBatch is the number of completed ids removed per transaction
	ScanBatch int64
	Logger    *logrus.Entry
	Metrics   *Metrics
}

// Queuing tracks work instances through their states in a kv.Store. Every
// state transition is a single store transaction; none is retried.
type Queuing struct {
	store   kv.Store
	ns      string
	batch   int64
	log     *logrus.Entry
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	queues map[string]*ScheduledQueue
}

// New returns a Queuing over store
func New(store kv.Store, opts Options) *Queuing {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.ScanBatch <= 0 {
		opts.ScanBatch = defaultScanBatch
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queuing{
		store:   store,
		ns:      opts.Namespace,
		batch:   opts.ScanBatch,
		log:     opts.Logger.WithField("component", "workqueue"),
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		queues:  make(map[string]*ScheduledQueue),
	}
}

func (q *Queuing) dataKey() string                 { return q.ns + keyData }
func (q *Queuing) stateKey() string                { return q.ns + keyState }
func (q *Queuing) scheduledKey(queue string) string { return q.ns + keyScheduled + queue }
func (q *Queuing) runningKey(queue string) string   { return q.ns + keyRunning + queue }
func (q *Queuing) completedKey(queue string) string { return q.ns + keyCompleted + queue }
func (q *Queuing) suspendedKey(queue string) string { return q.ns + keySuspended + queue }

// ============================================================================
// Lifecycle
// ============================================================================

// Init registers queueIDs and moves the suspended work of every queue back
// to its scheduled list. It returns the number of rescheduled instances
// per queue.
func (q *Queuing) Init(ctx context.Context, queueIDs []string) (map[string]int, error) {
	for _, id := range queueIDs {
		if _, err := q.InitScheduleQueue(id); err != nil {
			return nil, err
		}
	}

	var suspended []string
	err := q.store.View(ctx, nil, func(tx kv.Tx) error {
		var err error
		suspended, err = q.queueIDs(tx, keySuspended)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list suspended queues: %w", err)
	}

	resumed := make(map[string]int)
	for _, id := range suspended {
		n, err := q.ScheduleSuspendedWork(ctx, id)
		if err != nil {
			return nil, err
		}
		resumed[id] = n
	}
	return resumed, nil
}

// InitScheduleQueue registers a queue and returns its handle
func (q *Queuing) InitScheduleQueue(queueID string) (*ScheduledQueue, error) {
	if queueID == "" || strings.ContainsAny(queueID, "*?[]\\") {
		return nil, fmt.Errorf("%w: bad queue id %q", storeerr.ErrInvalidArgument, queueID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[queueID]; ok {
		return nil, fmt.Errorf("%w: queue %s is already configured", storeerr.ErrOperationNotAllowed, queueID)
	}
	sq := &ScheduledQueue{id: queueID, q: q}
	q.queues[queueID] = sq
	q.log.WithField("queue", queueID).Debug("queue configured")
	return sq, nil
}

// GetScheduledQueue returns the handle of a registered queue
func (q *Queuing) GetScheduledQueue(queueID string) (*ScheduledQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s was not configured", storeerr.ErrNotFound, queueID)
	}
	return sq, nil
}

// QueueIDs returns the queues with scheduled, running or suspended work
func (q *Queuing) QueueIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := q.store.View(ctx, nil, func(tx kv.Tx) error {
		for _, prefix := range []string{keyScheduled, keySuspended, keyRunning} {
			ids, err := q.queueIDs(tx, prefix)
			if err != nil {
				return err
			}
			for _, id := range ids {
				seen[id] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (q *Queuing) queueIDs(tx kv.Tx, prefix string) ([]string, error) {
	keys, err := tx.Keys(q.ns + prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, q.ns+prefix))
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// Transitions
// ============================================================================

// AddScheduledWork stores w, marks it scheduled and appends it to the
// scheduled list of queueID
func (q *Queuing) AddScheduledWork(ctx context.Context, queueID string, w *Work) error {
	const op = "add scheduled work"
	if w.ID == "" {
		return storeerr.New(op, "", fmt.Errorf("%w: work without id", storeerr.ErrInvalidArgument))
	}
	if w.SchedulingTime.IsZero() {
		w.SchedulingTime = q.now()
	}
	w.State = StateScheduled
	data, err := encodeWork(w)
	if err != nil {
		return err
	}

	err = q.store.Update(ctx, nil, func(tx kv.Tx) error {
		return errors.Join(
			tx.HSet(q.dataKey(), w.ID, data),
			tx.HSet(q.stateKey(), w.ID, string(rune(codeScheduled))),
			tx.RPush(q.scheduledKey(queueID), w.ID),
		)
	})
	if err != nil {
		return storeerr.WithContext(err, op, w.ID)
	}
	q.metrics.scheduled(queueID)
	q.log.WithFields(logrus.Fields{"queue": queueID, "work": w.ID}).Debug("work scheduled")
	return nil
}

// WorkRunning marks w running. It also drops w from the scheduled list, for
// callers that did not take it with Poll.
func (q *Queuing) WorkRunning(ctx context.Context, queueID string, w *Work) error {
	if w.StartTime.IsZero() {
		w.StartTime = q.now()
	}
	w.State = StateRunning
	data, err := encodeWork(w)
	if err != nil {
		return err
	}
	err = q.store.Update(ctx, nil, func(tx kv.Tx) error {
		return errors.Join(
			tx.LRem(q.scheduledKey(queueID), w.ID),
			tx.SAdd(q.runningKey(queueID), w.ID),
			tx.HSet(q.dataKey(), w.ID, data),
			tx.HSet(q.stateKey(), w.ID, string(rune(codeRunning))),
		)
	})
	return storeerr.WithContext(err, "work running", w.ID)
}

// WorkCompleted moves w from the running set to the completed set and
// records its completion time in its state
func (q *Queuing) WorkCompleted(ctx context.Context, queueID string, w *Work) error {
	if w.CompletionTime.IsZero() {
		w.CompletionTime = q.now()
	}
	w.State = StateCompleted
	data, err := encodeWork(w)
	if err != nil {
		return err
	}
	err = q.store.Update(ctx, nil, func(tx kv.Tx) error {
		return errors.Join(
			tx.HSet(q.dataKey(), w.ID, data),
			tx.SRem(q.runningKey(queueID), w.ID),
			tx.SAdd(q.completedKey(queueID), w.ID),
			tx.HSet(q.stateKey(), w.ID, completedCode(w.CompletionTime)),
		)
	})
	if err != nil {
		return storeerr.WithContext(err, "work completed", w.ID)
	}
	q.metrics.completed(queueID)
	return nil
}

// RemoveScheduled cancels scheduled work: its id leaves the scheduled list
// and its data and state are deleted. It returns the removed work marked
// canceled, or nil when the id was not scheduled in queueID.
func (q *Queuing) RemoveScheduled(ctx context.Context, queueID, workID string) (*Work, error) {
	key := q.scheduledKey(queueID)
	var removed *Work
	err := q.store.Update(ctx, []string{key}, func(tx kv.Tx) error {
		removed = nil
		ids, err := tx.LRange(key)
		if err != nil {
			return err
		}
		if !contains(ids, workID) {
			return nil
		}
		data, ok, err := tx.HGet(q.dataKey(), workID)
		if err != nil {
			return err
		}
		if ok {
			if removed, err = decodeWork(data); err != nil {
				return err
			}
		} else {
			removed = &Work{ID: workID}
		}
		return errors.Join(
			tx.LRem(key, workID),
			tx.HDel(q.dataKey(), workID),
			tx.HDel(q.stateKey(), workID),
		)
	})
	if err != nil {
		return nil, storeerr.WithContext(err, "remove scheduled", workID)
	}
	if removed != nil {
		removed.State = StateCanceled
		q.log.WithFields(logrus.Fields{"queue": queueID, "work": workID}).Debug("scheduled work canceled")
	}
	return removed, nil
}

// SetSuspending moves the scheduled list of queueID to its suspended list,
// keeping the order. It returns the number of suspended instances.
func (q *Queuing) SetSuspending(ctx context.Context, queueID string) (int, error) {
	n, err := q.moveList(ctx, q.scheduledKey(queueID), q.suspendedKey(queueID))
	if err != nil {
		return 0, storeerr.WithContext(err, "set suspending", queueID)
	}
	q.log.WithFields(logrus.Fields{"queue": queueID, "count": n}).Info("suspended scheduled work")
	return n, nil
}

// ScheduleSuspendedWork appends the suspended list of queueID to its
// scheduled list. It returns the number of rescheduled instances.
func (q *Queuing) ScheduleSuspendedWork(ctx context.Context, queueID string) (int, error) {
	n, err := q.moveList(ctx, q.suspendedKey(queueID), q.scheduledKey(queueID))
	if err != nil {
		return 0, storeerr.WithContext(err, "schedule suspended work", queueID)
	}
	if n > 0 {
		q.log.WithFields(logrus.Fields{"queue": queueID, "count": n}).Info("rescheduled suspended work")
	}
	return n, nil
}

func (q *Queuing) moveList(ctx context.Context, from, to string) (int, error) {
	var n int
	err := q.store.Update(ctx, []string{from, to}, func(tx kv.Tx) error {
		ids, err := tx.LRange(from)
		if err != nil {
			return err
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		return errors.Join(tx.RPush(to, ids...), tx.Del(from))
	})
	return n, err
}

// ClearCompletedWork removes the completed work of queueID completed before
// the given time, or all of it when before is zero. The completed set is
// scanned to the end first, then the ids are removed in batches, each in
// its own transaction. It returns the number of removed instances.
func (q *Queuing) ClearCompletedWork(ctx context.Context, queueID string, before time.Time) (int, error) {
	key := q.completedKey(queueID)
	seen := make(map[string]struct{})
	var ids []string
	err := kv.ScanSet(ctx, q.store, key, q.batch, func(members []string) error {
		for _, id := range members {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeerr.WithContext(err, "clear completed work", queueID)
	}

	removed := 0
	for start := 0; start < len(ids); start += int(q.batch) {
		end := min(start+int(q.batch), len(ids))
		var n int
		n, err = q.clearBatch(ctx, key, ids[start:end], before)
		removed += n
		if err != nil {
			break
		}
	}
	if err != nil {
		return removed, storeerr.WithContext(err, "clear completed work", queueID)
	}
	if removed > 0 {
		q.log.WithFields(logrus.Fields{"queue": queueID, "count": removed}).Debug("cleared completed work")
	}
	return removed, nil
}

func (q *Queuing) clearBatch(ctx context.Context, key string, ids []string, before time.Time) (int, error) {
	var n int
	err := q.store.Update(ctx, nil, func(tx kv.Tx) error {
		n = 0
		var done, stale []string
		for _, id := range ids {
			code, _, err := tx.HGet(q.stateKey(), id)
			if err != nil {
				return err
			}
			state, completed, err := decodeState(code)
			if err != nil {
				q.log.WithError(err).WithField("work", id).Error("dropping completed work with a bad state")
				done = append(done, id)
				continue
			}
			switch {
			case state != StateCompleted:
				// rescheduled under the same id since
				stale = append(stale, id)
			case before.IsZero() || completed.Before(before):
				done = append(done, id)
			}
		}
		n = len(done)
		return errors.Join(
			tx.SRem(key, append(done, stale...)...),
			tx.HDel(q.stateKey(), done...),
			tx.HDel(q.dataKey(), done...),
		)
	})
	return n, err
}

// ============================================================================
// Inspection
// ============================================================================

// GetWorkState returns the state of a work instance, empty when unknown
func (q *Queuing) GetWorkState(ctx context.Context, workID string) (State, error) {
	var state State
	err := q.store.View(ctx, nil, func(tx kv.Tx) error {
		code, _, err := tx.HGet(q.stateKey(), workID)
		if err != nil {
			return err
		}
		state, _, err = decodeState(code)
		return err
	})
	return state, storeerr.WithContext(err, "get work state", workID)
}

// IsWorkInState reports whether work is in state; the empty state matches
// scheduled or running work
func (q *Queuing) IsWorkInState(ctx context.Context, workID string, state State) (bool, error) {
	s, err := q.GetWorkState(ctx, workID)
	if err != nil {
		return false, err
	}
	if state == "" {
		return s == StateScheduled || s == StateRunning, nil
	}
	return s == state, nil
}

// Find returns the work if it is in state, nil otherwise
func (q *Queuing) Find(ctx context.Context, workID string, state State) (*Work, error) {
	var w *Work
	err := q.store.View(ctx, nil, func(tx kv.Tx) error {
		w = nil
		code, _, err := tx.HGet(q.stateKey(), workID)
		if err != nil {
			return err
		}
		s, _, err := decodeState(code)
		if err != nil {
			return err
		}
		if state == "" && s != StateScheduled && s != StateRunning || state != "" && s != state {
			return nil
		}
		w, err = q.load(tx, workID)
		return err
	})
	return w, storeerr.WithContext(err, "find work", workID)
}

func (q *Queuing) load(tx kv.Tx, workID string) (*Work, error) {
	data, ok, err := tx.HGet(q.dataKey(), workID)
	if err != nil || !ok {
		return nil, err
	}
	return decodeWork(data)
}

// idsIn reads the ids of one state of a queue within tx
func (q *Queuing) idsIn(tx kv.Tx, queueID string, state State) ([]string, error) {
	switch state {
	case StateScheduled:
		return tx.LRange(q.scheduledKey(queueID))
	case StateSuspended:
		return tx.LRange(q.suspendedKey(queueID))
	case StateRunning:
		return tx.SMembers(q.runningKey(queueID))
	case StateCompleted:
		return tx.SMembers(q.completedKey(queueID))
	case "":
		scheduled, err := tx.LRange(q.scheduledKey(queueID))
		if err != nil {
			return nil, err
		}
		running, err := tx.SMembers(q.runningKey(queueID))
		if err != nil {
			return nil, err
		}
		return dedup(append(scheduled, running...)), nil
	}
	return nil, fmt.Errorf("%w: cannot list %s work", storeerr.ErrInvalidArgument, state)
}

func (q *Queuing) keysOf(queueID string, state State) []string {
	switch state {
	case StateScheduled:
		return []string{q.scheduledKey(queueID)}
	case StateSuspended:
		return []string{q.suspendedKey(queueID)}
	case StateRunning:
		return []string{q.runningKey(queueID)}
	case StateCompleted:
		return []string{q.completedKey(queueID)}
	}
	return []string{q.scheduledKey(queueID), q.runningKey(queueID)}
}

// ListWorkIds returns the ids of the work of queueID in state. The empty
// state lists scheduled then running ids, read from one snapshot.
func (q *Queuing) ListWorkIds(ctx context.Context, queueID string, state State) ([]string, error) {
	var ids []string
	err := q.store.View(ctx, q.keysOf(queueID, state), func(tx kv.Tx) error {
		var err error
		ids, err = q.idsIn(tx, queueID, state)
		return err
	})
	if err != nil {
		return nil, storeerr.WithContext(err, "list work ids", queueID)
	}
	return ids, nil
}

// ListWork returns the work of queueID in state
func (q *Queuing) ListWork(ctx context.Context, queueID string, state State) ([]*Work, error) {
	var works []*Work
	err := q.store.View(ctx, q.keysOf(queueID, state), func(tx kv.Tx) error {
		works = nil
		ids, err := q.idsIn(tx, queueID, state)
		if err != nil {
			return err
		}
		for _, id := range ids {
			w, err := q.load(tx, id)
			if err != nil {
				return err
			}
			if w != nil {
				works = append(works, w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeerr.WithContext(err, "list work", queueID)
	}
	return works, nil
}

// GetQueueSize returns the number of work instances of queueID in state
func (q *Queuing) GetQueueSize(ctx context.Context, queueID string, state State) (int64, error) {
	var n int64
	err := q.store.View(ctx, nil, func(tx kv.Tx) error {
		var err error
		switch state {
		case StateScheduled:
			n, err = tx.LLen(q.scheduledKey(queueID))
		case StateSuspended:
			n, err = tx.LLen(q.suspendedKey(queueID))
		case StateRunning:
			n, err = tx.SCard(q.runningKey(queueID))
		case StateCompleted:
			n, err = tx.SCard(q.completedKey(queueID))
		default:
			err = fmt.Errorf("%w: no queue size for %q", storeerr.ErrInvalidArgument, state)
		}
		return err
	})
	return n, storeerr.WithContext(err, "get queue size", queueID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
