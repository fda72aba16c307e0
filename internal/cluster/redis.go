package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docstore/internal/model"
)

// DefaultPrefix namespaces the invalidation channel
const DefaultPrefix = "docstore:"

// message is the wire payload on the invalidation channel
type message struct {
	Node     string        `json:"node"`
	Modified []model.RowID `json:"modified,omitempty"`
	Deleted  []model.RowID `json:"deleted,omitempty"`
}

// RedisOptions configures a RedisInvalidator
type RedisOptions struct {
	NodeID string
	Prefix string
	Delay  time.Duration
	Logger *logrus.Entry
}

// RedisInvalidator broadcasts invalidations over a Redis pub/sub channel
type RedisInvalidator struct {
	client  redis.UniversalClient
	pubsub  *redis.PubSub
	channel string
	node    string
	buf     *buffer
	log     *logrus.Entry

	wg   sync.WaitGroup
	once sync.Once
}

var _ Invalidator = (*RedisInvalidator)(nil)

// NewRedisInvalidator subscribes to the invalidation channel. It returns
// once the subscription is confirmed so no message sent afterwards is lost.
func NewRedisInvalidator(ctx context.Context, client redis.UniversalClient, opts RedisOptions) (*RedisInvalidator, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &RedisInvalidator{
		client:  client,
		channel: opts.Prefix + "invalidations",
		node:    opts.NodeID,
		buf:     newBuffer(opts.Delay),
		log:     opts.Logger.WithField("component", "cluster").WithField("node", opts.NodeID),
	}

	r.pubsub = client.Subscribe(ctx, r.channel)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.wg.Add(1)
	go r.listen()

	r.log.WithField("channel", r.channel).Info("cluster invalidations enabled")
	return r, nil
}

func (r *RedisInvalidator) listen() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		var m message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			r.log.WithError(err).Warn("ignoring malformed invalidation message")
			continue
		}
		if m.Node == r.node {
			continue
		}
		inv := NewInvalidations()
		for _, id := range m.Modified {
			inv.AddModified(id)
		}
		for _, id := range m.Deleted {
			inv.AddDeleted(id)
		}
		r.buf.add(inv)
		r.log.WithField("from", m.Node).WithField("rows", inv.Size()).Debug("invalidations received")
	}
}

func (r *RedisInvalidator) NodeID() string { return r.node }

func (r *RedisInvalidator) Send(ctx context.Context, inv *Invalidations) error {
	if inv.IsEmpty() {
		return nil
	}
	payload, err := json.Marshal(message{
		Node:     r.node,
		Modified: inv.ModifiedIDs(),
		Deleted:  inv.DeletedIDs(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode invalidations: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidations: %w", err)
	}
	r.log.WithField("rows", inv.Size()).Debug("invalidations sent")
	return nil
}

func (r *RedisInvalidator) Receive() *Invalidations { return r.buf.take() }

func (r *RedisInvalidator) ProcessNext() { r.buf.processNext() }

// Close unsubscribes and waits for the listener to stop
func (r *RedisInvalidator) Close() error {
	var err error
	r.once.Do(func() {
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}
