package channel

import (
	"context"
	"sync"

	"cryptolink/logger"
	"cryptolink/models"
)

type QueueStats struct {
	Sent    int64
	Dropped int64
}

// Queue is a bounded FIFO of normalized messages. Producers never block:
// a full buffer drops the message and counts it.
type Queue struct {
	name string
	ch   chan models.Message

	stats      QueueStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
}

func NewQueue(name string, size int) *Queue {
	return &Queue{name: name, ch: make(chan models.Message, size)}
}

func (q *Queue) Name() string { return q.name }

// C is the consumer side of the queue.
func (q *Queue) C() <-chan models.Message { return q.ch }

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// TrySend enqueues msg without blocking. It reports false when the buffer is
// full or ctx is already done.
func (q *Queue) TrySend(ctx context.Context, msg models.Message) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case q.ch <- msg:
		q.statsMutex.Lock()
		q.stats.Sent++
		q.statsMutex.Unlock()
		return true
	default:
		q.statsMutex.Lock()
		q.stats.Dropped++
		q.statsMutex.Unlock()
		return false
	}
}

func (q *Queue) GetStats() QueueStats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}

// Close must only be called once every producer has stopped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Channels groups the output queues handed to downstream consumers.
type Channels struct {
	Trades    *Queue
	Diffs     *Queue
	Snapshots *Queue
	User      *Queue

	log *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Trades:    NewQueue("trades", bufferSize),
		Diffs:     NewQueue("diffs", bufferSize),
		Snapshots: NewQueue("snapshots", bufferSize),
		User:      NewQueue("user", bufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("output channels initialized")

	return c
}

// For returns the queue carrying messages of type t, or nil.
func (c *Channels) For(t models.MessageType) *Queue {
	switch t {
	case models.MessageTrade:
		return c.Trades
	case models.MessageDiff:
		return c.Diffs
	case models.MessageSnapshot:
		return c.Snapshots
	case models.MessageUserEvent:
		return c.User
	default:
		return nil
	}
}

// Send routes msg to the queue for its type.
func (c *Channels) Send(ctx context.Context, msg models.Message) bool {
	q := c.For(msg.Type)
	if q == nil {
		return false
	}
	return q.TrySend(ctx, msg)
}

func (c *Channels) Queues() []*Queue {
	return []*Queue{c.Trades, c.Diffs, c.Snapshots, c.User}
}

func (c *Channels) Close() {
	for _, q := range c.Queues() {
		q.Close()
	}
	c.log.WithComponent("channels").Info("output channels closed")
}
