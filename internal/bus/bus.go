package bus

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority orders events on the bus; a lower value is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Topic classifies the origin of an event.
type Topic string

const (
	TopicUser    Topic = "user"
	TopicSystem  Topic = "system"
	TopicMission Topic = "mission"
	TopicTool    Topic = "tool"
	TopicTimer   Topic = "timer"
)

// Kind classifies the shape of an event's payload.
type Kind string

const (
	KindMessage       Kind = "MESSAGE"
	KindMissionTick   Kind = "MISSION_TICK"
	KindToolResult    Kind = "TOOL_RESULT"
	KindMissionUpdate Kind = "MISSION_UPDATE"
)

// Event is the immutable envelope flowing through the bus. Once published it
// must not be mutated by producers or consumers.
type Event struct {
	ID        string                 `json:"id"`
	Topic     Topic                  `json:"topic"`
	Kind      Kind                   `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Priority  Priority               `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrClosed is returned by Publish and Get after Close.
var ErrClosed = errors.New("event bus is closed")

// entry pairs an event with its publish sequence number so that equal
// priorities dequeue in FIFO order.
type entry struct {
	event Event
	seq   uint64
}

type priorityQueue []entry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].event.Priority != pq[j].event.Priority {
		return pq[i].event.Priority < pq[j].event.Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(entry)) }

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// EventBus is a bounded priority queue with FIFO tie-break. Publish blocks
// while the queue is at capacity, which is the runtime's one backpressure
// mechanism; Get blocks until an event is available. Close drops anything
// still queued and unblocks all waiters.
type EventBus struct {
	logger   *zap.Logger
	capacity int

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	queue    priorityQueue
	nextSeq  uint64
	closed   bool
}

// DefaultCapacity bounds the queue when the configured capacity is not positive.
const DefaultCapacity = 1000

// New creates an EventBus with the given capacity.
func New(logger *zap.Logger, capacity int) *EventBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &EventBus{
		logger:   logger.Named("bus"),
		capacity: capacity,
		queue:    make(priorityQueue, 0, capacity),
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues an event, blocking while the queue is full. The context
// bounds the wait. Missing id and timestamp fields are filled in.
func (b *EventBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Wake this waiter when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.queue.Len() < b.capacity {
			break
		}
		b.notFull.Wait()
	}

	heap.Push(&b.queue, entry{event: ev, seq: b.nextSeq})
	b.nextSeq++
	b.notEmpty.Signal()

	b.logger.Debug("Event published",
		zap.String("event_id", ev.ID),
		zap.String("topic", string(ev.Topic)),
		zap.String("kind", string(ev.Kind)),
		zap.Int("priority", int(ev.Priority)),
		zap.Int("depth", b.queue.Len()))
	return nil
}

// Get blocks until an event is available and returns the most urgent one,
// breaking priority ties by publish order.
func (b *EventBus) Get(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.queue.Len() > 0 {
			break
		}
		if b.closed {
			return Event{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		b.notEmpty.Wait()
	}

	item := heap.Pop(&b.queue).(entry)
	b.notFull.Signal()
	return item.event, nil
}

// Len reports the current queue depth.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// Close shuts the bus down. Queued but undelivered events are dropped; memory
// persistence happens per handled event, so nothing durable is lost. Safe to
// call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if n := b.queue.Len(); n > 0 {
		b.logger.Info("Dropping undelivered events on shutdown", zap.Int("count", n))
	}
	b.queue = b.queue[:0]
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}
