package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/infrastructure/monitoring"
)

// CloseReason is attached to every closed subscription.
type CloseReason string

const (
	CloseUnsubscribed            CloseReason = "unsubscribed"
	CloseServerShutdown          CloseReason = "server_shutdown"
	CloseOrchestratorUnavailable CloseReason = "orchestrator_unavailable"
)

// ErrHubClosed is returned by Subscribe after Shutdown.
var ErrHubClosed = errors.New("live feed closed")

// Subscription is one live feed consumer.
type Subscription struct {
	id       uint64
	snapshot []Event
	ch       chan Event
	done     chan struct{}
	reason   CloseReason
	dropped  atomic.Uint64
}

// Snapshot returns the backlog captured at subscribe time. Live events in
// Events() follow it without gaps or duplicates.
func (s *Subscription) Snapshot() []Event { return s.snapshot }

// Events delivers live events. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason returns why the subscription closed. Valid after Done is closed.
func (s *Subscription) Reason() CloseReason { return s.reason }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// HubOptions configures a Hub.
type HubOptions struct {
	Backlog int
	Buffer  int
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// HubStats summarizes the live feed.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
	Backlog     int    `json:"backlog"`
}

// Hub fans events out to live subscribers. Delivery is best effort: a full
// subscriber buffer drops the event for that subscriber only.
type Hub struct {
	bufSize int
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	ring     []Event
	head     int
	size     int
	dropped  uint64
	shutdown bool
}

// NewHub creates a hub with a ring-buffer backlog.
func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Backlog < 0 {
		opts.Backlog = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		bufSize: opts.Buffer,
		log:     opts.Logger,
		metrics: opts.Metrics,
		subs:    make(map[uint64]*Subscription),
		ring:    make([]Event, opts.Backlog),
	}
}

// Seed replaces the backlog, typically with the audit log tail at boot.
func (h *Hub) Seed(events []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head, h.size = 0, 0
	for _, e := range events {
		h.pushLocked(e)
	}
}

// Subscribe registers a consumer and returns it with the current backlog.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return nil, ErrHubClosed
	}
	h.nextID++
	sub := &Subscription{
		id:       h.nextID,
		snapshot: h.backlogLocked(),
		ch:       make(chan Event, h.bufSize),
		done:     make(chan struct{}),
	}
	h.subs[sub.id] = sub
	h.metrics.SetSubscribers(len(h.subs))
	return sub, nil
}

// Unsubscribe closes sub with reason. Closing twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription, reason CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(sub, reason)
}

// Broadcast records e in the backlog and offers it to every subscriber.
func (h *Hub) Broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pushLocked(e)

	dropped := 0
	for _, sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped += uint64(dropped)
		h.metrics.RecordBroadcastDropped(dropped)
	}
}

// CloseAll ends every current subscription with reason. New subscriptions
// are still accepted.
func (h *Hub) CloseAll(reason CloseReason) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.subs)
	for _, sub := range h.subs {
		h.closeLocked(sub, reason)
	}
	if n > 0 {
		h.log.Info("live feed subscriptions closed", zap.Int("count", n), zap.String("reason", string(reason)))
	}
	return n
}

// Shutdown closes every subscription and refuses new ones.
func (h *Hub) Shutdown(reason CloseReason) {
	h.CloseAll(reason)
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
}

// Stats returns subscriber and drop counts.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Subscribers: len(h.subs), Dropped: h.dropped, Backlog: h.size}
}

func (h *Hub) closeLocked(sub *Subscription, reason CloseReason) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	sub.reason = reason
	close(sub.ch)
	close(sub.done)
	h.metrics.SetSubscribers(len(h.subs))
}

func (h *Hub) pushLocked(e Event) {
	if len(h.ring) == 0 {
		return
	}
	idx := (h.head + h.size) % len(h.ring)
	h.ring[idx] = e
	if h.size < len(h.ring) {
		h.size++
	} else {
		h.head = (h.head + 1) % len(h.ring)
	}
}

func (h *Hub) backlogLocked() []Event {
	out := make([]Event, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.ring[(h.head+i)%len(h.ring)]
	}
	return out
}
