// Package fanout relays account events to every live channel of a user.
// Delivery is best effort: each channel has a bounded mailbox drained by
// its own writer, there is no replay, and a channel that falls behind or
// fails a send is dropped.
package fanout

import (
	"context"
	"sync"
	"time"

	"TradeLedger/internal/event"
	"TradeLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is one live connection for one user.
type Channel interface {
	Send(evt event.AccountEvent) error
	Close() error
}

// Sink receives every event for every user, e.g. an outbound stream.
// Sink errors are logged and never prune the sink.
type Sink interface {
	Publish(ctx context.Context, evt event.AccountEvent) error
}

// DefaultMailbox is the per-subscription queue size used when none is given.
const DefaultMailbox = 256

// subscriber owns one channel. A dedicated goroutine drains the mailbox
// into the channel so a slow connection never holds the user's lock.
type subscriber struct {
	ch      Channel
	mailbox chan event.AccountEvent
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

type userState struct {
	mu    sync.Mutex
	seq   uint64
	chans map[uint64]*subscriber
}

// Hub maps userID to the set of that user's live channels.
type Hub struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*userState
	nextID  uint64
	live    int
	mailbox int

	sinks   []Sink
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewHub builds a hub whose subscriptions queue up to mailbox events each.
// A non-positive mailbox selects DefaultMailbox.
func NewHub(logger zerolog.Logger, metrics *observability.Metrics, mailbox int, sinks ...Sink) *Hub {
	if mailbox <= 0 {
		mailbox = DefaultMailbox
	}
	return &Hub{
		users:   make(map[uuid.UUID]*userState),
		mailbox: mailbox,
		sinks:   sinks,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscription identifies one registered channel.
type Subscription struct {
	hub    *Hub
	userID uuid.UUID
	id     uint64
}

// Cancel removes the channel and closes it once its writer exits. Safe to
// call more than once.
func (s Subscription) Cancel() {
	s.hub.remove(s.userID, s.id)
}

// Subscribe registers ch for userID and starts its writer.
func (h *Hub) Subscribe(userID uuid.UUID, ch Channel) Subscription {
	u := h.user(userID)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	sub := &subscriber{
		ch:      ch,
		mailbox: make(chan event.AccountEvent, h.mailbox),
		done:    make(chan struct{}),
	}
	u.mu.Lock()
	u.chans[id] = sub
	u.mu.Unlock()
	h.adjustLive(1)

	go h.write(userID, id, sub)
	return Subscription{hub: h, userID: userID, id: id}
}

// write forwards queued events to the channel until the subscription is
// removed or a send fails.
func (h *Hub) write(userID uuid.UUID, id uint64, sub *subscriber) {
	defer sub.ch.Close()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.mailbox:
			if err := sub.ch.Send(evt); err != nil {
				h.logger.Debug().Err(err).Str("user_id", userID.String()).Uint64("sub", id).Msg("pruning channel")
				h.prune(userID, id)
				return
			}
		}
	}
}

// Publish assigns the user's next sequence number and queues the event for
// every live channel of the user. It never waits on a channel: a
// subscription whose mailbox is full is pruned. Events of one user are
// delivered in sequence order.
func (h *Hub) Publish(ctx context.Context, userID uuid.UUID, kind event.Kind, payload interface{}) uint64 {
	u := h.user(userID)

	u.mu.Lock()
	u.seq++
	evt := event.AccountEvent{
		UserID:   userID,
		Kind:     kind,
		Sequence: u.seq,
		At:       h.now(),
		Payload:  payload,
	}
	var full []*subscriber
	for id, sub := range u.chans {
		select {
		case sub.mailbox <- evt:
		default:
			h.logger.Debug().Str("user_id", userID.String()).Uint64("sub", id).Msg("mailbox full, pruning channel")
			delete(u.chans, id)
			full = append(full, sub)
		}
	}
	u.mu.Unlock()

	for _, sub := range full {
		sub.stop()
	}
	if len(full) > 0 {
		h.adjustLive(-len(full))
		if h.metrics != nil {
			h.metrics.FanoutPruned.Add(float64(len(full)))
		}
	}
	if h.metrics != nil {
		h.metrics.FanoutPublished.WithLabelValues(string(kind)).Inc()
	}

	for _, s := range h.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			h.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("sink publish failed")
		}
	}
	return evt.Sequence
}

// Live returns the number of live channels for userID.
func (h *Hub) Live(userID uuid.UUID) int {
	h.mu.Lock()
	u, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.chans)
}

func (h *Hub) user(userID uuid.UUID) *userState {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[userID]
	if !ok {
		u = &userState{chans: make(map[uint64]*subscriber)}
		h.users[userID] = u
	}
	return u
}

func (h *Hub) remove(userID uuid.UUID, id uint64) bool {
	h.mu.Lock()
	u, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	u.mu.Lock()
	sub, ok := u.chans[id]
	delete(u.chans, id)
	u.mu.Unlock()

	if !ok {
		return false
	}
	sub.stop()
	h.adjustLive(-1)
	return true
}

func (h *Hub) prune(userID uuid.UUID, id uint64) {
	if h.remove(userID, id) && h.metrics != nil {
		h.metrics.FanoutPruned.Inc()
	}
}

func (h *Hub) adjustLive(delta int) {
	h.mu.Lock()
	h.live += delta
	live := h.live
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.FanoutSubscribers.Set(float64(live))
	}
}
