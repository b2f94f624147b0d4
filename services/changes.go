package services

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

// ChangeHub relays the store's change feed to change-stream subscribers.
// Bursts are throttled to one broadcast per minGap plus one trailing
// broadcast, and a slow subscriber only ever has one pending event.
type ChangeHub struct {
	feed       store.ChangeFeed
	clock      quartz.Clock
	logger     *utils.Logger
	metrics    *metrics.Metrics
	minGap     time.Duration
	retryDelay time.Duration

	mu       sync.Mutex
	subs     map[uint64]chan models.ChangeEvent
	nextID   uint64
	lastSent time.Time
	trailing *quartz.Timer
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChangeHub(feed store.ChangeFeed, clock quartz.Clock, m *metrics.Metrics, logger *utils.Logger, minGap time.Duration) *ChangeHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChangeHub{
		feed:       feed,
		clock:      clock,
		logger:     logger.With("component", "change-hub"),
		metrics:    m,
		minGap:     minGap,
		retryDelay: 5 * time.Second,
		subs:       make(map[uint64]chan models.ChangeEvent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins consuming the feed. A hub without a feed only relays Notify
// calls.
func (h *ChangeHub) Start() {
	if h.feed == nil {
		return
	}
	h.wg.Add(1)
	go h.listen()
}

// Stop ends the feed consumer and closes every subscriber channel.
func (h *ChangeHub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.trailing != nil {
		h.trailing.Stop()
		h.trailing = nil
	}
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
		h.metrics.ChangeSubscribers.Dec()
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and is
// safe to call more than once.
func (h *ChangeHub) Subscribe() (<-chan models.ChangeEvent, func()) {
	ch := make(chan models.ChangeEvent, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.metrics.ChangeSubscribers.Inc()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
			h.metrics.ChangeSubscribers.Dec()
		}
	}
}

// Notify records that presence data changed.
func (h *ChangeHub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.trailing != nil {
		return
	}

	now := h.clock.Now()
	elapsed := now.Sub(h.lastSent)
	if h.lastSent.IsZero() || elapsed >= h.minGap {
		h.broadcastLocked(now)
		return
	}

	h.trailing = h.clock.AfterFunc(h.minGap-elapsed, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.trailing = nil
		if !h.stopped {
			h.broadcastLocked(h.clock.Now())
		}
	}, "hub", "trailing")
}

func (h *ChangeHub) broadcastLocked(now time.Time) {
	h.lastSent = now
	ev := models.ChangeEvent{Type: models.ChangeEventPresenceChanged, Table: models.PresenceTable}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *ChangeHub) listen() {
	defer h.wg.Done()

	for {
		err := h.feed.Listen(h.ctx, h.Notify)
		if h.ctx.Err() != nil {
			return
		}
		h.logger.Error("Change feed stopped, resubscribing", "error", err, "retry_in", h.retryDelay)

		t := h.clock.NewTimer(h.retryDelay, "hub", "retry")
		select {
		case <-h.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
