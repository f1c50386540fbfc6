// Package push is the Push Channel component: per-challenge fan-out of
// engine events to subscribed clients, with bounded buffers and a
// drop-oldest-non-terminal backpressure policy.
package push

import (
	"context"
	"sync"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/phase"
	"trading-core/internal/risk"
)

// Message is one event framed for delivery to a subscriber.
type Message struct {
	Kind      events.Event
	Payload   any
	Timestamp time.Time
}

const (
	fullDisconnectAfter = 30 * time.Second
	defaultBufferSize   = 64
)

var routedEvents = []events.Event{
	events.EventBalanceUpdate,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventPhaseTransition,
	events.EventChallengeFailed,
	events.EventRiskAlert,
	events.EventPayoutStatusChanged,
}

// Hub routes bus events to per-challenge subscriber buffers.
type Hub struct {
	bus        *events.Bus
	bufferSize int

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

// NewHub builds a Hub and starts draining the event bus into per-challenge
// buffers. Cancel ctx to stop.
func NewHub(ctx context.Context, bus *events.Bus, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	h := &Hub{bus: bus, bufferSize: bufferSize, subs: make(map[string]map[*subscription]struct{})}
	for _, kind := range routedEvents {
		ch, _ := bus.Subscribe(kind, 256)
		go h.drain(ctx, kind, ch)
	}
	return h
}

func (h *Hub) drain(ctx context.Context, kind events.Event, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			challengeID, ok := challengeIDOf(payload)
			if !ok {
				continue
			}
			h.route(challengeID, Message{Kind: kind, Payload: payload, Timestamp: time.Now().UTC()})
		}
	}
}

// challengeIDOf extracts the owning challenge from a routed event's payload.
func challengeIDOf(payload any) (string, bool) {
	switch v := payload.(type) {
	case risk.BalanceUpdate:
		return v.ChallengeID, true
	case domain.Position:
		return v.ChallengeID, true
	case phase.Transition:
		return v.ChallengeID, true
	case domain.PayoutRequest:
		return v.ChallengeID, true
	default:
		return "", false
	}
}

func (h *Hub) route(challengeID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[challengeID] {
		sub.deliver(msg)
	}
}

// subscription is one client's bounded mailbox for a challenge.
type subscription struct {
	challengeID string

	mu          sync.Mutex
	buf         []Message
	max         int
	fullSince   time.Time
	hasFullSince bool
	notify      chan struct{}
}

// Subscribe opens a bounded mailbox for a challenge and returns it plus an
// unsubscribe func. The caller must own the challenge or hold an admin
// role — that check happens in the API layer before calling Subscribe.
func (h *Hub) Subscribe(challengeID string) (*Subscription, func()) {
	sub := &subscription{challengeID: challengeID, max: h.bufferSize, notify: make(chan struct{}, 1)}

	h.mu.Lock()
	if h.subs[challengeID] == nil {
		h.subs[challengeID] = make(map[*subscription]struct{})
	}
	h.subs[challengeID][sub] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		delete(h.subs[challengeID], sub)
		if len(h.subs[challengeID]) == 0 {
			delete(h.subs, challengeID)
		}
		h.mu.Unlock()
	}
	return &Subscription{sub: sub}, unsub
}

func (s *subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) >= s.max {
		if idx := firstDroppable(s.buf); idx >= 0 {
			s.buf = append(s.buf[:idx], s.buf[idx+1:]...)
		} else if !msg.Kind.Terminal() {
			// Every buffered event is terminal and the buffer is full; a
			// non-terminal event is safe to discard outright.
			return
		}
		// All buffered events are terminal and msg is terminal too: grow
		// rather than drop, since terminal events must never be dropped.
	}
	s.buf = append(s.buf, msg)

	if len(s.buf) >= s.max {
		if !s.hasFullSince {
			s.fullSince = time.Now()
			s.hasFullSince = true
		}
	} else {
		s.hasFullSince = false
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// firstDroppable returns the index of the first non-terminal (droppable)
// buffered message, or -1 if every message is terminal.
func firstDroppable(buf []Message) int {
	for i, m := range buf {
		if !m.Kind.Terminal() {
			return i
		}
	}
	return -1
}

// Subscription is the client-facing handle for a Hub subscription.
type Subscription struct {
	sub *subscription
}

// Drain pops every buffered message, oldest first.
func (s *Subscription) Drain() []Message {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	out := s.sub.buf
	s.sub.buf = nil
	s.sub.hasFullSince = false
	return out
}

// Notify returns a channel that receives a signal whenever a new message
// is buffered, for a caller running its own event loop (e.g. a websocket
// write pump).
func (s *Subscription) Notify() <-chan struct{} {
	return s.sub.notify
}

// StaleFor reports how long the mailbox has been continuously full, and
// whether it has exceeded the 30s disconnect threshold.
func (s *Subscription) StaleFor() (time.Duration, bool) {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	if !s.sub.hasFullSince {
		return 0, false
	}
	d := time.Since(s.sub.fullSince)
	return d, d > fullDisconnectAfter
}
