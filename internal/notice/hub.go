// Package notice broadcasts user-visible messages about throttling decisions.
package notice

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHistory = 64
	queueSize      = 16
)

// Notice is one broadcast message.
type Notice struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Hub keeps the most recent notices and fans new ones out to subscribers.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	seq         uint64
	recent      []Notice
	limit       int
	subscribers map[*subscriber]struct{}
}

// NewHub builds a hub retaining up to history notices (64 when history <= 0).
func NewHub(history int, logger *slog.Logger) *Hub {
	if history <= 0 {
		history = defaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "notice_hub"),
		now:         time.Now,
		limit:       history,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Broadcast records text and delivers it to every subscriber.
func (h *Hub) Broadcast(text string) {
	h.mu.Lock()
	h.seq++
	n := Notice{Seq: h.seq, Time: h.now().UTC(), Text: text}
	h.recent = append(h.recent, n)
	if over := len(h.recent) - h.limit; over > 0 {
		h.recent = append(h.recent[:0:0], h.recent[over:]...)
	}

	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	h.logger.Debug("notice broadcast", "seq", n.Seq, "text", text, "subscribers", len(targets))
	for _, sub := range targets {
		sub.send(n)
	}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	sub := newSubscriber()

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub)
			h.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsubscribe
}

// Subscribers returns the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Recent returns up to n of the latest notices, oldest first. n <= 0 returns all.
func (h *Hub) Recent(n int) []Notice {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if n > 0 && n < len(h.recent) {
		start = len(h.recent) - n
	}
	out := make([]Notice, len(h.recent)-start)
	copy(out, h.recent[start:])
	return out
}

// Count returns the number of notices broadcast since creation.
func (h *Hub) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

type subscriber struct {
	ch     chan Notice
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Notice, queueSize)}
}

func (s *subscriber) send(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
		return
	default:
		// Drop oldest to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- n:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
