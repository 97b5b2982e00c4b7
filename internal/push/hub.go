// Package push fans newly queued emails out to connected clients.
package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailqueue/contracts/db"
	"mailqueue/pkg/metrics"
)

// Config controls per-subscriber buffering.
type Config struct {
	BufferSize int `yaml:"buffer_size"`
	// MaxDrops is the number of consecutive dropped messages after which a
	// subscriber is evicted.
	MaxDrops     int           `yaml:"max_drops"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Subscriber is one connected client.
type Subscriber struct {
	user  string
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	drops int
}

// Messages yields encoded messages to write to the client.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Done is closed when the hub evicts or removes the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) User() string { return s.user }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) wants(item db.QueueItem) bool {
	return s.user == "" || s.user == item.User
}

// Hub holds the subscribers of one gateway instance. Broadcasting never
// blocks on a slow subscriber.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.MaxDrops <= 0 {
		cfg.MaxDrops = 8
	}
	return &Hub{cfg: cfg, logger: logger, subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a client. An empty user receives every new email.
func (h *Hub) Subscribe(user string) *Subscriber {
	s := &Subscriber{
		user: user,
		send: make(chan []byte, h.cfg.BufferSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.PushSubscribers.Set(float64(n))
	return s
}

// Unsubscribe removes s; it is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	s.close()
	metrics.PushSubscribers.Set(float64(n))
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// NotifyNewEmail pushes item to this instance's subscribers.
func (h *Hub) NotifyNewEmail(_ context.Context, item db.QueueItem) {
	h.Publish(item)
}

// Publish encodes item as a newEmail message and broadcasts it to every
// subscriber interested in the item's user.
func (h *Hub) Publish(item db.QueueItem) {
	data, err := json.Marshal(NewEmailMessage{Type: TypeNewEmail, Email: item})
	if err != nil {
		h.logger.Error("encode push message", zap.String("email_id", item.EmailID), zap.Error(err))
		return
	}
	h.broadcast(data, func(s *Subscriber) bool { return s.wants(item) })
}

func (h *Hub) broadcast(data []byte, match func(*Subscriber) bool) {
	var evicted []*Subscriber

	h.mu.Lock()
	for s := range h.subs {
		if match != nil && !match(s) {
			continue
		}
		select {
		case s.send <- data:
			s.drops = 0
		default:
			s.drops++
			metrics.IncrementPushDropped("buffer_full")
			if s.drops >= h.cfg.MaxDrops {
				delete(h.subs, s)
				evicted = append(evicted, s)
			}
		}
	}
	n := len(h.subs)
	h.mu.Unlock()

	for _, s := range evicted {
		s.close()
		metrics.IncrementPushDropped("evicted")
		h.logger.Warn("evicted slow push subscriber", zap.String("user", s.user))
	}
	if len(evicted) > 0 {
		metrics.PushSubscribers.Set(float64(n))
	}
}
