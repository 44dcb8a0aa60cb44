package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"go.uber.org/zap"
)

const (
	PokeEvent             = "poke"
	defaultPokeBufferSize = 16
)

// PokeMessage is delivered to every poke stream after a successful push.
type PokeMessage struct {
	UserID    string
	ClientID  string
	Applied   int
	Timestamp time.Time
}

// PokeHub fans pokes out to every connected stream. Slow subscribers drop
// pokes rather than block the pusher; a dropped poke only delays a pull.
type PokeHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*pokeSubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type pokeSubscriber struct {
	id     int64
	userID string
	stream chan PokeMessage
}

func NewPokeHub(bufferSize int, logger *zap.Logger) *PokeHub {
	if bufferSize <= 0 {
		bufferSize = defaultPokeBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PokeHub{
		subscribers: make(map[int64]*pokeSubscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a stream until ctx is done or the returned cleanup runs.
func (h *PokeHub) Subscribe(ctx context.Context, userID string) (<-chan PokeMessage, func()) {
	subscriber := &pokeSubscriber{
		userID: userID,
		stream: make(chan PokeMessage, h.bufferSize),
	}
	h.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber without blocking.
func (h *PokeHub) Publish(message PokeMessage) {
	h.mu.RLock()
	copies := make([]*pokeSubscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
			h.logger.Warn("poke dropped for slow subscriber",
				zap.Int64("subscriber_id", subscriber.id),
				zap.String("user_id", subscriber.userID))
		}
	}
}

// Notify implements syncserver.Notifier.
func (h *PokeHub) Notify(_ context.Context, poke syncserver.Poke) {
	h.Publish(PokeMessage{
		UserID:    poke.UserID,
		ClientID:  poke.ClientID,
		Applied:   poke.Applied,
		Timestamp: poke.Timestamp,
	})
}

// Subscribers reports the number of connected streams.
func (h *PokeHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *PokeHub) register(subscriber *pokeSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	subscriber.id = h.nextID
	h.subscribers[subscriber.id] = subscriber
}

func (h *PokeHub) unregister(subscriberID int64) {
	h.mu.Lock()
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
}
