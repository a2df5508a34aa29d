// Package bus carries server-initiated broadcasts. Games receive a Publisher
// and never reach for sockets directly.
package bus

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	metricPublished = expvar.NewInt("bus_published_total")
	metricDropped   = expvar.NewInt("bus_dropped_total")
)

const LobbyTopic = "battles"

func UserTopic(userID string) string { return "user:" + userID }
func RoomTopic(roomID string) string { return "room:" + roomID }

type Event struct {
	Topic    string          `json:"topic"`
	Name     string          `json:"event"`
	ServerTS int64           `json:"server_ts"`
	Data     json.RawMessage `json:"data"`
	Origin   string          `json:"origin,omitempty"`
}

func NewEvent(topic, name string, data any) (Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: topic, Name: name, ServerTS: time.Now().UnixMilli(), Data: b}, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit is best-effort: a broadcast failure never fails the operation that
// produced it.
func Emit(ctx context.Context, p Publisher, topic, name string, data any) {
	if p == nil {
		return
	}
	ev, err := NewEvent(topic, name, data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("encode event failed")
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", name).Str("topic", topic).Msg("publish failed")
	}
}

// Hub fans events out to local subscribers. Slow subscribers lose events
// rather than stall publishers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{topics: map[string]map[*Subscription]struct{}{}, buffer: buffer}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	metricPublished.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			metricDropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer), topics: map[string]struct{}{}}
	for _, t := range topics {
		sub.Add(t)
	}
	return sub
}

type Subscription struct {
	hub    *Hub
	ch     chan Event
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Add(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.topics[topic] = struct{}{}
	s.hub.mu.Lock()
	set := s.hub.topics[topic]
	if set == nil {
		set = map[*Subscription]struct{}{}
		s.hub.topics[topic] = set
	}
	set[s] = struct{}{}
	s.hub.mu.Unlock()
}

func (s *Subscription) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
	s.hub.detach(topic, s)
}

// Close detaches from every topic and closes the channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for t := range s.topics {
		s.hub.detach(t, s)
	}
	s.topics = nil
	s.hub.mu.Lock()
	close(s.ch)
	s.hub.mu.Unlock()
}

func (h *Hub) detach(topic string, s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.topics[topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
}
