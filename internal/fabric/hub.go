// Package fabric implements the live push fan-out: a hub of WebSocket
// spokes subscribed to per-target topics, with an optional Redis bus so an
// update published on one pod reaches spokes connected to every pod.
package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// Topic families carried by the hub.
const (
	TopicMonitorUpdate    = "monitor:update"
	TopicIncidentOpened   = "incident:opened"
	TopicIncidentResolved = "incident:resolved"
)

// Envelope is the wire form of one push delivery.
type Envelope struct {
	Topic  string           `json:"topic"`
	Update *core.PushUpdate `json:"update"`
	SentAt time.Time        `json:"sent_at"`
}

// SplitTopic separates "family/targetId". The second value is empty for
// malformed topics.
func SplitTopic(topic string) (family, targetID string) {
	i := strings.LastIndex(topic, "/")
	if i < 0 {
		return topic, ""
	}
	return topic[:i], topic[i+1:]
}

// Hub tracks spokes and their topic subscriptions. Delivery is always
// non-blocking: a spoke whose send buffer is full loses the message, and a
// spoke that keeps losing messages is disconnected.
type Hub struct {
	mu     sync.RWMutex
	spokes map[string]*Spoke            // spokeID
	topics map[string]map[string]*Spoke // topic → spokeID → spoke

	logger    *slog.Logger
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		spokes: make(map[string]*Spoke),
		topics: make(map[string]map[string]*Spoke),
		logger: slog.Default().With("component", "push-hub"),
	}
}

// Deliver fans one envelope out to every spoke subscribed to its topic.
func (h *Hub) Deliver(env *Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("envelope marshal failed", "topic", env.Topic, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*Spoke, 0, len(h.topics[env.Topic]))
	for _, s := range h.topics[env.Topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- payload:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			if s.overflows.Add(1) >= maxOverflows {
				h.logger.Warn("disconnecting slow consumer", "spoke_id", s.id, "topic", env.Topic)
				s.close()
			} else {
				h.logger.Warn("send buffer full, dropping update", "spoke_id", s.id, "topic", env.Topic)
			}
		}
	}
}

// Subscribe registers a spoke on a topic. The caller has already passed the
// ownership check for the topic's target.
func (h *Hub) Subscribe(s *Spoke, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.spokes[s.id]; !ok {
		return // already unregistered
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Spoke)
		h.topics[topic] = subs
	}
	subs[s.id] = s
	s.subscriptions[topic] = true
}

// Unsubscribe removes a spoke from one topic.
func (h *Hub) Unsubscribe(s *Spoke, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.subscriptions, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// SpokeCount reports connected spokes.
func (h *Hub) SpokeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.spokes)
}

// SubscriberCount reports spokes on one topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Stats returns delivered/dropped counters for the health surface.
func (h *Hub) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

// Close disconnects every spoke.
func (h *Hub) Close() {
	h.mu.RLock()
	spokes := make([]*Spoke, 0, len(h.spokes))
	for _, s := range h.spokes {
		spokes = append(spokes, s)
	}
	h.mu.RUnlock()
	for _, s := range spokes {
		s.close()
	}
}

func (h *Hub) register(s *Spoke) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spokes[s.id] = s
}

func (h *Hub) unregister(s *Spoke) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.spokes, s.id)
	for topic := range s.subscriptions {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// LocalBus is the in-process PushPublisher: it hands updates straight to
// the hub. Used when Redis is absent (single-pod deployments and tests).
type LocalBus struct {
	hub *Hub
}

// NewLocalBus wraps a hub as a PushPublisher.
func NewLocalBus(hub *Hub) *LocalBus { return &LocalBus{hub: hub} }

func (b *LocalBus) Publish(ctx context.Context, topic string, update *core.PushUpdate) error {
	b.hub.Deliver(&Envelope{Topic: topic, Update: update, SentAt: time.Now()})
	return nil
}

var _ core.PushPublisher = (*LocalBus)(nil)
