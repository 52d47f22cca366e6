// Package events provides the in-process event surface the CLI and status
// API subscribe to. Delivery is best-effort and non-blocking: a subscriber
// that falls behind drops events rather than stalling the monitor loop.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// Event types emitted by the orchestrator.
const (
	TypeSessionStarted   = "session_started"
	TypeAgentSpawned     = "agent_spawned"
	TypeAgentReady       = "agent_ready"
	TypeAgentWorking     = "agent_working"
	TypeAgentComplete    = "agent_complete"
	TypeAgentError       = "agent_error"
	TypeMessageRouted    = "message_routed"
	TypeStageTransition  = "stage_transition"
	TypeWorkflowComplete = "workflow_complete"
	TypeSessionEnded     = "session_ended"
)

// Event is one tagged occurrence.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Role      models.Role    `json:"role,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer bounds each subscriber channel.
const subscriberBuffer = 64

// Publisher fans events out to subscribers.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or publisher
// shutdown.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (p *Publisher) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for id, ch := range p.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("Dropping event for slow subscriber",
				"subscriber", id, "type", evt.Type)
		}
	}
}

// Close shuts the publisher down and closes all subscriber channels.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
