package models

import "time"

// MessageType categorizes a message for routing.
type MessageType string

const (
	MessageTypeTask     MessageType = "task"
	MessageTypeFinding  MessageType = "finding"
	MessageTypeArtifact MessageType = "artifact"
	MessageTypeReview   MessageType = "review"
	MessageTypeDesign   MessageType = "design"
	MessageTypeStatus   MessageType = "status"
	MessageTypeQuestion MessageType = "question"
	MessageTypeResult   MessageType = "result"
	MessageTypeFeedback MessageType = "feedback"
)

// MessageTypes lists every valid message category.
var MessageTypes = []MessageType{
	MessageTypeTask, MessageTypeFinding, MessageTypeArtifact,
	MessageTypeReview, MessageTypeDesign, MessageTypeStatus,
	MessageTypeQuestion, MessageTypeResult, MessageTypeFeedback,
}

// IsValidMessageType reports whether t is a known category.
func IsValidMessageType(t MessageType) bool {
	for _, v := range MessageTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Priority orders message delivery. Critical > high > normal > low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns a numeric ordering for the priority; higher is more urgent.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p Priority) bool {
	return p.Rank() > 0
}

// MessageContent carries the payload of a message. Metadata is a free-form
// map with well-known lookups ("verdict", "status") used by the workflow
// engine; it is validated on read, never on write of our own output.
type MessageContent struct {
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Attachments []string       `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Message is an immutable record exchanged through the file queues.
// Timestamps use the fixed-width UTC millisecond form so that lexicographic
// order equals chronological order.
type Message struct {
	ID               string         `json:"id"`
	Timestamp        string         `json:"timestamp"`
	From             Role           `json:"from"`
	To               string         `json:"to"` // role name or "broadcast"
	Type             MessageType    `json:"type"`
	Priority         Priority       `json:"priority"`
	Content          MessageContent `json:"content"`
	ThreadID         string         `json:"threadId,omitempty"`
	RequiresResponse bool           `json:"requiresResponse"`
	Deadline         string         `json:"deadline,omitempty"`
}

// TimestampFormat is the fixed-width wire form for message timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// NowTimestamp returns the current UTC time in wire form.
func NowTimestamp() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// FormatTimestamp renders t in wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Verdict returns the review verdict recorded in content metadata, if any.
func (m *Message) Verdict() (string, bool) {
	if m.Content.Metadata == nil {
		return "", false
	}
	v, ok := m.Content.Metadata["verdict"].(string)
	return v, ok
}

// Counts returns the numeric counters recorded under the "counts" metadata
// key. JSON decoding yields float64 values; in-process senders may use ints.
// Non-numeric entries are dropped. Returns nil when no counters are present.
func (m *Message) Counts() map[string]int {
	if m.Content.Metadata == nil {
		return nil
	}
	raw, ok := m.Content.Metadata["counts"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = int(n)
		case int:
			out[k] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate reports whether the message satisfies the wire schema: non-empty
// id, timestamp, from and to, known type and priority, and content with
// subject and body strings. Optional fields are not checked.
func (m *Message) Validate() bool {
	if m.ID == "" || m.Timestamp == "" || m.From == "" || m.To == "" {
		return false
	}
	if !IsValidMessageType(m.Type) {
		return false
	}
	if !IsValidPriority(m.Priority) {
		return false
	}
	return true
}

// Before reports whether m orders before other: emit-timestamp order with
// an id-lexicographic tie-break for identical timestamps.
func (m *Message) Before(other *Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}
