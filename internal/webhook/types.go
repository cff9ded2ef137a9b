// Package webhook notifies external endpoints about admin changes to rules,
// categories and content. Payloads are signed with HMAC-SHA256.
package webhook

import (
	"strings"
	"time"
)

// Event types that can trigger webhooks, "<resource>.<action>".
const (
	EventRuleCreated     = "rule.created"
	EventRuleUpdated     = "rule.updated"
	EventRuleDeleted     = "rule.deleted"
	EventRuleCloned      = "rule.cloned"
	EventCategoryCreated = "category.created"
	EventContentUpdated  = "content.updated"
	EventContentDeleted  = "content.deleted"
)

// Event is the JSON payload POSTed to an endpoint.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Resource  Resource  `json:"resource"`
	Data      EventData `json:"data"`
	Metadata  Metadata  `json:"metadata"`
}

// Resource identifies the resource that triggered the event
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EventData contains the before/after state and changes
type EventData struct {
	Before  map[string]any `json:"before,omitempty"`
	After   map[string]any `json:"after,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// Metadata contains additional context about the event
type Metadata struct {
	RequestID string `json:"requestId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Endpoint is one subscribed receiver.
type Endpoint struct {
	URL    string
	Secret string
	// Events filters by event type; "rule.*" matches every rule event.
	// Empty receives everything.
	Events     []string
	MaxRetries int
	Timeout    time.Duration
}

func (e Endpoint) matches(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == eventType || want == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(want, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}
