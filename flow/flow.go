// flow/flow.go
package flow

import (
	"context"
	"fmt"
	"strings"

	"flow-router/session"
)

// EventKind distinguishes free text from structured button postbacks.
type EventKind string

const (
	KindText     EventKind = "text"
	KindPostback EventKind = "postback"
)

// InboundEvent is a normalized webhook event. Built per request from the
// raw Messenger payload and discarded after dispatch.
type InboundEvent struct {
	SenderID string
	Kind     EventKind
	Payload  string
	// EventID is the platform message id (or postback mid), used for
	// redelivery deduplication.
	EventID string
}

// Status reports how a handler left the conversation.
type Status int

const (
	// StatusAwaiting means the flow is mid-step and the session stays
	// active under it.
	StatusAwaiting Status = iota
	// StatusCompleted means the flow finished; the session returns to
	// neutral.
	StatusCompleted
	// StatusCancelled means the user backed out; the session is
	// cleared.
	StatusCancelled
)

// Outcome carries the session mutation a handler wants persisted. Step
// and Data are only consulted when Status is StatusAwaiting.
type Outcome struct {
	Status Status
	Step   int
	Data   map[string]string
}

// Handler is the capability each flow implements. Handle never touches
// the store directly: the entry point persists the outcome so that a
// failed handler leaves the session untouched and the user can retry.
type Handler interface {
	// CanHandle reports whether the flow will accept this event given
	// the session. For an active flow this is the "still mid-step"
	// check the arbitrator's anti-hijack rule depends on.
	CanHandle(ev InboundEvent, sess *session.Session) bool

	// Handle processes the event, emits any outbound messages, and
	// returns the resulting session mutation.
	Handle(ctx context.Context, ev InboundEvent, sess *session.Session) (Outcome, error)
}

// Descriptor is the static registration record for one flow. Trigger
// sets may overlap across flows; overlap is resolved at arbitration
// time, not registration time.
type Descriptor struct {
	Name string
	// TextTriggers match normalized inbound text by whole-word
	// containment. PostbackTriggers match postback codes by exact
	// value only.
	TextTriggers     []string
	PostbackTriggers []string
	// Priority ranks this flow when several match the same trigger
	// from a neutral session. Higher wins; ties go to the earliest
	// registered flow.
	Priority int
	Handler  Handler
}

// QuickReply is one tappable suggestion attached to an outbound message.
type QuickReply struct {
	Title   string
	Payload string
}

// Messenger is the outbound side flows talk to. Production wraps the
// Graph API send endpoint; tests inject a recorder.
type Messenger interface {
	SendText(ctx context.Context, recipientID, text string) error
	SendQuickReplies(ctx context.Context, recipientID, text string, replies []QuickReply) error
}

// Registry holds the fixed flow set, populated once at process start.
// Registration order is preserved: it is the documented tie-break when
// priorities collide.
type Registry struct {
	flows  []Descriptor
	byName map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("flow descriptor needs a name")
	}
	if d.Handler == nil {
		return fmt.Errorf("flow %q registered without a handler", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("flow %q already registered", d.Name)
	}
	r.byName[d.Name] = len(r.flows)
	r.flows = append(r.flows, d)
	return nil
}

// AllFlows returns descriptors in registration order.
func (r *Registry) AllFlows() []Descriptor {
	out := make([]Descriptor, len(r.flows))
	copy(out, r.flows)
	return out
}

// Lookup returns the descriptor for a flow name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.flows[idx], true
}

// Find returns every flow whose trigger set matches the event, in
// registration order. Text payloads match normalized whole words;
// postback codes match by exact value only.
func (r *Registry) Find(ev InboundEvent) []Descriptor {
	var matches []Descriptor
	for _, d := range r.flows {
		if d.Matches(ev) {
			matches = append(matches, d)
		}
	}
	return matches
}

// Matches reports whether this descriptor's trigger set covers the event.
func (d Descriptor) Matches(ev InboundEvent) bool {
	switch ev.Kind {
	case KindPostback:
		for _, code := range d.PostbackTriggers {
			if ev.Payload == code {
				return true
			}
		}
	case KindText:
		normalized := NormalizeText(ev.Payload)
		for _, trigger := range d.TextTriggers {
			if containsWord(normalized, NormalizeText(trigger)) {
				return true
			}
		}
	}
	return false
}

// NormalizeText lowercases and collapses whitespace so keyword matching
// is insensitive to casing and spacing. Diacritics are kept: Vietnamese
// keywords are registered in both accented and plain forms instead.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func containsWord(normalized, trigger string) bool {
	if trigger == "" {
		return false
	}
	if normalized == trigger {
		return true
	}
	for _, word := range strings.Fields(normalized) {
		if word == trigger {
			return true
		}
	}
	// Multi-word triggers match as a phrase
	return strings.Contains(" "+normalized+" ", " "+trigger+" ")
}
