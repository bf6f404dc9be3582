// flow/arbitrator.go
package flow

import (
	"log"
	"sort"

	"flow-router/session"
)

// Reason explains why the arbitrator chose a flow. Logged with every
// dispatch so routing decisions are auditable.
type Reason string

const (
	// ReasonActiveFlow: an in-progress flow always wins over new
	// trigger matches. This is the anti-hijacking rule: typing a
	// marketplace keyword mid-registration must not silently abandon
	// registration.
	ReasonActiveFlow Reason = "active_flow"
	// ReasonTrigger: exactly one flow matched from a neutral session.
	ReasonTrigger Reason = "trigger"
	// ReasonPriority: several flows matched; the highest priority won,
	// ties broken by registration order.
	ReasonPriority Reason = "priority"
	// ReasonFallback: nothing matched (or the payload was empty), so
	// the default flow handles it.
	ReasonFallback Reason = "fallback"
	// ReasonCancel: the user explicitly cancelled; no flow dispatches,
	// the session is cleared bypassing the preservation rule.
	ReasonCancel Reason = "cancel"
)

// Decision is the arbitrator's output: which single flow handles the
// event, and whether dispatching it supersedes a previous flow.
type Decision struct {
	Flow   Descriptor
	Reason Reason

	// Cancel is set for explicit user cancellation. Flow is zero; the
	// caller clears the session and sends the confirmation reply.
	Cancel bool

	// Switched is set when the chosen flow differs from the session's
	// existing (terminal/idle) active flow. The store overwrites, not
	// merges.
	Switched bool
	// Abandoned names a previous mid-step flow that is being
	// superseded. Only ever set on the cancel path; rule 1 keeps
	// mid-step flows from being superseded implicitly.
	Abandoned string
}

// Arbitrator selects exactly one flow per inbound event. The decision
// order is fixed and documented: silent nondeterminism here is the class
// of bug this subsystem exists to prevent.
type Arbitrator struct {
	registry *Registry
	fallback string
	// cancelWords are exact normalized text payloads (and postback
	// codes) that abort the active flow regardless of its state.
	cancelWords map[string]bool
}

func NewArbitrator(registry *Registry, fallbackFlow string, cancelWords []string) *Arbitrator {
	words := make(map[string]bool, len(cancelWords))
	for _, w := range cancelWords {
		words[NormalizeText(w)] = true
	}
	return &Arbitrator{
		registry:    registry,
		fallback:    fallbackFlow,
		cancelWords: words,
	}
}

// Decide picks the flow for an inbound event given the current session
// (nil means neutral).
//
//  1. Empty/unparseable payload -> fallback.
//  2. Explicit cancel -> cancel decision (clears the session, bypassing
//     the preservation rule).
//  3. Active non-terminal flow that still accepts input -> that flow,
//     unconditionally.
//  4. Otherwise match triggers; zero matches -> fallback, one match ->
//     it, several -> highest priority, first-registered on ties.
func (a *Arbitrator) Decide(ev InboundEvent, sess *session.Session) Decision {
	if ev.Payload == "" {
		return a.fallbackDecision(sess)
	}

	if a.isCancel(ev) {
		d := Decision{Cancel: true, Reason: ReasonCancel}
		if session.ShouldPreserve(sess) {
			d.Abandoned = sess.ActiveFlow
			log.Printf("🛑 Explicit cancel: abandoning flow %s at step %d for %s", sess.ActiveFlow, sess.Step, ev.SenderID)
		}
		return d
	}

	if !sess.Neutral() {
		if desc, ok := a.registry.Lookup(sess.ActiveFlow); ok && desc.Handler.CanHandle(ev, sess) {
			return Decision{Flow: desc, Reason: ReasonActiveFlow}
		}
		// Unknown or no-longer-accepting flow: treat the session as
		// neutral rather than black-holing the user.
		log.Printf("⚠️ Session for %s references inactive flow %q, arbitrating fresh", ev.SenderID, sess.ActiveFlow)
	}

	matches := a.registry.Find(ev)
	if len(matches) == 0 {
		return a.fallbackDecision(sess)
	}

	chosen := matches[0]
	reason := ReasonTrigger
	if len(matches) > 1 {
		// Stable sort keeps registration order within equal priorities
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].Priority > matches[j].Priority
		})
		chosen = matches[0]
		reason = ReasonPriority
	}

	return a.withSwitch(Decision{Flow: chosen, Reason: reason}, sess)
}

func (a *Arbitrator) isCancel(ev InboundEvent) bool {
	return a.cancelWords[NormalizeText(ev.Payload)]
}

func (a *Arbitrator) fallbackDecision(sess *session.Session) Decision {
	desc, ok := a.registry.Lookup(a.fallback)
	if !ok {
		// Registry misconfiguration; surface loudly but return an
		// empty decision instead of panicking in the request path.
		log.Printf("❌ Fallback flow %q is not registered", a.fallback)
		return Decision{Reason: ReasonFallback}
	}

	// A fallback dispatch never supersedes in-progress input: an empty
	// payload lands here even when a flow is mid-step, and that flow
	// must keep its session.
	d := Decision{Flow: desc, Reason: ReasonFallback}
	if sess != nil && sess.ActiveFlow != "" && sess.ActiveFlow != desc.Name && !session.ShouldPreserve(sess) {
		d.Switched = true
	}
	return d
}

// withSwitch flags dispatches that supersede a session's previous flow.
// Only reachable for terminal/idle sessions: rule 3 routes mid-step
// sessions back to their own flow before matching ever runs.
func (a *Arbitrator) withSwitch(d Decision, sess *session.Session) Decision {
	if sess != nil && sess.ActiveFlow != "" && sess.ActiveFlow != d.Flow.Name {
		d.Switched = true
		if session.ShouldPreserve(sess) {
			d.Abandoned = sess.ActiveFlow
			log.Printf("🔀 Superseding mid-step flow %s (step %d) with %s", sess.ActiveFlow, sess.Step, d.Flow.Name)
		}
	}
	return d
}
