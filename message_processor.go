// message_processor.go
package main

import (
	"context"
	"fmt"

	"flow-router/flow"
	"flow-router/flows"
	"flow-router/session"
)

// processor owns the dispatch pipeline: normalize each webhook event,
// drop redeliveries, ask the arbitrator for a flow, invoke it, persist
// the outcome. Everything downstream of the HTTP response runs here.
type processor struct {
	store      session.Store
	arbitrator *flow.Arbitrator
	deduper    *session.Deduper
	messenger  flow.Messenger
}

// typingSender shows the "..." bubble before a flow runs. The Graph
// messenger implements it; messengers without it skip the indicator.
type typingSender interface {
	sendTypingIndicator(ctx context.Context, recipientID string)
}

// processEventsAsync handles the complete lifecycle of one webhook call.
//
// The webhook has already answered 200 OK by the time this runs, so
// nothing here may fail the request: a malformed event is skipped, a
// handler error is logged with the user and flow, a persistence error
// costs at worst a delayed reply. One user's bad input must never take
// down the batch.
//
// Pipeline per event:
//
//  1. Normalize the raw messaging entry into an InboundEvent (text or
//     postback). Echoes, delivery receipts, and empty payloads are
//     filtered out before dispatch.
//  2. Drop redelivered events by message id, so a duplicate delivery
//     cannot advance a linear flow's step twice.
//  3. Load the session and let the arbitrator pick exactly one flow.
//  4. Invoke the handler and persist the session mutation it returns.
//     Errors leave the session untouched so the user can retry.
func (p *processor) processEventsAsync(ctx context.Context, event FacebookEvent, requestID string) {
	LogDebug("[%s] 🔄 Starting async event processing", requestID)

	for _, entry := range event.Entry {
		for msgIndex, msg := range entry.Messaging {
			ev, ok := normalizeEvent(msg, requestID, msgIndex)
			if !ok {
				continue
			}

			if p.deduper.Seen(ctx, ev.EventID) {
				LogInfo("[%s] 🔁 Duplicate delivery of %s from %s - skipping", requestID, ev.EventID, ev.SenderID)
				continue
			}

			p.dispatchEvent(ctx, ev, requestID)
		}
	}

	LogDebug("[%s] ✅ Async event processing completed", requestID)
}

// dispatchEvent routes one normalized event. Panics in handlers are
// contained here: a single user's malformed input must never crash the
// process.
func (p *processor) dispatchEvent(ctx context.Context, ev flow.InboundEvent, requestID string) {
	defer func() {
		if r := recover(); r != nil {
			LogError("[%s] PANIC handling event from %s: %v", requestID, ev.SenderID, r)
		}
	}()

	sess, err := p.store.Get(ctx, ev.SenderID)
	if err != nil {
		// Arbitrate as neutral rather than dropping the message; worst
		// case an in-progress flow restarts
		LogWarn("[%s] Session load failed for %s, treating as neutral: %v", requestID, ev.SenderID, err)
		sess = nil
	}

	decision := p.arbitrator.Decide(ev, sess)

	if decision.Cancel {
		p.handleCancel(ctx, ev, decision, requestID)
		return
	}

	if decision.Flow.Handler == nil {
		LogError("[%s] No flow available for event from %s (payload %q)", requestID, ev.SenderID, ev.Payload)
		return
	}

	LogInfo("[%s] 🚦 Dispatch: user=%s flow=%s reason=%s kind=%s",
		requestID, ev.SenderID, decision.Flow.Name, decision.Reason, ev.Kind)

	if ts, ok := p.messenger.(typingSender); ok {
		ts.sendTypingIndicator(ctx, ev.SenderID)
	}

	outcome, err := decision.Flow.Handler.Handle(ctx, ev, sess)
	if err != nil {
		// Session left unmodified: the user can resend the same input
		LogError("[%s] Flow %s failed for user %s: %v", requestID, decision.Flow.Name, ev.SenderID, err)
		return
	}

	if err := p.persistOutcome(ctx, ev.SenderID, decision.Flow.Name, outcome, sess); err != nil {
		// Best effort: the reply already went out, the platform got its
		// 200 long ago. The symptom is a delayed step, not a crash.
		LogError("[%s] Failed to persist session for %s after flow %s: %v", requestID, ev.SenderID, decision.Flow.Name, err)
	}
}

func (p *processor) handleCancel(ctx context.Context, ev flow.InboundEvent, decision flow.Decision, requestID string) {
	// Explicit cancel bypasses the preservation rule
	if err := p.store.Clear(ctx, ev.SenderID); err != nil {
		LogError("[%s] Failed to clear session on cancel for %s: %v", requestID, ev.SenderID, err)
	}
	if decision.Abandoned != "" {
		LogInfo("[%s] 🛑 User %s cancelled flow %s", requestID, ev.SenderID, decision.Abandoned)
	}
	if err := p.messenger.SendText(ctx, ev.SenderID, flows.CancelReply); err != nil {
		LogError("[%s] Failed to send cancel confirmation to %s: %v", requestID, ev.SenderID, err)
	}
}

func (p *processor) persistOutcome(ctx context.Context, userID, flowName string, outcome flow.Outcome, sess *session.Session) error {
	switch outcome.Status {
	case flow.StatusAwaiting:
		_, err := p.store.Upsert(ctx, userID, flowName, outcome.Step, outcome.Data)
		return err
	case flow.StatusCompleted, flow.StatusCancelled:
		// Flow is done; the session returns to neutral. A stateless
		// dispatch over another flow's session (fallback on an empty
		// payload) must not wipe in-progress input, so it only
		// safe-deletes.
		if sess != nil && sess.ActiveFlow != "" && sess.ActiveFlow != flowName {
			_, err := p.store.SafeDelete(ctx, userID)
			return err
		}
		return p.store.Clear(ctx, userID)
	default:
		return fmt.Errorf("unknown outcome status %d from flow %s", outcome.Status, flowName)
	}
}

// normalizeEvent converts a raw messaging entry into an InboundEvent.
// Returns false for events that never reach the arbitrator: delivery
// receipts, echoes of our own sends, and entries with no usable payload.
func normalizeEvent(msg MessagingEntry, requestID string, msgIndex int) (flow.InboundEvent, bool) {
	if msg.Delivery != nil {
		LogDebug("[%s] Skipping delivery receipt", requestID)
		return flow.InboundEvent{}, false
	}

	if msg.Sender.ID == "" {
		LogWarn("[%s] Skipping event %d with no sender id", requestID, msgIndex)
		return flow.InboundEvent{}, false
	}

	if msg.Postback != nil {
		if msg.Postback.Payload == "" {
			LogDebug("[%s] Skipping postback with empty payload from %s", requestID, msg.Sender.ID)
			return flow.InboundEvent{}, false
		}
		eventID := msg.Postback.Mid
		if eventID == "" {
			eventID = fmt.Sprintf("pb-%s-%d", msg.Sender.ID, msg.Timestamp)
		}
		return flow.InboundEvent{
			SenderID: msg.Sender.ID,
			Kind:     flow.KindPostback,
			Payload:  msg.Postback.Payload,
			EventID:  eventID,
		}, true
	}

	if msg.Message == nil {
		LogDebug("[%s] Skipping non-message event from %s", requestID, msg.Sender.ID)
		return flow.InboundEvent{}, false
	}

	if msg.Message.IsEcho {
		LogDebug("[%s] Skipping echo message %s", requestID, msg.Message.Mid)
		return flow.InboundEvent{}, false
	}

	// Quick reply taps arrive as text messages carrying a payload;
	// treat them as postbacks so they match by exact value
	if msg.Message.QuickReply != nil && msg.Message.QuickReply.Payload != "" {
		return flow.InboundEvent{
			SenderID: msg.Sender.ID,
			Kind:     flow.KindPostback,
			Payload:  msg.Message.QuickReply.Payload,
			EventID:  msg.Message.Mid,
		}, true
	}

	if msg.Message.Text == "" {
		LogDebug("[%s] Skipping empty message from %s", requestID, msg.Sender.ID)
		return flow.InboundEvent{}, false
	}

	return flow.InboundEvent{
		SenderID: msg.Sender.ID,
		Kind:     flow.KindText,
		Payload:  msg.Message.Text,
		EventID:  msg.Message.Mid,
	}, true
}
