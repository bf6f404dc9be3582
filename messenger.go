// messenger.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"flow-router/flow"
)

const graphSendURL = "https://graph.facebook.com/v19.0/me/messages"

// graphMessenger delivers outbound messages through the Graph API send
// endpoint. It spaces sends per recipient so re-prompts never arrive
// faster than the platform's minimum interval.
type graphMessenger struct {
	client      *http.Client
	accessToken string
	minInterval time.Duration

	mu       sync.Mutex
	lastSend map[string]time.Time
}

func newGraphMessenger(client *http.Client, accessToken string, minInterval time.Duration) *graphMessenger {
	return &graphMessenger{
		client:      client,
		accessToken: accessToken,
		minInterval: minInterval,
		lastSend:    make(map[string]time.Time),
	}
}

func (g *graphMessenger) SendText(ctx context.Context, recipientID, text string) error {
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	return g.send(ctx, recipientID, payload)
}

func (g *graphMessenger) SendQuickReplies(ctx context.Context, recipientID, text string, replies []flow.QuickReply) error {
	quickReplies := make([]map[string]string, 0, len(replies))
	for _, qr := range replies {
		quickReplies = append(quickReplies, map[string]string{
			"content_type": "text",
			"title":        qr.Title,
			"payload":      qr.Payload,
		})
	}
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]interface{}{
			"text":          text,
			"quick_replies": quickReplies,
		},
	}
	return g.send(ctx, recipientID, payload)
}

// sendTypingIndicator shows the "..." bubble while a flow works. Best
// effort: failures are only logged.
func (g *graphMessenger) sendTypingIndicator(ctx context.Context, recipientID string) {
	payload := map[string]interface{}{
		"recipient":     map[string]string{"id": recipientID},
		"sender_action": "typing_on",
	}
	if err := g.post(ctx, payload); err != nil {
		LogDebug("Typing indicator failed for %s: %v", recipientID, err)
	}
}

func (g *graphMessenger) send(ctx context.Context, recipientID string, payload map[string]interface{}) error {
	if err := g.waitForSlot(ctx, recipientID); err != nil {
		return err
	}
	return g.post(ctx, payload)
}

// waitForSlot enforces the per-recipient minimum send spacing. A send
// cancelled while waiting releases its slot so the next send is not
// pushed back by a message that never went out.
func (g *graphMessenger) waitForSlot(ctx context.Context, recipientID string) error {
	g.mu.Lock()
	now := time.Now()
	prev := g.lastSend[recipientID]
	next := prev.Add(g.minInterval)
	if next.Before(now) {
		next = now
	}
	g.lastSend[recipientID] = next
	g.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			g.mu.Lock()
			if g.lastSend[recipientID].Equal(next) {
				g.lastSend[recipientID] = prev
			}
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	return nil
}

func (g *graphMessenger) post(ctx context.Context, payload map[string]interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error creating send payload: %v", err)
	}

	url := fmt.Sprintf("%s?access_token=%s", graphSendURL, g.accessToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("error creating send request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	LogDebug("📤 Graph send payload: %s", string(jsonData))

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending to Facebook: %v", err)
	}
	defer resp.Body.Close()

	fbResp, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facebook error (status %d): %s", resp.StatusCode, string(fbResp))
	}

	LogDebug("✅ Graph send response (%d): %s", resp.StatusCode, string(fbResp))
	return nil
}
