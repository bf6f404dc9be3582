// webhooks.go
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// handleWebhook is the entry point for all Messenger webhook traffic.
//
// GET requests are the verification handshake Facebook performs when the
// webhook is registered: we echo hub.challenge only when hub.verify_token
// matches our configured secret.
//
// POST requests carry batches of messaging events. The body is parsed,
// 200 OK goes back immediately (anything slower triggers redelivery
// storms), and the events are processed on a goroutine. Internal
// failures never surface in the HTTP response.
func (p *processor) handleWebhook(verifyToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p.handleVerification(w, r, verifyToken)
		case http.MethodPost:
			p.handleDelivery(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (p *processor) handleVerification(w http.ResponseWriter, r *http.Request, verifyToken string) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" || token == "" || challenge == "" {
		LogWarn("Incomplete webhook verification parameters from %s", r.RemoteAddr)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if mode == "subscribe" && token == verifyToken {
		LogInfo("✅ Webhook verification successful")
		w.Write([]byte(challenge))
		return
	}

	LogWarn("Webhook verification failed from %s", r.RemoteAddr)
	http.Error(w, "Invalid verification token", http.StatusForbidden)
}

func (p *processor) handleDelivery(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	LogDebug("[%s] 📥 Raw webhook payload: %d bytes", requestID, len(body))

	var event FacebookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Still 200: a parse failure we can't act on should not make
		// the platform redeliver it forever
		LogError("[%s] Error parsing webhook JSON: %v", requestID, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Respond before processing; replies go out-of-band via the send API
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))

	totalEvents := 0
	for _, entry := range event.Entry {
		totalEvents += len(entry.Messaging)
	}
	LogInfo("[%s] 📝 Webhook: %s, %d entries, %d events", requestID, event.Object, len(event.Entry), totalEvents)

	if totalEvents == 0 {
		return
	}

	go p.processEventsAsync(context.Background(), event, requestID)
}
