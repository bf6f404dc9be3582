// flows/marketplace.go
package flows

import (
	"context"
	"fmt"
	"log"
	"strings"

	"flow-router/flow"
	"flow-router/listings"
	"flow-router/session"
)

const MarketplaceFlowName = "marketplace"

const maxSearchResults = 5

// categoryPostbacks maps Messenger button codes to listing categories.
// Postbacks match by exact value only, unlike text triggers.
var categoryPostbacks = map[string]string{
	"CATEGORY_PHONE":   "phone",
	"CATEGORY_LAPTOP":  "laptop",
	"CATEGORY_XE":      "xe",
	"CATEGORY_NHA_DAT": "nha-dat",
	"CATEGORY_KHAC":    "khac",
}

// searchStopWords are trigger keywords stripped from free-text queries so
// "tìm iphone cũ" searches for "iphone cũ", not the word "tìm".
var searchStopWords = map[string]bool{
	"tìm": true, "tim": true, "mua": true, "bán": true, "ban": true,
	"chợ": true, "cho": true, "marketplace": true,
}

// Marketplace is the quick-search flow: single-step and stateless. It
// matches a trigger, looks up listings, replies, and immediately marks
// itself complete, so the session returns to neutral.
type Marketplace struct {
	messenger flow.Messenger
	finder    listings.Finder
}

func NewMarketplace(messenger flow.Messenger, finder listings.Finder) *Marketplace {
	return &Marketplace{messenger: messenger, finder: finder}
}

func (m *Marketplace) Descriptor() flow.Descriptor {
	postbacks := make([]string, 0, len(categoryPostbacks))
	for code := range categoryPostbacks {
		postbacks = append(postbacks, code)
	}
	return flow.Descriptor{
		Name:             MarketplaceFlowName,
		TextTriggers:     []string{"tìm", "tim", "mua", "bán", "ban", "chợ", "marketplace"},
		PostbackTriggers: postbacks,
		Priority:         2,
		Handler:          m,
	}
}

func (m *Marketplace) CanHandle(ev flow.InboundEvent, sess *session.Session) bool {
	return m.Descriptor().Matches(ev)
}

func (m *Marketplace) Handle(ctx context.Context, ev flow.InboundEvent, sess *session.Session) (flow.Outcome, error) {
	category, keyword := m.parseQuery(ev)

	results, err := m.finder.Search(ctx, category, keyword, maxSearchResults)
	if err != nil {
		// Search failure stays invisible to the user beyond the
		// fallback copy; the flow still terminates cleanly
		log.Printf("❌ Listing search failed (category=%q keyword=%q): %v", category, keyword, err)
		if sendErr := m.messenger.SendText(ctx, ev.SenderID, "Chợ đang bận một chút, bạn thử tìm lại sau nhé 🙏"); sendErr != nil {
			return flow.Outcome{}, sendErr
		}
		return flow.Outcome{Status: flow.StatusCompleted}, nil
	}

	if len(results) == 0 {
		if err := m.messenger.SendText(ctx, ev.SenderID, "Chưa có tin đăng nào phù hợp. Bạn thử từ khóa khác xem sao nhé!"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusCompleted}, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🛒 Tìm thấy %d tin đăng:\n", len(results)))
	for i, l := range results {
		sb.WriteString(fmt.Sprintf("%d. %s — %s", i+1, l.Title, formatPrice(l.Price)))
		if l.Location != "" {
			sb.WriteString(" (" + l.Location + ")")
		}
		sb.WriteString("\n")
	}

	if err := m.messenger.SendText(ctx, ev.SenderID, strings.TrimRight(sb.String(), "\n")); err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{Status: flow.StatusCompleted}, nil
}

// parseQuery derives the search terms from the event: postback codes map
// straight to a category, free text becomes a keyword with trigger words
// stripped.
func (m *Marketplace) parseQuery(ev flow.InboundEvent) (category, keyword string) {
	if ev.Kind == flow.KindPostback {
		return categoryPostbacks[ev.Payload], ""
	}

	var kept []string
	for _, word := range strings.Fields(flow.NormalizeText(ev.Payload)) {
		if !searchStopWords[word] {
			kept = append(kept, word)
		}
	}
	return "", strings.Join(kept, " ")
}

// formatPrice renders VND with dot separators: 15000000 -> "15.000.000đ".
func formatPrice(price int64) string {
	if price <= 0 {
		return "thỏa thuận"
	}
	digits := fmt.Sprintf("%d", price)
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(d)
	}
	return sb.String() + "đ"
}
