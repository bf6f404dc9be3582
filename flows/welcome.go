// flows/welcome.go
package flows

import (
	"context"
	"fmt"

	"flow-router/flow"
	"flow-router/session"
)

const WelcomeFlowName = "welcome"

// CancelReply is sent after an explicit cancellation clears the session.
const CancelReply = "Đã hủy thao tác hiện tại. Bạn gõ \"menu\" để xem lại các lựa chọn nhé!"

// NameResolver returns a display name for a user id, or "" when unknown.
// Production resolves through the Graph API profile cache.
type NameResolver func(ctx context.Context, userID string) string

// Welcome is the fallback flow: it greets, shows the main menu, and
// stays stateless, so the session remains neutral. Every event nothing
// else claims lands here.
type Welcome struct {
	messenger flow.Messenger
	resolve   NameResolver
}

func NewWelcome(messenger flow.Messenger, resolve NameResolver) *Welcome {
	if resolve == nil {
		resolve = func(context.Context, string) string { return "" }
	}
	return &Welcome{messenger: messenger, resolve: resolve}
}

func (w *Welcome) Descriptor() flow.Descriptor {
	return flow.Descriptor{
		Name:             WelcomeFlowName,
		TextTriggers:     []string{"chào", "chao", "hello", "hi", "menu", "help", "trợ giúp", "tro giup"},
		PostbackTriggers: []string{"GET_STARTED"},
		Priority:         1,
		Handler:          w,
	}
}

func (w *Welcome) CanHandle(ev flow.InboundEvent, sess *session.Session) bool {
	// The fallback accepts anything
	return true
}

func (w *Welcome) Handle(ctx context.Context, ev flow.InboundEvent, sess *session.Session) (flow.Outcome, error) {
	greeting := "Chào bạn! 🐓"
	if name := w.resolve(ctx, ev.SenderID); name != "" {
		greeting = fmt.Sprintf("Chào %s! 🐓", name)
	}

	text := greeting + " Đây là trợ lý của cộng đồng Tân Dậu 1981. Bạn muốn làm gì?"
	err := w.messenger.SendQuickReplies(ctx, ev.SenderID, text, []flow.QuickReply{
		{Title: "Đăng ký thành viên 📝", Payload: "REGISTER"},
		{Title: "Tìm mua 🛒", Payload: "CATEGORY_KHAC"},
		{Title: "Điện thoại 📱", Payload: "CATEGORY_PHONE"},
	})
	if err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{Status: flow.StatusCompleted}, nil
}
