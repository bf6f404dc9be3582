// flows/registration.go
package flows

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"flow-router/flow"
	"flow-router/session"
)

const RegistrationFlowName = "registration"

// Registration step sequence. Linear: each step validates its input and
// either advances or re-prompts. Invalid input never advances the step
// and never abandons the flow.
const (
	stepAskName = iota
	stepAskPhone
	stepAskLocation
	stepConfirm
)

// Vietnamese mobile numbers: leading 0 or +84/84, ten digits total.
var phonePattern = regexp.MustCompile(`^(0|\+?84)\d{9}$`)

// Registration walks a new community member through sign-up: ask name,
// ask phone, ask location, confirm. Completion hands the collected
// fields to the member registrar.
type Registration struct {
	messenger flow.Messenger
	registrar Registrar
	resolve   NameResolver
}

// Registrar receives the confirmed registration. Production writes the
// members table; tests record the call.
type Registrar interface {
	RegisterMember(ctx context.Context, userID, name, phone, location string) error
}

func NewRegistration(messenger flow.Messenger, registrar Registrar, resolve NameResolver) *Registration {
	return &Registration{messenger: messenger, registrar: registrar, resolve: resolve}
}

func (r *Registration) Descriptor() flow.Descriptor {
	return flow.Descriptor{
		Name:             RegistrationFlowName,
		TextTriggers:     []string{"đăng ký", "dang ky", "register"},
		PostbackTriggers: []string{"REGISTER"},
		Priority:         3,
		Handler:          r,
	}
}

func (r *Registration) CanHandle(ev flow.InboundEvent, sess *session.Session) bool {
	if sess != nil && sess.ActiveFlow == RegistrationFlowName && sess.Step != session.StepDone {
		// Mid-flow, every input is an answer to the pending question
		return true
	}
	return r.Descriptor().Matches(ev)
}

func (r *Registration) Handle(ctx context.Context, ev flow.InboundEvent, sess *session.Session) (flow.Outcome, error) {
	// A neutral session (or one owned by another flow) means this event
	// is the trigger, not an answer.
	if sess.Neutral() || sess.ActiveFlow != RegistrationFlowName {
		greeting := "Chào mừng bạn đến với cộng đồng Tân Dậu 1981! 🐓"
		if r.resolve != nil {
			if name := r.resolve(ctx, ev.SenderID); name != "" {
				greeting = fmt.Sprintf("Chào %s, chào mừng bạn đến với cộng đồng Tân Dậu 1981! 🐓", name)
			}
		}
		if err := r.messenger.SendText(ctx, ev.SenderID,
			greeting+"\nĐể đăng ký thành viên, cho mình biết tên đầy đủ của bạn nhé:"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusAwaiting, Step: stepAskName, Data: map[string]string{}}, nil
	}

	switch sess.Step {
	case stepAskName:
		return r.handleName(ctx, ev)
	case stepAskPhone:
		return r.handlePhone(ctx, ev)
	case stepAskLocation:
		return r.handleLocation(ctx, ev, sess)
	case stepConfirm:
		return r.handleConfirm(ctx, ev, sess)
	default:
		// Corrupt step; restart rather than strand the user
		log.Printf("⚠️ Registration session for %s at unknown step %d, restarting", ev.SenderID, sess.Step)
		if err := r.messenger.SendText(ctx, ev.SenderID, "Mình làm lại từ đầu nhé. Tên đầy đủ của bạn là gì?"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusAwaiting, Step: stepAskName, Data: map[string]string{}}, nil
	}
}

func (r *Registration) handleName(ctx context.Context, ev flow.InboundEvent) (flow.Outcome, error) {
	name := strings.TrimSpace(ev.Payload)
	if ev.Kind != flow.KindText || len([]rune(name)) < 2 {
		if err := r.messenger.SendText(ctx, ev.SenderID, "Tên chưa hợp lệ. Bạn nhập lại tên đầy đủ giúp mình nhé:"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusAwaiting, Step: stepAskName}, nil
	}

	if err := r.messenger.SendText(ctx, ev.SenderID,
		fmt.Sprintf("Cảm ơn %s! Tiếp theo, số điện thoại của bạn là gì? (ví dụ: 0912345678)", name)); err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{
		Status: flow.StatusAwaiting,
		Step:   stepAskPhone,
		Data:   map[string]string{"name": name},
	}, nil
}

func (r *Registration) handlePhone(ctx context.Context, ev flow.InboundEvent) (flow.Outcome, error) {
	phone := strings.ReplaceAll(strings.TrimSpace(ev.Payload), " ", "")
	if ev.Kind != flow.KindText || !phonePattern.MatchString(phone) {
		if err := r.messenger.SendText(ctx, ev.SenderID, "Số điện thoại chưa đúng định dạng. Bạn nhập lại nhé (ví dụ: 0912345678):"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusAwaiting, Step: stepAskPhone}, nil
	}

	if err := r.messenger.SendText(ctx, ev.SenderID, "Bạn đang ở tỉnh/thành phố nào?"); err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{
		Status: flow.StatusAwaiting,
		Step:   stepAskLocation,
		Data:   map[string]string{"phone": phone},
	}, nil
}

func (r *Registration) handleLocation(ctx context.Context, ev flow.InboundEvent, sess *session.Session) (flow.Outcome, error) {
	location := strings.TrimSpace(ev.Payload)
	if ev.Kind != flow.KindText || location == "" {
		if err := r.messenger.SendText(ctx, ev.SenderID, "Bạn cho mình biết tỉnh/thành phố đang ở nhé:"); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusAwaiting, Step: stepAskLocation}, nil
	}

	summary := fmt.Sprintf("Mình xác nhận lại nhé:\n👤 Tên: %s\n📱 SĐT: %s\n📍 Khu vực: %s\n\nThông tin đã chính xác chưa?",
		sess.Data["name"], sess.Data["phone"], location)
	err := r.messenger.SendQuickReplies(ctx, ev.SenderID, summary, []flow.QuickReply{
		{Title: "Chính xác ✅", Payload: "CONFIRM_YES"},
		{Title: "Nhập lại ❌", Payload: "CONFIRM_NO"},
	})
	if err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{
		Status: flow.StatusAwaiting,
		Step:   stepConfirm,
		Data:   map[string]string{"location": location},
	}, nil
}

func (r *Registration) handleConfirm(ctx context.Context, ev flow.InboundEvent, sess *session.Session) (flow.Outcome, error) {
	if isAffirmative(ev) {
		if err := r.registrar.RegisterMember(ctx, ev.SenderID, sess.Data["name"], sess.Data["phone"], sess.Data["location"]); err != nil {
			// Session stays at the confirm step so the user can tap
			// confirm again once the backend recovers
			log.Printf("❌ Member registration failed for %s: %v", ev.SenderID, err)
			if sendErr := r.messenger.SendText(ctx, ev.SenderID, "Hệ thống đang bận, bạn bấm xác nhận lại sau ít phút nhé 🙏"); sendErr != nil {
				return flow.Outcome{}, sendErr
			}
			return flow.Outcome{Status: flow.StatusAwaiting, Step: stepConfirm}, nil
		}

		if err := r.messenger.SendText(ctx, ev.SenderID,
			fmt.Sprintf("🎉 Đăng ký thành công! Chào mừng %s gia nhập cộng đồng Tân Dậu 1981.", sess.Data["name"])); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusCompleted}, nil
	}

	if isNegative(ev) {
		if err := r.messenger.SendText(ctx, ev.SenderID, "Đã hủy đăng ký. Khi nào sẵn sàng bạn gõ \"đăng ký\" để bắt đầu lại nhé."); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Outcome{Status: flow.StatusCancelled}, nil
	}

	// Anything else re-prompts; the pending confirmation is not lost
	err := r.messenger.SendQuickReplies(ctx, ev.SenderID, "Bạn bấm chọn giúp mình nhé:", []flow.QuickReply{
		{Title: "Chính xác ✅", Payload: "CONFIRM_YES"},
		{Title: "Nhập lại ❌", Payload: "CONFIRM_NO"},
	})
	if err != nil {
		return flow.Outcome{}, err
	}
	return flow.Outcome{Status: flow.StatusAwaiting, Step: stepConfirm}, nil
}

func isAffirmative(ev flow.InboundEvent) bool {
	if ev.Kind == flow.KindPostback {
		return ev.Payload == "CONFIRM_YES"
	}
	switch flow.NormalizeText(ev.Payload) {
	case "đồng ý", "dong y", "đúng", "dung", "yes", "ok", "chính xác", "chinh xac":
		return true
	}
	return false
}

func isNegative(ev flow.InboundEvent) bool {
	if ev.Kind == flow.KindPostback {
		return ev.Payload == "CONFIRM_NO"
	}
	switch flow.NormalizeText(ev.Payload) {
	case "không", "khong", "no", "sai", "nhập lại", "nhap lai":
		return true
	}
	return false
}
