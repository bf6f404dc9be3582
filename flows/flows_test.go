// flows/flows_test.go
package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-router/flow"
	"flow-router/listings"
	"flow-router/session"
)

// fakeMessenger records outbound sends instead of calling the Graph API.
type fakeMessenger struct {
	sent    []string
	replies [][]flow.QuickReply
	fail    bool
}

func (f *fakeMessenger) SendText(ctx context.Context, recipientID, text string) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.replies = append(f.replies, nil)
	return nil
}

func (f *fakeMessenger) SendQuickReplies(ctx context.Context, recipientID, text string, replies []flow.QuickReply) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	f.replies = append(f.replies, replies)
	return nil
}

func (f *fakeMessenger) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeRegistrar struct {
	members []string
	fail    bool
}

func (f *fakeRegistrar) RegisterMember(ctx context.Context, userID, name, phone, location string) error {
	if f.fail {
		return errors.New("db down")
	}
	f.members = append(f.members, fmt.Sprintf("%s|%s|%s|%s", userID, name, phone, location))
	return nil
}

type fakeFinder struct {
	results      []listings.Listing
	fail         bool
	lastCategory string
	lastKeyword  string
}

func (f *fakeFinder) Search(ctx context.Context, category, keyword string, limit int) ([]listings.Listing, error) {
	f.lastCategory = category
	f.lastKeyword = keyword
	if f.fail {
		return nil, errors.New("query timeout")
	}
	return f.results, nil
}

func textEvent(payload string) flow.InboundEvent {
	return flow.InboundEvent{SenderID: "u1", Kind: flow.KindText, Payload: payload}
}

func postbackEvent(payload string) flow.InboundEvent {
	return flow.InboundEvent{SenderID: "u1", Kind: flow.KindPostback, Payload: payload}
}

// --- Registration -----------------------------------------------------------

func TestRegistrationHappyPath(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	registrar := &fakeRegistrar{}
	reg := NewRegistration(messenger, registrar, nil)

	// Trigger from a neutral session asks for the name
	out, err := reg.Handle(ctx, textEvent("đăng ký"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusAwaiting, out.Status)
	assert.Equal(t, stepAskName, out.Step)

	sess := &session.Session{UserID: "u1", ActiveFlow: RegistrationFlowName, Step: out.Step, Data: out.Data}

	// Name -> phone prompt
	out, err = reg.Handle(ctx, textEvent("Nguyễn Văn Tùng"), sess)
	require.NoError(t, err)
	assert.Equal(t, stepAskPhone, out.Step)
	assert.Equal(t, "Nguyễn Văn Tùng", out.Data["name"])
	sess.Step, sess.Data = out.Step, mergeForTest(sess.Data, out.Data)

	// Phone -> location prompt
	out, err = reg.Handle(ctx, textEvent("0912345678"), sess)
	require.NoError(t, err)
	assert.Equal(t, stepAskLocation, out.Step)
	sess.Step, sess.Data = out.Step, mergeForTest(sess.Data, out.Data)

	// Location -> confirmation summary with quick replies
	out, err = reg.Handle(ctx, textEvent("Hà Nội"), sess)
	require.NoError(t, err)
	assert.Equal(t, stepConfirm, out.Step)
	assert.Contains(t, messenger.last(), "Nguyễn Văn Tùng")
	assert.Contains(t, messenger.last(), "0912345678")
	assert.NotEmpty(t, messenger.replies[len(messenger.replies)-1])
	sess.Step, sess.Data = out.Step, mergeForTest(sess.Data, out.Data)

	// Confirm completes the flow and registers the member
	out, err = reg.Handle(ctx, postbackEvent("CONFIRM_YES"), sess)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, out.Status)
	require.Len(t, registrar.members, 1)
	assert.Equal(t, "u1|Nguyễn Văn Tùng|0912345678|Hà Nội", registrar.members[0])
}

func TestRegistrationGreetsByResolvedName(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	resolve := func(ctx context.Context, userID string) string { return "Tùng" }
	reg := NewRegistration(messenger, &fakeRegistrar{}, resolve)

	out, err := reg.Handle(ctx, textEvent("đăng ký"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusAwaiting, out.Status)
	assert.Contains(t, messenger.last(), "Chào Tùng")
}

func TestRegistrationInvalidInputReprompts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		step    int
		payload string
	}{
		{name: "too-short name", step: stepAskName, payload: "A"},
		{name: "bad phone", step: stepAskPhone, payload: "not-a-phone"},
		{name: "short phone", step: stepAskPhone, payload: "0912"},
		{name: "blank location", step: stepAskLocation, payload: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messenger := &fakeMessenger{}
			reg := NewRegistration(messenger, &fakeRegistrar{}, nil)
			sess := &session.Session{
				UserID: "u1", ActiveFlow: RegistrationFlowName, Step: tt.step,
				Data: map[string]string{"name": "Tùng", "phone": "0912345678"},
			}

			out, err := reg.Handle(ctx, textEvent(tt.payload), sess)
			require.NoError(t, err)
			assert.Equal(t, flow.StatusAwaiting, out.Status, "invalid input must not abandon the flow")
			assert.Equal(t, tt.step, out.Step, "invalid input must not advance the step")
			assert.Len(t, messenger.sent, 1, "user gets a re-prompt")
		})
	}
}

func TestRegistrationPhoneAcceptsCountryCode(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	reg := NewRegistration(messenger, &fakeRegistrar{}, nil)
	sess := &session.Session{UserID: "u1", ActiveFlow: RegistrationFlowName, Step: stepAskPhone, Data: map[string]string{"name": "Tùng"}}

	out, err := reg.Handle(ctx, textEvent("+84912345678"), sess)
	require.NoError(t, err)
	assert.Equal(t, stepAskLocation, out.Step)
	assert.Equal(t, "+84912345678", out.Data["phone"])
}

func TestRegistrationDecline(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	registrar := &fakeRegistrar{}
	reg := NewRegistration(messenger, registrar, nil)
	sess := &session.Session{
		UserID: "u1", ActiveFlow: RegistrationFlowName, Step: stepConfirm,
		Data: map[string]string{"name": "Tùng", "phone": "0912345678", "location": "Hà Nội"},
	}

	out, err := reg.Handle(ctx, postbackEvent("CONFIRM_NO"), sess)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCancelled, out.Status)
	assert.Empty(t, registrar.members)
}

func TestRegistrationRegistrarFailureKeepsConfirmStep(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	reg := NewRegistration(messenger, &fakeRegistrar{fail: true}, nil)
	sess := &session.Session{
		UserID: "u1", ActiveFlow: RegistrationFlowName, Step: stepConfirm,
		Data: map[string]string{"name": "Tùng", "phone": "0912345678", "location": "Hà Nội"},
	}

	out, err := reg.Handle(ctx, postbackEvent("CONFIRM_YES"), sess)
	require.NoError(t, err, "backend failure is not a handler error; the user sees fallback copy")
	assert.Equal(t, flow.StatusAwaiting, out.Status)
	assert.Equal(t, stepConfirm, out.Step, "user can tap confirm again later")
}

func TestRegistrationCanHandleMidFlowAcceptsAnything(t *testing.T) {
	reg := NewRegistration(&fakeMessenger{}, &fakeRegistrar{}, nil)
	sess := &session.Session{UserID: "u1", ActiveFlow: RegistrationFlowName, Step: stepAskPhone}

	assert.True(t, reg.CanHandle(textEvent("marketplace"), sess), "mid-flow, every input is an answer")
	assert.True(t, reg.CanHandle(textEvent("đăng ký"), nil), "trigger matches from neutral")
	assert.False(t, reg.CanHandle(textEvent("mua iphone"), nil))
}

// --- Marketplace ------------------------------------------------------------

func TestMarketplaceQuickSearchIsTerminal(t *testing.T) {
	// Scenario: postback CATEGORY_PHONE from a neutral session replies
	// with phone listings and returns the session to neutral.
	ctx := context.Background()
	messenger := &fakeMessenger{}
	finder := &fakeFinder{results: []listings.Listing{
		{ID: 1, Category: "phone", Title: "iPhone 13 cũ", Price: 9500000, Location: "Hà Nội"},
		{ID: 2, Category: "phone", Title: "Galaxy S22", Price: 8000000},
	}}
	mp := NewMarketplace(messenger, finder)

	out, err := mp.Handle(ctx, postbackEvent("CATEGORY_PHONE"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, out.Status, "quick search is terminal on its first step")
	assert.Equal(t, "phone", finder.lastCategory)

	reply := messenger.last()
	assert.Contains(t, reply, "iPhone 13 cũ")
	assert.Contains(t, reply, "9.500.000đ")
	assert.Contains(t, reply, "Hà Nội")
}

func TestMarketplaceKeywordSearchStripsTriggerWords(t *testing.T) {
	ctx := context.Background()
	finder := &fakeFinder{}
	mp := NewMarketplace(&fakeMessenger{}, finder)

	_, err := mp.Handle(ctx, textEvent("tìm mua iphone cũ"), nil)
	require.NoError(t, err)
	assert.Equal(t, "", finder.lastCategory)
	assert.Equal(t, "iphone cũ", finder.lastKeyword)
}

func TestMarketplaceEmptyResults(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	mp := NewMarketplace(messenger, &fakeFinder{})

	out, err := mp.Handle(ctx, textEvent("tìm trực thăng"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, out.Status)
	assert.Contains(t, messenger.last(), "Chưa có tin đăng")
}

func TestMarketplaceSearchFailureSendsFallback(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	mp := NewMarketplace(messenger, &fakeFinder{fail: true})

	out, err := mp.Handle(ctx, textEvent("mua xe"), nil)
	require.NoError(t, err, "search failure must not surface as a raw error")
	assert.Equal(t, flow.StatusCompleted, out.Status)
	assert.True(t, strings.Contains(messenger.last(), "bận"), "user sees handler-authored fallback copy")
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		price int64
		want  string
	}{
		{9500000, "9.500.000đ"},
		{800, "800đ"},
		{1000, "1.000đ"},
		{15000000, "15.000.000đ"},
		{0, "thỏa thuận"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatPrice(tt.price))
	}
}

// --- Welcome ----------------------------------------------------------------

func TestWelcomeIsStateless(t *testing.T) {
	// Scenario: a new user saying "chào" gets the menu and the session
	// stays neutral.
	ctx := context.Background()
	messenger := &fakeMessenger{}
	w := NewWelcome(messenger, func(ctx context.Context, userID string) string { return "Tùng" })

	out, err := w.Handle(ctx, textEvent("chào"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, out.Status, "welcome leaves the session neutral")
	assert.Contains(t, messenger.last(), "Tùng")
	assert.NotEmpty(t, messenger.replies[0], "menu arrives as quick replies")
}

func TestWelcomeWithoutResolvedName(t *testing.T) {
	ctx := context.Background()
	messenger := &fakeMessenger{}
	w := NewWelcome(messenger, nil)

	out, err := w.Handle(ctx, textEvent("menu"), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, out.Status)
	assert.Contains(t, messenger.last(), "Chào bạn")
}

func TestWelcomeCanHandleAnything(t *testing.T) {
	w := NewWelcome(&fakeMessenger{}, nil)
	assert.True(t, w.CanHandle(textEvent("bất kỳ"), nil))
	assert.True(t, w.CanHandle(postbackEvent("UNKNOWN_CODE"), nil))
}

func mergeForTest(existing, updates map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
