// flow/arbitrator_test.go
package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-router/session"
)

func testArbitrator(t *testing.T) *Arbitrator {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("registration", 3, []string{"đăng ký"}, []string{"REGISTER"})))
	require.NoError(t, r.Register(descriptor("marketplace", 2, []string{"mua", "marketplace"}, []string{"CATEGORY_PHONE"})))
	require.NoError(t, r.Register(descriptor("welcome", 1, []string{"chào", "menu"}, nil)))
	return NewArbitrator(r, "welcome", []string{"hủy", "cancel", "CANCEL"})
}

func TestActiveFlowAlwaysWins(t *testing.T) {
	// Anti-hijack: any trigger text sent mid-flow routes back to the
	// original flow, not the matched one.
	arb := testArbitrator(t)
	sess := &session.Session{UserID: "u1", ActiveFlow: "registration", Step: 1}

	tests := []struct {
		name  string
		event InboundEvent
	}{
		{"another flow's keyword", InboundEvent{SenderID: "u1", Kind: KindText, Payload: "marketplace"}},
		{"own trigger keyword", InboundEvent{SenderID: "u1", Kind: KindText, Payload: "đăng ký"}},
		{"plain answer text", InboundEvent{SenderID: "u1", Kind: KindText, Payload: "0912345678"}},
		{"another flow's postback", InboundEvent{SenderID: "u1", Kind: KindPostback, Payload: "CATEGORY_PHONE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := arb.Decide(tt.event, sess)
			assert.Equal(t, "registration", d.Flow.Name)
			assert.Equal(t, ReasonActiveFlow, d.Reason)
			assert.False(t, d.Switched)
		})
	}
}

func TestPriorityIsDeterministic(t *testing.T) {
	// "đăng ký mua" matches registration (3) and marketplace (2);
	// the higher priority must win on every single run.
	arb := testArbitrator(t)
	ev := InboundEvent{SenderID: "u1", Kind: KindText, Payload: "đăng ký mua"}

	for i := 0; i < 100; i++ {
		d := arb.Decide(ev, nil)
		require.Equal(t, "registration", d.Flow.Name, "run %d", i)
		require.Equal(t, ReasonPriority, d.Reason)
	}
}

func TestPriorityTieBreaksByRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(descriptor("first", 2, []string{"tin"}, nil)))
	require.NoError(t, r.Register(descriptor("second", 2, []string{"tin"}, nil)))
	require.NoError(t, r.Register(descriptor("welcome", 1, nil, nil)))
	arb := NewArbitrator(r, "welcome", nil)

	for i := 0; i < 100; i++ {
		d := arb.Decide(InboundEvent{Kind: KindText, Payload: "tin"}, nil)
		require.Equal(t, "first", d.Flow.Name, "equal priorities must resolve to the first registered flow")
	}
}

func TestSingleMatchDispatches(t *testing.T) {
	arb := testArbitrator(t)
	d := arb.Decide(InboundEvent{Kind: KindText, Payload: "mua iphone"}, nil)
	assert.Equal(t, "marketplace", d.Flow.Name)
	assert.Equal(t, ReasonTrigger, d.Reason)
}

func TestNoMatchFallsBack(t *testing.T) {
	arb := testArbitrator(t)

	d := arb.Decide(InboundEvent{Kind: KindText, Payload: "thời tiết hôm nay"}, nil)
	assert.Equal(t, "welcome", d.Flow.Name)
	assert.Equal(t, ReasonFallback, d.Reason)
}

func TestEmptyPayloadFallsBack(t *testing.T) {
	arb := testArbitrator(t)

	d := arb.Decide(InboundEvent{Kind: KindText, Payload: ""}, nil)
	assert.Equal(t, "welcome", d.Flow.Name)
	assert.Equal(t, ReasonFallback, d.Reason)

	// Even with an active session: an unparseable event cannot be an
	// answer to anything
	sess := &session.Session{UserID: "u1", ActiveFlow: "registration", Step: 1}
	d = arb.Decide(InboundEvent{Kind: KindText, Payload: ""}, sess)
	assert.Equal(t, "welcome", d.Flow.Name)
	assert.Empty(t, d.Abandoned, "a fallback dispatch never abandons in-progress input")
	assert.False(t, d.Switched)
}

func TestTerminalSessionArbitratesFresh(t *testing.T) {
	arb := testArbitrator(t)
	sess := &session.Session{UserID: "u1", ActiveFlow: "registration", Step: session.StepDone}

	d := arb.Decide(InboundEvent{SenderID: "u1", Kind: KindText, Payload: "mua iphone"}, sess)
	assert.Equal(t, "marketplace", d.Flow.Name)
	assert.True(t, d.Switched, "dispatching a different flow over a terminal session is a switch")
	assert.Empty(t, d.Abandoned, "a terminal flow is finished, not abandoned")
}

func TestUnknownActiveFlowArbitratesFresh(t *testing.T) {
	// A session referencing a flow that is no longer registered must
	// not black-hole the user.
	arb := testArbitrator(t)
	sess := &session.Session{UserID: "u1", ActiveFlow: "retired-flow", Step: 2}

	d := arb.Decide(InboundEvent{SenderID: "u1", Kind: KindText, Payload: "mua iphone"}, sess)
	assert.Equal(t, "marketplace", d.Flow.Name)
}

func TestExplicitCancel(t *testing.T) {
	arb := testArbitrator(t)

	tests := []struct {
		name          string
		event         InboundEvent
		sess          *session.Session
		wantAbandoned string
	}{
		{
			name:          "cancel text mid-flow",
			event:         InboundEvent{SenderID: "u1", Kind: KindText, Payload: "hủy"},
			sess:          &session.Session{UserID: "u1", ActiveFlow: "registration", Step: 2},
			wantAbandoned: "registration",
		},
		{
			name:          "cancel postback mid-flow",
			event:         InboundEvent{SenderID: "u1", Kind: KindPostback, Payload: "CANCEL"},
			sess:          &session.Session{UserID: "u1", ActiveFlow: "registration", Step: 1},
			wantAbandoned: "registration",
		},
		{
			name:          "cancel with neutral session",
			event:         InboundEvent{SenderID: "u1", Kind: KindText, Payload: "cancel"},
			sess:          nil,
			wantAbandoned: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := arb.Decide(tt.event, tt.sess)
			assert.True(t, d.Cancel)
			assert.Equal(t, ReasonCancel, d.Reason)
			assert.Equal(t, tt.wantAbandoned, d.Abandoned)
			assert.Nil(t, d.Flow.Handler, "cancel dispatches no flow")
		})
	}
}

func TestActiveFlowRefusingInputArbitratesFresh(t *testing.T) {
	r := NewRegistry()
	refusing := descriptor("picky", 3, []string{"picky"}, nil)
	refusing.Handler = &stubHandler{canHandle: func(InboundEvent, *session.Session) bool { return false }}
	require.NoError(t, r.Register(refusing))
	require.NoError(t, r.Register(descriptor("welcome", 1, nil, nil)))
	arb := NewArbitrator(r, "welcome", nil)

	sess := &session.Session{UserID: "u1", ActiveFlow: "picky", Step: 1}
	d := arb.Decide(InboundEvent{SenderID: "u1", Kind: KindText, Payload: "anything"}, sess)
	assert.Equal(t, "welcome", d.Flow.Name, "a flow that refuses input releases the session")
}
