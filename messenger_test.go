// messenger_test.go
package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport answers every Graph call with a canned 200 so sends can
// be exercised without the network.
type stubTransport struct {
	mu    sync.Mutex
	calls int
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"message_id":"m1"}`)),
		Header:     make(http.Header),
	}, nil
}

func (t *stubTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func TestCancelledSendDoesNotPost(t *testing.T) {
	transport := &stubTransport{}
	g := newGraphMessenger(&http.Client{Transport: transport}, "token", time.Hour)

	require.NoError(t, g.SendText(context.Background(), "u1", "xin chào"))
	require.Equal(t, 1, transport.count())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.SendText(ctx, "u1", "ping")
	require.Error(t, err)
	assert.Equal(t, 1, transport.count(), "a cancelled send must not reach the Graph API")
}

func TestCancelledSendReleasesSlot(t *testing.T) {
	g := newGraphMessenger(&http.Client{}, "token", time.Hour)

	prev := time.Now()
	g.mu.Lock()
	g.lastSend["u1"] = prev
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.waitForSlot(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.True(t, g.lastSend["u1"].Equal(prev), "cancelled wait must release its reservation")
}
