package relayclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manamana32321/betternotify/internal/wire"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.fn()
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recordingReporter) Report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep.Message)
	}
	return out
}

func (r *recordingReporter) contains(substr string) bool {
	for _, m := range r.messages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type recordingChat struct {
	mu     sync.Mutex
	calls  []string
	navErr error
}

func (c *recordingChat) NavigateToChannel(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "navigate "+channelID)
	return c.navErr
}

func (c *recordingChat) SendMessage(_ context.Context, channelID, content string, ref MessageReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "send "+channelID+" "+content+" "+ref.MessageID)
	return nil
}

func (c *recordingChat) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func newRenderer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain keeps the server side open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}

func TestStartRetriesExactlyOnce(t *testing.T) {
	clock := &fakeClock{}
	rep := &recordingReporter{}
	c := New(Config{URL: deadURL(t)}, nil, WithReporter(rep), withAfterFunc(clock.AfterFunc))
	defer c.Close()

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrConnect)
	require.Equal(t, 1, clock.count())
	assert.Equal(t, 10*time.Second, clock.timers[0].d)
	assert.Equal(t, "Failed to connect to notification server. Retrying in 10s", rep.messages()[0])

	clock.fire(0)
	assert.Equal(t, 1, clock.count(), "the retry must not schedule another")
	assert.Equal(t, "Failed to connect to notification server", rep.messages()[1])
	assert.Equal(t, Disconnected, c.State())

	// an explicit start re-arms it
	require.ErrorIs(t, c.Start(context.Background()), ErrConnect)
	assert.Equal(t, 2, clock.count())
}

func TestRetryConnects(t *testing.T) {
	_, url := newRenderer(t, drain)

	var reachable atomic.Bool
	base := &net.Dialer{}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !reachable.Load() {
				return nil, errors.New("connection refused")
			}
			return base.DialContext(ctx, network, addr)
		},
	}
	clock := &fakeClock{}
	rep := &recordingReporter{}
	c := New(Config{URL: url}, nil, WithDialer(dialer), WithReporter(rep), withAfterFunc(clock.AfterFunc))
	defer c.Close()

	require.Error(t, c.Start(context.Background()))
	require.Equal(t, 1, clock.count())

	reachable.Store(true)
	clock.fire(0)

	assert.Equal(t, Connected, c.State())
	assert.True(t, rep.contains("Connected to notification server"))
	assert.Equal(t, 1, clock.count())
}

func TestSuccessfulStartCancelsPendingRetry(t *testing.T) {
	_, url := newRenderer(t, drain)

	var reachable atomic.Bool
	base := &net.Dialer{}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !reachable.Load() {
				return nil, errors.New("connection refused")
			}
			return base.DialContext(ctx, network, addr)
		},
	}
	clock := &fakeClock{}
	c := New(Config{URL: url}, nil, WithDialer(dialer), WithReporter(&recordingReporter{}), withAfterFunc(clock.AfterFunc))
	defer c.Close()

	require.Error(t, c.Start(context.Background()))
	reachable.Store(true)
	require.NoError(t, c.Start(context.Background()))

	assert.True(t, clock.timers[0].stopped)
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(Config{URL: deadURL(t)}, nil, WithReporter(&recordingReporter{}))
	err := c.Send(wire.NotificationEvent{Title: "t", ChannelID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendReachesRenderer(t *testing.T) {
	got := make(chan wire.NotificationEvent, 1)
	_, url := newRenderer(t, func(conn *websocket.Conn) {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := wire.DecodeNotification(frame)
		if err == nil {
			got <- ev
		}
		drain(conn)
	})

	c := New(Config{URL: url}, nil, WithReporter(&recordingReporter{}))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.NoError(t, c.Send(wire.NotificationEvent{Title: "Bob", Body: "hi", ChannelID: "c1", MessageID: "m1"}))

	select {
	case ev := <-got:
		assert.Equal(t, "Bob", ev.Title)
		assert.Equal(t, "hi", ev.Body)
		assert.Equal(t, "c1", ev.ChannelID)
		assert.Equal(t, wire.NoGuild, ev.GuildID)
	case <-time.After(5 * time.Second):
		t.Fatal("renderer never received the notification")
	}
}

func TestActionsAreAppliedInOrder(t *testing.T) {
	_, url := newRenderer(t, func(conn *websocket.Conn) {
		for _, frame := range []string{
			`{not json`,
			`{"action":"dismiss","id":"c0"}`,
			`{"action":"click","id":"c1","message_id":"m1"}`,
			`{"action":"reply","id":"c2","message_id":"m2","guild_id":"g1","text":"hey"}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		drain(conn)
	})

	chat := &recordingChat{}
	c := New(Config{URL: url}, chat, WithReporter(&recordingReporter{}))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(chat.snapshot()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"navigate c1",
		"navigate c2",
		"send c2 hey m2",
	}, chat.snapshot())
}

func TestReplySentWhenNavigationFails(t *testing.T) {
	_, url := newRenderer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"reply","id":"c2","message_id":"m2","text":"yo"}`))
		drain(conn)
	})

	chat := &recordingChat{navErr: errors.New("no window")}
	rep := &recordingReporter{}
	c := New(Config{URL: url}, chat, WithReporter(rep))
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(chat.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "send c2 yo m2", chat.snapshot()[1])
	require.Eventually(t, func() bool { return rep.contains("Failed to handle reply") }, 5*time.Second, 10*time.Millisecond)
}

func TestLostConnectionIsReportedWithoutRetry(t *testing.T) {
	srv, url := newRenderer(t, func(conn *websocket.Conn) {})

	clock := &fakeClock{}
	rep := &recordingReporter{}
	c := New(Config{URL: url}, nil, WithReporter(rep), withAfterFunc(clock.AfterFunc))
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Disconnected }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rep.contains("Notification server error"))
	assert.ErrorIs(t, c.Send(wire.NotificationEvent{ChannelID: "c1"}), ErrNotConnected)

	srv.Close()
	require.ErrorIs(t, c.Start(context.Background()), ErrConnect)
	assert.Equal(t, 0, clock.count())
}

func TestCloseIsQuiet(t *testing.T) {
	_, url := newRenderer(t, drain)

	rep := &recordingReporter{}
	c := New(Config{URL: url}, nil, WithReporter(rep))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())

	assert.Equal(t, Disconnected, c.State())
	assert.False(t, rep.contains("Notification server error"))
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}
