package renderer

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manamana32321/betternotify/internal/wire"
)

type fakeDisplay struct {
	caps  Capabilities
	shown chan Descriptor
}

func newFakeDisplay(caps ...Capability) *fakeDisplay {
	return &fakeDisplay{caps: NewCapabilities(caps...), shown: make(chan Descriptor, 8)}
}

func (d *fakeDisplay) Capabilities() Capabilities { return d.caps }

func (d *fakeDisplay) Show(_ context.Context, desc Descriptor) error {
	d.shown <- desc
	return nil
}

func (d *fakeDisplay) next(t *testing.T) Descriptor {
	t.Helper()
	select {
	case desc := <-d.shown:
		return desc
	case <-time.After(5 * time.Second):
		t.Fatal("nothing was shown")
		return Descriptor{}
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	files map[string]string
	calls []string
}

func (r *fakeResolver) Resolve(_ context.Context, userID, avatarID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID+"/"+avatarID)
	p, ok := r.files[avatarID]
	return p, ok
}

func (r *fakeResolver) ResolveURL(_ context.Context, rawURL string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rawURL)
	p, ok := r.files[rawURL]
	return p, ok
}

type emitted struct {
	mu     sync.Mutex
	events []wire.ActionEvent
}

func (e *emitted) emit(ev wire.ActionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *emitted) all() []wire.ActionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wire.ActionEvent(nil), e.events...)
}

var allCaps = []Capability{CapClick, CapReply, CapActions, CapRichMarkup, CapAvatarCrop, CapImages}

func bobEvent() wire.NotificationEvent {
	return wire.NotificationEvent{
		Title:       "Bob",
		Body:        "hi",
		ChannelID:   "c1",
		MessageID:   "m1",
		GuildID:     "g1",
		AvatarURL:   "abc",
		UserID:      "u1",
		ChannelName: "general",
	}
}

func TestClickEmitsClick(t *testing.T) {
	srv := New(newFakeDisplay(CapClick), &fakeResolver{})
	out := &emitted{}

	d := srv.Build(context.Background(), bobEvent(), out.emit)
	require.NotNil(t, d.OnClick)
	d.OnClick()

	assert.Equal(t, []wire.ActionEvent{{
		Action:    wire.ActionClick,
		ChannelID: "c1",
		MessageID: "m1",
		GuildID:   "g1",
	}}, out.all())
}

func TestReplyEmitsText(t *testing.T) {
	srv := New(newFakeDisplay(allCaps...), &fakeResolver{})
	out := &emitted{}

	d := srv.Build(context.Background(), bobEvent(), out.emit)
	require.True(t, d.Reply)
	require.NotNil(t, d.OnReply)

	d.OnReply("")
	d.OnReply("on my way")

	require.Len(t, out.all(), 1)
	ev := out.all()[0]
	assert.Equal(t, wire.ActionReply, ev.Action)
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, "on my way", ev.Text)
}

func TestIgnoreButtonCarriesNoHandler(t *testing.T) {
	srv := New(newFakeDisplay(allCaps...), &fakeResolver{})
	out := &emitted{}

	d := srv.Build(context.Background(), bobEvent(), out.emit)
	assert.Equal(t, []Button{{Key: ButtonIgnore, Label: "Ignore"}}, d.Buttons)
	assert.Empty(t, out.all())
}

func TestPlainFallbackWithoutCapabilities(t *testing.T) {
	res := &fakeResolver{files: map[string]string{"abc": "/cache/abc.png"}}
	srv := New(newFakeDisplay(CapClick), res)

	d := srv.Build(context.Background(), bobEvent(), nil)
	assert.False(t, d.Reply)
	assert.Nil(t, d.OnReply)
	assert.Empty(t, d.Markup)
	assert.Empty(t, d.Buttons)
	assert.Equal(t, "/cache/abc.png", d.ImagePath)
	assert.NotNil(t, d.OnClick)
}

func TestConfiguredCapabilitiesOverrideDisplay(t *testing.T) {
	srv := New(newFakeDisplay(allCaps...), &fakeResolver{}, WithCapabilities(NewCapabilities(CapClick)))
	d := srv.Build(context.Background(), bobEvent(), nil)
	assert.False(t, d.Reply)
	assert.Empty(t, d.Markup)
}

func TestAvatarOnlyResolvedWhenPresent(t *testing.T) {
	res := &fakeResolver{}
	srv := New(newFakeDisplay(allCaps...), res)

	ev := bobEvent()
	ev.AvatarURL = ""
	d := srv.Build(context.Background(), ev, nil)

	assert.Empty(t, d.ImagePath)
	assert.Empty(t, res.calls)
}

func TestAvatarFailureStillShows(t *testing.T) {
	disp := newFakeDisplay(CapClick)
	srv := New(disp, &fakeResolver{})

	require.NoError(t, srv.OnEvent(context.Background(), bobEvent(), nil))
	d := disp.next(t)
	assert.Equal(t, "Bob", d.Title)
	assert.Empty(t, d.ImagePath)
}

func TestCDNAvatarURLUsesIDs(t *testing.T) {
	res := &fakeResolver{files: map[string]string{"def": "/cache/def.png"}}
	srv := New(newFakeDisplay(CapClick), res)

	ev := bobEvent()
	ev.AvatarURL = "https://cdn.discordapp.com/avatars/u9/def.png"
	d := srv.Build(context.Background(), ev, nil)

	assert.Equal(t, "/cache/def.png", d.ImagePath)
	assert.Equal(t, []string{"u9/def"}, res.calls)
}

func TestAttachmentBecomesHero(t *testing.T) {
	res := &fakeResolver{files: map[string]string{
		"abc":                         "/cache/abc.png",
		"https://cdn.example/cat.png": "/cache/url-cat.png",
	}}
	srv := New(newFakeDisplay(allCaps...), res)

	ev := bobEvent()
	ev.AttachmentURL = "https://cdn.example/cat.png"
	d := srv.Build(context.Background(), ev, nil)

	assert.Equal(t, "/cache/url-cat.png", d.HeroPath)
	assert.Contains(t, d.Markup, `src="/cache/url-cat.png" placement="hero"`)
}

func TestRichMarkup(t *testing.T) {
	res := &fakeResolver{files: map[string]string{"abc": "/cache/abc.png"}}
	srv := New(newFakeDisplay(allCaps...), res, WithStyle(Style{
		Header:           true,
		AttributionText:  "via betternotify",
		AvatarCrop:       true,
		ReplyPlaceholder: "reply",
	}))

	ev := bobEvent()
	ev.Body = "<b>hi</b> & bye"
	d := srv.Build(context.Background(), ev, nil)

	m := d.Markup
	assert.True(t, strings.HasPrefix(m, "<toast"))
	assert.Contains(t, m, `<header id="c1" title="#general"`)
	assert.Contains(t, m, `<text>Bob</text>`)
	assert.Contains(t, m, `&lt;b&gt;hi&lt;/b&gt; &amp; bye`)
	assert.Contains(t, m, `placement="appLogoOverride" hint-crop="circle"`)
	assert.Contains(t, m, `<text placement="attribution">via betternotify</text>`)
	assert.Contains(t, m, `<input id="reply" type="text" placeHolderContent="reply">`)
	assert.Contains(t, m, `arguments="ignore"`)
}

func TestRichMarkupWithoutOptionalParts(t *testing.T) {
	srv := New(newFakeDisplay(CapClick, CapRichMarkup), &fakeResolver{})

	ev := bobEvent()
	ev.AvatarURL = ""
	d := srv.Build(context.Background(), ev, nil)

	assert.NotContains(t, d.Markup, "<header")
	assert.NotContains(t, d.Markup, "<image")
	assert.NotContains(t, d.Markup, "<actions")
	assert.NotContains(t, d.Markup, "attribution")
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, Timeout("a b", ""))
	assert.Equal(t, 2*time.Second, Timeout("", ""))
	assert.Equal(t, 122*time.Second, Timeout(strings.Repeat("w ", 120), strings.Repeat("w ", 120)))
}

func TestParseCapabilities(t *testing.T) {
	c, err := ParseCapabilities([]string{"Reply", " click ", ""})
	require.NoError(t, err)
	assert.True(t, c.Has(CapReply))
	assert.True(t, c.Has(CapClick))
	assert.False(t, c.Has(CapRichMarkup))
	assert.Equal(t, "click,reply", c.String())

	_, err = ParseCapabilities([]string{"vibrate"})
	assert.Error(t, err)
}

func TestWebsocketRoundTrip(t *testing.T) {
	disp := newFakeDisplay(CapClick, CapReply)
	srv := New(disp, &fakeResolver{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"title":`)))
	frame, err := wire.EncodeNotification(bobEvent())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	d := disp.next(t)
	assert.Equal(t, "Bob", d.Title)
	assert.NotEmpty(t, d.ID)

	d.OnReply("yo")
	d.OnClick()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []wire.ActionEvent
	for n := 0; n < 2; n++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := wire.DecodeAction(raw)
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, wire.ActionReply, got[0].Action)
	assert.Equal(t, "yo", got[0].Text)
	assert.Equal(t, wire.ActionClick, got[1].Action)
	assert.Equal(t, "c1", got[1].ChannelID)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(newFakeDisplay(CapClick), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	disp := srv.display.(*fakeDisplay)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := wire.EncodeNotification(bobEvent())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	disp.next(t)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
