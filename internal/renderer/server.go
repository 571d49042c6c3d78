// Package renderer is the listening side of the relay. It turns incoming
// notification events into native notifications and reports user
// interactions back over the same connection.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/manamana32321/betternotify/internal/avatar"
	"github.com/manamana32321/betternotify/internal/telemetry"
	"github.com/manamana32321/betternotify/internal/wire"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Display shows notifications on some platform.
type Display interface {
	Capabilities() Capabilities
	Show(ctx context.Context, d Descriptor) error
}

// AvatarResolver maps image references to local files.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID, avatarID string) (string, bool)
	ResolveURL(ctx context.Context, rawURL string) (string, bool)
}

// Emitter sends an action back to the client a notification came from.
type Emitter func(ev wire.ActionEvent) error

type Server struct {
	display    Display
	avatars    AvatarResolver
	caps       Capabilities
	style      Style
	avatarWait time.Duration
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	tel        *telemetry.Telemetry

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

type Option func(*Server)

func WithCapabilities(c Capabilities) Option      { return func(s *Server) { s.caps = c } }
func WithStyle(st Style) Option                   { return func(s *Server) { s.style = st } }
func WithAvatarWait(d time.Duration) Option       { return func(s *Server) { s.avatarWait = d } }
func WithLogger(l zerolog.Logger) Option          { return func(s *Server) { s.log = l } }
func WithTelemetry(t *telemetry.Telemetry) Option { return func(s *Server) { s.tel = t } }

func New(display Display, avatars AvatarResolver, opts ...Option) *Server {
	s := &Server{
		display:    display,
		avatars:    avatars,
		style:      Style{AppName: "Discord", ReplyPlaceholder: "reply"},
		avatarWait: avatar.DefaultTimeout,
		upgrader: websocket.Upgrader{
			// only ever bound to a local address; browsers hosting the
			// client send their own origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   zerolog.Nop(),
		tel:   telemetry.Nop(),
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.caps == nil {
		s.caps = display.Capabilities()
	}
	return s
}

func (s *Server) Capabilities() Capabilities { return s.caps }

// OnEvent renders one notification. Avatar resolution is bounded, so a
// slow CDN only delays this notification and never fails it.
func (s *Server) OnEvent(ctx context.Context, ev wire.NotificationEvent, emit Emitter) error {
	d := s.Build(ctx, ev, emit)
	if err := s.display.Show(ctx, d); err != nil {
		return fmt.Errorf("show notification %s: %w", d.ID, err)
	}
	s.tel.NotificationsShown.Add(ctx, 1)
	s.tel.Emit(ctx, "notification_shown",
		otellog.String("channel_id", ev.ChannelID),
		otellog.String("message_id", ev.MessageID),
		otellog.Bool("avatar", d.ImagePath != ""),
		otellog.Bool("markup", d.Markup != ""),
	)
	s.log.Info().Str("id", d.ID).Str("channel", ev.ChannelID).Msg("notification shown")
	return nil
}

// Build resolves images and assembles the descriptor for ev according to
// the display capabilities.
func (s *Server) Build(ctx context.Context, ev wire.NotificationEvent, emit Emitter) Descriptor {
	var avatarPath, heroPath string
	if s.avatars != nil && (ev.HasAvatar() || ev.AttachmentURL != "") {
		rctx, cancel := context.WithTimeout(ctx, s.avatarWait)
		if ev.HasAvatar() {
			avatarPath = s.resolveAvatar(rctx, ev)
		}
		if ev.AttachmentURL != "" && (s.caps.Has(CapImages) || s.caps.Has(CapRichMarkup)) {
			heroPath, _ = s.avatars.ResolveURL(rctx, ev.AttachmentURL)
		}
		cancel()
	}

	d := Descriptor{
		ID:        uuid.NewString(),
		AppName:   s.style.AppName,
		Title:     ev.Title,
		Body:      ev.Body,
		ImagePath: avatarPath,
		HeroPath:  heroPath,
		Timeout:   Timeout(ev.Title, ev.Body),
		OnClick: func() {
			s.send(emit, wire.ActionEvent{
				Action:    wire.ActionClick,
				ChannelID: ev.ChannelID,
				MessageID: ev.MessageID,
				GuildID:   ev.GuildID,
			})
		},
	}

	if s.caps.Has(CapReply) {
		d.Reply = true
		d.ReplyPlaceholder = s.style.ReplyPlaceholder
		d.OnReply = func(text string) {
			if text == "" {
				s.log.Debug().Str("id", d.ID).Msg("empty reply ignored")
				return
			}
			s.send(emit, wire.ActionEvent{
				Action:    wire.ActionReply,
				ChannelID: ev.ChannelID,
				MessageID: ev.MessageID,
				GuildID:   ev.GuildID,
				Text:      text,
			})
		}
	}
	if s.caps.Has(CapActions) {
		d.Buttons = []Button{{Key: ButtonIgnore, Label: "Ignore"}}
	}

	if s.caps.Has(CapRichMarkup) {
		m := markup{
			channelID:   ev.ChannelID,
			title:       ev.Title,
			body:        ev.Body,
			avatar:      avatarPath,
			hero:        heroPath,
			crop:        s.style.AvatarCrop && s.caps.Has(CapAvatarCrop),
			attribution: s.style.AttributionText,
			reply:       d.Reply,
			placeholder: d.ReplyPlaceholder,
		}
		if s.style.Header {
			m.channelName = ev.ChannelName
		}
		out, err := toastXML(m)
		if err != nil {
			s.log.Warn().Err(err).Msg("toast markup failed, showing plain notification")
		}
		d.Markup = out
	}
	return d
}

func (s *Server) resolveAvatar(ctx context.Context, ev wire.NotificationEvent) string {
	ref, ok := avatar.ParseRef(ev.AvatarURL, ev.UserID)
	if !ok {
		return ""
	}
	var p string
	if ref.URL != "" {
		p, ok = s.avatars.ResolveURL(ctx, ref.URL)
	} else {
		p, ok = s.avatars.Resolve(ctx, ref.UserID, ref.AvatarID)
	}
	if !ok {
		s.log.Debug().Str("avatar", ev.AvatarURL).Msg("rendering without avatar")
		return ""
	}
	return p
}

func (s *Server) send(emit Emitter, ev wire.ActionEvent) {
	if emit == nil {
		return
	}
	if err := emit(ev); err != nil {
		s.log.Warn().Err(err).Str("action", string(ev.Action)).Msg("could not send action to client")
		return
	}
	s.tel.Emit(context.Background(), "action_emitted",
		otellog.String("action", string(ev.Action)),
		otellog.String("channel_id", ev.ChannelID),
	)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	var wmu sync.Mutex
	emit := func(ev wire.ActionEvent) error {
		frame, err := wire.EncodeAction(ev)
		if err != nil {
			return err
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("client connection ended")
			} else {
				s.log.Info().Msg("client disconnected")
			}
			return
		}

		ev, err := wire.DecodeNotification(frame)
		if err != nil {
			s.tel.ProtocolErrors.Add(ctx, 1)
			s.log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed notification")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// a notification already received is shown even if the client leaves
			if err := s.OnEvent(context.WithoutCancel(ctx), ev, emit); err != nil {
				s.log.Error().Err(err).Str("channel", ev.ChannelID).Msg("notification not shown")
			}
		}()
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is done, then closes every open
// client connection and waits for notifications in progress.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	srv.RegisterOnShutdown(s.closeConns)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("renderer shutdown")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Str("capabilities", s.caps.String()).Msg("renderer listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		s.wg.Wait()
		return nil
	}
	return err
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
