// Package relayclient owns the connection from the chat client side to the
// notification renderer.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/manamana32321/betternotify/internal/telemetry"
	"github.com/manamana32321/betternotify/internal/wire"
)

var (
	ErrNotConnected = errors.New("not connected to notification server")
	ErrQueueFull    = errors.New("notification queue full")
	ErrClosed       = errors.New("relay client closed")
	ErrConnect      = errors.New("connect to notification server")
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// State of the renderer connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageReference points at the message a reply answers.
type MessageReference struct {
	ChannelID string
	MessageID string
}

// ChatClient is the part of the chat client that actions drive.
type ChatClient interface {
	NavigateToChannel(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID, content string, replyTo MessageReference) error
}

type Config struct {
	URL        string
	RetryDelay time.Duration
	QueueSize  int
}

type stopper interface{ Stop() bool }

// Client keeps one websocket to the renderer. Outgoing notifications are
// queued and written by a single writer; incoming actions are handled one
// at a time in arrival order.
type Client struct {
	cfg       Config
	chat      ChatClient
	report    Reporter
	dialer    *websocket.Dialer
	log       zerolog.Logger
	tel       *telemetry.Telemetry
	afterFunc func(time.Duration, func()) stopper
	onAction  func(wire.ActionEvent)

	mu            sync.Mutex
	state         State
	everConnected bool
	closed        bool
	sess          *session
	retry         stopper

	wg sync.WaitGroup
}

type Option func(*Client)

func WithReporter(r Reporter) Option                  { return func(c *Client) { c.report = r } }
func WithDialer(d *websocket.Dialer) Option           { return func(c *Client) { c.dialer = d } }
func WithLogger(l zerolog.Logger) Option              { return func(c *Client) { c.log = l } }
func WithTelemetry(t *telemetry.Telemetry) Option     { return func(c *Client) { c.tel = t } }
func WithActionHook(fn func(wire.ActionEvent)) Option { return func(c *Client) { c.onAction = fn } }

func withAfterFunc(fn func(time.Duration, func()) stopper) Option {
	return func(c *Client) { c.afterFunc = fn }
}

func New(cfg Config, chat ChatClient, opts ...Option) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	c := &Client{
		cfg:    cfg,
		chat:   chat,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		log:    zerolog.Nop(),
		tel:    telemetry.Nop(),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	c.report = LogReporter{Log: &c.log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects to the renderer. If the renderer has never been reached,
// a failure schedules exactly one retry after the configured delay; the
// retry does not schedule another. Once a connection has existed, failures
// are only reported. Calling Start again re-arms the retry.
func (c *Client) Start(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Client) connect(ctx context.Context, mayRetry bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()

	c.mu.Lock()
	if err != nil {
		c.state = Disconnected
		if c.everConnected {
			c.mu.Unlock()
			c.report.Report(Failure(fmt.Sprintf("Notification server error: %v", err), 30*time.Second))
			return fmt.Errorf("%w: %v", ErrConnect, err)
		}
		scheduled := false
		if mayRetry && c.retry == nil && !c.closed {
			c.retry = c.afterFunc(c.cfg.RetryDelay, func() { c.retryOnce(ctx) })
			scheduled = true
		}
		c.mu.Unlock()

		msg := "Failed to connect to notification server"
		if scheduled {
			msg = fmt.Sprintf("%s. Retrying in %s", msg, c.cfg.RetryDelay)
		}
		c.report.Report(Failure(msg, 9*time.Second))
		c.log.Warn().Err(err).Str("url", c.cfg.URL).Bool("retry", scheduled).Msg("renderer unreachable")
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}

	s := newSession(conn, c.cfg.QueueSize)
	c.sess = s
	c.state = Connected
	c.everConnected = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.wg.Add(2)
	c.mu.Unlock()

	go c.writeLoop(s)
	go c.readLoop(ctx, s)

	c.log.Info().Str("url", c.cfg.URL).Msg("connected to renderer")
	c.report.Report(Success("Connected to notification server", 6*time.Second))
	return nil
}

func (c *Client) retryOnce(ctx context.Context) {
	c.mu.Lock()
	c.retry = nil
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_ = c.connect(ctx, false)
}

// Send queues a notification for the renderer without waiting.
func (c *Client) Send(ev wire.NotificationEvent) error {
	frame, err := wire.EncodeNotification(ev)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the connection down and cancels any pending retry.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	s := c.sess
	c.sess = nil
	c.state = Disconnected
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()

	if s != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.shutdown()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) writeLoop(s *session) {
	defer c.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.drop(s, err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, s *session) {
	defer c.wg.Done()
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			c.drop(s, err)
			return
		}

		ev, err := wire.DecodeAction(frame)
		if err != nil {
			c.tel.ProtocolErrors.Add(ctx, 1)
			c.log.Warn().Err(err).Bytes("frame", truncate(frame, 200)).Msg("dropping malformed action")
			continue
		}
		if !ev.Known() {
			c.log.Debug().Str("action", string(ev.Action)).Msg("ignoring unknown action")
			continue
		}
		c.dispatch(ctx, ev)
	}
}

// dispatch applies one action. For replies navigation is issued before the
// message is sent; a failed navigation does not stop the reply.
func (c *Client) dispatch(ctx context.Context, ev wire.ActionEvent) {
	if c.onAction != nil {
		c.onAction(ev)
	}
	if c.chat == nil {
		return
	}

	var errs []error
	if err := c.chat.NavigateToChannel(ctx, ev.ChannelID); err != nil {
		errs = append(errs, fmt.Errorf("open channel %s: %w", ev.ChannelID, err))
	}
	if ev.Action == wire.ActionReply {
		ref := MessageReference{ChannelID: ev.ChannelID, MessageID: ev.MessageID}
		if err := c.chat.SendMessage(ctx, ev.ChannelID, ev.Text, ref); err != nil {
			errs = append(errs, fmt.Errorf("send reply to %s: %w", ev.ChannelID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.log.Error().Err(err).Str("action", string(ev.Action)).Msg("action failed")
		c.report.Report(Failure(fmt.Sprintf("Failed to handle %s: %v", ev.Action, err), 30*time.Second))
		return
	}
	c.tel.ActionsDispatched.Add(ctx, 1)
	c.tel.Emit(ctx, "action_dispatched",
		otellog.String("action", string(ev.Action)),
		otellog.String("channel_id", ev.ChannelID),
	)
}

func (c *Client) drop(s *session, err error) {
	if !s.shutdown() {
		return
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state = Disconnected
	}
	closing := c.closed
	c.mu.Unlock()

	if closing {
		return
	}
	c.log.Error().Err(err).Msg("renderer connection lost")
	c.report.Report(Failure(fmt.Sprintf("Notification server error: %v", err), 30*time.Second))
}

type session struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn, queue int) *session {
	return &session{
		conn: conn,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// shutdown closes the session once and reports whether this call did it.
func (s *session) shutdown() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.conn.Close()
	})
	return first
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
