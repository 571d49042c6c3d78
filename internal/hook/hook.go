// Package hook is the entry point for intercepted notification calls. It
// extracts fields, applies the user's templates and relays the result.
package hook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/manamana32321/betternotify/internal/config"
	"github.com/manamana32321/betternotify/internal/extract"
	"github.com/manamana32321/betternotify/internal/telemetry"
	"github.com/manamana32321/betternotify/internal/template"
	"github.com/manamana32321/betternotify/internal/wire"
)

// ErrSuppressed tells the host that the notification was handled
// externally and its native notification must not be shown.
var ErrSuppressed = errors.New("notification suppressed, handled externally")

// Sender relays a finished notification.
type Sender interface {
	Send(ev wire.NotificationEvent) error
}

// Settings is the read-only accessor for the user's templates.
type Settings interface {
	Templates() config.Templates
}

// StaticSettings serves fixed templates.
type StaticSettings config.Templates

func (s StaticSettings) Templates() config.Templates { return config.Templates(s) }

type Hook struct {
	sender   Sender
	settings Settings
	layout   extract.Layout
	log      zerolog.Logger
	tel      *telemetry.Telemetry
}

type Option func(*Hook)

func WithLayout(l extract.Layout) Option          { return func(h *Hook) { h.layout = l } }
func WithLogger(l zerolog.Logger) Option          { return func(h *Hook) { h.log = l } }
func WithTelemetry(t *telemetry.Telemetry) Option { return func(h *Hook) { h.tel = t } }

func New(sender Sender, settings Settings, opts ...Option) *Hook {
	h := &Hook{
		sender:   sender,
		settings: settings,
		layout:   extract.DefaultLayout(),
		log:      zerolog.Nop(),
		tel:      telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one intercepted call. It returns ErrSuppressed once the
// notification is relayed. If the relay refuses it the send error is
// returned instead, so the host can fall back to its own notification.
func (h *Hook) Handle(args ...any) error {
	ev := h.Build(args)

	if err := h.sender.Send(ev); err != nil {
		h.log.Warn().Err(err).Str("channel", ev.ChannelID).Msg("relay refused notification")
		return fmt.Errorf("relay notification: %w", err)
	}

	ctx := context.Background()
	h.tel.NotificationsRelayed.Add(ctx, 1)
	h.tel.Emit(ctx, "notification_relayed",
		otellog.String("channel_id", ev.ChannelID),
		otellog.String("message_id", ev.MessageID),
		otellog.Bool("avatar", ev.HasAvatar()),
	)
	h.log.Debug().Str("channel", ev.ChannelID).Str("message", ev.MessageID).Msg("notification relayed")
	return ErrSuppressed
}

// Build turns the raw hook arguments into the event that goes on the wire.
func (h *Hook) Build(args []any) wire.NotificationEvent {
	res := extract.Extract(args, h.layout)
	tmpl := h.settings.Templates()

	if res.Fields.Len() == 0 {
		h.log.Debug().Int("args", len(args)).Msg("no body-bearing record in hook arguments")
	}

	ev := wire.NotificationEvent{
		Title:         template.Render(tmpl.Title, res.Fields),
		Body:          template.Render(tmpl.Body, res.Fields),
		ChannelID:     res.ChannelID,
		MessageID:     res.MessageID,
		GuildID:       res.GuildID,
		AttachmentURL: res.AttachmentURL,
		UserID:        res.SenderID,
		ChannelName:   res.ChannelName,
	}
	if ev.GuildID == "" {
		ev.GuildID = wire.NoGuild
	}
	if tmpl.ShowAvatar {
		ev.AvatarURL = res.SenderAvatar
		if ev.AvatarURL == "" {
			ev.AvatarURL = res.IconURL
		}
	}
	return ev
}
