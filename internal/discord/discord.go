// Package discord connects to Discord as the chat client: qualifying
// messages become hook calls, and renderer actions become channel
// navigation and replies.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/manamana32321/betternotify/internal/hook"
	"github.com/manamana32321/betternotify/internal/relayclient"
)

const avatarSize = "256"

// Handler receives the positional arguments of one notification call.
type Handler interface {
	Handle(args ...any) error
}

type Client struct {
	session  *discordgo.Session
	channels map[string]bool
	open     Opener
	log      zerolog.Logger
	calls    chan []any

	mu     sync.RWMutex
	selfID string
	guilds map[string]string
}

type Option func(*Client)

func WithOpener(o Opener) Option         { return func(c *Client) { c.open = o } }
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// New prepares a bot session. Messages in channels are always relayed;
// direct messages and mentions of the bot are relayed everywhere.
func New(token string, channels []string, opts ...Option) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordgo session: %w", err)
	}

	c := &Client{
		session:  session,
		channels: make(map[string]bool, len(channels)),
		open:     OpenURL,
		log:      zerolog.Nop(),
		calls:    make(chan []any, 100),
		guilds:   make(map[string]string),
	}
	for _, id := range channels {
		c.channels[id] = true
	}
	for _, opt := range opts {
		opt(c)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(c.onMessage)
	return c, nil
}

// Start opens the gateway and feeds qualifying messages to h until ctx is
// done.
func (c *Client) Start(ctx context.Context, h Handler) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	defer c.session.Close()

	c.mu.Lock()
	c.selfID = c.session.State.User.ID
	c.mu.Unlock()
	c.log.Info().Str("user", c.session.State.User.Username).Msg("discord bot connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case args := <-c.calls:
			err := h.Handle(args...)
			if err != nil && !errors.Is(err, hook.ErrSuppressed) {
				c.log.Warn().Err(err).Msg("notification not relayed")
			}
		}
	}
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if !c.qualifies(m.Message) {
		return
	}
	c.rememberGuild(m.ChannelID, m.GuildID)

	args := HookArgs(m.Message, c.channelName(m.ChannelID))
	select {
	case c.calls <- args:
	default:
		c.log.Warn().Str("channel", m.ChannelID).Msg("notification queue full, dropping message")
	}
}

func (c *Client) qualifies(m *discordgo.Message) bool {
	if m == nil || m.Author == nil || m.Author.Bot {
		return false
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return false
	}

	c.mu.RLock()
	self := c.selfID
	c.mu.RUnlock()
	if m.Author.ID == self {
		return false
	}

	if m.GuildID == "" || c.channels[m.ChannelID] {
		return true
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == self {
			return true
		}
	}
	return false
}

func (c *Client) channelName(channelID string) string {
	ch, err := c.session.State.Channel(channelID)
	if err != nil {
		return ""
	}
	return ch.Name
}

func (c *Client) rememberGuild(channelID, guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds[channelID] = guildID
}

func (c *Client) guildOf(channelID string) string {
	c.mu.RLock()
	g, ok := c.guilds[channelID]
	c.mu.RUnlock()
	if ok {
		return g
	}
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return ch.GuildID
	}
	return ""
}

// NavigateToChannel opens the channel in the user's Discord client.
func (c *Client) NavigateToChannel(ctx context.Context, channelID string) error {
	link := ChannelLink(c.guildOf(channelID), channelID)
	if err := c.open(ctx, link); err != nil {
		return fmt.Errorf("open %s: %w", link, err)
	}
	return nil
}

// SendMessage posts content to the channel as a reply to replyTo.
func (c *Client) SendMessage(ctx context.Context, channelID, content string, replyTo relayclient.MessageReference) error {
	msg := &discordgo.MessageSend{Content: content}
	if replyTo.MessageID != "" {
		refChannel := replyTo.ChannelID
		if refChannel == "" {
			refChannel = channelID
		}
		msg.Reference = &discordgo.MessageReference{
			MessageID: replyTo.MessageID,
			ChannelID: refChannel,
			GuildID:   c.guildOf(refChannel),
		}
	}

	if _, err := c.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send to Discord: %w", err)
	}
	c.log.Debug().Str("channel", channelID).Str("reply_to", replyTo.MessageID).Msg("reply sent")
	return nil
}

// HookArgs lays a message out the way the client's notification function
// receives it: icon, title, body, tracking, options, record.
func HookArgs(m *discordgo.Message, channelName string) []any {
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	title := name
	if channelName != "" {
		title = fmt.Sprintf("%s (#%s)", name, channelName)
	}

	body := m.Content
	attachments := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if body == "" {
			body = a.Filename
		}
		attachments = append(attachments, map[string]any{
			"url":          a.URL,
			"filename":     a.Filename,
			"content_type": a.ContentType,
		})
	}

	return []any{
		m.Author.AvatarURL(avatarSize),
		title,
		body,
		map[string]any{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
		map[string]any{
			"isUserAvatar": true,
			"messageRecord": map[string]any{
				"id":          m.ID,
				"channel_id":  m.ChannelID,
				"attachments": attachments,
			},
		},
		map[string]any{
			"body":              body,
			"content":           m.Content,
			"senderDisplayName": name,
			"senderUsername":    m.Author.Username,
			"senderAvatar":      m.Author.Avatar,
			"senderId":          m.Author.ID,
			"channel_id":        m.ChannelID,
			"guild_id":          m.GuildID,
			"channelName":       channelName,
			"groupName":         channelName,
		},
	}
}
