package desktop

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manamana32321/betternotify/internal/renderer"
)

// Log is a headless display: it writes each notification to the log and
// keeps the most recent ones so their handlers can be fired by hand.
type Log struct {
	caps renderer.Capabilities
	log  zerolog.Logger

	mu     sync.Mutex
	recent []renderer.Descriptor
}

const logKeep = 32

func NewLog(caps renderer.Capabilities, log zerolog.Logger) *Log {
	if caps == nil {
		caps = renderer.NewCapabilities(renderer.CapClick)
	}
	return &Log{caps: caps, log: log}
}

func (l *Log) Capabilities() renderer.Capabilities { return l.caps }

func (l *Log) Show(_ context.Context, d renderer.Descriptor) error {
	l.mu.Lock()
	l.recent = append(l.recent, d)
	if len(l.recent) > logKeep {
		l.recent = l.recent[len(l.recent)-logKeep:]
	}
	l.mu.Unlock()

	l.log.Info().
		Str("id", d.ID).
		Str("app", d.AppName).
		Str("title", d.Title).
		Str("body", d.Body).
		Str("image", d.ImagePath).
		Str("hero", d.HeroPath).
		Bool("reply", d.Reply).
		Dur("timeout", d.Timeout).
		Int("markup_bytes", len(d.Markup)).
		Msg("notification")
	return nil
}

// Recent returns the notifications shown so far, oldest first.
func (l *Log) Recent() []renderer.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]renderer.Descriptor(nil), l.recent...)
}

func (l *Log) Close() error { return nil }
