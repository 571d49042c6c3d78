package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// Store holds the live configuration. Readers always see a complete
// snapshot; Watch swaps it when the file changes.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
	log  zerolog.Logger

	mu   sync.Mutex
	subs []func(Config)
}

func NewStore(path string, cfg Config, log zerolog.Logger) *Store {
	s := &Store{path: path, log: log}
	s.cur.Store(&cfg)
	return s
}

// Config returns the current snapshot.
func (s *Store) Config() Config { return *s.cur.Load() }

// Templates is the settings accessor consulted for every notification.
func (s *Store) Templates() Templates { return s.cur.Load().Templates }

// OnReload registers fn to run after each successful reload.
func (s *Store) OnReload(fn func(Config)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(&cfg)

	s.mu.Lock()
	subs := append([]func(Config){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Watch reloads the store whenever the config file is written, created or
// replaced. It watches the parent directory so editors that rename over
// the file are seen. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	s.log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if err := s.Reload(); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("config reload failed, keeping previous settings")
			return
		}
		s.log.Info().Str("path", s.path).Msg("config reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// editors emit bursts of events for one save
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("config watch error")
		}
	}
}
