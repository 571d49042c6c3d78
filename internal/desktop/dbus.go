// Package desktop holds the display backends the renderer can show
// notifications on.
package desktop

import (
	"context"
	"fmt"
	"html"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/manamana32321/betternotify/internal/renderer"
)

const (
	busName = "org.freedesktop.Notifications"
	objPath = dbus.ObjectPath("/org/freedesktop/Notifications")

	signalActionInvoked      = busName + ".ActionInvoked"
	signalNotificationClosed = busName + ".NotificationClosed"
	signalNotificationReply  = busName + ".NotificationReplied"

	actionDefault     = "default"
	actionInlineReply = "inline-reply"

	urgencyNormal = byte(1)
)

// serverCaps is what the notification server said it supports, beyond
// what maps onto renderer capabilities.
type serverCaps struct {
	caps       renderer.Capabilities
	bodyMarkup bool
}

func capabilitiesFrom(names []string) serverCaps {
	sc := serverCaps{caps: renderer.NewCapabilities(renderer.CapClick)}
	for _, n := range names {
		switch n {
		case "actions":
			sc.caps[renderer.CapActions] = true
		case "inline-reply":
			sc.caps[renderer.CapReply] = true
		case "body-images":
			sc.caps[renderer.CapImages] = true
		case "body-markup":
			sc.bodyMarkup = true
		}
	}
	return sc
}

// DBus shows notifications through org.freedesktop.Notifications on the
// session bus and routes the server's signals to descriptor handlers.
type DBus struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	server  serverCaps
	log     zerolog.Logger
	signals chan *dbus.Signal

	mu      sync.Mutex
	pending map[uint32]renderer.Descriptor
	quit    chan struct{}
	done    chan struct{}
}

func NewDBus(ctx context.Context, log zerolog.Logger) (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	obj := conn.Object(busName, objPath)

	var names []string
	if err := obj.CallWithContext(ctx, busName+".GetCapabilities", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("query notification server capabilities: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(objPath),
		dbus.WithMatchInterface(busName),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to notification signals: %w", err)
	}

	d := newDBus(capabilitiesFrom(names), log)
	d.conn = conn
	d.obj = obj
	conn.Signal(d.signals)
	go d.loop()

	log.Info().Strs("server", names).Str("capabilities", d.server.caps.String()).Msg("dbus notifications ready")
	return d, nil
}

func newDBus(sc serverCaps, log zerolog.Logger) *DBus {
	return &DBus{
		server:  sc,
		log:     log,
		signals: make(chan *dbus.Signal, 16),
		pending: make(map[uint32]renderer.Descriptor),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *DBus) Capabilities() renderer.Capabilities { return d.server.caps }

func (d *DBus) Show(ctx context.Context, desc renderer.Descriptor) error {
	actions, hints, body := d.request(desc)

	var id uint32
	err := d.obj.CallWithContext(ctx, busName+".Notify", 0,
		desc.AppName,
		uint32(0),
		"",
		desc.Title,
		body,
		actions,
		hints,
		int32(desc.Timeout.Milliseconds()),
	).Store(&id)
	if err != nil {
		return fmt.Errorf("dbus notify: %w", err)
	}

	d.mu.Lock()
	d.pending[id] = desc
	d.mu.Unlock()
	d.log.Debug().Uint32("dbus_id", id).Str("id", desc.ID).Msg("notification sent to server")
	return nil
}

// request builds the Notify arguments for desc.
func (d *DBus) request(desc renderer.Descriptor) ([]string, map[string]dbus.Variant, string) {
	var actions []string
	if d.server.caps.Has(renderer.CapActions) {
		actions = append(actions, actionDefault, "Open")
		for _, b := range desc.Buttons {
			actions = append(actions, b.Key, b.Label)
		}
	}
	if desc.Reply && d.server.caps.Has(renderer.CapReply) {
		actions = append(actions, actionInlineReply, desc.ReplyPlaceholder)
	}
	if actions == nil {
		actions = []string{}
	}

	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(urgencyNormal),
		"desktop-entry": dbus.MakeVariant("discord"),
	}
	if desc.ImagePath != "" {
		hints["image-path"] = dbus.MakeVariant(desc.ImagePath)
	}

	body := desc.Body
	if d.server.bodyMarkup {
		body = html.EscapeString(body)
		if desc.HeroPath != "" && d.server.caps.Has(renderer.CapImages) {
			body += fmt.Sprintf("\n<img src=\"file://%s\" alt=\"attachment\"/>", html.EscapeString(desc.HeroPath))
		}
	}
	return actions, hints, body
}

func (d *DBus) loop() {
	defer close(d.done)
	for {
		select {
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			d.handleSignal(sig)
		case <-d.quit:
			return
		}
	}
}

func (d *DBus) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) == 0 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	var arg string
	if len(sig.Body) > 1 {
		arg, _ = sig.Body[1].(string)
	}

	switch sig.Name {
	case signalActionInvoked:
		desc, ok := d.take(id)
		if !ok {
			return
		}
		if arg == actionDefault {
			if desc.OnClick != nil {
				desc.OnClick()
			}
			return
		}
		d.log.Debug().Str("id", desc.ID).Str("action", arg).Msg("notification dismissed")
	case signalNotificationReply:
		desc, ok := d.take(id)
		if ok && desc.OnReply != nil {
			desc.OnReply(arg)
		}
	case signalNotificationClosed:
		d.take(id)
	}
}

// take removes the notification so each one is handled at most once.
func (d *DBus) take(id uint32) (renderer.Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.pending[id]
	delete(d.pending, id)
	return desc, ok
}

// Close disconnects from the session bus and waits for the signal loop.
func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	d.conn.RemoveSignal(d.signals)
	close(d.quit)
	<-d.done
	return d.conn.Close()
}
