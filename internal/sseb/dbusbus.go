package sseb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const propertiesChangedSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"

// DBusBus binds the abstract Bus contract to a real D-Bus connection: one
// match rule per (path, interface) subscription, with a single demux
// goroutine fanning incoming PropertiesChanged signals out to subscribers.
type DBusBus struct {
	conn   *dbus.Conn
	logger *slog.Logger
	sigCh  chan *dbus.Signal

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*dbusSub
	closed bool
}

type dbusSub struct {
	path      string
	iface     string
	ch        chan PropertyChange
	matchOpts []dbus.MatchOption
}

// NewDBusBus connects to the system bus and starts the signal demux.
func NewDBusBus(logger *slog.Logger) (*DBusBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("sseb: connect system bus: %w", err)
	}
	b := &DBusBus{
		conn:   conn,
		logger: logger.With("component", "dbus"),
		sigCh:  make(chan *dbus.Signal, 64),
		subs:   make(map[uint64]*dbusSub),
	}
	conn.Signal(b.sigCh)
	go b.demux()
	return b, nil
}

// Subscribe adds a match rule for PropertiesChanged on (objectPath,
// interfaceName) and returns a channel of matching changes plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *DBusBus) Subscribe(objectPath, interfaceName string) (<-chan PropertyChange, func(), error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbus.ObjectPath(objectPath)),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, interfaceName),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, fmt.Errorf("sseb: add match %s %s: %w", objectPath, interfaceName, err)
	}

	sub := &dbusSub{
		path:      objectPath,
		iface:     interfaceName,
		ch:        make(chan PropertyChange, 16),
		matchOpts: opts,
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	unsub := func() { b.unsubscribe(id) }
	return sub.ch, unsub, nil
}

func (b *DBusBus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	closed := b.closed
	b.mu.Unlock()
	if !ok {
		return
	}
	if !closed {
		if err := b.conn.RemoveMatchSignal(sub.matchOpts...); err != nil {
			b.logger.Warn("remove match failed", "path", sub.path, "err", err)
		}
	}
	close(sub.ch)
}

// Close drops all subscriptions and the connection.
func (b *DBusBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.unsubscribe(id)
	}
	b.conn.RemoveSignal(b.sigCh)
	return b.conn.Close()
}

func (b *DBusBus) demux() {
	for sig := range b.sigCh {
		if sig.Name != propertiesChangedSignal || len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		props := make(map[string]interface{}, len(changed))
		for name, v := range changed {
			props[name] = v.Value()
		}
		change := PropertyChange{Interface: iface, Properties: props}

		b.mu.Lock()
		for _, sub := range b.subs {
			if sub.iface != iface || sub.path != string(sig.Path) {
				continue
			}
			select {
			case sub.ch <- change:
			default:
				b.logger.Warn("subscriber channel full, dropping change", "path", sub.path, "interface", sub.iface)
			}
		}
		b.mu.Unlock()
	}
}
