// Package events is the typed publish/subscribe port between the
// ingestion core and downstream consumers (cloud services, SDKs, UIs).
//
// Events are plain data records. Handlers run synchronously on the
// publisher's goroutine, in subscription order; payloads are snapshots
// and never alias live cache state.
package events

import (
	"sync"

	"github.com/glowbound/fleetcore/pkg/models"
)

// Type names one of the six event kinds the dispatcher emits.
type Type string

const (
	TypeReceivedMsg Type = "RECEIVED_MSG"
	TypeUnhandled   Type = "UNHANDLED_MSG"
	TypeOnline      Type = "ONLINE"
	TypeRegistered  Type = "REGISTERED"
	TypePropUpdate  Type = "PROP_UPDATE"
	TypeLogReceived Type = "LOG_RECEIVED"
)

// ── Payloads ─────────────────────────────────────────────────

// ReceivedMessage fires for every inbound message, before any routing.
type ReceivedMessage struct {
	ComponentID string
	Topic       string
	Payload     []byte
}

// UnhandledMessage fires for topics the dispatcher recognizes but does
// not act on (reserved partial publish, get/set echoes, connections).
type UnhandledMessage struct {
	ComponentID string
	Topic       string
	Payload     []byte
}

// Online fires on system identity arrival (true) and on the broker's
// will message (false).
type Online struct {
	ComponentID string
	Online      bool
}

// Registered fires when a source's registration completes or is torn
// down.
type Registered struct {
	ComponentID string
	Source      models.Source
	Registered  bool
}

// PropertyUpdate fires for each full-value publication that decodes
// against a cached registration.
type PropertyUpdate struct {
	ComponentID string
	Source      models.Source
	Path        string
	Format      string
	Unpacked    [][]any
	Formatted   any
	Raw         []byte
}

// LogReceived fires for each validated device log line.
type LogReceived struct {
	ComponentID string
	Source      models.Source
	Log         models.LogRecord
}

// ── Bus ──────────────────────────────────────────────────────

// Bus fans events out to subscribed handlers. A nil *Bus is valid and
// drops everything, so library code can publish unconditionally.
type Bus struct {
	mu          sync.RWMutex
	received    []func(ReceivedMessage)
	unhandled   []func(UnhandledMessage)
	online      []func(Online)
	registered  []func(Registered)
	propUpdate  []func(PropertyUpdate)
	logReceived []func(LogReceived)
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// ── Subscribe ────────────────────────────────────────────────

func (b *Bus) OnReceived(fn func(ReceivedMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, fn)
}

func (b *Bus) OnUnhandled(fn func(UnhandledMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unhandled = append(b.unhandled, fn)
}

func (b *Bus) OnOnline(fn func(Online)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = append(b.online, fn)
}

func (b *Bus) OnRegistered(fn func(Registered)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = append(b.registered, fn)
}

func (b *Bus) OnPropertyUpdate(fn func(PropertyUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.propUpdate = append(b.propUpdate, fn)
}

func (b *Bus) OnLogReceived(fn func(LogReceived)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logReceived = append(b.logReceived, fn)
}

// ── Publish ──────────────────────────────────────────────────
//
// Handler slices are snapshotted under the read lock and invoked after
// it is released, so a handler may subscribe without deadlocking.

func (b *Bus) PublishReceived(ev ReceivedMessage) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.received
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bus) PublishUnhandled(ev UnhandledMessage) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.unhandled
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bus) PublishOnline(ev Online) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.online
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bus) PublishRegistered(ev Registered) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.registered
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bus) PublishPropertyUpdate(ev PropertyUpdate) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.propUpdate
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Bus) PublishLogReceived(ev LogReceived) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.logReceived
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
