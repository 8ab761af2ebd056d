package admin

import (
	"sort"
	"sync"
	"time"

	"github.com/glowbound/fleetcore/pkg/events"
	"github.com/glowbound/fleetcore/pkg/models"
)

// componentRecord is the event-derived view of one component.
type componentRecord struct {
	online        bool
	seenIdentity  bool
	systemReg     bool
	appReg        bool
	appSeen       bool
	lostSystemReg bool
	lostAppReg    bool
	lastSeen      time.Time
}

// Tracker folds the event stream into a per-component status rollup
// for the admin surface. It holds no reference into the cache; events
// already carry snapshots.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*componentRecord
}

func NewTracker(bus *events.Bus) *Tracker {
	t := &Tracker{components: make(map[string]*componentRecord)}

	bus.OnReceived(func(ev events.ReceivedMessage) {
		t.touch(ev.ComponentID)
	})
	bus.OnOnline(func(ev events.Online) {
		t.mu.Lock()
		defer t.mu.Unlock()
		rec := t.record(ev.ComponentID)
		rec.online = ev.Online
		rec.lastSeen = time.Now()
		if ev.Online {
			rec.seenIdentity = true
		} else {
			// The will message wipes the component's state; the rollup
			// follows suit.
			rec.systemReg, rec.appReg = false, false
			rec.lostSystemReg, rec.lostAppReg = false, false
			rec.appSeen = false
		}
	})
	bus.OnRegistered(func(ev events.Registered) {
		t.mu.Lock()
		defer t.mu.Unlock()
		rec := t.record(ev.ComponentID)
		rec.lastSeen = time.Now()
		switch ev.Source {
		case models.SourceSystem:
			rec.lostSystemReg = rec.systemReg && !ev.Registered
			rec.systemReg = ev.Registered
		case models.SourceApp:
			rec.appSeen = true
			rec.lostAppReg = rec.appReg && !ev.Registered
			rec.appReg = ev.Registered
		}
	})
	bus.OnPropertyUpdate(func(ev events.PropertyUpdate) {
		t.touch(ev.ComponentID)
	})
	bus.OnLogReceived(func(ev events.LogReceived) {
		t.touch(ev.ComponentID)
	})

	return t
}

func (t *Tracker) record(componentID string) *componentRecord {
	rec, ok := t.components[componentID]
	if !ok {
		rec = &componentRecord{}
		t.components[componentID] = rec
	}
	return rec
}

func (t *Tracker) touch(componentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(componentID).lastSeen = time.Now()
}

// ComponentIDs returns the tracked component IDs in sorted order.
func (t *Tracker) ComponentIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.components))
	for id := range t.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status reports one component's rollup and whether it is tracked.
func (t *Tracker) Status(componentID string) (models.ComponentStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.components[componentID]
	if !ok {
		return models.ComponentStatus{}, false
	}
	return models.ComponentStatus{
		ComponentID:      componentID,
		Online:           rec.online,
		Health:           rec.health(),
		SystemRegistered: rec.systemReg,
		AppRegistered:    rec.appReg,
		LastSeen:         rec.lastSeen,
	}, true
}

// health derives the operator-facing state from the record.
func (r *componentRecord) health() models.ExhibitHealthState {
	switch {
	case !r.seenIdentity:
		return models.HealthUnknown
	case !r.online:
		return models.HealthOffline
	case r.lostSystemReg || r.lostAppReg:
		return models.HealthDegraded
	case r.systemReg && (r.appReg || !r.appSeen):
		return models.HealthHealthy
	default:
		return models.HealthRegistering
	}
}
