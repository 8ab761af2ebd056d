// Package dispatch routes V2 protocol messages for one component
// source: identity and registration payloads mutate the registration
// cache under the source lock, value publications decode against the
// cached registrations, and every outcome is re-emitted as a typed
// event on the bus.
package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowbound/fleetcore/internal/locks"
	"github.com/glowbound/fleetcore/internal/packets"
	"github.com/glowbound/fleetcore/internal/propcodec"
	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/pkg/events"
	"github.com/glowbound/fleetcore/pkg/gberr"
	"github.com/glowbound/fleetcore/pkg/models"
)

const (
	// defaultCompletionDelay is how long a source gets to deliver all
	// announced registrations before the completion check runs.
	defaultCompletionDelay = 3 * time.Second
	// defaultLockWait bounds every lock acquisition the dispatcher
	// performs.
	defaultLockWait = 10 * time.Second
)

// PublishFunc is the outbound capability the property-set path uses.
// The core never owns a transport; callers inject one per call.
type PublishFunc func(ctx context.Context, topic string, payload []byte) error

// Dispatcher drives the per-component, per-source registration state
// machine. It borrows the cache; the cache owns the entries.
type Dispatcher struct {
	cache  regcache.Cache
	locker locks.Locker
	bus    *events.Bus

	completionDelay time.Duration
	lockWait        time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option adjusts dispatcher timing, mainly for tests.
type Option func(*Dispatcher)

// WithCompletionDelay overrides the registration completion-check delay.
func WithCompletionDelay(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.completionDelay = d }
}

// WithLockWait overrides the bound on lock acquisition.
func WithLockWait(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.lockWait = d }
}

func New(cache regcache.Cache, locker locks.Locker, bus *events.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cache:           cache,
		locker:          locker,
		bus:             bus,
		completionDelay: defaultCompletionDelay,
		lockWait:        defaultLockWait,
		timers:          make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close cancels every outstanding completion timer. In-flight
// callbacks may still run; they re-check state under the source lock.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// Dispatch routes one component-relative message. Errors mean the
// message was abandoned; they never poison the component's state
// beyond what the individual handler documents.
func (d *Dispatcher) Dispatch(ctx context.Context, componentID, topic string, payload []byte) error {
	rt := parseTopic(topic)
	switch rt.kind {
	case routeSystemInfo:
		return d.handleSystemInfo(ctx, componentID, payload)
	case routeAppInfo:
		return d.handleAppInfo(ctx, componentID, payload)
	case routeRegisterProp:
		return d.handlePropertyRegistration(ctx, componentID, rt.source, payload)
	case routeLog:
		return d.handleLog(componentID, rt.source, payload)
	case routePropPublish:
		return d.handlePropertyValue(ctx, componentID, rt.source, rt.path, payload)
	case routeUnhandled:
		d.bus.PublishUnhandled(events.UnhandledMessage{
			ComponentID: componentID,
			Topic:       topic,
			Payload:     slices.Clone(payload),
		})
		return nil
	}
	return nil
}

// ── Identity ────────────────────────────────────────────────

func (d *Dispatcher) handleSystemInfo(ctx context.Context, componentID string, payload []byte) error {
	// An empty payload is the broker's will message: the component is
	// gone and nothing cached about it can be trusted.
	if len(payload) == 0 {
		d.bus.PublishOnline(events.Online{ComponentID: componentID, Online: false})
		d.cancelCompletion(componentID, models.SourceSystem)
		d.cancelCompletion(componentID, models.SourceApp)
		return d.withAllLocks(ctx, componentID, func() error {
			return d.cache.ClearAll(ctx, componentID)
		})
	}

	d.bus.PublishOnline(events.Online{ComponentID: componentID, Online: true})

	info, err := packets.ParseSystemInfo(payload)
	if err != nil {
		if gberr.IsKind(err, gberr.PayloadSchemaInvalid) {
			// A malformed identity leaves no trustworthy baseline.
			if clearErr := d.withAllLocks(ctx, componentID, func() error {
				return d.cache.ClearAll(ctx, componentID)
			}); clearErr != nil {
				log.Error().Err(clearErr).Str("component", componentID).
					Msg("clear state after invalid identity")
			}
		}
		return err
	}

	return d.withSourceLock(ctx, componentID, models.SourceSystem, func() error {
		if err := d.cache.CacheApiVersion(ctx, componentID, info.ApiVer); err != nil {
			return err
		}
		if err := d.cache.CacheSystemInfo(ctx, componentID, info); err != nil {
			return err
		}
		if info.NumProps == 0 {
			return d.completeRegistration(ctx, componentID, models.SourceSystem)
		}
		d.scheduleCompletion(componentID, models.SourceSystem)
		return nil
	})
}

func (d *Dispatcher) handleAppInfo(ctx context.Context, componentID string, payload []byte) error {
	return d.withSourceLock(ctx, componentID, models.SourceApp, func() error {
		registered, err := d.cache.IsRegistered(ctx, componentID, models.SourceApp)
		if err != nil {
			return err
		}
		if registered {
			// A fresh identity from a registered app restarts its
			// registration from scratch.
			if err := d.cache.ClearCachedValues(ctx, componentID, models.SourceApp); err != nil {
				return err
			}
			d.bus.PublishRegistered(events.Registered{
				ComponentID: componentID, Source: models.SourceApp, Registered: false,
			})
		}

		info, err := packets.ParseApplicationInfo(payload)
		if err != nil {
			return err
		}
		if err := d.cache.CacheAppInfo(ctx, componentID, info); err != nil {
			return err
		}
		if info.NumProps == 0 {
			return d.completeRegistration(ctx, componentID, models.SourceApp)
		}
		d.scheduleCompletion(componentID, models.SourceApp)
		return nil
	})
}

// ── Property registration ───────────────────────────────────

func (d *Dispatcher) handlePropertyRegistration(ctx context.Context, componentID string, source models.Source, payload []byte) error {
	return d.withSourceLock(ctx, componentID, source, func() error {
		reg, err := packets.ParsePropertyRegistration(payload)
		if err != nil {
			return err
		}

		existing, err := d.cache.GetAllProperties(ctx, componentID, source)
		if err != nil {
			return err
		}

		// Path and index must both be unique among accepted records.
		// A half match is a conflict: the record is skipped with no
		// state change, before any re-registration wipe, so a stray
		// conflicting packet cannot tear down a completed
		// registration. An exact duplicate re-announces a known
		// property and is overwritten in place.
		duplicate := false
		for _, cur := range existing {
			samePath := cur.Path == reg.Path
			sameIndex := cur.Index == reg.Index
			if samePath && sameIndex {
				duplicate = true
				continue
			}
			if samePath != sameIndex {
				log.Warn().Str("component", componentID).Str("source", string(source)).
					Str("path", reg.Path).Int("index", reg.Index).
					Msg("conflicting property registration skipped")
				return nil
			}
		}

		// An acceptable record arriving after completion starts the
		// source's registration over.
		registered, err := d.cache.IsRegistered(ctx, componentID, source)
		if err != nil {
			return err
		}
		if registered {
			if err := d.cache.ClearCachedValues(ctx, componentID, source); err != nil {
				return err
			}
			d.bus.PublishRegistered(events.Registered{
				ComponentID: componentID, Source: source, Registered: false,
			})
			existing = nil
			duplicate = false
		}

		if err := d.cache.CacheProperty(ctx, componentID, source, reg); err != nil {
			return err
		}

		count := len(existing)
		if !duplicate {
			count++
		}
		declared, known, err := d.declaredProps(ctx, componentID, source)
		if err != nil {
			return err
		}
		if known && count == declared {
			return d.completeRegistration(ctx, componentID, source)
		}
		d.scheduleCompletion(componentID, source)
		return nil
	})
}

// declaredProps reads num_props from the source's identity record.
func (d *Dispatcher) declaredProps(ctx context.Context, componentID string, source models.Source) (int, bool, error) {
	switch source {
	case models.SourceSystem:
		info, err := d.cache.GetSystemInfo(ctx, componentID)
		if err != nil || info == nil {
			return 0, false, err
		}
		return info.NumProps, true, nil
	case models.SourceApp:
		info, err := d.cache.GetAppInfo(ctx, componentID)
		if err != nil || info == nil {
			return 0, false, err
		}
		return info.NumProps, true, nil
	}
	return 0, false, nil
}

// completeRegistration marks a source registered. Callers hold the
// source lock.
func (d *Dispatcher) completeRegistration(ctx context.Context, componentID string, source models.Source) error {
	d.cancelCompletion(componentID, source)
	if err := d.cache.SetRegistered(ctx, componentID, source, true); err != nil {
		return err
	}
	d.bus.PublishRegistered(events.Registered{
		ComponentID: componentID, Source: source, Registered: true,
	})
	return nil
}

// ── Logs ────────────────────────────────────────────────────

func (d *Dispatcher) handleLog(componentID string, source models.Source, payload []byte) error {
	rec, err := packets.ParseLog(payload)
	if err != nil {
		return err
	}
	d.bus.PublishLogReceived(events.LogReceived{
		ComponentID: componentID, Source: source, Log: *rec,
	})
	return nil
}

// ── Value publications ──────────────────────────────────────

func (d *Dispatcher) handlePropertyValue(ctx context.Context, componentID string, source models.Source, path string, payload []byte) error {
	reg, err := d.cache.GetProperty(ctx, componentID, source, path)
	if err != nil {
		return err
	}
	if reg == nil {
		return gberr.Newf(gberr.PropertyInvalid,
			"no registration for %s/%s on component %s", source, path, componentID)
	}

	records, err := propcodec.Unpack(payload, reg)
	if err != nil {
		return err
	}
	formatted, err := propcodec.FormatJSON(records, reg)
	if err != nil {
		return err
	}

	d.bus.PublishPropertyUpdate(events.PropertyUpdate{
		ComponentID: componentID,
		Source:      source,
		Path:        path,
		Format:      reg.Format,
		Unpacked:    records,
		Formatted:   formatted,
		Raw:         slices.Clone(payload),
	})
	return nil
}

// ── Property set (outbound) ─────────────────────────────────

// PublishProperty encodes a caller-supplied value against the cached
// registration and hands the bytes to publish on the component's
// prop/set topic.
func (d *Dispatcher) PublishProperty(ctx context.Context, componentID string, source models.Source, path string, value any, publish PublishFunc) error {
	v, known, err := d.cache.GetApiVersion(ctx, componentID)
	if err != nil {
		return err
	}
	if !known || !v.Supported() {
		return gberr.Newf(gberr.UnknownApiVersion,
			"component %s has no supported api version", componentID)
	}

	reg, err := d.cache.GetProperty(ctx, componentID, source, path)
	if err != nil {
		return err
	}
	if reg == nil {
		return gberr.Newf(gberr.PropertyInvalid,
			"no registration for %s/%s on component %s", source, path, componentID)
	}
	if !reg.Settable {
		return gberr.Newf(gberr.PropertyAccess, "property %s is not settable", path)
	}

	records, err := propcodec.UnpackJSON(value, reg)
	if err != nil {
		return err
	}
	payload, err := propcodec.Pack(records, reg)
	if err != nil {
		return err
	}

	topic := componentID + "/" + string(source) + "/prop/set/" + path
	return publish(ctx, topic, payload)
}

// ── Completion timers ───────────────────────────────────────

// scheduleCompletion arms the completion check for (component, source),
// replacing any timer already armed for that pair.
func (d *Dispatcher) scheduleCompletion(componentID string, source models.Source) {
	key := locks.Key(string(source), componentID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.completionDelay, func() {
		d.completionCheck(componentID, source)
	})
}

func (d *Dispatcher) cancelCompletion(componentID string, source models.Source) {
	key := locks.Key(string(source), componentID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// completionCheck runs after the delay elapses with a registration
// still open: if the announced property count arrived it completes the
// registration, otherwise it emits the negative edge. This timer path
// is the only place the negative edge fires without a state wipe.
func (d *Dispatcher) completionCheck(componentID string, source models.Source) {
	ctx, cancel := context.WithTimeout(context.Background(), d.lockWait)
	defer cancel()

	err := d.withSourceLock(ctx, componentID, source, func() error {
		registered, err := d.cache.IsRegistered(ctx, componentID, source)
		if err != nil {
			return err
		}
		if registered {
			return nil
		}

		declared, known, err := d.declaredProps(ctx, componentID, source)
		if err != nil {
			return err
		}
		props, err := d.cache.GetAllProperties(ctx, componentID, source)
		if err != nil {
			return err
		}

		if known && len(props) == declared {
			if err := d.cache.SetRegistered(ctx, componentID, source, true); err != nil {
				return err
			}
			d.bus.PublishRegistered(events.Registered{
				ComponentID: componentID, Source: source, Registered: true,
			})
			return nil
		}

		log.Warn().Str("component", componentID).Str("source", string(source)).
			Int("declared", declared).Int("cached", len(props)).
			Msg("registration incomplete after completion delay")
		d.bus.PublishRegistered(events.Registered{
			ComponentID: componentID, Source: source, Registered: false,
		})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("component", componentID).Str("source", string(source)).
			Msg("registration completion check failed")
	}
}

// ── Locking helpers ─────────────────────────────────────────

func (d *Dispatcher) withSourceLock(ctx context.Context, componentID string, source models.Source, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, d.lockWait)
	defer cancel()
	return locks.WithLocks(ctx, d.locker, []string{locks.Key(string(source), componentID)}, fn)
}

// withAllLocks holds both source locks, for operations that wipe the
// whole component.
func (d *Dispatcher) withAllLocks(ctx context.Context, componentID string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, d.lockWait)
	defer cancel()
	keys := make([]string, 0, len(models.Sources))
	for _, s := range models.Sources {
		keys = append(keys, locks.Key(string(s), componentID))
	}
	return locks.WithLocks(ctx, d.locker, keys, fn)
}
