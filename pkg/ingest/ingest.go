// Package ingest composes the fleet ingestion core: registration
// cache, lock coordinator, V2 dispatcher, and the handler shell, wired
// to one event bus. Transports feed HandleMessage; downstream
// consumers subscribe on Events.
package ingest

import (
	"context"
	"time"

	"github.com/glowbound/fleetcore/internal/dispatch"
	"github.com/glowbound/fleetcore/internal/handler"
	"github.com/glowbound/fleetcore/internal/locks"
	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/pkg/events"
	"github.com/glowbound/fleetcore/pkg/models"
)

// Config carries the tunable delays of the core. Zero values select
// the protocol defaults (3 s completion delay, 3 s drain budget, 10 s
// lock wait).
type Config struct {
	CompletionDelay time.Duration
	DrainBudget     time.Duration
	LockWait        time.Duration
}

// Core is the assembled ingestion pipeline. Multiple cores may share
// one cache when the lock coordinator is backed by a shared store.
type Core struct {
	cache      regcache.Cache
	locker     locks.Locker
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	shell      *handler.Shell
}

// New builds a core around the given cache and lock coordinator. A nil
// cache selects the in-memory implementation; a nil locker the
// in-process one.
func New(cache regcache.Cache, locker locks.Locker, cfg Config) *Core {
	if cache == nil {
		cache = regcache.NewMemoryCache()
	}
	if locker == nil {
		locker = locks.NewKeyed()
	}

	bus := events.NewBus()

	var dopts []dispatch.Option
	if cfg.CompletionDelay > 0 {
		dopts = append(dopts, dispatch.WithCompletionDelay(cfg.CompletionDelay))
	}
	if cfg.LockWait > 0 {
		dopts = append(dopts, dispatch.WithLockWait(cfg.LockWait))
	}
	dispatcher := dispatch.New(cache, locker, bus, dopts...)

	var hopts []handler.Option
	if cfg.DrainBudget > 0 {
		hopts = append(hopts, handler.WithDrainBudget(cfg.DrainBudget))
	}
	if cfg.LockWait > 0 {
		hopts = append(hopts, handler.WithLockWait(cfg.LockWait))
	}
	shell := handler.New(cache, locker, bus, dispatcher, hopts...)

	return &Core{
		cache:      cache,
		locker:     locker,
		bus:        bus,
		dispatcher: dispatcher,
		shell:      shell,
	}
}

// HandleMessage ingests one inbound message. Failures are logged and
// the message abandoned; the listener never aborts.
func (c *Core) HandleMessage(ctx context.Context, componentID, topic string, payload []byte) {
	c.shell.HandleMessage(ctx, componentID, topic, payload)
}

// SetProperty encodes value against the cached registration and
// publishes it on the component's prop/set topic through publish.
func (c *Core) SetProperty(ctx context.Context, componentID string, source models.Source, path string, value any, publish dispatch.PublishFunc) error {
	return c.dispatcher.PublishProperty(ctx, componentID, source, path, value, publish)
}

// Events is the subscription surface for the six event kinds.
func (c *Core) Events() *events.Bus { return c.bus }

// Cache exposes the registration cache for read-only surfaces such as
// the fleet status rollup.
func (c *Core) Cache() regcache.Cache { return c.cache }

// Close cancels outstanding completion timers and releases the cache.
func (c *Core) Close() error {
	c.dispatcher.Close()
	return c.cache.Close()
}

// SubscriptionTopics lists the broker subscriptions the core expects,
// one wildcard per component segment.
func SubscriptionTopics() []string {
	return []string{
		"+/system/info",
		"+/system/register/prop",
		"+/system/prop/#",
		"+/system/connections",
		"+/app/info",
		"+/app/register/prop",
		"+/app/prop/#",
	}
}
