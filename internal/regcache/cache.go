// Package regcache provides the registration cache for fleet
// components: API versions, identity records, property registrations,
// registration flags, and the pending-message buffer. The default is
// in-process; a Redis implementation backs multi-process deployments.
package regcache

import (
	"context"

	"github.com/glowbound/fleetcore/pkg/models"
)

// Cache is the registration store the dispatcher mutates. All reads
// return detached copies; absence is reported as a nil record (or a
// false flag), never as an error. Errors mean the implementation
// itself failed and carry the CACHE_ERROR kind.
//
// The cache does no locking of its own beyond internal consistency:
// callers serialize registration writes per (component, source)
// through the lock coordinator.
type Cache interface {
	IdentityCache
	PropertyCache
	PendingCache

	// ClearAll destroys every trace of a component: identity,
	// registrations, flags, and pending messages.
	ClearAll(ctx context.Context, componentID string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error
}

// ── Identity ────────────────────────────────────────────────

type IdentityCache interface {
	CacheApiVersion(ctx context.Context, componentID string, v models.ApiVersion) error
	// GetApiVersion reports the stored version and whether one is known.
	GetApiVersion(ctx context.Context, componentID string) (models.ApiVersion, bool, error)
	ClearApiVersion(ctx context.Context, componentID string) error

	CacheSystemInfo(ctx context.Context, componentID string, info *models.SystemInfo) error
	GetSystemInfo(ctx context.Context, componentID string) (*models.SystemInfo, error)
	ClearSystemInfo(ctx context.Context, componentID string) error

	CacheAppInfo(ctx context.Context, componentID string, info *models.ApplicationInfo) error
	GetAppInfo(ctx context.Context, componentID string) (*models.ApplicationInfo, error)
}

// ── Property registrations ──────────────────────────────────

type PropertyCache interface {
	// CacheProperty stores one registration under its path. Re-caching
	// an existing path overwrites in place and keeps its position in
	// the registration order.
	CacheProperty(ctx context.Context, componentID string, source models.Source, reg *models.PropertyRegistration) error
	GetProperty(ctx context.Context, componentID string, source models.Source, path string) (*models.PropertyRegistration, error)
	// GetAllProperties returns registrations in arrival order.
	GetAllProperties(ctx context.Context, componentID string, source models.Source) ([]*models.PropertyRegistration, error)
	ClearProperties(ctx context.Context, componentID string, source models.Source) error

	SetRegistered(ctx context.Context, componentID string, source models.Source, registered bool) error
	IsRegistered(ctx context.Context, componentID string, source models.Source) (bool, error)

	// ClearInfoAndRegistered drops a source's identity record and
	// registration flag, keeping its property registrations.
	ClearInfoAndRegistered(ctx context.Context, componentID string, source models.Source) error
	// ClearCachedValues drops a source's property registrations and
	// registration flag, keeping its identity record.
	ClearCachedValues(ctx context.Context, componentID string, source models.Source) error
}

// ── Pending messages ────────────────────────────────────────

type PendingCache interface {
	// CachePendingMessage appends a message that arrived before the
	// component's API version was known.
	CachePendingMessage(ctx context.Context, componentID, topic string, payload []byte) error
	// NextPendingMessage pops the oldest buffered message, or nil when
	// the buffer is empty.
	NextPendingMessage(ctx context.Context, componentID string) (*models.PendingMessage, error)
}
