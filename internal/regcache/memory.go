package regcache

import (
	"context"
	"sync"

	"github.com/glowbound/fleetcore/pkg/models"
)

// sourceRecord holds one source's registrations. props is keyed by
// path; order remembers arrival order for GetAllProperties.
type sourceRecord struct {
	props      map[string]*models.PropertyRegistration
	order      []string
	registered bool
}

func newSourceRecord() *sourceRecord {
	return &sourceRecord{props: make(map[string]*models.PropertyRegistration)}
}

// componentState is everything the cache knows about one component.
type componentState struct {
	apiVersion    models.ApiVersion
	hasApiVersion bool
	systemInfo    *models.SystemInfo
	appInfo       *models.ApplicationInfo
	system        *sourceRecord
	app           *sourceRecord
	pending       []models.PendingMessage
}

func newComponentState() *componentState {
	return &componentState{system: newSourceRecord(), app: newSourceRecord()}
}

func (c *componentState) record(source models.Source) *sourceRecord {
	if source == models.SourceApp {
		return c.app
	}
	return c.system
}

// MemoryCache is the in-process Cache. Component states are created
// lazily on first write and destroyed by ClearAll.
type MemoryCache struct {
	mu    sync.RWMutex
	comps map[string]*componentState
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{comps: make(map[string]*componentState)}
}

// state returns the component's entry, creating it when missing.
// Callers hold mu.
func (m *MemoryCache) state(componentID string) *componentState {
	c, ok := m.comps[componentID]
	if !ok {
		c = newComponentState()
		m.comps[componentID] = c
	}
	return c
}

// peek returns the component's entry without creating one. Callers
// hold mu for reading.
func (m *MemoryCache) peek(componentID string) (*componentState, bool) {
	c, ok := m.comps[componentID]
	return c, ok
}

// ── Identity ────────────────────────────────────────────────

func (m *MemoryCache) CacheApiVersion(_ context.Context, componentID string, v models.ApiVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.state(componentID)
	c.apiVersion = v
	c.hasApiVersion = true
	return nil
}

func (m *MemoryCache) GetApiVersion(_ context.Context, componentID string) (models.ApiVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok || !c.hasApiVersion {
		return 0, false, nil
	}
	return c.apiVersion, true, nil
}

func (m *MemoryCache) ClearApiVersion(_ context.Context, componentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.peek(componentID); ok {
		c.apiVersion = 0
		c.hasApiVersion = false
	}
	return nil
}

func (m *MemoryCache) CacheSystemInfo(_ context.Context, componentID string, info *models.SystemInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(componentID).systemInfo = info.Clone()
	return nil
}

func (m *MemoryCache) GetSystemInfo(_ context.Context, componentID string) (*models.SystemInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok {
		return nil, nil
	}
	return c.systemInfo.Clone(), nil
}

func (m *MemoryCache) ClearSystemInfo(_ context.Context, componentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.peek(componentID); ok {
		c.systemInfo = nil
	}
	return nil
}

func (m *MemoryCache) CacheAppInfo(_ context.Context, componentID string, info *models.ApplicationInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(componentID).appInfo = info.Clone()
	return nil
}

func (m *MemoryCache) GetAppInfo(_ context.Context, componentID string) (*models.ApplicationInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok {
		return nil, nil
	}
	return c.appInfo.Clone(), nil
}

// ── Property registrations ──────────────────────────────────

func (m *MemoryCache) CacheProperty(_ context.Context, componentID string, source models.Source, reg *models.PropertyRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.state(componentID).record(source)
	if _, exists := rec.props[reg.Path]; !exists {
		rec.order = append(rec.order, reg.Path)
	}
	rec.props[reg.Path] = reg.Clone()
	return nil
}

func (m *MemoryCache) GetProperty(_ context.Context, componentID string, source models.Source, path string) (*models.PropertyRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok {
		return nil, nil
	}
	return c.record(source).props[path].Clone(), nil
}

func (m *MemoryCache) GetAllProperties(_ context.Context, componentID string, source models.Source) ([]*models.PropertyRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok {
		return nil, nil
	}
	rec := c.record(source)
	regs := make([]*models.PropertyRegistration, 0, len(rec.order))
	for _, path := range rec.order {
		regs = append(regs, rec.props[path].Clone())
	}
	return regs, nil
}

func (m *MemoryCache) ClearProperties(_ context.Context, componentID string, source models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.peek(componentID); ok {
		rec := c.record(source)
		rec.props = make(map[string]*models.PropertyRegistration)
		rec.order = nil
	}
	return nil
}

func (m *MemoryCache) SetRegistered(_ context.Context, componentID string, source models.Source, registered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(componentID).record(source).registered = registered
	return nil
}

func (m *MemoryCache) IsRegistered(_ context.Context, componentID string, source models.Source) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peek(componentID)
	if !ok {
		return false, nil
	}
	return c.record(source).registered, nil
}

func (m *MemoryCache) ClearInfoAndRegistered(_ context.Context, componentID string, source models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.peek(componentID)
	if !ok {
		return nil
	}
	switch source {
	case models.SourceApp:
		c.appInfo = nil
	default:
		c.systemInfo = nil
	}
	c.record(source).registered = false
	return nil
}

func (m *MemoryCache) ClearCachedValues(_ context.Context, componentID string, source models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.peek(componentID); ok {
		rec := c.record(source)
		rec.props = make(map[string]*models.PropertyRegistration)
		rec.order = nil
		rec.registered = false
	}
	return nil
}

func (m *MemoryCache) ClearAll(_ context.Context, componentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comps, componentID)
	return nil
}

// ── Pending messages ────────────────────────────────────────

func (m *MemoryCache) CachePendingMessage(_ context.Context, componentID, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.state(componentID)
	msg := models.PendingMessage{Topic: topic, Payload: append([]byte(nil), payload...)}
	c.pending = append(c.pending, msg)
	return nil
}

func (m *MemoryCache) NextPendingMessage(_ context.Context, componentID string) (*models.PendingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.peek(componentID)
	if !ok || len(c.pending) == 0 {
		return nil, nil
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return &msg, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryCache) Ping(context.Context) error { return nil }

func (m *MemoryCache) Close() error { return nil }
