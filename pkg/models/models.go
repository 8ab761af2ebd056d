package models

import "time"

// ── Source ───────────────────────────────────────────────────

// Source identifies one of the two logical producers on a component:
// the firmware layer or the application layer. A component carries an
// independent registration per source.
type Source string

const (
	SourceSystem Source = "system"
	SourceApp    Source = "app"
)

// Sources lists every defined source in a stable order.
var Sources = []Source{SourceSystem, SourceApp}

// ParseSource maps a topic segment to a Source.
func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case SourceSystem:
		return SourceSystem, true
	case SourceApp:
		return SourceApp, true
	default:
		return "", false
	}
}

func (s Source) Valid() bool {
	switch s {
	case SourceSystem, SourceApp:
		return true
	}
	return false
}

// ── API Version ──────────────────────────────────────────────

// ApiVersion is the protocol generation a component announces in its
// system identity. Stored per component once learned.
type ApiVersion int

// ApiVersionV2 is the only generation this build speaks.
const ApiVersionV2 ApiVersion = 2

func (v ApiVersion) Supported() bool { return v == ApiVersionV2 }

// ── Component Identity ───────────────────────────────────────

// ComponentCategory is the hardware class a component reports in its
// system identity.
type ComponentCategory string

const (
	CategoryGeneric  ComponentCategory = "generic"
	CategoryPresence ComponentCategory = "presence"
)

func (c ComponentCategory) Valid() bool {
	switch c {
	case CategoryGeneric, CategoryPresence:
		return true
	}
	return false
}

// Capability is an optional feature flag a component advertises.
type Capability string

const (
	CapabilityOTA        Capability = "OTA"
	CapabilityIdentify   Capability = "identify"
	CapabilityFilesystem Capability = "filesystem"
)

func (c Capability) Valid() bool {
	switch c {
	case CapabilityOTA, CapabilityIdentify, CapabilityFilesystem:
		return true
	}
	return false
}

// PlatformInfo is the optional hardware/firmware platform block inside
// a system identity.
type PlatformInfo struct {
	Name          string `json:"name"`
	Variant       string `json:"variant,omitempty"`
	Ver           string `json:"ver"`
	GbPkgVer      string `json:"gb_pkg_ver"`
	BootloaderVer string `json:"bootloader_ver"`
}

// SystemInfo is the validated system identity of a component.
// Field names follow the wire protocol.
type SystemInfo struct {
	ApiVer       ApiVersion        `json:"api_ver"`
	GbLibVer     string            `json:"gb_lib_ver,omitempty"`
	Name         string            `json:"name,omitempty"`
	Type         ComponentCategory `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Platform     *PlatformInfo     `json:"platform,omitempty"`
	MAC          string            `json:"mac"`
	IP           string            `json:"ip"`
	NumProps     int               `json:"num_props"`
}

// Clone returns a deep copy. Cache reads hand out clones, never live
// references.
func (s *SystemInfo) Clone() *SystemInfo {
	if s == nil {
		return nil
	}
	out := *s
	if s.Capabilities != nil {
		out.Capabilities = make([]Capability, len(s.Capabilities))
		copy(out.Capabilities, s.Capabilities)
	}
	if s.Platform != nil {
		p := *s.Platform
		out.Platform = &p
	}
	return &out
}

// ApplicationInfo is the validated application identity of a component.
type ApplicationInfo struct {
	FileName string `json:"file_name,omitempty"`
	Ver      string `json:"ver,omitempty"`
	GbPkgVer string `json:"gb_pkg_ver,omitempty"`
	NumProps int    `json:"num_props"`
}

func (a *ApplicationInfo) Clone() *ApplicationInfo {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// ── Properties ───────────────────────────────────────────────

// PropertyType is the value layout of a declared property.
type PropertyType string

const (
	// TypePrimitive values are raw struct-pack tuples.
	TypePrimitive PropertyType = "gmbnd_primitive"
	// TypeColor values are white/red/green/blue records, one byte each.
	TypeColor PropertyType = "gmbnd_color"
	// TypeLED values are index/brightness/white/red/green/blue records.
	TypeLED PropertyType = "gmbnd_led"
)

func (t PropertyType) Valid() bool {
	switch t {
	case TypePrimitive, TypeColor, TypeLED:
		return true
	}
	return false
}

// PropertyRegistration is a source's declaration of one property: its
// path, stable index, binary layout, and access rights.
type PropertyRegistration struct {
	Path     string       `json:"path"`
	Index    int          `json:"index"`
	Desc     string       `json:"desc,omitempty"`
	Type     PropertyType `json:"type"`
	Format   string       `json:"format"`
	Length   int          `json:"length"`
	Settable bool         `json:"settable"`
	Gettable bool         `json:"gettable"`
	Min      *float64     `json:"min,omitempty"`
	Max      *float64     `json:"max,omitempty"`
	Step     *float64     `json:"step,omitempty"`
	UIHidden bool         `json:"ui_hidden,omitempty"`
}

func (r *PropertyRegistration) Clone() *PropertyRegistration {
	if r == nil {
		return nil
	}
	out := *r
	out.Min = cloneFloat(r.Min)
	out.Max = cloneFloat(r.Max)
	out.Step = cloneFloat(r.Step)
	return &out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// ── Logs ─────────────────────────────────────────────────────

// LogLevel is the severity a component attaches to a device log line.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogError   LogLevel = "error"
	LogWarning LogLevel = "warning"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogError, LogWarning:
		return true
	}
	return false
}

// LogRecord is a validated device log payload.
type LogRecord struct {
	Severity LogLevel `json:"severity"`
	Text     string   `json:"text"`
}

// ── Pending Messages ─────────────────────────────────────────

// PendingMessage is a message that arrived before the component's API
// version was known. Buffered FIFO per component and replayed after the
// identity message resolves the version.
type PendingMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

func (m *PendingMessage) Clone() *PendingMessage {
	if m == nil {
		return nil
	}
	out := PendingMessage{Topic: m.Topic}
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return &out
}

// ── Fleet Health ─────────────────────────────────────────────

// ExhibitHealthState is the operator-facing rollup of one component's
// connection and registration standing, derived from the event stream.
type ExhibitHealthState string

const (
	// HealthUnknown — no identity seen since startup.
	HealthUnknown ExhibitHealthState = "unknown"
	// HealthRegistering — online, at least one source not yet registered.
	HealthRegistering ExhibitHealthState = "registering"
	// HealthHealthy — online and every announced source is registered.
	HealthHealthy ExhibitHealthState = "healthy"
	// HealthDegraded — online but a source lost its registration.
	HealthDegraded ExhibitHealthState = "degraded"
	// HealthOffline — will message received or never connected.
	HealthOffline ExhibitHealthState = "offline"
)

func (h ExhibitHealthState) Valid() bool {
	switch h {
	case HealthUnknown, HealthRegistering, HealthHealthy, HealthDegraded, HealthOffline:
		return true
	}
	return false
}

// ComponentStatus is the admin-surface view of one component.
type ComponentStatus struct {
	ComponentID      string             `json:"component_id"`
	ApiVersion       ApiVersion         `json:"api_version,omitempty"`
	Online           bool               `json:"online"`
	Health           ExhibitHealthState `json:"health"`
	SystemRegistered bool               `json:"system_registered"`
	AppRegistered    bool               `json:"app_registered"`
	SystemProps      int                `json:"system_props"`
	AppProps         int                `json:"app_props"`
	LastSeen         time.Time          `json:"last_seen,omitempty"`
}
