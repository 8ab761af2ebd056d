// Package packets validates the JSON payloads of the V2 fleet
// protocol: system identity, application identity, property
// registration, and device log records.
//
// Validators return sanitized records with unknown keys dropped. A
// payload that is not valid UTF-8 JSON fails with PAYLOAD_JSON_INVALID;
// every field-level check fails with PAYLOAD_SCHEMA_INVALID so callers
// can tell transport garbage from a misbehaving firmware build.
package packets

import (
	"encoding/json"
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/glowbound/fleetcore/internal/structpack"
	"github.com/glowbound/fleetcore/pkg/gberr"
	"github.com/glowbound/fleetcore/pkg/models"
)

var (
	// Six hex pairs, colon or dash separated.
	macRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(?:[:-][0-9A-Fa-f]{2}){5}$`)
	// Dotted quad, each octet 0-255 with no leading zeros.
	ipRe = regexp.MustCompile(`^(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9][0-9]|[0-9])(?:\.(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9][0-9]|[0-9])){3}$`)
	// Slash-separated segments of printable ASCII minus # $ + and DEL.
	pathRe = regexp.MustCompile(`^[\x20-\x22\x25-\x2a\x2c-\x2e\x30-\x7e]+(?:/[\x20-\x22\x25-\x2a\x2c-\x2e\x30-\x7e]+)*$`)
)

// ── Field extraction ─────────────────────────────────────────

type fields map[string]json.RawMessage

// parseObject decodes a payload into its top-level fields. Broken JSON
// or bad UTF-8 is a JSON error; valid JSON of the wrong shape is a
// schema error.
func parseObject(payload []byte) (fields, error) {
	if !utf8.Valid(payload) {
		return nil, gberr.New(gberr.PayloadJSONInvalid, "payload is not valid UTF-8")
	}
	var f fields
	if err := json.Unmarshal(payload, &f); err != nil {
		if json.Valid(payload) {
			return nil, gberr.Wrap(gberr.PayloadSchemaInvalid, err, "payload is not a JSON object")
		}
		return nil, gberr.Wrap(gberr.PayloadJSONInvalid, err, "parse payload")
	}
	return f, nil
}

func (f fields) optString(name string) (string, bool, error) {
	raw, ok := f[name]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, gberr.Newf(gberr.PayloadSchemaInvalid, "%s must be a string", name)
	}
	return s, true, nil
}

func (f fields) reqString(name string) (string, error) {
	s, ok, err := f.optString(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", gberr.Newf(gberr.PayloadSchemaInvalid, "%s is required", name)
	}
	return s, nil
}

func (f fields) optInt(name string) (int, bool, error) {
	raw, ok := f[name]
	if !ok {
		return 0, false, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, gberr.Newf(gberr.PayloadSchemaInvalid, "%s must be a number", name)
	}
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false, gberr.Newf(gberr.PayloadSchemaInvalid, "%s must be an integer", name)
	}
	return int(n), true, nil
}

func (f fields) reqInt(name string) (int, error) {
	n, ok, err := f.optInt(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, gberr.Newf(gberr.PayloadSchemaInvalid, "%s is required", name)
	}
	return n, nil
}

func (f fields) optBool(name string) (bool, bool, error) {
	raw, ok := f[name]
	if !ok {
		return false, false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false, gberr.Newf(gberr.PayloadSchemaInvalid, "%s must be a boolean", name)
	}
	return b, true, nil
}

func (f fields) reqBool(name string) (bool, error) {
	b, ok, err := f.optBool(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, gberr.Newf(gberr.PayloadSchemaInvalid, "%s is required", name)
	}
	return b, nil
}

func (f fields) optFloat(name string) (*float64, error) {
	raw, ok := f[name]
	if !ok {
		return nil, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "%s must be a number", name)
	}
	return &n, nil
}

// ── API version probe ────────────────────────────────────────

// ParseApiVersion extracts just api_ver from an identity payload. The
// handler shell uses it to resolve a component's protocol generation
// before committing to a full parse.
func ParseApiVersion(payload []byte) (models.ApiVersion, error) {
	f, err := parseObject(payload)
	if err != nil {
		return 0, err
	}
	n, err := f.reqInt("api_ver")
	if err != nil {
		return 0, err
	}
	return models.ApiVersion(n), nil
}

// ── System identity ──────────────────────────────────────────

// ParseSystemInfo validates a V2 system identity payload.
func ParseSystemInfo(payload []byte) (*models.SystemInfo, error) {
	f, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	info := &models.SystemInfo{}

	apiVer, err := f.reqInt("api_ver")
	if err != nil {
		return nil, err
	}
	if models.ApiVersion(apiVer) != models.ApiVersionV2 {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "api_ver must be 2, got %d", apiVer)
	}
	info.ApiVer = models.ApiVersion(apiVer)

	if info.GbLibVer, _, err = f.optString("gb_lib_ver"); err != nil {
		return nil, err
	}
	if info.Name, _, err = f.optString("name"); err != nil {
		return nil, err
	}

	typ, err := f.reqString("type")
	if err != nil {
		return nil, err
	}
	info.Type = models.ComponentCategory(typ)
	if !info.Type.Valid() {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "type %q is not a component category", typ)
	}

	caps, err := parseCapabilities(f)
	if err != nil {
		return nil, err
	}
	info.Capabilities = caps

	platform, err := parsePlatform(f)
	if err != nil {
		return nil, err
	}
	info.Platform = platform

	if info.MAC, err = f.reqString("mac"); err != nil {
		return nil, err
	}
	if !macRe.MatchString(info.MAC) {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "mac %q is not six hex pairs", info.MAC)
	}

	if info.IP, err = f.reqString("ip"); err != nil {
		return nil, err
	}
	if !ipRe.MatchString(info.IP) {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "ip %q is not a dotted quad", info.IP)
	}

	if info.NumProps, err = f.reqInt("num_props"); err != nil {
		return nil, err
	}
	if info.NumProps < 0 {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "num_props must be >= 0, got %d", info.NumProps)
	}

	return info, nil
}

func parseCapabilities(f fields) ([]models.Capability, error) {
	raw, ok := f["capabilities"]
	if !ok {
		return nil, gberr.New(gberr.PayloadSchemaInvalid, "capabilities is required")
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, gberr.New(gberr.PayloadSchemaInvalid, "capabilities must be an array of strings")
	}
	caps := make([]models.Capability, 0, len(names))
	for _, n := range names {
		c := models.Capability(n)
		if !c.Valid() {
			return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "capability %q is not defined", n)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

func parsePlatform(f fields) (*models.PlatformInfo, error) {
	raw, ok := f["platform"]
	if !ok {
		return nil, nil
	}
	var pf fields
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, gberr.New(gberr.PayloadSchemaInvalid, "platform must be an object")
	}
	p := &models.PlatformInfo{}
	var err error
	if p.Name, err = pf.reqString("name"); err != nil {
		return nil, err
	}
	if p.Variant, _, err = pf.optString("variant"); err != nil {
		return nil, err
	}
	if p.Ver, err = pf.reqString("ver"); err != nil {
		return nil, err
	}
	if p.GbPkgVer, err = pf.reqString("gb_pkg_ver"); err != nil {
		return nil, err
	}
	if p.BootloaderVer, err = pf.reqString("bootloader_ver"); err != nil {
		return nil, err
	}
	return p, nil
}

// ── Application identity ─────────────────────────────────────

// ParseApplicationInfo validates a V2 application identity payload.
func ParseApplicationInfo(payload []byte) (*models.ApplicationInfo, error) {
	f, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	info := &models.ApplicationInfo{}
	if info.FileName, _, err = f.optString("file_name"); err != nil {
		return nil, err
	}
	if info.Ver, _, err = f.optString("ver"); err != nil {
		return nil, err
	}
	if info.GbPkgVer, _, err = f.optString("gb_pkg_ver"); err != nil {
		return nil, err
	}
	if info.NumProps, err = f.reqInt("num_props"); err != nil {
		return nil, err
	}
	if info.NumProps < 0 {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "num_props must be >= 0, got %d", info.NumProps)
	}
	return info, nil
}

// ── Property registration ────────────────────────────────────

// ParsePropertyRegistration validates a V2 property registration
// record. The format string is checked against the struct-pack grammar
// and jointly with length: an empty format means length zero and vice
// versa.
func ParsePropertyRegistration(payload []byte) (*models.PropertyRegistration, error) {
	f, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	reg := &models.PropertyRegistration{}

	if reg.Path, err = f.reqString("path"); err != nil {
		return nil, err
	}
	if !pathRe.MatchString(reg.Path) {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "path %q is not a valid property path", reg.Path)
	}

	if reg.Index, err = f.reqInt("index"); err != nil {
		return nil, err
	}
	if reg.Index < 0 {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "index must be >= 0, got %d", reg.Index)
	}

	if reg.Desc, _, err = f.optString("desc"); err != nil {
		return nil, err
	}

	typ, err := f.reqString("type")
	if err != nil {
		return nil, err
	}
	reg.Type = models.PropertyType(typ)
	if !reg.Type.Valid() {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "type %q is not a property type", typ)
	}

	if reg.Format, _, err = f.optString("format"); err != nil {
		return nil, err
	}
	if reg.Format != "" {
		if _, err := structpack.Parse(reg.Format); err != nil {
			return nil, gberr.Wrap(gberr.PayloadSchemaInvalid, err, "format")
		}
	}

	if reg.Length, err = f.reqInt("length"); err != nil {
		return nil, err
	}
	if reg.Length < 0 {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid, "length must be >= 0, got %d", reg.Length)
	}
	if (reg.Format == "") != (reg.Length == 0) {
		return nil, gberr.Newf(gberr.PayloadSchemaInvalid,
			"length %d does not agree with format %q", reg.Length, reg.Format)
	}

	if reg.Settable, err = f.reqBool("settable"); err != nil {
		return nil, err
	}
	if reg.Gettable, err = f.reqBool("gettable"); err != nil {
		return nil, err
	}

	if reg.Min, err = f.optFloat("min"); err != nil {
		return nil, err
	}
	if reg.Max, err = f.optFloat("max"); err != nil {
		return nil, err
	}
	if reg.Step, err = f.optFloat("step"); err != nil {
		return nil, err
	}
	if reg.UIHidden, _, err = f.optBool("ui_hidden"); err != nil {
		return nil, err
	}

	return reg, nil
}

// ── Device logs ──────────────────────────────────────────────

// ParseLog validates a device log payload.
func ParseLog(payload []byte) (*models.LogRecord, error) {
	f, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	raw, ok := f["severity"]
	if !ok {
		return nil, gberr.New(gberr.UnknownLogLevel, "severity is required")
	}
	var sev string
	if err := json.Unmarshal(raw, &sev); err != nil {
		return nil, gberr.New(gberr.UnknownLogLevel, "severity must be a string")
	}
	level := models.LogLevel(sev)
	if !level.Valid() {
		return nil, gberr.Newf(gberr.UnknownLogLevel, "severity %q is not defined", sev)
	}

	raw, ok = f["text"]
	if !ok {
		return nil, gberr.New(gberr.InvalidLogText, "text is required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, gberr.New(gberr.InvalidLogText, "text must be a string")
	}

	return &models.LogRecord{Severity: level, Text: text}, nil
}
