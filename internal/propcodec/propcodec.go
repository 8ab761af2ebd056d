// Package propcodec encodes and decodes property values between their
// wire bytes, the record representation the dispatcher works with, and
// the JSON display form downstream consumers see.
//
// A decoded value is an ordered sequence of records; each record is an
// ordered sequence of scalars. For gmbnd_primitive the record is the
// raw struct-pack tuple; for the composite types there is exactly one
// field per composite slot.
package propcodec

import (
	"fmt"

	"github.com/glowbound/fleetcore/internal/structpack"
	"github.com/glowbound/fleetcore/pkg/gberr"
	"github.com/glowbound/fleetcore/pkg/models"
)

// ── Composite layouts ────────────────────────────────────────

type compositeField struct {
	name string
	min  float64
	max  float64
}

var colorLayout = []compositeField{
	{"white", 0, 255},
	{"red", 0, 255},
	{"green", 0, 255},
	{"blue", 0, 255},
}

var ledLayout = []compositeField{
	{"index", 0, 65535},
	{"brightness", 0, 255},
	{"white", 0, 255},
	{"red", 0, 255},
	{"green", 0, 255},
	{"blue", 0, 255},
}

func layoutFor(t models.PropertyType) ([]compositeField, error) {
	switch t {
	case models.TypePrimitive:
		return nil, nil
	case models.TypeColor:
		return colorLayout, nil
	case models.TypeLED:
		return ledLayout, nil
	default:
		return nil, gberr.Newf(gberr.PropertyFormat, "unknown property type %q", t)
	}
}

// ── Unpack ───────────────────────────────────────────────────

// Unpack decodes a raw value payload against its registration. Items
// are decoded while fewer than reg.Length records have been produced
// and a full record still fits; trailing partial bytes are discarded.
// Every record is bounds-checked before it is appended.
func Unpack(raw []byte, reg *models.PropertyRegistration) ([][]any, error) {
	format, err := structpack.Parse(reg.Format)
	if err != nil {
		return nil, gberr.Wrap(gberr.PropertyFormat, err, "parse format")
	}

	// String-typed primitives carry the bytes directly.
	if reg.Type == models.TypePrimitive && format.HasString() {
		if len(raw) == 0 {
			return [][]any{{""}}, nil
		}
		n := reg.Length
		if len(raw) < n {
			n = len(raw)
		}
		return [][]any{{string(raw[:n])}}, nil
	}

	itemSize := format.Size()
	if itemSize == 0 {
		return [][]any{}, nil
	}

	records := make([][]any, 0, reg.Length)
	pos := 0
	for len(records) < reg.Length && len(raw)-pos >= itemSize {
		rec, err := format.Unpack(raw[pos : pos+itemSize])
		if err != nil {
			return nil, gberr.Wrap(gberr.PropertyFormat, err, "unpack item")
		}
		if err := validateBounds(rec, reg); err != nil {
			return nil, err
		}
		records = append(records, rec)
		pos += itemSize
	}
	return records, nil
}

// validateBounds applies the registration's min/max to primitives and
// the fixed per-position ranges to composites. Non-numeric scalars
// pass through untouched.
func validateBounds(rec []any, reg *models.PropertyRegistration) error {
	layout, err := layoutFor(reg.Type)
	if err != nil {
		return err
	}
	if layout == nil {
		for _, v := range rec {
			n, numeric := toFloat(v)
			if !numeric {
				continue
			}
			if reg.Min != nil && n < *reg.Min {
				return gberr.Newf(gberr.PropertyFormat, "value %v below min %v", v, *reg.Min)
			}
			if reg.Max != nil && n > *reg.Max {
				return gberr.Newf(gberr.PropertyFormat, "value %v above max %v", v, *reg.Max)
			}
		}
		return nil
	}
	if len(rec) != len(layout) {
		return gberr.Newf(gberr.IncorrectValueCount,
			"%s record has %d fields, want %d", reg.Type, len(rec), len(layout))
	}
	for i, fld := range layout {
		n, numeric := toFloat(rec[i])
		if !numeric {
			return gberr.Newf(gberr.PropertyFormat, "%s.%s is not numeric", reg.Type, fld.name)
		}
		if n < fld.min || n > fld.max {
			return gberr.Newf(gberr.PropertyFormat,
				"%s.%s = %v outside [%v, %v]", reg.Type, fld.name, rec[i], fld.min, fld.max)
		}
	}
	return nil
}

// ── JSON form ────────────────────────────────────────────────

// FormatJSON maps decoded records to the display form: primitives
// flatten to one ordered scalar sequence, composites become records
// keyed by the composite field names.
func FormatJSON(records [][]any, reg *models.PropertyRegistration) (any, error) {
	layout, err := layoutFor(reg.Type)
	if err != nil {
		return nil, err
	}
	if layout == nil {
		flat := make([]any, 0, len(records))
		for _, rec := range records {
			flat = append(flat, rec...)
		}
		return flat, nil
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if len(rec) != len(layout) {
			return nil, gberr.Newf(gberr.IncorrectValueCount,
				"%s record has %d fields, want %d", reg.Type, len(rec), len(layout))
		}
		m := make(map[string]any, len(layout))
		for i, fld := range layout {
			m[fld.name] = rec[i]
		}
		out = append(out, m)
	}
	return out, nil
}

// UnpackJSON is the inverse of FormatJSON, used on the publish path to
// turn caller-supplied values into records ready for Pack.
func UnpackJSON(value any, reg *models.PropertyRegistration) ([][]any, error) {
	format, err := structpack.Parse(reg.Format)
	if err != nil {
		return nil, gberr.Wrap(gberr.PropertyFormat, err, "parse format")
	}

	if reg.Type == models.TypePrimitive && format.HasString() {
		s, err := singleString(value)
		if err != nil {
			return nil, err
		}
		if len(s) > reg.Length {
			s = s[:reg.Length]
		}
		return [][]any{{s}}, nil
	}

	layout, err := layoutFor(reg.Type)
	if err != nil {
		return nil, err
	}

	elems, ok := asSlice(value)
	if !ok {
		return nil, gberr.Newf(gberr.PropertyFormat, "want an array of values, got %T", value)
	}

	if layout == nil {
		if len(elems) > reg.Length {
			return nil, gberr.Newf(gberr.PropertyFormat,
				"%d values exceed registered length %d", len(elems), reg.Length)
		}
		records := make([][]any, 0, len(elems))
		for _, el := range elems {
			records = append(records, []any{el})
		}
		return records, nil
	}

	records := make([][]any, 0, len(elems))
	for _, el := range elems {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, gberr.Newf(gberr.PropertyFormat, "%s record must be an object, got %T", reg.Type, el)
		}
		if len(m) != len(layout) {
			return nil, gberr.Newf(gberr.PropertyFormat,
				"%s record has %d fields, want %d", reg.Type, len(m), len(layout))
		}
		rec := make([]any, 0, len(layout))
		for _, fld := range layout {
			v, present := m[fld.name]
			if !present {
				return nil, gberr.Newf(gberr.PropertyFormat, "%s record missing field %q", reg.Type, fld.name)
			}
			rec = append(rec, v)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ── Pack ─────────────────────────────────────────────────────

// Pack encodes records back to wire bytes by concatenating one packed
// tuple per record. A string-carrying format is rewritten to the exact
// byte length of the value, so the raw bytes are the string itself.
func Pack(records [][]any, reg *models.PropertyRegistration) ([]byte, error) {
	format, err := structpack.Parse(reg.Format)
	if err != nil {
		return nil, gberr.Wrap(gberr.PropertyFormat, err, "parse format")
	}

	if format.HasString() {
		if len(records) == 0 || len(records[0]) == 0 {
			return nil, gberr.New(gberr.PropertyFormat, "no string value to pack")
		}
		s, ok := records[0][0].(string)
		if !ok {
			return nil, gberr.Newf(gberr.PropertyFormat, "want string, got %T", records[0][0])
		}
		strFormat, err := structpack.Parse(fmt.Sprintf("%ds", len(s)))
		if err != nil {
			return nil, gberr.Wrap(gberr.PropertyFormat, err, "rewrite string format")
		}
		out, err := strFormat.Pack([]any{s})
		if err != nil {
			return nil, gberr.Wrap(gberr.PropertyFormat, err, "pack string")
		}
		return out, nil
	}

	var out []byte
	for _, rec := range records {
		b, err := format.Pack(rec)
		if err != nil {
			return nil, gberr.Wrap(gberr.PropertyFormat, err, "pack record")
		}
		out = append(out, b...)
	}
	return out, nil
}

// ── Helpers ──────────────────────────────────────────────────

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func singleString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok {
				return s, nil
			}
		}
	}
	return "", gberr.Newf(gberr.PropertyFormat, "want a single string, got %T", value)
}

func asSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}
