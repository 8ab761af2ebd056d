// Package structpack implements the compact binary layout grammar used
// by fleet property values: an optional leading byte-order marker from
// @=!<> followed by groups of an optional repeat count and a type code
// from xcbBhHiIlLfdspPqQ?.
//
// Sizes are standard with no alignment padding. The default byte order
// is network order; the markers < @ = select little-endian (fleet
// devices are little-endian native). 64-bit codes decode to int64 and
// uint64 so width is never silently lost.
package structpack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrFormat — the format string does not match the grammar.
	ErrFormat = errors.New("structpack: invalid format")
	// ErrShortBuffer — not enough bytes for one full record.
	ErrShortBuffer = errors.New("structpack: buffer too short")
	// ErrValueCount — Pack received the wrong number of scalars.
	ErrValueCount = errors.New("structpack: wrong number of values")
	// ErrType — a scalar's Go type does not fit its type code.
	ErrType = errors.New("structpack: value type mismatch")
	// ErrRange — an integer scalar does not fit its code's width.
	ErrRange = errors.New("structpack: value out of range")
)

// Formats come off the wire; cap repeat counts so a hostile
// registration cannot demand gigabyte records.
const maxRepeat = 1 << 16

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Field is one parsed group: a type code and its repeat count. For the
// string codes s and p the count is the byte length of a single value;
// for every other code it is the number of repetitions.
type Field struct {
	Code  byte
	Count int
}

// Format is a parsed format string. It describes the layout of one
// record; callers repeat records themselves.
type Format struct {
	order   byteOrder
	fields  []Field
	size    int
	scalars int
	hasStr  bool
}

// Parse compiles a format string. The empty string parses to a
// zero-size format with no fields.
func Parse(spec string) (*Format, error) {
	f := &Format{order: binary.BigEndian}
	i := 0
	if len(spec) > 0 {
		switch spec[0] {
		case '>', '!':
			f.order = binary.BigEndian
			i++
		case '<', '@', '=':
			f.order = binary.LittleEndian
			i++
		}
	}
	for i < len(spec) {
		start := i
		for i < len(spec) && spec[i] >= '0' && spec[i] <= '9' {
			i++
		}
		count := -1
		if i > start {
			n, err := strconv.Atoi(spec[start:i])
			if err != nil || n > maxRepeat {
				return nil, fmt.Errorf("%w: repeat count %q", ErrFormat, spec[start:i])
			}
			count = n
		}
		if i >= len(spec) {
			return nil, fmt.Errorf("%w: trailing repeat count in %q", ErrFormat, spec)
		}
		code := spec[i]
		i++
		if !validCode(code) {
			return nil, fmt.Errorf("%w: unknown type code %q", ErrFormat, string(code))
		}
		if count == -1 {
			count = 1
		}
		f.fields = append(f.fields, Field{Code: code, Count: count})
		switch code {
		case 's', 'p':
			f.size += count
			f.scalars++
			if code == 's' {
				f.hasStr = true
			}
		case 'x':
			f.size += count
		default:
			f.size += count * codeSize(code)
			f.scalars += count
		}
	}
	if spec != "" && len(f.fields) == 0 {
		return nil, fmt.Errorf("%w: no type codes in %q", ErrFormat, spec)
	}
	return f, nil
}

func validCode(code byte) bool {
	switch code {
	case 'x', 'c', 'b', 'B', '?', 'h', 'H', 'i', 'I', 'l', 'L', 'f', 'd', 's', 'p', 'P', 'q', 'Q':
		return true
	}
	return false
}

func codeSize(code byte) int {
	switch code {
	case 'x', 'c', 'b', 'B', '?':
		return 1
	case 'h', 'H':
		return 2
	case 'i', 'I', 'l', 'L', 'f':
		return 4
	case 'q', 'Q', 'd', 'P':
		return 8
	}
	return 0
}

// Size is the byte length of one packed record.
func (f *Format) Size() int { return f.size }

// NumScalars is the number of scalars one record decodes to.
func (f *Format) NumScalars() int { return f.scalars }

// HasString reports whether the format contains the s code, which
// switches property decoding to single-string mode.
func (f *Format) HasString() bool { return f.hasStr }

// Fields returns the parsed groups in order.
func (f *Format) Fields() []Field { return f.fields }

// ── Unpack ───────────────────────────────────────────────────

// Unpack decodes exactly one record from the front of data. Integer
// codes yield int64 or uint64, floats yield float64, ? yields bool,
// and c/s/p yield strings.
func (f *Format) Unpack(data []byte) ([]any, error) {
	if len(data) < f.size {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, f.size, len(data))
	}
	out := make([]any, 0, f.scalars)
	pos := 0
	for _, fld := range f.fields {
		switch fld.Code {
		case 'x':
			pos += fld.Count
		case 's':
			out = append(out, string(data[pos:pos+fld.Count]))
			pos += fld.Count
		case 'p':
			if fld.Count == 0 {
				out = append(out, "")
				continue
			}
			n := int(data[pos])
			if n > fld.Count-1 {
				n = fld.Count - 1
			}
			out = append(out, string(data[pos+1:pos+1+n]))
			pos += fld.Count
		default:
			for k := 0; k < fld.Count; k++ {
				v, n := f.readScalar(fld.Code, data[pos:])
				out = append(out, v)
				pos += n
			}
		}
	}
	return out, nil
}

func (f *Format) readScalar(code byte, b []byte) (any, int) {
	switch code {
	case 'c':
		return string(b[:1]), 1
	case 'b':
		return int64(int8(b[0])), 1
	case 'B':
		return uint64(b[0]), 1
	case '?':
		return b[0] != 0, 1
	case 'h':
		return int64(int16(f.order.Uint16(b))), 2
	case 'H':
		return uint64(f.order.Uint16(b)), 2
	case 'i', 'l':
		return int64(int32(f.order.Uint32(b))), 4
	case 'I', 'L':
		return uint64(f.order.Uint32(b)), 4
	case 'q':
		return int64(f.order.Uint64(b)), 8
	case 'Q', 'P':
		return f.order.Uint64(b), 8
	case 'f':
		return float64(math.Float32frombits(f.order.Uint32(b))), 4
	case 'd':
		return math.Float64frombits(f.order.Uint64(b)), 8
	}
	// Parse rejects unknown codes.
	return nil, 0
}

// ── Pack ─────────────────────────────────────────────────────

// Pack encodes one record. The record must supply exactly NumScalars
// scalars; x fields emit zero bytes and consume nothing.
func (f *Format) Pack(record []any) ([]byte, error) {
	if len(record) != f.scalars {
		return nil, fmt.Errorf("%w: got %d scalars for %d slots", ErrValueCount, len(record), f.scalars)
	}
	buf := make([]byte, 0, f.size)
	idx := 0
	var err error
	for _, fld := range f.fields {
		switch fld.Code {
		case 'x':
			buf = append(buf, make([]byte, fld.Count)...)
		case 's':
			buf, err = f.packString(buf, fld.Count, record[idx], false)
			idx++
		case 'p':
			buf, err = f.packString(buf, fld.Count, record[idx], true)
			idx++
		default:
			for k := 0; k < fld.Count; k++ {
				buf, err = f.packScalar(buf, fld.Code, record[idx])
				idx++
				if err != nil {
					return nil, err
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (f *Format) packString(buf []byte, count int, v any, pascal bool) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: want string, got %T", ErrType, v)
	}
	if count == 0 {
		return buf, nil
	}
	out := make([]byte, count)
	if pascal {
		n := len(s)
		if n > count-1 {
			n = count - 1
		}
		if n > 255 {
			n = 255
		}
		out[0] = byte(n)
		copy(out[1:], s[:n])
	} else {
		copy(out, s)
	}
	return append(buf, out...), nil
}

func (f *Format) packScalar(buf []byte, code byte, v any) ([]byte, error) {
	switch code {
	case 'c':
		s, ok := v.(string)
		if !ok || len(s) != 1 {
			return nil, fmt.Errorf("%w: code c wants a 1-byte string, got %#v", ErrType, v)
		}
		return append(buf, s[0]), nil
	case '?':
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: code ? wants bool, got %T", ErrType, v)
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case 'b', 'h', 'i', 'l', 'q':
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: code %s wants integer, got %T", ErrType, string(code), v)
		}
		if !signedFits(code, n) {
			return nil, fmt.Errorf("%w: %d does not fit code %s", ErrRange, n, string(code))
		}
		return f.appendUint(buf, codeSize(code), uint64(n)), nil
	case 'B', 'H', 'I', 'L', 'Q', 'P':
		n, ok := toUint64(v)
		if !ok {
			return nil, fmt.Errorf("%w: code %s wants unsigned integer, got %#v", ErrType, string(code), v)
		}
		if !unsignedFits(code, n) {
			return nil, fmt.Errorf("%w: %d does not fit code %s", ErrRange, n, string(code))
		}
		return f.appendUint(buf, codeSize(code), n), nil
	case 'f':
		n, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%w: code f wants number, got %T", ErrType, v)
		}
		return f.order.AppendUint32(buf, math.Float32bits(float32(n))), nil
	case 'd':
		n, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%w: code d wants number, got %T", ErrType, v)
		}
		return f.order.AppendUint64(buf, math.Float64bits(n)), nil
	}
	return nil, fmt.Errorf("%w: unknown code %q", ErrFormat, string(code))
}

func (f *Format) appendUint(buf []byte, width int, v uint64) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return f.order.AppendUint16(buf, uint16(v))
	case 4:
		return f.order.AppendUint32(buf, uint32(v))
	default:
		return f.order.AppendUint64(buf, v)
	}
}

func signedFits(code byte, v int64) bool {
	switch code {
	case 'b':
		return v >= math.MinInt8 && v <= math.MaxInt8
	case 'h':
		return v >= math.MinInt16 && v <= math.MaxInt16
	case 'i', 'l':
		return v >= math.MinInt32 && v <= math.MaxInt32
	}
	return true
}

func unsignedFits(code byte, v uint64) bool {
	switch code {
	case 'B':
		return v <= math.MaxUint8
	case 'H':
		return v <= math.MaxUint16
	case 'I', 'L':
		return v <= math.MaxUint32
	}
	return true
}

// ── Scalar coercion ──────────────────────────────────────────
//
// Publish values arrive as JSON (float64) or native Go integers;
// accept both without losing 64-bit width.

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), true
		}
	case float32:
		return toInt64(float64(n))
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int32:
		if n >= 0 {
			return uint64(n), true
		}
	case float64:
		if n == math.Trunc(n) && n >= 0 && n < math.MaxUint64 {
			return uint64(n), true
		}
	case float32:
		return toUint64(float64(n))
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
