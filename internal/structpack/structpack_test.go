package structpack_test

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/glowbound/fleetcore/internal/structpack"
)

func mustParse(t *testing.T, spec string) *structpack.Format {
	t.Helper()
	f, err := structpack.Parse(spec)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", spec, err)
	}
	return f
}

// ─── Parse ──────────────────────────────────────────────────

func TestParseSizes(t *testing.T) {
	tests := []struct {
		spec    string
		size    int
		scalars int
	}{
		{"", 0, 0},
		{"B", 1, 1},
		{"3B", 3, 3},
		{"BH", 3, 2},
		{"!HH", 4, 2},
		{"<iIf", 12, 3},
		{"qQd", 24, 3},
		{"10s", 10, 1},
		{"4p", 4, 1},
		{"2xB", 3, 1},
		{"?c", 2, 2},
		{"0B", 0, 0},
		{"@2H4B", 8, 6},
		{"=lL", 8, 2},
		{">P", 8, 1},
	}
	for _, tt := range tests {
		f := mustParse(t, tt.spec)
		if f.Size() != tt.size {
			t.Errorf("Parse(%q).Size() = %d, want %d", tt.spec, f.Size(), tt.size)
		}
		if f.NumScalars() != tt.scalars {
			t.Errorf("Parse(%q).NumScalars() = %d, want %d", tt.spec, f.NumScalars(), tt.scalars)
		}
	}
}

func TestParseRejectsBadFormats(t *testing.T) {
	for _, spec := range []string{"Z", "3", "B3", "<", "@", "!", "9999999B", "Bz"} {
		if _, err := structpack.Parse(spec); !errors.Is(err, structpack.ErrFormat) {
			t.Errorf("Parse(%q) error = %v, want ErrFormat", spec, err)
		}
	}
}

func TestParseHasString(t *testing.T) {
	if !mustParse(t, "8s").HasString() {
		t.Error(`Parse("8s").HasString() = false, want true`)
	}
	if mustParse(t, "4p").HasString() {
		t.Error(`Parse("4p").HasString() = true, want false`)
	}
	if mustParse(t, "3B").HasString() {
		t.Error(`Parse("3B").HasString() = true, want false`)
	}
}

// ─── Unpack ─────────────────────────────────────────────────

func TestUnpackScalars(t *testing.T) {
	tests := []struct {
		spec string
		data []byte
		want []any
	}{
		{"B", []byte{0x07}, []any{uint64(7)}},
		{"3B", []byte{1, 2, 3}, []any{uint64(1), uint64(2), uint64(3)}},
		{"b", []byte{0xFF}, []any{int64(-1)}},
		{"H", []byte{0x01, 0x02}, []any{uint64(0x0102)}},
		{"<H", []byte{0x01, 0x02}, []any{uint64(0x0201)}},
		{"!h", []byte{0xFF, 0xFE}, []any{int64(-2)}},
		{"I", []byte{0, 0, 0x01, 0x00}, []any{uint64(256)}},
		{"<i", []byte{0xFE, 0xFF, 0xFF, 0xFF}, []any{int64(-2)}},
		{"l", []byte{0x80, 0, 0, 0}, []any{int64(math.MinInt32)}},
		{"Q", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, []any{uint64(math.MaxUint64)}},
		{"q", []byte{0x80, 0, 0, 0, 0, 0, 0, 0}, []any{int64(math.MinInt64)}},
		{"?", []byte{0x02}, []any{true}},
		{"?", []byte{0x00}, []any{false}},
		{"c", []byte{'A'}, []any{"A"}},
		{"3s", []byte{'a', 'b', 'c'}, []any{"abc"}},
		{"4p", []byte{2, 'h', 'i', 0}, []any{"hi"}},
		{"xB", []byte{0xAA, 0x05}, []any{uint64(5)}},
		{"BxH", []byte{9, 0, 0x01, 0x00}, []any{uint64(9), uint64(256)}},
	}
	for _, tt := range tests {
		f := mustParse(t, tt.spec)
		got, err := f.Unpack(tt.data)
		if err != nil {
			t.Errorf("Unpack(%q, % x) error = %v", tt.spec, tt.data, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Unpack(%q, % x) = %#v, want %#v", tt.spec, tt.data, got, tt.want)
		}
	}
}

func TestUnpackFloats(t *testing.T) {
	f := mustParse(t, "f")
	data, err := f.Pack([]any{float64(1.5)})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	got, err := f.Unpack(data)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if got[0] != float64(1.5) {
		t.Errorf("f round-trip = %v, want 1.5", got[0])
	}

	d := mustParse(t, "<d")
	data, _ = d.Pack([]any{math.Pi})
	got, _ = d.Unpack(data)
	if got[0] != math.Pi {
		t.Errorf("d round-trip = %v, want %v", got[0], math.Pi)
	}
}

func TestUnpackShortBuffer(t *testing.T) {
	f := mustParse(t, "H")
	if _, err := f.Unpack([]byte{0x01}); !errors.Is(err, structpack.ErrShortBuffer) {
		t.Errorf("Unpack(short) error = %v, want ErrShortBuffer", err)
	}
}

// ─── Pack ───────────────────────────────────────────────────

func TestPackRoundTrip(t *testing.T) {
	tests := []struct {
		spec   string
		record []any
	}{
		{"B", []any{uint64(200)}},
		{"3B", []any{uint64(0), uint64(127), uint64(255)}},
		{"bh", []any{int64(-5), int64(-3000)}},
		{"<2H", []any{uint64(1), uint64(65535)}},
		{"iI", []any{int64(-70000), uint64(70000)}},
		{"qQ", []any{int64(math.MinInt64), uint64(math.MaxUint64)}},
		{"?", []any{true}},
		{"c2B", []any{"Z", uint64(1), uint64(2)}},
		{"5s", []any{"hello"}},
		{"6p", []any{"hey"}},
		{"P", []any{uint64(0xDEADBEEF)}},
	}
	for _, tt := range tests {
		f := mustParse(t, tt.spec)
		data, err := f.Pack(tt.record)
		if err != nil {
			t.Errorf("Pack(%q, %v) error = %v", tt.spec, tt.record, err)
			continue
		}
		if len(data) != f.Size() {
			t.Errorf("Pack(%q) produced %d bytes, want %d", tt.spec, len(data), f.Size())
		}
		got, err := f.Unpack(data)
		if err != nil {
			t.Errorf("Unpack(%q) error = %v", tt.spec, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.record) {
			t.Errorf("round-trip(%q) = %#v, want %#v", tt.spec, got, tt.record)
		}
	}
}

func TestPackPascalRoundTrip(t *testing.T) {
	f := mustParse(t, "4p")
	// A 4-byte pascal slot holds at most 3 content bytes.
	data, err := f.Pack([]any{"abcdef"})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	got, _ := f.Unpack(data)
	if got[0] != "abc" {
		t.Errorf("pascal truncation = %q, want %q", got[0], "abc")
	}
}

func TestPackStringPadsAndTruncates(t *testing.T) {
	f := mustParse(t, "4s")

	data, err := f.Pack([]any{"ab"})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if string(data) != "ab\x00\x00" {
		t.Errorf("short string packed = %q, want %q", data, "ab\x00\x00")
	}

	data, err = f.Pack([]any{"abcdef"})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if string(data) != "abcd" {
		t.Errorf("long string packed = %q, want %q", data, "abcd")
	}
}

func TestPackAcceptsJSONNumbers(t *testing.T) {
	// encoding/json delivers numbers as float64; integral ones must pack.
	f := mustParse(t, "B")
	data, err := f.Pack([]any{float64(7)})
	if err != nil {
		t.Fatalf("Pack(float64(7)) error = %v", err)
	}
	if data[0] != 7 {
		t.Errorf("packed byte = %d, want 7", data[0])
	}

	if _, err := f.Pack([]any{float64(7.5)}); !errors.Is(err, structpack.ErrType) {
		t.Errorf("Pack(7.5) error = %v, want ErrType", err)
	}
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		spec   string
		record []any
		want   error
	}{
		{"B", []any{}, structpack.ErrValueCount},
		{"B", []any{uint64(1), uint64(2)}, structpack.ErrValueCount},
		{"B", []any{uint64(256)}, structpack.ErrRange},
		{"b", []any{int64(128)}, structpack.ErrRange},
		{"h", []any{int64(40000)}, structpack.ErrRange},
		{"H", []any{int64(-1)}, structpack.ErrType},
		{"B", []any{"nope"}, structpack.ErrType},
		{"s", []any{uint64(1)}, structpack.ErrType},
		{"?", []any{uint64(1)}, structpack.ErrType},
		{"c", []any{"too long"}, structpack.ErrType},
	}
	for _, tt := range tests {
		f := mustParse(t, tt.spec)
		if _, err := f.Pack(tt.record); !errors.Is(err, tt.want) {
			t.Errorf("Pack(%q, %v) error = %v, want %v", tt.spec, tt.record, err, tt.want)
		}
	}
}

func TestNetworkOrderIsDefault(t *testing.T) {
	plain := mustParse(t, "H")
	bang := mustParse(t, "!H")
	a, _ := plain.Pack([]any{uint64(0x0102)})
	b, _ := bang.Pack([]any{uint64(0x0102)})
	if string(a) != string(b) {
		t.Errorf("default order packed % x, network order packed % x", a, b)
	}
	if a[0] != 0x01 || a[1] != 0x02 {
		t.Errorf("default order = % x, want big-endian 01 02", a)
	}
}
