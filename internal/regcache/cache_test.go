package regcache_test

import (
	"context"
	"testing"

	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/pkg/models"
)

func floatPtr(f float64) *float64 { return &f }

func testReg(path string, index int) *models.PropertyRegistration {
	return &models.PropertyRegistration{
		Path:     path,
		Index:    index,
		Type:     models.TypePrimitive,
		Format:   "B",
		Length:   1,
		Settable: true,
		Gettable: true,
		Min:      floatPtr(0),
		Max:      floatPtr(100),
	}
}

// runCacheSuite exercises the Cache contract; both implementations
// must pass it unchanged.
func runCacheSuite(t *testing.T, newCache func(t *testing.T) regcache.Cache) {
	ctx := context.Background()

	t.Run("ApiVersion", func(t *testing.T) {
		c := newCache(t)

		_, known, err := c.GetApiVersion(ctx, "comp-1")
		if err != nil {
			t.Fatalf("GetApiVersion() error = %v", err)
		}
		if known {
			t.Fatal("GetApiVersion() known = true before any write")
		}

		if err := c.CacheApiVersion(ctx, "comp-1", models.ApiVersionV2); err != nil {
			t.Fatalf("CacheApiVersion() error = %v", err)
		}
		v, known, err := c.GetApiVersion(ctx, "comp-1")
		if err != nil {
			t.Fatalf("GetApiVersion() error = %v", err)
		}
		if !known || v != models.ApiVersionV2 {
			t.Fatalf("GetApiVersion() = %d, %v, want 2, true", v, known)
		}

		if err := c.ClearApiVersion(ctx, "comp-1"); err != nil {
			t.Fatalf("ClearApiVersion() error = %v", err)
		}
		if _, known, _ := c.GetApiVersion(ctx, "comp-1"); known {
			t.Fatal("api version survived clear")
		}
	})

	t.Run("SystemInfo", func(t *testing.T) {
		c := newCache(t)

		got, err := c.GetSystemInfo(ctx, "comp-1")
		if err != nil {
			t.Fatalf("GetSystemInfo() error = %v", err)
		}
		if got != nil {
			t.Fatalf("GetSystemInfo() = %+v before any write, want nil", got)
		}

		info := &models.SystemInfo{
			ApiVer:       models.ApiVersionV2,
			Name:         "hall-sensor",
			Type:         models.CategoryGeneric,
			Capabilities: []models.Capability{models.CapabilityOTA},
			MAC:          "AA:BB:CC:DD:EE:01",
			IP:           "10.0.0.9",
			NumProps:     3,
		}
		if err := c.CacheSystemInfo(ctx, "comp-1", info); err != nil {
			t.Fatalf("CacheSystemInfo() error = %v", err)
		}

		got, err = c.GetSystemInfo(ctx, "comp-1")
		if err != nil {
			t.Fatalf("GetSystemInfo() error = %v", err)
		}
		if got == nil || got.Name != "hall-sensor" || got.NumProps != 3 {
			t.Fatalf("GetSystemInfo() = %+v", got)
		}

		// Mutating the returned record must not touch the cache.
		got.Name = "clobbered"
		again, _ := c.GetSystemInfo(ctx, "comp-1")
		if again.Name != "hall-sensor" {
			t.Fatal("returned record is not detached from the cache")
		}

		if err := c.ClearSystemInfo(ctx, "comp-1"); err != nil {
			t.Fatalf("ClearSystemInfo() error = %v", err)
		}
		if got, _ := c.GetSystemInfo(ctx, "comp-1"); got != nil {
			t.Fatal("system info survived clear")
		}
	})

	t.Run("AppInfo", func(t *testing.T) {
		c := newCache(t)

		info := &models.ApplicationInfo{FileName: "belt.py", Ver: "1.2.0", NumProps: 2}
		if err := c.CacheAppInfo(ctx, "comp-1", info); err != nil {
			t.Fatalf("CacheAppInfo() error = %v", err)
		}
		got, err := c.GetAppInfo(ctx, "comp-1")
		if err != nil {
			t.Fatalf("GetAppInfo() error = %v", err)
		}
		if got == nil || got.FileName != "belt.py" || got.NumProps != 2 {
			t.Fatalf("GetAppInfo() = %+v", got)
		}
	})

	t.Run("PropertiesArrivalOrder", func(t *testing.T) {
		c := newCache(t)

		for i, path := range []string{"engine/temp", "engine/rpm", "cab/light"} {
			if err := c.CacheProperty(ctx, "comp-1", models.SourceSystem, testReg(path, i)); err != nil {
				t.Fatalf("CacheProperty(%s) error = %v", path, err)
			}
		}

		regs, err := c.GetAllProperties(ctx, "comp-1", models.SourceSystem)
		if err != nil {
			t.Fatalf("GetAllProperties() error = %v", err)
		}
		if len(regs) != 3 {
			t.Fatalf("GetAllProperties() returned %d, want 3", len(regs))
		}
		for i, want := range []string{"engine/temp", "engine/rpm", "cab/light"} {
			if regs[i].Path != want {
				t.Errorf("regs[%d].Path = %q, want %q", i, regs[i].Path, want)
			}
		}

		// Re-caching an existing path overwrites without moving it.
		update := testReg("engine/rpm", 1)
		update.Desc = "crankshaft speed"
		if err := c.CacheProperty(ctx, "comp-1", models.SourceSystem, update); err != nil {
			t.Fatalf("CacheProperty() error = %v", err)
		}
		regs, _ = c.GetAllProperties(ctx, "comp-1", models.SourceSystem)
		if len(regs) != 3 || regs[1].Path != "engine/rpm" || regs[1].Desc != "crankshaft speed" {
			t.Fatalf("after overwrite, regs = %+v", regs)
		}

		got, err := c.GetProperty(ctx, "comp-1", models.SourceSystem, "engine/temp")
		if err != nil {
			t.Fatalf("GetProperty() error = %v", err)
		}
		if got == nil || got.Index != 0 || got.Min == nil || *got.Min != 0 {
			t.Fatalf("GetProperty() = %+v", got)
		}

		if got, _ := c.GetProperty(ctx, "comp-1", models.SourceSystem, "no/such"); got != nil {
			t.Fatalf("GetProperty(absent) = %+v, want nil", got)
		}
	})

	t.Run("SourcesAreIndependent", func(t *testing.T) {
		c := newCache(t)

		if err := c.CacheProperty(ctx, "comp-1", models.SourceSystem, testReg("sys/prop", 0)); err != nil {
			t.Fatalf("CacheProperty() error = %v", err)
		}
		if err := c.SetRegistered(ctx, "comp-1", models.SourceSystem, true); err != nil {
			t.Fatalf("SetRegistered() error = %v", err)
		}

		appRegs, _ := c.GetAllProperties(ctx, "comp-1", models.SourceApp)
		if len(appRegs) != 0 {
			t.Fatalf("app properties = %+v, want none", appRegs)
		}
		if reg, _ := c.IsRegistered(ctx, "comp-1", models.SourceApp); reg {
			t.Fatal("app registered flag leaked from system source")
		}
		if reg, _ := c.IsRegistered(ctx, "comp-1", models.SourceSystem); !reg {
			t.Fatal("system registered flag not set")
		}
	})

	t.Run("ClearCachedValues", func(t *testing.T) {
		c := newCache(t)

		c.CacheSystemInfo(ctx, "comp-1", &models.SystemInfo{Name: "keep-me", NumProps: 1})
		c.CacheProperty(ctx, "comp-1", models.SourceSystem, testReg("a", 0))
		c.SetRegistered(ctx, "comp-1", models.SourceSystem, true)

		if err := c.ClearCachedValues(ctx, "comp-1", models.SourceSystem); err != nil {
			t.Fatalf("ClearCachedValues() error = %v", err)
		}

		if regs, _ := c.GetAllProperties(ctx, "comp-1", models.SourceSystem); len(regs) != 0 {
			t.Fatalf("properties survived ClearCachedValues: %+v", regs)
		}
		if reg, _ := c.IsRegistered(ctx, "comp-1", models.SourceSystem); reg {
			t.Fatal("registered flag survived ClearCachedValues")
		}
		if info, _ := c.GetSystemInfo(ctx, "comp-1"); info == nil || info.Name != "keep-me" {
			t.Fatal("identity record did not survive ClearCachedValues")
		}
	})

	t.Run("ClearInfoAndRegistered", func(t *testing.T) {
		c := newCache(t)

		c.CacheSystemInfo(ctx, "comp-1", &models.SystemInfo{Name: "drop-me", NumProps: 1})
		c.CacheProperty(ctx, "comp-1", models.SourceSystem, testReg("a", 0))
		c.SetRegistered(ctx, "comp-1", models.SourceSystem, true)

		if err := c.ClearInfoAndRegistered(ctx, "comp-1", models.SourceSystem); err != nil {
			t.Fatalf("ClearInfoAndRegistered() error = %v", err)
		}

		if info, _ := c.GetSystemInfo(ctx, "comp-1"); info != nil {
			t.Fatal("identity record survived ClearInfoAndRegistered")
		}
		if reg, _ := c.IsRegistered(ctx, "comp-1", models.SourceSystem); reg {
			t.Fatal("registered flag survived ClearInfoAndRegistered")
		}
		if regs, _ := c.GetAllProperties(ctx, "comp-1", models.SourceSystem); len(regs) != 1 {
			t.Fatal("properties did not survive ClearInfoAndRegistered")
		}
	})

	t.Run("ClearAll", func(t *testing.T) {
		c := newCache(t)

		c.CacheApiVersion(ctx, "comp-1", models.ApiVersionV2)
		c.CacheSystemInfo(ctx, "comp-1", &models.SystemInfo{NumProps: 1})
		c.CacheAppInfo(ctx, "comp-1", &models.ApplicationInfo{NumProps: 1})
		c.CacheProperty(ctx, "comp-1", models.SourceSystem, testReg("a", 0))
		c.CacheProperty(ctx, "comp-1", models.SourceApp, testReg("b", 0))
		c.SetRegistered(ctx, "comp-1", models.SourceSystem, true)
		c.CachePendingMessage(ctx, "comp-1", "app/log", []byte(`{}`))

		// Another component must be untouched.
		c.CacheApiVersion(ctx, "comp-2", models.ApiVersionV2)

		if err := c.ClearAll(ctx, "comp-1"); err != nil {
			t.Fatalf("ClearAll() error = %v", err)
		}

		if _, known, _ := c.GetApiVersion(ctx, "comp-1"); known {
			t.Fatal("api version survived ClearAll")
		}
		if info, _ := c.GetSystemInfo(ctx, "comp-1"); info != nil {
			t.Fatal("system info survived ClearAll")
		}
		if info, _ := c.GetAppInfo(ctx, "comp-1"); info != nil {
			t.Fatal("app info survived ClearAll")
		}
		if regs, _ := c.GetAllProperties(ctx, "comp-1", models.SourceApp); len(regs) != 0 {
			t.Fatal("app properties survived ClearAll")
		}
		if msg, _ := c.NextPendingMessage(ctx, "comp-1"); msg != nil {
			t.Fatal("pending message survived ClearAll")
		}
		if _, known, _ := c.GetApiVersion(ctx, "comp-2"); !known {
			t.Fatal("ClearAll leaked into another component")
		}
	})

	t.Run("PendingFIFO", func(t *testing.T) {
		c := newCache(t)

		if msg, err := c.NextPendingMessage(ctx, "comp-1"); err != nil || msg != nil {
			t.Fatalf("NextPendingMessage() = %+v, %v, want nil, nil", msg, err)
		}

		for _, topic := range []string{"system/log", "app/log", "system/register/prop"} {
			if err := c.CachePendingMessage(ctx, "comp-1", topic, []byte(topic)); err != nil {
				t.Fatalf("CachePendingMessage(%s) error = %v", topic, err)
			}
		}

		for _, want := range []string{"system/log", "app/log", "system/register/prop"} {
			msg, err := c.NextPendingMessage(ctx, "comp-1")
			if err != nil {
				t.Fatalf("NextPendingMessage() error = %v", err)
			}
			if msg == nil || msg.Topic != want || string(msg.Payload) != want {
				t.Fatalf("NextPendingMessage() = %+v, want topic %q", msg, want)
			}
		}
		if msg, _ := c.NextPendingMessage(ctx, "comp-1"); msg != nil {
			t.Fatalf("NextPendingMessage() after drain = %+v, want nil", msg)
		}
	})
}
