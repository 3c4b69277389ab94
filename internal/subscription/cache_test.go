package subscription

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

func setupRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisCache(client, "user-1")
}

func TestRedisCache_SetGetLocation(t *testing.T) {
	_, cache := setupRedisCache(t)

	if _, ok := cache.GetLocation(); ok {
		t.Fatal("GetLocation found a value before any SetLocation")
	}

	loc := types.Location{Lat: 37.7749, Lng: -122.4194, Timestamp: time.Unix(1700000000, 0).UTC()}
	cache.SetLocation(loc)

	got, ok := cache.GetLocation()
	if !ok {
		t.Fatal("GetLocation did not find the value set")
	}
	if got.Lat != loc.Lat || got.Lng != loc.Lng || !got.Timestamp.Equal(loc.Timestamp) {
		t.Errorf("GetLocation = %+v, want %+v", got, loc)
	}
}

func TestRedisCache_CalendarEventsTrimToHorizon(t *testing.T) {
	_, cache := setupRedisCache(t)

	for i := 0; i < calendarHorizon+5; i++ {
		cache.AddCalendarEvent(types.CalendarEvent{ID: string(rune('a' + i%26))})
	}

	events := cache.GetCalendarEvents()
	if len(events) != calendarHorizon {
		t.Fatalf("GetCalendarEvents returned %d events, want %d (trimmed to horizon)", len(events), calendarHorizon)
	}
}

func TestRedisCache_SetGetCoreSettings(t *testing.T) {
	_, cache := setupRedisCache(t)

	if got := cache.GetCoreSettings(); len(got) != 0 {
		t.Fatalf("GetCoreSettings = %v, want empty before any SetCoreSettings", got)
	}

	cache.SetCoreSettings(map[string]any{"brightness": float64(80), "mute": true})

	got := cache.GetCoreSettings()
	if got["brightness"] != float64(80) || got["mute"] != true {
		t.Errorf("GetCoreSettings = %v, want brightness=80 mute=true", got)
	}
}

func TestRedisCache_ExpiresAfterTTL(t *testing.T) {
	mr, cache := setupRedisCache(t)
	cache.ttl = 100 * time.Millisecond

	cache.SetLocation(types.Location{Lat: 1, Lng: 2})
	if _, ok := cache.GetLocation(); !ok {
		t.Fatal("expected location to be present immediately after SetLocation")
	}

	mr.FastForward(200 * time.Millisecond)

	if _, ok := cache.GetLocation(); ok {
		t.Error("expected location to have expired")
	}
}
