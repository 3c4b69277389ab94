package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// calendarHorizon bounds how many calendar events the cache retains per
// session — enough for replay, not a full calendar mirror.
const calendarHorizon = 20

// Cache stores the last-known value for each cached stream key (location,
// calendar events) so a newly subscribed App can be replayed current state
// without waiting for the next live update.
type Cache interface {
	SetLocation(loc types.Location)
	GetLocation() (types.Location, bool)
	AddCalendarEvent(ev types.CalendarEvent)
	GetCalendarEvents() []types.CalendarEvent
	SetCoreSettings(settings map[string]any)
	GetCoreSettings() map[string]any
}

// MemoryCache is the default in-process [Cache], used when Redis caching is
// disabled (config.CacheConfig.Enabled == false).
type MemoryCache struct {
	mu       sync.RWMutex
	location *types.Location
	calendar []types.CalendarEvent
	core     map[string]any
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) SetLocation(loc types.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := loc
	c.location = &l
}

func (c *MemoryCache) GetLocation() (types.Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.location == nil {
		return types.Location{}, false
	}
	return *c.location, true
}

func (c *MemoryCache) AddCalendarEvent(ev types.CalendarEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendar = append(c.calendar, ev)
	if len(c.calendar) > calendarHorizon {
		c.calendar = c.calendar[len(c.calendar)-calendarHorizon:]
	}
}

func (c *MemoryCache) GetCalendarEvents() []types.CalendarEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.CalendarEvent, len(c.calendar))
	copy(out, c.calendar)
	return out
}

func (c *MemoryCache) SetCoreSettings(settings map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[string]any, len(settings))
	for k, v := range settings {
		merged[k] = v
	}
	c.core = merged
}

func (c *MemoryCache) GetCoreSettings() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.core))
	for k, v := range c.core {
		out[k] = v
	}
	return out
}

// RedisCache is a Redis-backed [Cache], sharing cached values across
// control-plane instances so App replay works regardless of which instance
// handled the originating glasses message.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache returns a [RedisCache] scoped to one user session.
func NewRedisCache(client *redis.Client, userID string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: fmt.Sprintf("glasses-cloud:session:%s", userID),
		ttl:    24 * time.Hour,
	}
}

func (c *RedisCache) locationKey() string { return c.prefix + ":location" }
func (c *RedisCache) calendarKey() string { return c.prefix + ":calendar" }
func (c *RedisCache) coreSettingsKey() string { return c.prefix + ":core_settings" }

func (c *RedisCache) SetLocation(loc types.Location) {
	ctx := context.Background()
	data, err := json.Marshal(loc)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.locationKey(), data, c.ttl).Err()
}

func (c *RedisCache) GetLocation() (types.Location, bool) {
	ctx := context.Background()
	data, err := c.client.Get(ctx, c.locationKey()).Bytes()
	if err != nil {
		return types.Location{}, false
	}
	var loc types.Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return types.Location{}, false
	}
	return loc, true
}

func (c *RedisCache) AddCalendarEvent(ev types.CalendarEvent) {
	ctx := context.Background()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := c.calendarKey()
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -calendarHorizon, -1)
	pipe.Expire(ctx, key, c.ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *RedisCache) GetCalendarEvents() []types.CalendarEvent {
	ctx := context.Background()
	vals, err := c.client.LRange(ctx, c.calendarKey(), 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]types.CalendarEvent, 0, len(vals))
	for _, v := range vals {
		var ev types.CalendarEvent
		if err := json.Unmarshal([]byte(v), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *RedisCache) SetCoreSettings(settings map[string]any) {
	ctx := context.Background()
	data, err := json.Marshal(settings)
	if err != nil {
		return
	}
	key := c.coreSettingsKey()
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, data, c.ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *RedisCache) GetCoreSettings() map[string]any {
	ctx := context.Background()
	data, err := c.client.Get(ctx, c.coreSettingsKey()).Bytes()
	if err != nil {
		return map[string]any{}
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return map[string]any{}
	}
	return settings
}
