package regcache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/glowbound/fleetcore/pkg/gberr"
	"github.com/glowbound/fleetcore/pkg/models"
)

// RedisCache keeps registration state in a shared Redis so several
// ingest processes can serve one fleet. Layout per component:
//
//	<prefix>comp:<cid>:apiver          api version
//	<prefix>comp:<cid>:<source>:info   identity record, JSON
//	<prefix>comp:<cid>:<source>:props  hash path -> registration JSON
//	<prefix>comp:<cid>:<source>:order  list of paths in arrival order
//	<prefix>comp:<cid>:<source>:reg    registration flag
//	<prefix>comp:<cid>:pending         list of buffered messages, JSON
//
// Read-modify-write sequences are not transactional here; callers
// serialize them through the lock coordinator.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(componentID string, rest ...string) string {
	k := r.prefix + "comp:" + componentID
	for _, part := range rest {
		k += ":" + part
	}
	return k
}

func cacheErr(err error, msg string) error {
	return gberr.Wrap(gberr.CacheError, err, msg)
}

// ── Identity ────────────────────────────────────────────────

func (r *RedisCache) CacheApiVersion(ctx context.Context, componentID string, v models.ApiVersion) error {
	if err := r.client.Set(ctx, r.key(componentID, "apiver"), strconv.Itoa(int(v)), 0).Err(); err != nil {
		return cacheErr(err, "cache api version")
	}
	return nil
}

func (r *RedisCache) GetApiVersion(ctx context.Context, componentID string) (models.ApiVersion, bool, error) {
	val, err := r.client.Get(ctx, r.key(componentID, "apiver")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, cacheErr(err, "get api version")
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, cacheErr(err, "decode api version")
	}
	return models.ApiVersion(n), true, nil
}

func (r *RedisCache) ClearApiVersion(ctx context.Context, componentID string) error {
	if err := r.client.Del(ctx, r.key(componentID, "apiver")).Err(); err != nil {
		return cacheErr(err, "clear api version")
	}
	return nil
}

func (r *RedisCache) CacheSystemInfo(ctx context.Context, componentID string, info *models.SystemInfo) error {
	return r.setJSON(ctx, r.key(componentID, "system", "info"), info, "cache system info")
}

func (r *RedisCache) GetSystemInfo(ctx context.Context, componentID string) (*models.SystemInfo, error) {
	var info models.SystemInfo
	ok, err := r.getJSON(ctx, r.key(componentID, "system", "info"), &info, "get system info")
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (r *RedisCache) ClearSystemInfo(ctx context.Context, componentID string) error {
	if err := r.client.Del(ctx, r.key(componentID, "system", "info")).Err(); err != nil {
		return cacheErr(err, "clear system info")
	}
	return nil
}

func (r *RedisCache) CacheAppInfo(ctx context.Context, componentID string, info *models.ApplicationInfo) error {
	return r.setJSON(ctx, r.key(componentID, "app", "info"), info, "cache app info")
}

func (r *RedisCache) GetAppInfo(ctx context.Context, componentID string) (*models.ApplicationInfo, error) {
	var info models.ApplicationInfo
	ok, err := r.getJSON(ctx, r.key(componentID, "app", "info"), &info, "get app info")
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (r *RedisCache) setJSON(ctx context.Context, key string, v any, msg string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return cacheErr(err, msg)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return cacheErr(err, msg)
	}
	return nil
}

func (r *RedisCache) getJSON(ctx context.Context, key string, v any, msg string) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, cacheErr(err, msg)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, cacheErr(err, msg)
	}
	return true, nil
}

// ── Property registrations ──────────────────────────────────

func (r *RedisCache) CacheProperty(ctx context.Context, componentID string, source models.Source, reg *models.PropertyRegistration) error {
	propsKey := r.key(componentID, string(source), "props")
	orderKey := r.key(componentID, string(source), "order")

	exists, err := r.client.HExists(ctx, propsKey, reg.Path).Result()
	if err != nil {
		return cacheErr(err, "cache property")
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return cacheErr(err, "cache property")
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, propsKey, reg.Path, data)
	if !exists {
		pipe.RPush(ctx, orderKey, reg.Path)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return cacheErr(err, "cache property")
	}
	return nil
}

func (r *RedisCache) GetProperty(ctx context.Context, componentID string, source models.Source, path string) (*models.PropertyRegistration, error) {
	data, err := r.client.HGet(ctx, r.key(componentID, string(source), "props"), path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheErr(err, "get property")
	}
	var reg models.PropertyRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, cacheErr(err, "decode property")
	}
	return &reg, nil
}

func (r *RedisCache) GetAllProperties(ctx context.Context, componentID string, source models.Source) ([]*models.PropertyRegistration, error) {
	order, err := r.client.LRange(ctx, r.key(componentID, string(source), "order"), 0, -1).Result()
	if err != nil {
		return nil, cacheErr(err, "get property order")
	}
	if len(order) == 0 {
		return nil, nil
	}
	all, err := r.client.HGetAll(ctx, r.key(componentID, string(source), "props")).Result()
	if err != nil {
		return nil, cacheErr(err, "get properties")
	}

	regs := make([]*models.PropertyRegistration, 0, len(order))
	for _, path := range order {
		data, ok := all[path]
		if !ok {
			continue
		}
		var reg models.PropertyRegistration
		if err := json.Unmarshal([]byte(data), &reg); err != nil {
			return nil, cacheErr(err, "decode property")
		}
		regs = append(regs, &reg)
	}
	return regs, nil
}

func (r *RedisCache) ClearProperties(ctx context.Context, componentID string, source models.Source) error {
	err := r.client.Del(ctx,
		r.key(componentID, string(source), "props"),
		r.key(componentID, string(source), "order"),
	).Err()
	if err != nil {
		return cacheErr(err, "clear properties")
	}
	return nil
}

func (r *RedisCache) SetRegistered(ctx context.Context, componentID string, source models.Source, registered bool) error {
	val := "0"
	if registered {
		val = "1"
	}
	if err := r.client.Set(ctx, r.key(componentID, string(source), "reg"), val, 0).Err(); err != nil {
		return cacheErr(err, "set registered")
	}
	return nil
}

func (r *RedisCache) IsRegistered(ctx context.Context, componentID string, source models.Source) (bool, error) {
	val, err := r.client.Get(ctx, r.key(componentID, string(source), "reg")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, cacheErr(err, "get registered")
	}
	return val == "1", nil
}

func (r *RedisCache) ClearInfoAndRegistered(ctx context.Context, componentID string, source models.Source) error {
	err := r.client.Del(ctx,
		r.key(componentID, string(source), "info"),
		r.key(componentID, string(source), "reg"),
	).Err()
	if err != nil {
		return cacheErr(err, "clear info and registered")
	}
	return nil
}

func (r *RedisCache) ClearCachedValues(ctx context.Context, componentID string, source models.Source) error {
	err := r.client.Del(ctx,
		r.key(componentID, string(source), "props"),
		r.key(componentID, string(source), "order"),
		r.key(componentID, string(source), "reg"),
	).Err()
	if err != nil {
		return cacheErr(err, "clear cached values")
	}
	return nil
}

func (r *RedisCache) ClearAll(ctx context.Context, componentID string) error {
	keys := []string{
		r.key(componentID, "apiver"),
		r.key(componentID, "pending"),
	}
	for _, source := range models.Sources {
		keys = append(keys,
			r.key(componentID, string(source), "info"),
			r.key(componentID, string(source), "props"),
			r.key(componentID, string(source), "order"),
			r.key(componentID, string(source), "reg"),
		)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return cacheErr(err, "clear all")
	}
	return nil
}

// ── Pending messages ────────────────────────────────────────

func (r *RedisCache) CachePendingMessage(ctx context.Context, componentID, topic string, payload []byte) error {
	data, err := json.Marshal(models.PendingMessage{Topic: topic, Payload: payload})
	if err != nil {
		return cacheErr(err, "cache pending message")
	}
	if err := r.client.RPush(ctx, r.key(componentID, "pending"), data).Err(); err != nil {
		return cacheErr(err, "cache pending message")
	}
	return nil
}

func (r *RedisCache) NextPendingMessage(ctx context.Context, componentID string) (*models.PendingMessage, error) {
	data, err := r.client.LPop(ctx, r.key(componentID, "pending")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheErr(err, "pop pending message")
	}
	var msg models.PendingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, cacheErr(err, "decode pending message")
	}
	return &msg, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return cacheErr(err, "ping")
	}
	return nil
}

// Close is a no-op: the caller owns the client.
func (r *RedisCache) Close() error { return nil }
