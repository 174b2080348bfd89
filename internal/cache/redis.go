package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/hemrs/internal/store"
)

// DefaultTTL bounds how long a sensor that stopped reporting keeps its entry.
const DefaultTTL = 24 * time.Hour

// setIfNewer writes ARGV[2] under KEYS[1] unless the stored entry has a
// higher timestamp. The timestamp is kept in a hash field next to the payload.
var setIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ts")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "payload", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisConfig holds the configuration for the Redis cache.
type RedisConfig struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a Latest cache shared between service replicas.
type Redis struct {
	logger *slog.Logger
	client *redis.Client
	ttl    time.Duration
}

var _ Latest = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg *RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cfg.Logger.Info("redis cache connected", "addr", cfg.Addr)

	return &Redis{logger: cfg.Logger, client: client, ttl: ttl}, nil
}

// Key returns the Redis key holding the latest measurement of a sensor.
func Key(sensorID int64) string {
	return fmt.Sprintf("hemrs:latest:%d", sensorID)
}

// Get returns the cached measurement of a sensor.
func (c *Redis) Get(ctx context.Context, sensorID int64) (store.Measurement, bool, error) {
	payload, err := c.client.HGet(ctx, Key(sensorID), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return store.Measurement{}, false, nil
	}
	if err != nil {
		return store.Measurement{}, false, fmt.Errorf("failed to read latest of sensor %d: %w", sensorID, err)
	}

	var m store.Measurement
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return store.Measurement{}, false, fmt.Errorf("failed to decode latest of sensor %d: %w", sensorID, err)
	}
	return m, true, nil
}

// Set stores m unless a newer measurement of the same sensor is cached.
func (c *Redis) Set(ctx context.Context, m store.Measurement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode measurement: %w", err)
	}

	written, err := setIfNewer.Run(ctx, c.client, []string{Key(m.SensorID)},
		m.Timestamp, string(payload), c.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to cache latest of sensor %d: %w", m.SensorID, err)
	}
	if written == 0 {
		c.logger.Debug("kept newer cached measurement", "sensor_id", m.SensorID, "ts", m.Timestamp)
	}
	return nil
}

// Delete drops the cached measurement of a sensor.
func (c *Redis) Delete(ctx context.Context, sensorID int64) error {
	if err := c.client.Del(ctx, Key(sensorID)).Err(); err != nil {
		return fmt.Errorf("failed to evict latest of sensor %d: %w", sensorID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Redis) Close() error {
	return c.client.Close()
}
