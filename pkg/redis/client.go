package redis

import (
	"context"
	"time"

	v9 "github.com/redis/go-redis/v9"

	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
)

// Client defines the interface for the Redis operations the snapshot store
// needs.
//
//go:generate mockgen -source client.go -destination=mock/client_mock.go -package=redis_mock
type Client interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// Config holds the configuration for the Redis client.
type Config struct {
	Addr           string
	Username       string
	Password       string
	DB             int
	ConnectTimeout time.Duration
}

// DefaultConfig returns a default configuration for the Redis client.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:6379",
		ConnectTimeout: 5 * time.Second,
	}
}

type client struct {
	logger *logger.Logger
	config *Config
	rdb    *v9.Client
}

// NewClient creates a new Redis client with the provided logger and
// configuration.
func NewClient(log *logger.Logger, config *Config) Client {
	return &client{
		logger: log,
		config: config,
	}
}

func (c *client) Connect(ctx context.Context) error {
	if c.config == nil {
		return errors.NewErrorDetails("Redis config is nil", string(errors.RedisConfigError), "connect")
	}
	if c.config.Addr == "" {
		return errors.NewErrorDetails("Redis address is empty", string(errors.RedisConfigError), "connect")
	}
	if c.config.ConnectTimeout <= 0 {
		return errors.NewErrorDetails("Invalid Redis connect timeout", string(errors.RedisConfigError), "connect")
	}

	c.rdb = v9.NewClient(&v9.Options{
		Addr:         c.config.Addr,
		Username:     c.config.Username,
		Password:     c.config.Password,
		DB:           c.config.DB,
		DialTimeout:  c.config.ConnectTimeout,
		ReadTimeout:  c.config.ConnectTimeout,
		WriteTimeout: c.config.ConnectTimeout,
	})

	if err := c.Ping(ctx); err != nil {
		return errors.NewTracerFromCode(errors.RedisConnectionError).Wrap(err)
	}

	c.logger.InfoContext(ctx, "Connected to Redis", logger.Field{
		Key:   "addr",
		Value: c.config.Addr,
	})
	return nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == v9.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.NewTracerFromCode(errors.RedisGetError).Wrap(err)
	}
	return val, nil
}

func (c *client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.NewTracerFromCode(errors.RedisSetError).Wrap(err)
	}
	return nil
}

func (c *client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewTracerFromCode(errors.RedisSetError).Wrap(err)
	}
	return n, nil
}
