package redisstore

import (
	"fmt"

	"github.com/go-redis/redis/v8"
)

// ClientOption adjusts the parsed connection options before dialing.
type ClientOption func(*redis.Options)

// NewUniversalClient builds a client from a redis:// or rediss:// URL.
func NewUniversalClient(redisURL string, options ...ClientOption) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cant parse redis url: %w", err)
	}
	for _, opt := range options {
		opt(opts)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		TLSConfig:    opts.TLSConfig,
	}), nil
}
