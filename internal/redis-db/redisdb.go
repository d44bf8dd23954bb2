/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 500 * time.Millisecond

// Redis wraps the client shared by the workflow cache, node locks and the webhook queue.
type Redis struct {
	client redis.UniversalClient
	opts   *redis.Options
}

// ParseRedisURL turns a configured redis address into client options. It accepts bare
// host:port pairs, redis:// and rediss:// URLs, and password-only URLs like redis://secret@host:6379.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	if !strings.Contains(rawURL, "//") && !strings.Contains(rawURL, "@") {
		return &redis.Options{Addr: rawURL}, nil
	}

	if strings.HasPrefix(rawURL, "redis://") && strings.Contains(rawURL, "@") {
		auth, host, _ := strings.Cut(strings.TrimPrefix(rawURL, "redis://"), "@")
		if !strings.Contains(auth, ":") {
			rawURL = fmt.Sprintf("redis://:%s@%s", auth, host)
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}
	return opts, nil
}

// NewRedisClient connects to the configured redis instance and verifies it with a ping.
func NewRedisClient(address string, skipTLSVerify bool) (*Redis, error) {
	opts, err := ParseRedisURL(address, skipTLSVerify)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, opts: opts}, nil
}

// Client returns the underlying redis client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// AsynqOpt returns connection options for the webhook task queue on the same instance.
func (r *Redis) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      r.opts.Addr,
		Username:  r.opts.Username,
		Password:  r.opts.Password,
		DB:        r.opts.DB,
		TLSConfig: r.opts.TLSConfig,
	}
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
