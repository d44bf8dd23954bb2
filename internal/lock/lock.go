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

package redlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another owner holds the lock.
var ErrLockHeld = errors.New("lock is held by another owner")

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Locker is a single-key redis lock owned by one worker.
type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

// NodeTaskKey is the lock key guarding execution of one node task.
func NodeTaskKey(nodeTaskID int64) string {
	return "nodeflow:node-task:" + strconv.FormatInt(nodeTaskID, 10)
}

func NewLocker(client redis.UniversalClient, key, owner string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		owner:  owner,
	}
}

// Acquire takes the lock for ttl. It returns ErrLockHeld when someone else has it.
func (l *Locker) Acquire(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

// Release drops the lock if this owner still holds it.
func (l *Locker) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("release of %s failed: lock expired or owned by someone else", l.key)
	}
	return nil
}

// Extend pushes the expiry of a held lock to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.owner, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("extension of %s failed: lock expired or owned by someone else", l.key)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released afterwards even when fn fails.
func (l *Locker) WithLock(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, ttl); err != nil {
		return err
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
