// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the ephemeral, consume-once record caches used by the
// authorization service.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/opentrusty/authzstore/internal/authorization"
)

type entry struct {
	rec       *authorization.Record
	expiresAt time.Time
}

// MemoryCache is a process-local cache. It holds plaintext records and must
// never be shared across processes.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ authorization.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty process-local cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Put stores a copy of rec under every key until ttl elapses. Each key gets
// its own copy so consuming one entry never aliases another.
func (c *MemoryCache) Put(_ context.Context, keys []string, rec *authorization.Record, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt := c.now().Add(ttl)
	for _, key := range keys {
		c.entries[key] = entry{rec: rec.Clone(), expiresAt: expiresAt}
	}
	return nil
}

// Get removes and returns the record under key. A miss or an expired entry
// returns nil.
func (c *MemoryCache) Get(_ context.Context, key string) (*authorization.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	delete(c.entries, key)
	if !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	return e.rec, nil
}

// Delete removes key if present.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
