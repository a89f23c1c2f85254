// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userinfo

import (
	"context"
	"sync"
)

// idCache is a process-wide map of assigned IDs. Assignments are
// immutable, so entries never expire. Each key has its own lock so that
// concurrent misses for the same name coalesce into a single allocator
// transaction while lookups for different names proceed in parallel.
type idCache struct {
	mu    sync.Mutex
	ids   map[string]int
	locks map[string]*sync.Mutex
}

func newIDCache() *idCache {
	return &idCache{
		ids:   make(map[string]int),
		locks: make(map[string]*sync.Mutex),
	}
}

// get returns the cached ID for key, calling fill under the per-key lock
// on a miss.
func (c *idCache) get(ctx context.Context, key string, fill func() (int, error)) (int, error) {
	c.mu.Lock()
	if id, ok := c.ids[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have filled the entry while we waited.
	c.mu.Lock()
	if id, ok := c.ids[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := fill()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.ids[key] = id
	c.mu.Unlock()
	return id, nil
}

func (c *idCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, key)
}
