//
// Copyright 2024-2026 Detourbox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package reparse

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
)

// Classification marks a chain entry as an intermediate hop or the final
// resolved path.
type Classification int

const (
	Intermediate Classification = iota
	FullyResolved
)

// ChainEntry is one element of a resolution chain, in resolution order.
type ChainEntry struct {
	Path  string
	Class Classification
}

type chainKey struct {
	path         string
	preserveLast bool
}

type targetEntry struct {
	isReparse bool
	target    string
}

const cacheShards = 16

type cacheShard struct {
	sync.RWMutex
	chains  map[chainKey][]ChainEntry
	targets map[string]targetEntry
}

//
// Cache stores reparse-point resolutions. Correctness of the whole
// resolver rests on its invalidation discipline: a cached chain must
// disappear the moment any path that contributed to it is written,
// renamed, or deleted, and a cached per-path target must disappear when
// that path's reparse data can have changed.
//
// Sharded by key hash; each shard takes its own reader/writer lock.
//
type Cache struct {
	shards [cacheShards]*cacheShard

	// contributors maps a folded path to every chain key its resolution
	// participated in.
	contribMu    sync.Mutex
	contributors map[string]map[chainKey]struct{}

	hits   uint64
	misses uint64
}

// NewCache builds an empty cache.
func NewCache() *Cache {
	c := &Cache{
		contributors: make(map[string]map[chainKey]struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			chains:  make(map[chainKey][]ChainEntry),
			targets: make(map[string]targetEntry),
		}
	}
	return c
}

func fold(p string) string {
	return strings.ToLower(p)
}

func (c *Cache) shard(s string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(s))
	return c.shards[h.Sum32()%cacheShards]
}

// LookupChain returns a cached resolution chain.
func (c *Cache) LookupChain(
	path string, preserveLast bool) ([]ChainEntry, bool) {

	key := chainKey{path: fold(path), preserveLast: preserveLast}
	sh := c.shard(key.path)

	sh.RLock()
	chain, ok := sh.chains[key]
	sh.RUnlock()

	if ok {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
	return chain, ok
}

// StoreChain records a resolution chain, indexing every member path as a
// contributor so later mutations can surgically invalidate it.
func (c *Cache) StoreChain(
	path string, preserveLast bool, chain []ChainEntry) {

	key := chainKey{path: fold(path), preserveLast: preserveLast}
	sh := c.shard(key.path)

	sh.Lock()
	sh.chains[key] = chain
	sh.Unlock()

	c.contribMu.Lock()
	c.index(key.path, key)
	for _, e := range chain {
		c.index(fold(e.Path), key)
	}
	c.contribMu.Unlock()
}

func (c *Cache) index(path string, key chainKey) {
	set, ok := c.contributors[path]
	if !ok {
		set = make(map[chainKey]struct{})
		c.contributors[path] = set
	}
	set[key] = struct{}{}
}

// LookupTarget returns the cached reparse classification of one path.
func (c *Cache) LookupTarget(path string) (isReparse bool, target string, ok bool) {
	f := fold(path)
	sh := c.shard(f)

	sh.RLock()
	e, ok := sh.targets[f]
	sh.RUnlock()

	if ok {
		atomic.AddUint64(&c.hits, 1)
		return e.isReparse, e.target, true
	}
	atomic.AddUint64(&c.misses, 1)
	return false, "", false
}

// StoreTarget records whether a path is a reparse point and, if so, its
// substitute name.
func (c *Cache) StoreTarget(path string, isReparse bool, target string) {
	f := fold(path)
	sh := c.shard(f)

	sh.Lock()
	sh.targets[f] = targetEntry{isReparse: isReparse, target: target}
	sh.Unlock()
}

// Invalidate drops the target entry for a path and every chain the path
// contributed to. Called on writes that can introduce or change a reparse
// point, and on any rename or delete involving the path.
func (c *Cache) Invalidate(path string) {
	f := fold(path)

	sh := c.shard(f)
	sh.Lock()
	delete(sh.targets, f)
	sh.Unlock()

	c.contribMu.Lock()
	keys := c.contributors[f]
	delete(c.contributors, f)
	c.contribMu.Unlock()

	for key := range keys {
		ksh := c.shard(key.path)
		ksh.Lock()
		delete(ksh.chains, key)
		ksh.Unlock()
	}
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
