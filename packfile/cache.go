// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"github.com/dgraph-io/ristretto/v2"
)

// cacheKey identifies a single materialized object by the pack it came from
// and the byte offset of its header within that pack.
type cacheKey struct {
	pack   string
	offset int64
}

// ObjectCache memoizes fully reconstructed object bytes, keyed by (pack,
// offset), so repeated traversals of the same delta chain (a common
// pattern when walking commit ancestry) don't redo the reconstruction
// work. The zero value is a valid, unbounded cache; use NewBoundedObjectCache
// for a byte-limited policy.
type ObjectCache struct {
	unbounded map[cacheKey][]byte
	bounded   *ristretto.Cache[cacheKey, []byte]
}

// NewBoundedObjectCache returns an ObjectCache that keeps the total size of
// cached object bytes within maxBytes. It is backed by ristretto, which
// decides admission with TinyLFU and evicts by sampled access frequency;
// eviction is not in least-recently-used order, and a Put may be dropped
// without being cached.
func NewBoundedObjectCache(maxBytes int64) (*ObjectCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[cacheKey, []byte]{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ObjectCache{bounded: c}, nil
}

// Get returns the cached bytes for (pack, offset), if present.
func (c *ObjectCache) Get(pack string, offset int64) ([]byte, bool) {
	key := cacheKey{pack, offset}
	if c.bounded != nil {
		v, ok := c.bounded.Get(key)
		return v, ok
	}
	v, ok := c.unbounded[key]
	return v, ok
}

// Put stores data under (pack, offset). The cache may retain a reference to
// data rather than copying it, so callers must not mutate data afterward.
func (c *ObjectCache) Put(pack string, offset int64, data []byte) {
	key := cacheKey{pack, offset}
	if c.bounded != nil {
		c.bounded.Set(key, data, int64(len(data)))
		return
	}
	if c.unbounded == nil {
		c.unbounded = make(map[cacheKey][]byte)
	}
	c.unbounded[key] = data
}

// Close releases any resources held by a bounded cache. It is a no-op for
// the default unbounded policy.
func (c *ObjectCache) Close() {
	if c.bounded != nil {
		c.bounded.Close()
	}
}
