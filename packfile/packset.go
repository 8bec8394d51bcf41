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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gg-scm.io/pkg/git/githash"
	"gg-scm.io/pkg/git/giterr"
	"gg-scm.io/pkg/git/internal/fspool"
	"gg-scm.io/pkg/git/object"
)

// ResolveBaseFunc looks up a ref-delta's base object outside the pack
// currently being read, returning a stream positioned at the base's pack
// object header, its offset within that stream, and a function to release
// any resources once the chain walk has moved past it.
type ResolveBaseFunc func(id githash.SHA1) (f ByteReadSeeker, offset int64, close func(), err error)

// Cached objects are stored as a single type tag byte followed by the raw
// payload, so the cache can hold a plain []byte per (pack, offset) without
// a separate side-table for the object's type.
const prefixTagLen = 1

func encodeCachedObject(prefix object.Prefix, data []byte) []byte {
	out := make([]byte, prefixTagLen+len(data))
	out[0] = objectTypeTag(prefix.Type)
	copy(out[prefixTagLen:], data)
	return out
}

func cachedPrefix(data []byte) object.Prefix {
	return object.Prefix{Type: objectTypeFromTag(data[0]), Size: int64(len(data) - prefixTagLen)}
}

func objectTypeTag(typ object.Type) byte {
	switch typ {
	case object.TypeCommit:
		return 1
	case object.TypeTree:
		return 2
	case object.TypeBlob:
		return 3
	case object.TypeTag:
		return 4
	default:
		return 0
	}
}

func objectTypeFromTag(tag byte) object.Type {
	switch tag {
	case 1:
		return object.TypeCommit
	case 2:
		return object.TypeTree
	case 3:
		return object.TypeBlob
	case 4:
		return object.TypeTag
	default:
		return ""
	}
}

// Pack is one pack/index pair managed by a PackSet. The index is opened
// lazily, on first lookup against it, guarded by the single-threaded
// invariant the whole reader relies on: there is no lock here because a
// Repository is never used from more than one goroutine at a time.
type Pack struct {
	packPath  string
	indexPath string
	useMapped bool

	index DiskIndex // nil until first lookup
	pool  *fspool.Pool
	cache *ObjectCache

	undeltifier Undeltifier
}

func newPack(packPath, indexPath string, useMapped bool, cache *ObjectCache) *Pack {
	return &Pack{
		packPath:  packPath,
		indexPath: indexPath,
		useMapped: useMapped,
		pool:      fspool.New(packPath, 0),
		cache:     cache,
	}
}

func (p *Pack) index_() (DiskIndex, error) {
	if p.index != nil {
		return p.index, nil
	}
	var idx DiskIndex
	var err error
	if p.useMapped {
		idx, err = OpenMappedIndex(p.indexPath)
	} else {
		idx, err = OpenStreamIndex(p.indexPath)
	}
	if errors.Is(err, giterr.UnsupportedFormat) {
		// Pre-version-2 index (no CRC32 table, no large-offset table).
		// Fall back to loading it whole with the generic decoder instead
		// of refusing to read objects from an otherwise valid pack.
		idx, err = openGenericIndex(p.indexPath)
	}
	if err != nil {
		return nil, err
	}
	p.index = idx
	return idx, nil
}

// GetOffset returns the offset of id within this pack, if present.
func (p *Pack) GetOffset(id githash.SHA1) (int64, bool, error) {
	idx, err := p.index_()
	if err != nil {
		return 0, false, err
	}
	off, ok := idx.GetOffset(id)
	return off, ok, nil
}

// get materializes the object at id within this pack, resolving delta
// chains via resolveBase for any ref-delta whose base is not present in
// this pack's own index. The returned reader is always fully materialized
// in memory, per the no-lazy-base-reads-after-return ordering guarantee,
// which also lets the pack's file handle return to the pool immediately.
func (p *Pack) get(id githash.SHA1, resolveBase ResolveBaseFunc) (object.Prefix, io.Reader, error) {
	off, ok, err := p.GetOffset(id)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	if !ok {
		return object.Prefix{}, nil, os.ErrNotExist
	}
	return p.getAtOffset(off, resolveBase)
}

func (p *Pack) getAtOffset(off int64, resolveBase ResolveBaseFunc) (object.Prefix, io.Reader, error) {
	if p.cache != nil {
		if data, ok := p.cache.Get(p.packPath, off); ok {
			return cachedPrefix(data), bytes.NewReader(data[prefixTagLen:]), nil
		}
	}
	f, err := p.pool.Get()
	if err != nil {
		return object.Prefix{}, nil, err
	}
	idx, _ := p.index_()
	br := NewBufferedReadSeeker(f)
	prefix, r, err := p.undeltifier.Undeltify(br, off, &UndeltifyOptions{
		ResolveBase: func(baseID githash.SHA1) (ByteReadSeeker, int64, func(), error) {
			if baseOff, ok := idx.GetOffset(baseID); ok {
				return br, baseOff, nil, nil
			}
			return resolveBase(baseID)
		},
	})
	if err != nil {
		p.pool.Put(f)
		return object.Prefix{}, nil, err
	}
	data, err := io.ReadAll(r)
	p.pool.Put(f)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	if p.cache != nil {
		p.cache.Put(p.packPath, off, encodeCachedObject(prefix, data))
	}
	return prefix, bytes.NewReader(data), nil
}

// Close releases the pack's cached index and pooled file handles.
func (p *Pack) Close() error {
	var firstErr error
	if p.index != nil {
		if err := p.index.Close(); err != nil {
			firstErr = err
		}
	}
	if err := p.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PackSet enumerates objects/pack/*.idx files paired with .pack siblings
// and dispatches object lookups across them, returning the first hit. Pack
// iteration order is stable for a given PackSet but otherwise unspecified.
type PackSet struct {
	packs []*Pack
}

// OpenPackSet scans packDir (a repository's "objects/pack" directory) for
// *.idx files with matching *.pack siblings. A missing packDir is not an
// error; it simply yields an empty PackSet (a repository need not have any
// packs, e.g. immediately after init). cache may be nil, in which case
// materialized objects are not memoized.
func OpenPackSet(packDir string, useMappedIndex bool, cache *ObjectCache) (*PackSet, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &PackSet{}, nil
		}
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if !ent.IsDir() && strings.HasSuffix(name, ".idx") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	ps := &PackSet{}
	for _, name := range names {
		base := strings.TrimSuffix(name, ".idx")
		packPath := filepath.Join(packDir, base+".pack")
		if _, err := os.Stat(packPath); err != nil {
			continue
		}
		ps.packs = append(ps.packs, newPack(packPath, filepath.Join(packDir, name), useMappedIndex, cache))
	}
	return ps, nil
}

// Get looks up id across every pack in the set, in order, returning the
// first hit. resolveBase is consulted for ref-delta bases not present in
// whichever pack is currently being read; a Repository wires this to
// search every pack (including this one, for an object defined after its
// dependent in iteration order) and loose storage.
func (ps *PackSet) Get(id githash.SHA1, resolveBase ResolveBaseFunc) (object.Prefix, io.Reader, error) {
	for _, p := range ps.packs {
		prefix, r, err := p.get(id, resolveBase)
		if err == nil {
			return prefix, r, nil
		}
		if !os.IsNotExist(err) {
			return object.Prefix{}, nil, fmt.Errorf("packfile: read %v from %s: %w", id, p.packPath, err)
		}
	}
	return object.Prefix{}, nil, os.ErrNotExist
}

// ResolveViaPack looks for id's offset across every pack's index (without
// undeltifying it) and, if found, returns a ByteReadSeeker positioned at
// the pack's start together with that offset and a release function — the
// shape ResolveBaseFunc requires for a ref-delta base that lives in a pack
// other than the one currently being read.
func (ps *PackSet) ResolveViaPack(id githash.SHA1, resolveBase ResolveBaseFunc) (ByteReadSeeker, int64, func(), error) {
	for _, p := range ps.packs {
		off, ok, err := p.GetOffset(id)
		if err != nil {
			return nil, 0, nil, err
		}
		if !ok {
			continue
		}
		f, err := p.pool.Get()
		if err != nil {
			return nil, 0, nil, err
		}
		return NewBufferedReadSeeker(f), off, func() { p.pool.Put(f) }, nil
	}
	return nil, 0, nil, os.ErrNotExist
}

// Close releases every pack's open resources.
func (ps *PackSet) Close() error {
	var firstErr error
	for _, p := range ps.packs {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
