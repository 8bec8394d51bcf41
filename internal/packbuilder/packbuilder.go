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

// Package packbuilder constructs small, well-formed packfile/index pairs for
// tests, the way misc/genpack.go constructs fixtures for manual inspection.
// Unlike genpack.go, it writes both halves of the pair (so tests can exercise
// PackSet/DiskIndex lookups, not just packfile.ReadHeader) and never shells out to
// git or the go toolchain to produce them.
package packbuilder

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"sort"

	"gg-scm.io/pkg/git/githash"
	"gg-scm.io/pkg/git/object"
	"gg-scm.io/pkg/git/packfile"
)

// Entry describes one object to add to a pack being built.
type Entry struct {
	// Type is the Git object type used to compute ID. For a delta entry it is
	// the type of the reconstructed object; the pack header's type comes
	// from Delta instead.
	Type object.Type
	// Payload is the object's uncompressed content. For a non-delta entry,
	// this is written to the pack as-is. For a delta entry, this is the
	// *reconstructed* content, used only to compute ID; the bytes actually
	// written to the pack come from Delta.Script.
	Payload []byte
	// Delta, if non-nil, makes this entry an OffsetDelta (BaseIndex set) or
	// RefDelta (BaseID set) object instead of a plain one.
	Delta *DeltaSpec
}

// DeltaSpec describes a delta entry's base and instruction stream.
type DeltaSpec struct {
	// Script holds the delta instructions (copy/insert ops), not the
	// reconstructed content.
	Script []byte
	// BaseIndex, for an OffsetDelta, is the index into the Builder's entries
	// of the base object. It must refer to an earlier entry.
	BaseIndex int
	// BaseID, for a RefDelta, is the base object's id. Set this instead of
	// BaseIndex to build a ref-delta; BaseID need not be among the builder's
	// own entries, which is how a test constructs a ref-delta whose base
	// lives in a different pack or in loose storage. Leave it zero to build
	// an offset-delta against BaseIndex instead.
	BaseID githash.SHA1
}

// Builder accumulates entries and produces a matched pack and index.
type Builder struct {
	entries []Entry
	ids     []githash.SHA1
}

// Add appends e and returns the index assigned to it, for use as a later
// entry's DeltaSpec.BaseIndex.
func (b *Builder) Add(e Entry) int {
	b.entries = append(b.entries, e)
	b.ids = append(b.ids, githash.SHA1{})
	return len(b.entries) - 1
}

// ID returns the object id assigned to the entry at idx. Only valid after
// Build has run once (Add alone does not compute it), since it is derived
// from hashing Payload.
func (b *Builder) ID(idx int) githash.SHA1 {
	return b.ids[idx]
}

// objectType maps object.Type to the pack's on-disk ObjectType enum.
func objectType(typ object.Type) (packfile.ObjectType, error) {
	switch typ {
	case object.TypeCommit:
		return packfile.Commit, nil
	case object.TypeTree:
		return packfile.Tree, nil
	case object.TypeBlob:
		return packfile.Blob, nil
	case object.TypeTag:
		return packfile.Tag, nil
	default:
		return 0, fmt.Errorf("packbuilder: unknown object type %q", typ)
	}
}

func hashObject(typ object.Type, payload []byte) githash.SHA1 {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, int64(len(payload))))
	h.Write(payload)
	var sum githash.SHA1
	h.Sum(sum[:0])
	return sum
}

// packHeaderSize is the size of the "PACK", version, and object count fields
// shared by every pack stream, including the single-object streams this
// package uses internally to capture one object's on-wire bytes.
const packHeaderSize = 12

// trailerSize is the size of a pack's trailing SHA-1 checksum.
const trailerSize = 20

// wireBytes runs a single entry through packfile.Writer in isolation and
// strips the surrounding single-object pack's header and trailer, leaving
// just the bytes genuinely specific to this object (its pack object header
// plus zlib-compressed body). Concatenating these slices behind one shared
// real header and trailer produces a well-formed multi-object pack.
func wireBytes(hdr *packfile.Header, body []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 1)
	if _, err := w.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	full := buf.Bytes()
	return full[packHeaderSize : len(full)-trailerSize], nil
}

// Build writes the accumulated entries as a pack to packOut and the matching
// version 2 index to idxOut. Entries are written in the order Add was
// called, so an OffsetDelta's DeltaSpec.BaseIndex must name an entry already
// added.
func (b *Builder) Build(packOut, idxOut *bytes.Buffer) error {
	offsets := make([]int64, len(b.entries))
	checksums := make([]uint32, len(b.entries))
	wires := make([][]byte, len(b.entries))
	offset := int64(packHeaderSize)

	for i, e := range b.entries {
		var hdr packfile.Header
		var body []byte
		if e.Delta == nil {
			typ, err := objectType(e.Type)
			if err != nil {
				return err
			}
			b.ids[i] = hashObject(e.Type, e.Payload)
			hdr = packfile.Header{Type: typ, Size: int64(len(e.Payload))}
			body = e.Payload
		} else {
			b.ids[i] = hashObject(e.Type, e.Payload)
			hdr = packfile.Header{Size: int64(len(e.Delta.Script))}
			if e.Delta.BaseID != (githash.SHA1{}) {
				hdr.Type = packfile.RefDelta
				hdr.BaseObject = e.Delta.BaseID
			} else {
				hdr.Type = packfile.OffsetDelta
				hdr.BaseOffset = offsets[e.Delta.BaseIndex]
			}
			body = e.Delta.Script
		}

		wire, err := wireBytes(&hdr, body)
		if err != nil {
			return fmt.Errorf("packbuilder: entry %d: %w", i, err)
		}
		wires[i] = wire
		offsets[i] = offset
		checksums[i] = crc32.ChecksumIEEE(wire)
		offset += int64(len(wire))
	}

	h := sha1.New()
	tee := func(p []byte) {
		packOut.Write(p)
		h.Write(p)
	}
	fileHeader := []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}
	n := uint32(len(b.entries))
	fileHeader[8] = byte(n >> 24)
	fileHeader[9] = byte(n >> 16)
	fileHeader[10] = byte(n >> 8)
	fileHeader[11] = byte(n)
	tee(fileHeader)
	for _, wire := range wires {
		tee(wire)
	}
	var trailer githash.SHA1
	h.Sum(trailer[:0])
	packOut.Write(trailer[:])

	sorted := make([]int, len(b.entries))
	for i := range sorted {
		sorted[i] = i
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(b.ids[sorted[i]][:], b.ids[sorted[j]][:]) < 0
	})

	packIndex := &packfile.Index{
		ObjectIDs:       make([]githash.SHA1, len(sorted)),
		Offsets:         make([]int64, len(sorted)),
		PackedChecksums: make([]uint32, len(sorted)),
		PackfileSHA1:    trailer,
	}
	for i, srcIdx := range sorted {
		packIndex.ObjectIDs[i] = b.ids[srcIdx]
		packIndex.Offsets[i] = offsets[srcIdx]
		packIndex.PackedChecksums[i] = checksums[srcIdx]
	}
	return packIndex.EncodeV2(idxOut)
}
