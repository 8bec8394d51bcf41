// Copyright 2020 The gg Authors
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
	"errors"
	"fmt"
	"io"

	"gg-scm.io/pkg/git/giterr"
)

// maxDeltaObjectSize bounds how large a fully materialized delta base is
// allowed to be before Undeltify refuses to buffer it in memory.
const maxDeltaObjectSize = 1 << 31

// fileHeaderSize is the length in bytes of a packfile's "PACK" signature,
// version, and object count fields.
const fileHeaderSize = 12

// errTooShort and errTooLong report that an object's declared size in its
// header did not match the number of bytes its zlib stream actually
// produced; both indicate a corrupt pack.
var (
	errTooShort = fmt.Errorf("object shorter than declared size: %w", giterr.CorruptPack)
	errTooLong  = fmt.Errorf("object longer than declared size: %w", giterr.CorruptPack)
)

// readFileHeader reads and validates the "PACK" signature, version (2 or
// 3), and object count from the start of a packfile.
func readFileHeader(br ByteReader) (nobjs uint32, err error) {
	var buf [fileHeaderSize]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read packfile header: %w", io.ErrUnexpectedEOF)
		}
		return 0, fmt.Errorf("read packfile header: %w", err)
	}
	if buf[0] != 'P' || buf[1] != 'A' || buf[2] != 'C' || buf[3] != 'K' {
		return 0, fmt.Errorf("read packfile header: incorrect signature: %w", giterr.CorruptPack)
	}
	version := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if version != 2 && version != 3 {
		return 0, fmt.Errorf("read packfile header: version is %d: %w", version, giterr.UnsupportedFormat)
	}
	nobjs = uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])
	return nobjs, nil
}

// ReadHeader reads a single object header (type, size, and for delta
// types the base reference) from br, whose read position is assumed to
// already be at offset within the enclosing pack. It is used by delta-chain
// walks and index builders that seek around within a pack rather than
// reading it sequentially.
func ReadHeader(offset int64, br ByteReader) (*Header, error) {
	hdr := &Header{Offset: offset}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(br)
	if err != nil {
		return nil, fmt.Errorf("read object header at %d: %w", offset, err)
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(br)
		if err != nil {
			return nil, fmt.Errorf("read object header at %d: %w", offset, err)
		}
		hdr.BaseOffset = offset + off
	case RefDelta:
		if _, err := io.ReadFull(br, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("read object header at %d: read ref-delta object: %w", offset, err)
		}
	}
	return hdr, nil
}

