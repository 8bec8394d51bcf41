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
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gg-scm.io/pkg/git/githash"
	"gg-scm.io/pkg/git/giterr"
	"gg-scm.io/pkg/git/internal/zlibstream"
	"gg-scm.io/pkg/git/object"
)

// LooseObjectReader reads individual zlib-compressed objects from a Git
// object directory's "XX/YYYY…" fan-out layout.
type LooseObjectReader struct {
	dir string
}

// NewLooseObjectReader returns a reader rooted at objectDir (a repository's
// "objects" directory).
func NewLooseObjectReader(objectDir string) *LooseObjectReader {
	return &LooseObjectReader{dir: objectDir}
}

func (r *LooseObjectReader) path(id githash.SHA1) string {
	hexID := hex.EncodeToString(id[:])
	return filepath.Join(r.dir, hexID[:2], hexID[2:])
}

// Has reports whether a loose object file exists for id, without reading
// or validating its contents.
func (r *LooseObjectReader) Has(id githash.SHA1) bool {
	_, err := os.Stat(r.path(id))
	return err == nil
}

// Get opens the loose object for id, inflates its zlib frame, and parses
// its "<type> <len>\0" header. The returned io.ReadCloser yields exactly
// the object's payload bytes; the caller must Close it. A missing file is
// reported via os.IsNotExist on the returned error, per the reader's
// policy that a missing loose object is not itself an error but a signal
// to fall through to the PackSet.
func (r *LooseObjectReader) Get(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	f, err := os.Open(r.path(id))
	if err != nil {
		return object.Prefix{}, nil, err
	}
	zr, err := zlibstream.New(f)
	if err != nil {
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object %v: %w", id, giterr.CorruptLooseObject)
	}
	br := bufio.NewReader(zr)
	header, err := br.ReadString(0)
	if err != nil {
		zr.Close()
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object %v: missing header: %w", id, giterr.CorruptLooseObject)
	}
	var prefix object.Prefix
	if err := prefix.UnmarshalBinary([]byte(header)); err != nil {
		zr.Close()
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("packfile: read loose object %v: %w", id, giterr.CorruptLooseObject)
	}
	return prefix, &looseObjectStream{zr: zr, f: f, r: io.LimitReader(br, prefix.Size)}, nil
}

type looseObjectStream struct {
	zr io.ReadCloser
	f  *os.File
	r  io.Reader
}

func (s *looseObjectStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *looseObjectStream) Close() error {
	zErr := s.zr.Close()
	fErr := s.f.Close()
	if zErr != nil {
		return zErr
	}
	return fErr
}
