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

// Package zlibstream wraps github.com/klauspost/compress/zlib for the
// object formats that embed zlib frames: a packed object's compressed body
// and a loose object's whole-file zlib wrapper. Both formats decompress the
// same way; this package gives the two packfile call paths (one-shot reads
// and resettable reads across many objects in a pack) one place to do it.
package zlibstream

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// A Resetter is a zlib decompression stream that can be rebound to a new
// compressed source without discarding its inflate window, the way a
// decoder reused across many packed objects needs to.
type Resetter interface {
	io.Reader
	io.Closer
	zlib.Resetter
}

// New returns a one-shot zlib decompressor reading from r. Callers that
// only need to decompress a single stream (a loose object, or an index
// builder's delta-base scan) use this instead of Set.
func New(r io.Reader) (Resetter, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zlibstream: %w", err)
	}
	return zr.(Resetter), nil
}

// Set prepares *z to read a new zlib frame from r. If *z is nil, it
// allocates a fresh decoder; otherwise it resets the existing one, reusing
// its inflate engine across the many objects a sequential pack reader or
// index builder steps through.
func Set(z *Resetter, r io.Reader) error {
	if *z == nil {
		zr, err := New(r)
		if err != nil {
			return err
		}
		*z = zr
		return nil
	}
	if err := (*z).Reset(r, nil); err != nil {
		return fmt.Errorf("zlibstream: %w", err)
	}
	return nil
}

// EmptyReader is an io.Reader that always reports EOF. Pass it to Set to
// release a Resetter's reference to its previous source without closing
// the underlying decoder, so it doesn't retain memory past its caller's
// use of it.
type EmptyReader struct{}

func (EmptyReader) Read([]byte) (int, error) {
	return 0, io.EOF
}
