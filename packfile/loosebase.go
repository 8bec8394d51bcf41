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
	"fmt"

	"gg-scm.io/pkg/git/object"
)

// objectTypeFor returns the packfile.ObjectType corresponding to typ. A
// loose object is never itself deltified, so this never needs to produce
// OffsetDelta or RefDelta.
func objectTypeFor(typ object.Type) (ObjectType, error) {
	switch typ {
	case object.TypeCommit:
		return Commit, nil
	case object.TypeTree:
		return Tree, nil
	case object.TypeBlob:
		return Blob, nil
	case object.TypeTag:
		return Tag, nil
	default:
		return 0, fmt.Errorf("packfile: unknown object type %q", typ)
	}
}

// SynthesizeBase re-encodes a loose object's payload as a single-entry,
// in-memory pack stream (file header plus one non-delta object) so that
// walkDeltaChain's ReadHeader/zlib decoding path can treat a loose object
// exactly like any other delta base, without special-casing the loose
// object's own header format. Ref-delta bases are not required to live in
// the same pack as the delta that references them, and they are not
// required to live in a pack at all.
func SynthesizeBase(typ object.Type, payload []byte) (ByteReadSeeker, int64, error) {
	packTyp, err := objectTypeFor(typ)
	if err != nil {
		return nil, 0, err
	}
	buf := new(bytes.Buffer)
	w := NewWriter(buf, 1)
	offset, err := w.WriteHeader(&Header{Type: packTyp, Size: int64(len(payload))})
	if err != nil {
		return nil, 0, fmt.Errorf("packfile: synthesize base: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("packfile: synthesize base: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("packfile: synthesize base: %w", err)
	}
	return NewBufferedReadSeeker(bytes.NewReader(buf.Bytes())), offset, nil
}
