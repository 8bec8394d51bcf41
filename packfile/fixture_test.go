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

import "bytes"

// buildFixturePack re-derives the raw pack bytes for one of testFiles' cases
// by replaying its Header/Data pairs through a Writer, remapping BaseOffset
// references the same way TestWriter does. This lets TestReader and the
// index tests exercise a named fixture without a prebuilt binary file.
func buildFixturePack(want []unpackedObject) ([]byte, error) {
	out := new(bytes.Buffer)
	w := NewWriter(out, uint32(len(want)))
	offsetMap := make(map[int64]int64)
	for _, obj := range want {
		hdr := obj.Header
		if obj.BaseOffset != 0 {
			hdr = new(Header)
			*hdr = *obj.Header
			hdr.BaseOffset = offsetMap[obj.BaseOffset]
		}
		offset, err := w.WriteHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(obj.Data); err != nil {
			return nil, err
		}
		offsetMap[obj.Offset] = offset
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
