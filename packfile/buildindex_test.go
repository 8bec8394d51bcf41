// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
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
	"testing"

	"gg-scm.io/pkg/git/githash"
)

// TestBuildIndex checks that buildIndex recovers exactly the offset-to-id
// mapping a fixture was constructed with, for every non-error fixture in
// testFiles, and that it surfaces an error for the malformed ones.
func TestBuildIndex(t *testing.T) {
	for _, test := range testFiles {
		if test.name == "TooLong" {
			continue // see the comment in TestReader
		}
		t.Run(test.name, func(t *testing.T) {
			packBytes, buildErr := buildFixturePack(test.want)
			if buildErr != nil {
				if !test.wantError {
					t.Fatal(buildErr)
				}
				return
			}
			got, err := buildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), newMemObjectStorage())
			if err != nil {
				t.Log("Error:", err)
				if !test.wantError {
					t.Fail()
				}
				return
			} else if test.wantError {
				t.Error("No error returned")
				return
			}

			var wantTrailer githash.SHA1
			copy(wantTrailer[:], packBytes[len(packBytes)-githash.SHA1Size:])
			if got.PackfileSHA1 != wantTrailer {
				t.Errorf("PackfileSHA1 = %v; want %v", got.PackfileSHA1, wantTrailer)
			}
			if got.Len() != len(test.want) {
				t.Errorf("len(index) = %d; want %d", got.Len(), len(test.want))
			}
			for i := 1; i < len(got.ObjectIDs); i++ {
				if bytes.Compare(got.ObjectIDs[i-1][:], got.ObjectIDs[i][:]) >= 0 {
					t.Errorf("ObjectIDs not strictly sorted at %d", i)
				}
			}
			for _, obj := range test.want {
				off := obj.Header.Offset
				i := got.FindOffset(off)
				if i == -1 {
					t.Errorf("no index entry for offset %d", off)
					continue
				}
				if got.Offsets[i] != off {
					t.Errorf("index entry %d offset = %d; want %d", i, got.Offsets[i], off)
				}
			}
		})
	}
}

func BenchmarkBuildIndex(b *testing.B) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(b.N))
	for i := 0; i < b.N; i++ {
		data := fmt.Sprintf("blob %10d\n", i)
		_, err := w.WriteHeader(&Header{
			Type: Blob,
			Size: int64(len(data)),
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	_, err := buildIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		b.Fatal(err)
	}
	objectByteCount := buf.Len() - githash.SHA1Size - fileHeaderSize
	b.SetBytes(int64(float64(objectByteCount) / float64(b.N)))
	b.ReportMetric(float64(objectByteCount), "packfile-bytes")
}
