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
	"encoding"
	"testing"

	"gg-scm.io/pkg/git/githash"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	_ encoding.BinaryMarshaler   = new(Index)
	_ encoding.BinaryUnmarshaler = new(Index)
)

func hashLiteral(s string) githash.SHA1 {
	var h githash.SHA1
	if err := h.UnmarshalText([]byte(s)); err != nil {
		panic(err)
	}
	return h
}

var bigOffsetIndex = &Index{
	Offsets: []int64{
		0x1_0000_0018,
		0x1_0000_000c,
	},
	ObjectIDs: []githash.SHA1{
		hashLiteral("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
		hashLiteral("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
	},
	PackedChecksums: []uint32{
		0xd6402b58,
		0xbe56632f,
	},
	PackfileSHA1: hashLiteral("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
}

// buildFixtureIndex builds a fixture's pack bytes and indexes them with
// buildIndex, giving TestReadIndex/TestIndexEncodeV1/TestIndexEncodeV2 an
// Index to round-trip without needing prebuilt testdata files.
func buildFixtureIndex(t *testing.T, want []unpackedObject) *Index {
	t.Helper()
	packBytes, err := buildFixturePack(want)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := buildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), newMemObjectStorage())
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestReadIndex(t *testing.T) {
	for _, test := range testFiles {
		if test.wantError || test.name == "TooLong" {
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			want := buildFixtureIndex(t, test.want)

			t.Run("Version1", func(t *testing.T) {
				buf := new(bytes.Buffer)
				if err := want.EncodeV1(buf); err != nil {
					t.Fatal("EncodeV1:", err)
				}
				got, err := ReadIndex(buf)
				if err != nil {
					t.Error("ReadIndex:", err)
				}
				diff := cmp.Diff(want, got,
					cmpopts.EquateEmpty(),
					// Version 1 index files do not include packed checksums.
					cmpopts.IgnoreFields(Index{}, "PackedChecksums"),
				)
				if diff != "" {
					t.Errorf("index (-want +got):\n%s", diff)
				}
				if got != nil && got.PackedChecksums != nil {
					t.Errorf("index has %d packed checksums; want <nil>", len(got.PackedChecksums))
				}
			})

			t.Run("Version2", func(t *testing.T) {
				buf := new(bytes.Buffer)
				if err := want.EncodeV2(buf); err != nil {
					t.Fatal("EncodeV2:", err)
				}
				got, err := ReadIndex(buf)
				if err != nil {
					t.Error("ReadIndex:", err)
				}
				if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("index (-want +got):\n%s", diff)
				}
			})
		})
	}

	t.Run("BigOffset", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if err := bigOffsetIndex.EncodeV2(buf); err != nil {
			t.Fatal("EncodeV2:", err)
		}
		got, err := ReadIndex(buf)
		if err != nil {
			t.Error("ReadIndex:", err)
		}
		if diff := cmp.Diff(bigOffsetIndex, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("index (-want +got):\n%s", diff)
		}
	})
}

func TestIndexEncodeV1(t *testing.T) {
	for _, test := range testFiles {
		if test.wantError || test.name == "TooLong" {
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			want := buildFixtureIndex(t, test.want)
			encoded := new(bytes.Buffer)
			if err := want.EncodeV1(encoded); err != nil {
				t.Fatal("EncodeV1:", err)
			}
			got, err := ReadIndex(bytes.NewReader(encoded.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			diff := cmp.Diff(want, got,
				cmpopts.EquateEmpty(),
				cmpopts.IgnoreFields(Index{}, "PackedChecksums"),
			)
			if diff != "" {
				t.Errorf("round trip through EncodeV1 (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("Nil", func(t *testing.T) {
		got := new(bytes.Buffer)
		if err := (*Index)(nil).EncodeV1(got); err != nil {
			t.Error("EncodeV1:", err)
		}
		idx, err := ReadIndex(bytes.NewReader(got.Bytes()))
		if err != nil {
			t.Fatal("ReadIndex:", err)
		}
		if idx.Len() != 0 {
			t.Errorf("len(index) = %d; want 0", idx.Len())
		}
	})
}

func TestIndexEncodeV2(t *testing.T) {
	for _, test := range testFiles {
		if test.wantError || test.name == "TooLong" {
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			want := buildFixtureIndex(t, test.want)
			encoded := new(bytes.Buffer)
			if err := want.EncodeV2(encoded); err != nil {
				t.Fatal("EncodeV2:", err)
			}
			got, err := ReadIndex(bytes.NewReader(encoded.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip through EncodeV2 (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("BigOffset", func(t *testing.T) {
		got := new(bytes.Buffer)
		if err := bigOffsetIndex.EncodeV2(got); err != nil {
			t.Error("EncodeV2:", err)
		}
		idx, err := ReadIndex(bytes.NewReader(got.Bytes()))
		if err != nil {
			t.Fatal("ReadIndex:", err)
		}
		if diff := cmp.Diff(bigOffsetIndex, idx, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("round trip through EncodeV2 (-want +got):\n%s", diff)
		}
	})

	t.Run("Nil", func(t *testing.T) {
		got := new(bytes.Buffer)
		if err := (*Index)(nil).EncodeV2(got); err != nil {
			t.Error("EncodeV2:", err)
		}
		idx, err := ReadIndex(bytes.NewReader(got.Bytes()))
		if err != nil {
			t.Fatal("ReadIndex:", err)
		}
		if idx.Len() != 0 {
			t.Errorf("len(index) = %d; want 0", idx.Len())
		}
	})
}
