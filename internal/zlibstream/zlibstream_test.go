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

package zlibstream

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func compress(t *testing.T, s string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zlib.NewWriter(buf)
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSetReusesDecoder(t *testing.T) {
	first := compress(t, "hello")
	second := compress(t, "goodbye, cruel world")

	var z Resetter
	if err := Set(&z, bytes.NewReader(first)); err != nil {
		t.Fatal("Set (first):", err)
	}
	reused := z
	got, err := ioutil.ReadAll(z)
	if err != nil {
		t.Fatal("read first:", err)
	}
	if string(got) != "hello" {
		t.Errorf("first read = %q; want %q", got, "hello")
	}

	if err := Set(&z, bytes.NewReader(second)); err != nil {
		t.Fatal("Set (second):", err)
	}
	if z != reused {
		t.Error("Set allocated a new decoder instead of reusing the existing one")
	}
	got, err = ioutil.ReadAll(z)
	if err != nil {
		t.Fatal("read second:", err)
	}
	if string(got) != "goodbye, cruel world" {
		t.Errorf("second read = %q; want %q", got, "goodbye, cruel world")
	}
}

func TestNew(t *testing.T) {
	z, err := New(bytes.NewReader(compress(t, "hello")))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ioutil.ReadAll(z)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("read = %q; want %q", got, "hello")
	}
}

func TestEmptyReader(t *testing.T) {
	got, err := ioutil.ReadAll(EmptyReader{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("read %d bytes from EmptyReader; want 0", len(got))
	}
}
