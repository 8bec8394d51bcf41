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

// Package refs resolves HEAD and named references against a Git directory's
// layout, without shelling out to git: loose ref files, the packed-refs
// fallback, and the ref: indirection that makes HEAD symbolic.
package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gg-scm.io/pkg/git/githash"
)

// Reference is the result of resolving a ref name one level: either it
// names a commit directly, or it is symbolic and names another ref.
type Reference struct {
	// ID is the resolved ObjectId, set when the reference is direct.
	ID githash.SHA1
	// Symbolic is the target ref name, set when the reference is symbolic
	// (e.g. HEAD pointing at "refs/heads/master"). Exactly one of ID and
	// Symbolic is meaningful; a direct reference has an empty Symbolic.
	Symbolic githash.Ref
}

// IsDirect reports whether r names a commit directly rather than another
// reference.
func (r Reference) IsDirect() bool {
	return r.Symbolic == ""
}

const symbolicPrefix = "ref: "

// Resolver reads HEAD and named references from a repository's directory
// layout. It holds no state of its own beyond the two root paths, since refs
// are re-read from disk on every call: the reader never caches a ref value
// across calls, matching how quickly branch tips move underfoot.
type Resolver struct {
	// gitDir is where HEAD lives (the per-worktree directory).
	gitDir string
	// commonDir is where refs/ and packed-refs live (the main repository's
	// directory, which equals gitDir outside of a linked worktree).
	commonDir string
}

// NewResolver returns a Resolver that reads HEAD from gitDir and named refs
// from commonDir.
func NewResolver(gitDir, commonDir string) *Resolver {
	return &Resolver{gitDir: gitDir, commonDir: commonDir}
}

// Head reads <gitDir>/HEAD and returns the reference it names, one level of
// indirection only: a symbolic HEAD returns Reference{Symbolic: target}
// without following target further. Callers that want a commit ID should
// pass the result through Resolve.
func (r *Resolver) Head() (Reference, error) {
	data, err := os.ReadFile(filepath.Join(r.gitDir, "HEAD"))
	if err != nil {
		return Reference{}, fmt.Errorf("refs: read HEAD: %w", err)
	}
	line := strings.TrimRight(string(data), "\r\n")
	if target, ok := strings.CutPrefix(line, symbolicPrefix); ok {
		return Reference{Symbolic: githash.Ref(strings.TrimSpace(target))}, nil
	}
	id, err := githash.ParseSHA1(line)
	if err != nil {
		return Reference{}, fmt.Errorf("refs: parse detached HEAD %q: %w", line, err)
	}
	return Reference{ID: id}, nil
}

// Resolve returns the ObjectId that name ultimately refers to. A symbolic
// reference is followed until a direct ObjectId is reached; a symbolic
// reference whose target does not exist anywhere (no loose file, no
// packed-refs entry) resolves to the zero SHA1 (Empty), representing an
// unborn branch, rather than an error.
func (r *Resolver) Resolve(name githash.Ref) (githash.SHA1, error) {
	seen := make(map[githash.Ref]bool)
	for {
		if seen[name] {
			return githash.SHA1{}, fmt.Errorf("refs: resolve %s: reference cycle", name)
		}
		seen[name] = true
		ref, ok, err := r.lookup(name)
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("refs: resolve %s: %w", name, err)
		}
		if !ok {
			return githash.SHA1{}, nil
		}
		if ref.IsDirect() {
			return ref.ID, nil
		}
		name = ref.Symbolic
	}
}

// lookup resolves a single named reference one level, trying a loose file
// under commonDir first and falling back to a packed-refs scan.
func (r *Resolver) lookup(name githash.Ref) (Reference, bool, error) {
	if name == githash.Head {
		ref, err := r.Head()
		if err != nil {
			if os.IsNotExist(err) {
				return Reference{}, false, nil
			}
			return Reference{}, false, err
		}
		return ref, true, nil
	}
	path := filepath.Join(r.commonDir, filepath.FromSlash(string(name)))
	data, err := os.ReadFile(path)
	if err == nil {
		line := strings.TrimRight(string(data), "\r\n")
		if target, ok := strings.CutPrefix(line, symbolicPrefix); ok {
			return Reference{Symbolic: githash.Ref(strings.TrimSpace(target))}, true, nil
		}
		id, err := githash.ParseSHA1(line)
		if err != nil {
			return Reference{}, false, fmt.Errorf("parse %s: %w", path, err)
		}
		return Reference{ID: id}, true, nil
	}
	if !os.IsNotExist(err) {
		return Reference{}, false, err
	}
	return r.lookupPacked(name)
}

// lookupPacked scans <commonDir>/packed-refs for an exact name match.
func (r *Resolver) lookupPacked(name githash.Ref) (Reference, bool, error) {
	f, err := os.Open(filepath.Join(r.commonDir, "packed-refs"))
	if err != nil {
		if os.IsNotExist(err) {
			return Reference{}, false, nil
		}
		return Reference{}, false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' || line[0] == '^' {
			// '^' lines annotate the preceding entry with a peeled tag
			// target; packed-refs never stores symbolic entries.
			continue
		}
		hex, refName, ok := strings.Cut(line, " ")
		if !ok || refName != string(name) {
			continue
		}
		id, err := githash.ParseSHA1(hex)
		if err != nil {
			return Reference{}, false, fmt.Errorf("parse packed-refs entry %q: %w", line, err)
		}
		return Reference{ID: id}, true, nil
	}
	if err := sc.Err(); err != nil {
		return Reference{}, false, err
	}
	return Reference{}, false, nil
}
