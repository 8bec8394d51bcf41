// Copyright 2018 The gg Authors
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

// Package git provides a managed reader for a Git repository's object
// database: loose objects, pack files and their indexes, and reference
// resolution, all read directly from disk without shelling out to a git
// binary.
package git // import "gg-scm.io/pkg/git"

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gg-scm.io/pkg/git/githash"
	"gg-scm.io/pkg/git/giterr"
	"gg-scm.io/pkg/git/object"
	"gg-scm.io/pkg/git/packfile"
	"gg-scm.io/pkg/git/refs"
)

// Options holds the parameters for Open.
type Options struct {
	// UseMappedIndex selects between the memory-mapped and streaming
	// PackIndex implementation. The zero value (false) uses the streaming
	// reader; callers on platforms that support mmap typically want true.
	UseMappedIndex bool

	// CacheLimitBytes bounds the total size of cached, fully materialized
	// object bytes. Zero means unbounded.
	CacheLimitBytes int64
}

// Repository is a read-only handle onto a Git repository's object database.
// A Repository is not safe for concurrent use by multiple goroutines;
// callers wanting parallelism should Open separate Repository instances
// against the same path, since the underlying files are read-only.
type Repository struct {
	gitDir    string
	commonDir string

	refs  *refs.Resolver
	packs *packfile.PackSet
	loose *packfile.LooseObjectReader
	cache *packfile.ObjectCache

	useMappedIndex bool
}

// Open discovers and opens the repository containing dir (or any of its
// ancestors). Discovery walks upward from dir looking for a ".git" entry:
// if it is a directory, GitDirectory and CommonDirectory are both set to
// it; if it is a file, its first line must have the form "gitdir: <path>"
// (used by linked worktrees), and if "<GitDirectory>/commondir" exists,
// CommonDirectory is read from it. If neither form of ".git" is found in
// dir or any parent, Open reports NotARepository.
func Open(dir string, opts Options) (*Repository, error) {
	gitDir, commonDir, err := discover(dir)
	if err != nil {
		return nil, fmt.Errorf("git: open %s: %w", dir, err)
	}
	objectDir := filepath.Join(commonDir, "objects")
	var cache *packfile.ObjectCache
	if opts.CacheLimitBytes > 0 {
		cache, err = packfile.NewBoundedObjectCache(opts.CacheLimitBytes)
		if err != nil {
			return nil, fmt.Errorf("git: open %s: %w", dir, err)
		}
	} else {
		cache = new(packfile.ObjectCache)
	}
	packs, err := packfile.OpenPackSet(filepath.Join(objectDir, "pack"), opts.UseMappedIndex, cache)
	if err != nil {
		return nil, fmt.Errorf("git: open %s: %w", dir, err)
	}
	return &Repository{
		gitDir:         gitDir,
		commonDir:      commonDir,
		refs:           refs.NewResolver(gitDir, commonDir),
		packs:          packs,
		loose:          packfile.NewLooseObjectReader(objectDir),
		cache:          cache,
		useMappedIndex: opts.UseMappedIndex,
	}, nil
}

// GitDirectory returns the repository's .git directory (the per-worktree
// directory for a linked worktree).
func (r *Repository) GitDirectory() string {
	return r.gitDir
}

// CommonDirectory returns the directory that holds the object database and
// refs, shared across all worktrees of the repository.
func (r *Repository) CommonDirectory() string {
	return r.commonDir
}

// Close releases every open pack handle, memory-mapped view, and cached
// buffer held by the repository.
func (r *Repository) Close() error {
	var firstErr error
	if err := r.packs.Close(); err != nil {
		firstErr = err
	}
	r.cache.Close()
	return firstErr
}

// discover implements the .git discovery algorithm.
func discover(start string) (gitDir, commonDir string, err error) {
	start, err = filepath.Abs(start)
	if err != nil {
		return "", "", err
	}
	dir := start
	for {
		candidate := filepath.Join(dir, ".git")
		info, statErr := os.Stat(candidate)
		if statErr == nil {
			if info.IsDir() {
				return candidate, candidate, nil
			}
			gitDir, err := readGitFile(candidate)
			if err != nil {
				return "", "", err
			}
			commonDir, err := readCommonDir(gitDir)
			if err != nil {
				return "", "", err
			}
			return gitDir, commonDir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", giterr.NotARepository
		}
		dir = parent
	}
}

// readGitFile reads a ".git" file's "gitdir: <path>" indirection, as left
// behind by a linked worktree or a submodule checkout.
func readGitFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimRight(line, "\r")
	const prefix = "gitdir: "
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("%s: missing %q prefix: %w", path, prefix, giterr.NotARepository)
	}
	target := strings.TrimSpace(line[len(prefix):])
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

// readCommonDir resolves <gitDir>/commondir, if present, to the directory
// holding the shared object database and refs for a linked worktree.
func readCommonDir(gitDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		if os.IsNotExist(err) {
			return gitDir, nil
		}
		return "", err
	}
	line := strings.TrimRight(string(data), "\r\n")
	if !filepath.IsAbs(line) {
		line = filepath.Join(gitDir, line)
	}
	return filepath.Clean(line), nil
}

// GetHead returns the repository's current HEAD reference, symbolic when a
// branch is checked out or direct when HEAD is detached.
func (r *Repository) GetHead() (refs.Reference, error) {
	head, err := r.refs.Head()
	if err != nil {
		return refs.Reference{}, fmt.Errorf("git: get head: %w", err)
	}
	return head, nil
}

// GetHeadCommit resolves HEAD to a commit. If HEAD is a symbolic reference
// to a branch with no commits yet (an unborn branch), it returns (nil, nil):
// there is no commit, but this is not an error.
func (r *Repository) GetHeadCommit() (*object.Commit, error) {
	head, err := r.GetHead()
	if err != nil {
		return nil, err
	}
	var id githash.SHA1
	if head.IsDirect() {
		id = head.ID
	} else {
		id, err = r.refs.Resolve(head.Symbolic)
		if err != nil {
			return nil, fmt.Errorf("git: get head commit: %w", err)
		}
	}
	if id.IsZero() {
		return nil, nil
	}
	return r.GetCommit(id)
}

// GetObject opens the object identified by id, verifying it is of
// expectedType if expectedType is non-empty. The Empty ObjectId is treated
// as "not requested": GetObject(Empty, ...) returns ("", nil, nil). The
// returned stream is fully materialized, so the caller may read it at
// leisure without holding any pack file handle open; Close is still
// required to satisfy the io.ReadCloser contract.
func (r *Repository) GetObject(id githash.SHA1, expectedType object.Type) (object.Type, io.ReadCloser, error) {
	if id.IsZero() {
		return "", nil, nil
	}
	if r.loose.Has(id) {
		prefix, rc, err := r.loose.Get(id)
		if err != nil {
			return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
		}
		defer rc.Close()
		if expectedType != "" && prefix.Type != expectedType {
			return "", nil, &giterr.ObjectTypeMismatchError{ID: id, Expected: string(expectedType), Actual: string(prefix.Type)}
		}
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
		}
		if err := verifyObjectHash(id, prefix.Type, data); err != nil {
			return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
		}
		return prefix.Type, io.NopCloser(bytes.NewReader(data)), nil
	}
	prefix, body, err := r.packs.Get(id, r.resolveBase)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, giterr.NewObjectNotFound(id)
		}
		return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
	}
	if expectedType != "" && prefix.Type != expectedType {
		return "", nil, &giterr.ObjectTypeMismatchError{ID: id, Expected: string(expectedType), Actual: string(prefix.Type)}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
	}
	if err := verifyObjectHash(id, prefix.Type, data); err != nil {
		return "", nil, fmt.Errorf("git: get object %v: %w", id, err)
	}
	return prefix.Type, io.NopCloser(bytes.NewReader(data)), nil
}

// verifyObjectHash confirms that data, read from either loose or packed
// storage under the lookup key id, actually hashes to id. Neither the loose
// reader nor Undeltify compares an object's declared size with the bytes it
// produced; this hash check is what confirms that the content stored under
// this SHA-1 is still the content on disk.
func verifyObjectHash(id githash.SHA1, typ object.Type, data []byte) error {
	got, err := object.Sum(typ, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	if got != id {
		return &giterr.ObjectHashMismatchError{Want: id, Got: got}
	}
	return nil
}

// resolveBase is wired into packfile.UndeltifyOptions.ResolveBase (by way
// of PackSet) so a ref-delta's base object can live in any pack or in
// loose storage, not just the pack that contains the delta itself. A loose
// base is re-encoded as a tiny in-memory pack stream so the delta chain
// walker can treat it identically to a packed base.
func (r *Repository) resolveBase(id githash.SHA1) (packfile.ByteReadSeeker, int64, func(), error) {
	if r.loose.Has(id) {
		prefix, rc, err := r.loose.Get(id)
		if err != nil {
			return nil, 0, nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, 0, nil, err
		}
		f, offset, err := packfile.SynthesizeBase(prefix.Type, data)
		if err != nil {
			return nil, 0, nil, err
		}
		return f, offset, nil, nil
	}
	return r.packs.ResolveViaPack(id, r.resolveBase)
}

// GetCommit reads and parses the commit object identified by id.
func (r *Repository) GetCommit(id githash.SHA1) (*object.Commit, error) {
	_, rc, err := r.GetObject(id, object.TypeCommit)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("git: get commit %v: %w", id, err)
	}
	c, err := object.ParseCommit(data)
	if err != nil {
		return nil, fmt.Errorf("git: get commit %v: %w", id, err)
	}
	return c, nil
}

// GetTag reads and parses the annotated tag object identified by id. Use a
// ref lookup to resolve a lightweight tag, which is just a reference
// pointing directly at a commit with no tag object of its own.
func (r *Repository) GetTag(id githash.SHA1) (*object.Tag, error) {
	_, rc, err := r.GetObject(id, object.TypeTag)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("git: get tag %v: %w", id, err)
	}
	t, err := object.ParseTag(data)
	if err != nil {
		return nil, fmt.Errorf("git: get tag %v: %w", id, err)
	}
	return t, nil
}

// GetTreeEntry walks path (with components separated by "/") starting from
// the tree identified by treeID, descending into subtrees one component at
// a time. It returns the ObjectId of the entry at path, or Empty if any
// component along the way is absent.
func (r *Repository) GetTreeEntry(treeID githash.SHA1, path string) (githash.SHA1, error) {
	path = strings.Trim(path, "/")
	if path == "" || treeID.IsZero() {
		return githash.SHA1{}, nil
	}
	components := strings.Split(path, "/")
	cur := treeID
	for i, name := range components {
		_, rc, err := r.GetObject(cur, object.TypeTree)
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("git: get tree entry %s: %w", path, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("git: get tree entry %s: %w", path, err)
		}
		tree, err := object.ParseTree(data)
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("git: get tree entry %s: %w", path, err)
		}
		ent := tree.Search(name)
		if ent == nil {
			return githash.SHA1{}, nil
		}
		if i == len(components)-1 {
			return ent.ObjectID, nil
		}
		if !ent.Mode.IsDir() {
			return githash.SHA1{}, nil
		}
		cur = ent.ObjectID
	}
	return githash.SHA1{}, nil
}

