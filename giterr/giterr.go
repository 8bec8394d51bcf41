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

// Package giterr defines the typed error kinds surfaced by the reader
// packages (packfile and the root git package). A
// function returns one of these, often wrapped with additional context via
// fmt.Errorf("...: %w", err), so callers can recover the kind with
// errors.As or errors.Is.
package giterr

import (
	"fmt"

	"gg-scm.io/pkg/git/githash"
)

// Kind identifies a class of failure from the object reader. It implements
// error so a bare Kind value (e.g. NotARepository) can be returned or
// compared directly with errors.Is.
type Kind string

// Error implements the error interface.
func (k Kind) Error() string {
	return string(k)
}

// Error kinds from the reader's failure taxonomy. IoError is not listed
// here: underlying os/io errors are not re-tagged with a Kind. They are
// passed through, often wrapped with context via %w, so errors.Is and
// errors.As still reach the original error.
const (
	// NotARepository indicates that repository discovery failed to find a
	// .git directory or file anywhere in the path's ancestry.
	NotARepository Kind = "not a git repository"
	// InvalidObjectId indicates malformed hex input to an ObjectId parse.
	InvalidObjectId Kind = "invalid object id"
	// CorruptIndex indicates a structural violation of the pack index
	// format (bad header, unsorted name table, out-of-range fanout entry).
	CorruptIndex Kind = "corrupt pack index"
	// CorruptPack indicates a structural violation of the pack file format.
	CorruptPack Kind = "corrupt pack file"
	// CorruptLooseObject indicates a structural violation of a loose
	// object's inflated header.
	CorruptLooseObject Kind = "corrupt loose object"
	// UnsupportedFormat indicates an index version other than 2, or a pack
	// version outside {2, 3}.
	UnsupportedFormat Kind = "unsupported format"
	// InvalidDeltaInstruction indicates a reserved leading byte of 0 in a
	// delta script.
	InvalidDeltaInstruction Kind = "invalid delta instruction"
)

// ObjectNotFoundError reports that no pack or loose file contains the
// requested object.
type ObjectNotFoundError struct {
	ID githash.SHA1
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object %v not found", e.ID)
}

// Is reports whether target is an *ObjectNotFoundError, so callers that
// don't care which ID was missing can write errors.Is(err, giterr.ErrObjectNotFound).
func (e *ObjectNotFoundError) Is(target error) bool {
	_, ok := target.(*ObjectNotFoundError)
	return ok
}

// ErrObjectNotFound is a sentinel usable with errors.Is to test for any
// ObjectNotFoundError regardless of which ID was missing.
var ErrObjectNotFound = &ObjectNotFoundError{}

// NewObjectNotFound returns an *ObjectNotFoundError for id.
func NewObjectNotFound(id githash.SHA1) *ObjectNotFoundError {
	return &ObjectNotFoundError{ID: id}
}

// ObjectHashMismatchError reports that an object's materialized content
// hashes to a different object ID than the one it was looked up by. This
// indicates a corrupt loose object or pack entry, or a truncated read.
type ObjectHashMismatchError struct {
	Want githash.SHA1
	Got  githash.SHA1
}

func (e *ObjectHashMismatchError) Error() string {
	return fmt.Sprintf("object %v: content hashes to %v", e.Want, e.Got)
}

// ObjectTypeMismatchError reports that a caller's expected object type did
// not match the type actually stored (or resolved from a delta chain).
type ObjectTypeMismatchError struct {
	ID       githash.SHA1
	Expected string
	Actual   string
}

func (e *ObjectTypeMismatchError) Error() string {
	return fmt.Sprintf("object %v: expected type %s, got %s", e.ID, e.Expected, e.Actual)
}
