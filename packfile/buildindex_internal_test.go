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
	"bufio"
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"gg-scm.io/pkg/git/githash"
	"gg-scm.io/pkg/git/internal/zlibstream"
	"gg-scm.io/pkg/git/object"
)

// buildIndex scans a raw pack from scratch and produces the Index that
// would normally ship alongside it as a .idx file. Production never needs
// this: Pack.index_ always reads an index that git-index-pack(1) already
// wrote. It earns its keep here as the fixture builder the rest of this
// package's tests use to turn a hand-assembled pack into something
// FindID/GetOffset/Undeltify can be exercised against, including packs
// whose objects are deltified.
func buildIndex(f io.ReaderAt, fileSize int64, storage SHA1ObjectReadWriter) (*Index, error) {
	fileHash := sha1.New()
	hashTee := teeByteReader{
		r: bufio.NewReader(io.NewSectionReader(f, 0, fileSize)),
		w: fileHash,
	}
	nobjs, err := readFileHeader(hashTee)
	if err != nil {
		return nil, fmt.Errorf("packfile: build index: %w", err)
	}

	// Read file serially to get initial index.
	brc := &byteReaderCounter{r: hashTee, n: fileHeaderSize}
	base, err := baseIndexPass(brc, nobjs)
	if err != nil {
		return nil, fmt.Errorf("packfile: build index: %w", err)
	}

	// Verify end-of-packfile SHA-1 hash.
	var gotSum githash.SHA1
	fileHash.Sum(gotSum[:0])
	endOfObjects := brc.n
	if _, err := f.ReadAt(base.PackfileSHA1[:], endOfObjects); err != nil {
		return nil, fmt.Errorf("packfile: build index: %w", err)
	}
	if !bytes.Equal(gotSum[:], base.PackfileSHA1[:]) {
		return nil, fmt.Errorf("packfile: build index: packfile checksum does not match content")
	}
	if endOfObjects+githash.SHA1Size != fileSize {
		return nil, fmt.Errorf("packfile: build index: trailing data in packfile")
	}

	// Index deltified objects.
	// Deltified objects may use other deltified objects as a base, so we sweep
	// over deltified objects until we converge (iterative instead of recursive).
	ds := &deltaSweeper{
		baseIndex: *base,
		fileSize:  fileSize,
		storage:   storage,
	}
	for ds.needsSweep() {
		if err := ds.sweep(f); err != nil {
			return nil, fmt.Errorf("packfile: build index: %w", err)
		}
	}
	return ds.buildIndex(), nil
}

type deltaHeader struct {
	offset      int64
	sectionSize int
	// baseOffset is the Offset of a previous Header for an OffsetDelta type object.
	baseOffset int64
	// baseObject is the hash of an object for a RefDelta type object.
	baseObject githash.SHA1
	crc32      uint32
}

func (dhdr *deltaHeader) typ() ObjectType {
	if dhdr.baseOffset != 0 {
		return OffsetDelta
	}
	return RefDelta
}

type baseIndex struct {
	*Index
	offsetToID   map[int64]githash.SHA1
	deltaHeaders []*deltaHeader
}

// baseIndexPass indexes any non-deltified objects.
func baseIndexPass(r *byteReaderCounter, nobjs uint32) (*baseIndex, error) {
	result := &baseIndex{
		Index: &Index{
			ObjectIDs:       make([]githash.SHA1, 0, int(nobjs)),
			Offsets:         make([]int64, 0, int(nobjs)),
			PackedChecksums: make([]uint32, 0, int(nobjs)),
		},
		offsetToID: make(map[int64]githash.SHA1),
	}
	sha1Hash := sha1.New()
	c := crc32.NewIEEE()
	t := teeByteReader{r: r, w: c}
	var z zlibstream.Resetter
	for ; nobjs > 0; nobjs-- {
		c.Reset()
		hdr, err := ReadHeader(r.n, t)
		if err != nil {
			return nil, err
		}
		if err := zlibstream.Set(&z, t); err != nil {
			return nil, err
		}
		objType := hdr.Type.NonDelta()
		if objType == "" {
			// Deltified object.
			size, err := io.Copy(ioutil.Discard, z)
			if err != nil {
				return nil, err
			}
			if size < hdr.Size {
				return nil, errTooShort
			}
			if size > hdr.Size {
				return nil, errTooLong
			}
			sectionSize := r.n - hdr.Offset
			if sectionSize > 16<<20 { // 16 MiB
				return nil, fmt.Errorf("compressed deltified object too large (%d bytes)", hdr.Size)
			}
			result.deltaHeaders = append(result.deltaHeaders, &deltaHeader{
				offset:      hdr.Offset,
				sectionSize: int(sectionSize),
				baseOffset:  hdr.BaseOffset,
				baseObject:  hdr.BaseObject,
				crc32:       c.Sum32(),
			})
			continue
		}
		sha1Hash.Reset()
		sha1Hash.Write(object.AppendPrefix(nil, objType, hdr.Size))
		size, err := io.Copy(sha1Hash, z)
		if err != nil {
			return nil, err
		}
		if size < hdr.Size {
			return nil, errTooShort
		}
		if size > hdr.Size {
			return nil, errTooLong
		}
		var sum githash.SHA1
		sha1Hash.Sum(sum[:0])
		result.Offsets = append(result.Offsets, hdr.Offset)
		result.ObjectIDs = append(result.ObjectIDs, sum)
		result.PackedChecksums = append(result.PackedChecksums, c.Sum32())
		result.offsetToID[hdr.Offset] = sum
	}

	// We inserted in offset order. Index is expected to be in object ID order.
	// (Sorting in bulk is more efficient than doing an insertion sort.)
	sort.Sort(result.Index)
	return result, nil
}

type deltaSweeper struct {
	baseIndex
	additions Index // unsorted

	fileSize int64
	storage  SHA1ObjectReadWriter
}

func (ds *deltaSweeper) buildIndex() *Index {
	if ds.additions.Len() > 0 {
		ds.Offsets = append(ds.Offsets, ds.additions.Offsets...)
		ds.ObjectIDs = append(ds.ObjectIDs, ds.additions.ObjectIDs...)
		ds.PackedChecksums = append(ds.PackedChecksums, ds.additions.PackedChecksums...)
		sort.Sort(ds.Index)
		ds.additions = Index{}
	}
	return ds.Index
}

func (ds *deltaSweeper) needsSweep() bool {
	return len(ds.deltaHeaders) > 0
}

func (ds *deltaSweeper) sweep(r io.ReaderAt) error {
	remaining := 0
	sem := make(chan struct{}, 4)
	results := make(chan indexResult)
	var firstErr error
loop:
	for _, dhdr := range ds.deltaHeaders {
		basePrefix, baseObject, err := ds.lookupBaseObject(r, dhdr)
		if errors.Is(err, os.ErrNotExist) {
			// Base is deltified and hasn't been expanded yet.
			// Skip until next sweep.
			ds.deltaHeaders[remaining] = dhdr
			remaining++
			continue
		}
		if err != nil {
			firstErr = err
			break loop
		}
	startIndex:
		for {
			select {
			case sem <- struct{}{}:
				// Acquired semaphore. Ready to start more indexing.
				dhdr := dhdr
				go func() {
					defer func() { <-sem }()
					deltaObject := make([]byte, int(dhdr.sectionSize))
					if _, err := r.ReadAt(deltaObject, dhdr.offset); err != nil {
						baseObject.Close()
						results <- indexResult{err: err}
						return
					}
					sum, err := indexDeltifiedObject(ds.storage, basePrefix, baseObject, dhdr.offset, deltaObject)
					baseObject.Close()
					if err != nil {
						results <- indexResult{err: err}
						return
					}
					results <- indexResult{
						offset:   dhdr.offset,
						sha1:     sum,
						checksum: dhdr.crc32,
					}
				}()
				break startIndex
			case r := <-results:
				// Finished indexing one of the objects.
				if r.err != nil {
					baseObject.Close()
					firstErr = r.err
					break loop
				}
				ds.add(r)
			}
		}
	}

	// Wait until all objects are done being indexed.
	for i := 0; i < cap(sem); {
		select {
		case sem <- struct{}{}:
			i++
		case r := <-results:
			if r.err == nil {
				ds.add(r)
			} else if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		}
	}
	if firstErr != nil {
		ds.deltaHeaders = nil
		return firstErr
	}
	if remaining == len(ds.deltaHeaders) {
		// TODO(someday): Add details of missing objects
		return fmt.Errorf("unable to un-deltify %d objects", remaining)
	}
	ds.deltaHeaders = ds.deltaHeaders[:remaining]
	return nil
}

type indexResult struct {
	offset   int64
	sha1     githash.SHA1
	checksum uint32
	err      error
}

func indexDeltifiedObject(storage SHA1ObjectReadWriter, basePrefix object.Prefix, baseObject io.ReadSeeker, deltaOffset int64, deltaObject []byte) (githash.SHA1, error) {
	deltaObjectReader := bytes.NewReader(deltaObject)
	if _, err := ReadHeader(deltaOffset, deltaObjectReader); err != nil {
		return githash.SHA1{}, err
	}
	z, err := zlibstream.New(deltaObjectReader)
	if err != nil {
		return githash.SHA1{}, err
	}
	newObjectReader := NewDeltaReader(baseObject, bufio.NewReader(z))
	newSize, err := newObjectReader.Size()
	if err != nil {
		return githash.SHA1{}, err
	}
	newPrefix := object.Prefix{
		Type: basePrefix.Type,
		Size: newSize,
	}
	newObject, err := storage.WriteSHA1Object(newPrefix)
	if err != nil {
		return githash.SHA1{}, err
	}
	_, copyErr := io.Copy(newObject, newObjectReader)
	sum, finishErr := newObject.FinishObject()
	if copyErr != nil {
		return githash.SHA1{}, copyErr
	}
	if finishErr != nil {
		return githash.SHA1{}, finishErr
	}
	var sumSHA1 githash.SHA1
	copy(sumSHA1[:], sum)
	return sumSHA1, nil
}

func (ib *deltaSweeper) lookupBaseObject(r io.ReaderAt, dhdr *deltaHeader) (object.Prefix, io.ReadSeekCloser, error) {
	var baseObjectID githash.SHA1
	switch dhdr.typ() {
	case OffsetDelta:
		var ok bool
		baseObjectID, ok = ib.offsetToID[dhdr.baseOffset]
		if !ok {
			// Base is deltified and hasn't been expanded yet.
			return object.Prefix{}, nil, os.ErrNotExist
		}
	case RefDelta:
		baseObjectID = dhdr.baseObject
	default:
		panic("unknown deltified type")
	}
	basePrefix, baseObject, err := ib.storage.ReadSHA1Object(baseObjectID)
	if err == nil {
		return basePrefix, baseObject, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return object.Prefix{}, nil, err
	}
	baseIndex := ib.FindID(baseObjectID)
	if baseIndex == -1 {
		// Base is deltified and hasn't been expanded yet.
		return object.Prefix{}, nil, os.ErrNotExist
	}
	// Not in storage, but is present in index. This means it's one of the objects
	// collected during the base pass.
	baseOffset := ib.Offsets[baseIndex]
	sr := bufio.NewReader(io.NewSectionReader(r, baseOffset, ib.fileSize-baseOffset))
	baseHdr, err := ReadHeader(baseOffset, sr)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	w, err := ib.storage.WriteSHA1Object(object.Prefix{
		Type: baseHdr.Type.NonDelta(),
		Size: baseHdr.Size,
	})
	if err != nil {
		return object.Prefix{}, nil, err
	}
	z, err := zlibstream.New(sr)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	_, copyErr := io.Copy(w, z)
	gotSum, finishErr := w.FinishObject()
	if copyErr != nil {
		return object.Prefix{}, nil, copyErr
	}
	if finishErr != nil {
		return object.Prefix{}, nil, finishErr
	}
	var got githash.SHA1
	copy(got[:], gotSum)
	if got != baseObjectID {
		return object.Prefix{}, nil, fmt.Errorf("object %v has unexpected SHA-1 hash %v after writing", baseObjectID, got)
	}
	basePrefix, baseObject, err = ib.storage.ReadSHA1Object(baseObjectID)
	if errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("object %v does not exist after being written", baseObjectID)
	}
	return basePrefix, baseObject, err
}

func (ds *deltaSweeper) add(r indexResult) {
	ds.additions.Offsets = append(ds.additions.Offsets, r.offset)
	ds.additions.ObjectIDs = append(ds.additions.ObjectIDs, r.sha1)
	ds.additions.PackedChecksums = append(ds.additions.PackedChecksums, r.checksum)
	ds.offsetToID[r.offset] = r.sha1
}

type teeByteReader struct {
	r   ByteReader
	w   io.Writer
	buf [1]byte
}

func (t teeByteReader) Read(p []byte) (int, error) {
	n, rerr := t.r.Read(p)
	_, werr := t.w.Write(p[:n])
	if rerr != nil {
		return n, rerr
	}
	return n, werr
}

func (t teeByteReader) ReadByte() (byte, error) {
	b, rerr := t.r.ReadByte()
	t.buf[0] = b
	_, werr := t.w.Write(t.buf[:])
	if rerr != nil {
		return b, rerr
	}
	return b, werr
}

// WriteFinisher combines io.Writer with an method for closing the writer
// and obtaining its SHA-1 hash.
//
// FinishObject finishes writing the object and if successful, returns its SHA-1
// hash. The behavior of FinishObject after the first call is undefined.
// Specific implementations may document their own behavior.
type WriteFinisher interface {
	io.Writer
	FinishObject() ([]byte, error)
}

// SHA1ObjectReadWriter reads and writes entire objects. The ReadSHA1Object and
// WriteSHA1Object methods may be called concurrently with each other.
type SHA1ObjectReadWriter interface {
	// ReadSHA1Object opens an object from storage. If the object does not exist
	// in storage, ReadSHA1Object must return an error for which
	// errors.Is(err, os.ErrNotExist) reports true.
	ReadSHA1Object(id githash.SHA1) (object.Prefix, io.ReadSeekCloser, error)
	// WriteSHA1Object opens an object for writing to storage. The returned writer
	// must return an error from FinishObject and discard the object if less than
	// size bytes were written.
	WriteSHA1Object(prefix object.Prefix) (WriteFinisher, error)
}

// memObjectStorage is a trivial in-memory SHA1ObjectReadWriter. buildIndex's
// delta sweep needs somewhere to materialize a resolved base object before
// it can hash and re-index it; production never deltifies across two
// objects that both need expanding (Pack.getAtOffset resolves every base
// straight out of an already-built DiskIndex), so this exists purely to
// give buildIndex's tests a real, working implementation instead of a nil
// interface a deltified fixture would panic on.
type memObjectStorage struct {
	objs map[githash.SHA1]memObject
}

type memObject struct {
	prefix object.Prefix
	data   []byte
}

func newMemObjectStorage() *memObjectStorage {
	return &memObjectStorage{objs: make(map[githash.SHA1]memObject)}
}

func (s *memObjectStorage) ReadSHA1Object(id githash.SHA1) (object.Prefix, io.ReadSeekCloser, error) {
	obj, ok := s.objs[id]
	if !ok {
		return object.Prefix{}, nil, os.ErrNotExist
	}
	return obj.prefix, memObjectReader{bytes.NewReader(obj.data)}, nil
}

func (s *memObjectStorage) WriteSHA1Object(prefix object.Prefix) (WriteFinisher, error) {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, prefix.Type, prefix.Size))
	return &memObjectWriter{storage: s, prefix: prefix, hash: h}, nil
}

type memObjectReader struct {
	*bytes.Reader
}

func (memObjectReader) Close() error { return nil }

type memObjectWriter struct {
	storage *memObjectStorage
	prefix  object.Prefix
	buf     bytes.Buffer
	hash    hash.Hash
}

func (w *memObjectWriter) Write(p []byte) (int, error) {
	w.hash.Write(p)
	return w.buf.Write(p)
}

func (w *memObjectWriter) FinishObject() ([]byte, error) {
	if int64(w.buf.Len()) < w.prefix.Size {
		return nil, fmt.Errorf("object shorter than declared size (%d of %d bytes)", w.buf.Len(), w.prefix.Size)
	}
	var id githash.SHA1
	w.hash.Sum(id[:0])
	w.storage.objs[id] = memObject{prefix: w.prefix, data: append([]byte(nil), w.buf.Bytes()...)}
	return id[:], nil
}
