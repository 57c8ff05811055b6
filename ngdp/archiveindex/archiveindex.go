/*
Copyright 2017 Luke Granger-Brown

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archiveindex parses CDN archive index files and aggregates them into a single lookup.
package archiveindex

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lukegb/framexml/ngdp"
)

// ErrNotInArchive is returned for CDN hashes not present in any loaded index.
var ErrNotInArchive = errors.New("archiveindex: CDN hash not in any archive")

const (
	tableName = "archiveindex"

	blockSize    = 4096
	recordSize   = md5.Size + 4 + 4
	tocEntrySize = md5.Size + checksumSize
	footerSize   = 28
	checksumSize = 8

	footerVersion = 1
	blockSizeKB   = 4
	offsetBytes   = 4
	sizeBytes     = 4
)

// An Entry locates an encoded file inside an archive.
type Entry struct {
	Archive ngdp.CDNHash
	Offset  uint32
	Size    uint32
}

// End returns the offset just past the last byte of the entry.
func (e Entry) End() uint64 {
	return uint64(e.Offset) + uint64(e.Size)
}

// An Index is the parsed contents of one archive's index file.
type Index struct {
	Archive ngdp.CDNHash
	entries map[ngdp.CDNHash]Entry
	order   []ngdp.CDNHash
}

// Len returns the number of records in the index.
func (idx *Index) Len() int {
	return len(idx.order)
}

// Lookup finds a CDN hash within this archive.
func (idx *Index) Lookup(h ngdp.CDNHash) (Entry, bool) {
	e, ok := idx.entries[h]
	return e, ok
}

func checksum(b []byte) [checksumSize]byte {
	var out [checksumSize]byte
	sum := md5.Sum(b)
	copy(out[:], sum[:checksumSize])
	return out
}

func parseErr(kind ngdp.ParseErrorKind, index int, archive ngdp.CDNHash, format string, args ...interface{}) error {
	return errors.Wrapf(ngdp.NewParseError(tableName, kind, index, format, args...), "index for archive %v", archive)
}

// Parse parses the index file for archive, checking the footer against the archive name and every block and table-of-contents checksum.
func Parse(archive ngdp.CDNHash, data []byte) (*Index, error) {
	if len(data) < footerSize {
		return nil, parseErr(ngdp.Truncated, -1, archive, "have %d bytes, need at least a %d byte footer", len(data), footerSize)
	}
	bodySize := len(data) - footerSize
	if bodySize%(blockSize+tocEntrySize) != 0 {
		return nil, parseErr(ngdp.Malformed, -1, archive, "%d bytes before footer is not a whole number of blocks", bodySize)
	}
	numBlocks := bodySize / (blockSize + tocEntrySize)

	footer := data[bodySize:]
	if got := ngdp.CDNHash(md5.Sum(footer)); got != archive {
		return nil, parseErr(ngdp.ChecksumMismatch, -1, archive, "footer hashes to %v", got)
	}
	toc := data[bodySize-numBlocks*tocEntrySize : bodySize]
	if got := checksum(toc); string(got[:]) != string(footer[0:checksumSize]) {
		return nil, parseErr(ngdp.ChecksumMismatch, -1, archive, "table of contents checksum is %x; footer says %x", got, footer[0:checksumSize])
	}

	f := footer[checksumSize:]
	switch {
	case f[0] != footerVersion:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unsupported version %d", f[0])
	case f[1] != 0 || f[2] != 0:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unexpected non-zero reserved bytes")
	case f[3] != blockSizeKB:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unsupported block size %dKB", f[3])
	case f[4] != offsetBytes || f[5] != sizeBytes:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unsupported offset/size widths %d/%d", f[4], f[5])
	case f[6] != md5.Size:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unsupported key size %d", f[6])
	case f[7] != checksumSize:
		return nil, parseErr(ngdp.Malformed, -1, archive, "unsupported checksum size %d", f[7])
	}
	numElements := int(binary.LittleEndian.Uint32(f[8:12]))

	// The footer checksum covers the footer fields after the TOC checksum, with the checksum itself zeroed.
	check := make([]byte, footerSize-checksumSize)
	copy(check, footer[checksumSize:footerSize-checksumSize])
	if got := checksum(check); string(got[:]) != string(footer[footerSize-checksumSize:]) {
		return nil, parseErr(ngdp.ChecksumMismatch, -1, archive, "footer checksum is %x; footer says %x", got, footer[footerSize-checksumSize:])
	}

	idx := &Index{
		Archive: archive,
		entries: make(map[ngdp.CDNHash]Entry, numElements),
	}
	lastKeys := toc[:numBlocks*md5.Size]
	blockSums := toc[numBlocks*md5.Size:]
	for n := 0; n < numBlocks; n++ {
		block := data[n*blockSize : (n+1)*blockSize]
		if got := checksum(block); string(got[:]) != string(blockSums[n*checksumSize:(n+1)*checksumSize]) {
			return nil, parseErr(ngdp.ChecksumMismatch, n, archive, "block checksum is %x", got)
		}
		var lastKey ngdp.CDNHash
		copy(lastKey[:], lastKeys[n*md5.Size:])

		found := false
		for p := block; len(p) >= recordSize; p = p[recordSize:] {
			var key ngdp.CDNHash
			copy(key[:], p)
			if _, ok := idx.entries[key]; ok {
				return nil, parseErr(ngdp.Malformed, n, archive, "duplicate key %v", key)
			}
			idx.entries[key] = Entry{
				Archive: archive,
				Size:    binary.BigEndian.Uint32(p[16:20]),
				Offset:  binary.BigEndian.Uint32(p[20:24]),
			}
			idx.order = append(idx.order, key)
			if key == lastKey {
				found = true
				break
			}
		}
		if !found {
			return nil, parseErr(ngdp.Malformed, n, archive, "last key %v not found in block", lastKey)
		}
	}
	if len(idx.order) != numElements {
		return nil, parseErr(ngdp.Malformed, -1, archive, "footer declares %d elements; found %d", numElements, len(idx.order))
	}
	return idx, nil
}

// A Set is the union of several archive indexes.
//
// When a CDN hash appears in more than one index, the entry from the index added first is kept.
type Set struct {
	indexes []*Index
	entries map[ngdp.CDNHash]Entry
	dupes   int
}

// NewSet builds a Set from indexes, in priority order.
func NewSet(indexes ...*Index) *Set {
	s := &Set{entries: make(map[ngdp.CDNHash]Entry)}
	for _, idx := range indexes {
		s.Add(idx)
	}
	return s
}

// Add merges idx into the set. Keys already present are left pointing at their earlier archive.
//
// Add must not be called concurrently with Lookup.
func (s *Set) Add(idx *Index) {
	s.indexes = append(s.indexes, idx)
	for _, key := range idx.order {
		if _, ok := s.entries[key]; ok {
			s.dupes++
			continue
		}
		s.entries[key] = idx.entries[key]
	}
}

// Lookup returns the archive location of a CDN hash.
func (s *Set) Lookup(h ngdp.CDNHash) (Entry, error) {
	e, ok := s.entries[h]
	if !ok {
		return Entry{}, ErrNotInArchive
	}
	return e, nil
}

// Len returns the number of distinct CDN hashes in the set.
func (s *Set) Len() int {
	return len(s.entries)
}

// Archives returns the number of indexes merged into the set.
func (s *Set) Archives() int {
	return len(s.indexes)
}

// Duplicates returns how many records were ignored because an earlier index already held their key.
func (s *Set) Duplicates() int {
	return s.dupes
}
