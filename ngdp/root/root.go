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

// Package root parses World of Warcraft root files, which map FileDataIDs to content hashes.
//
// A root file is a sequence of blocks. Each block carries a locale mask and content flags that apply to every entry in it, followed by delta-encoded FileDataIDs and their content hashes.
// Three layouts are understood: the classic interleaved layout, the "TSFM" layout with file counts, and the later "TSFM" layout with an explicit header size and version.
package root

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"math/bits"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/lukegb/framexml/ngdp"
)

// ErrUnknownFileDataID is returned when no entry for a FileDataID matches the requested locale.
var ErrUnknownFileDataID = errors.New("root: no matching entry for FileDataID")

const (
	tableName = "root"
	magic     = "TSFM"

	nameHashSize = 8

	// Files with a header size and version report the header size first; older TSFM files put the file count there, which is never this small.
	extendedHeaderSize = 24
)

// A Format identifies which root layout a file used.
type Format int

const (
	FormatLegacy Format = iota
	FormatMFST
	FormatMFSTv2
)

func (f Format) String() string {
	switch f {
	case FormatMFST:
		return "TSFM"
	case FormatMFSTv2:
		return "TSFMv2"
	default:
		return "legacy"
	}
}

// An Entry is a single variant of a FileDataID.
type Entry struct {
	ContentHash  ngdp.ContentHash
	Locale       ngdp.Locale
	ContentFlags ngdp.ContentFlags
	NameHash     uint64

	// Block is the index of the block the entry was read from.
	Block int
}

// A Table is a parsed root file.
//
// A Table is immutable once built and is safe for concurrent use.
type Table struct {
	format Format
	blocks int
	files  map[uint32][]Entry
}

// NewTable reads a decoded root file.
func NewTable(r io.Reader) (*Table, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "root: reading")
	}
	return Parse(data)
}

type reader struct {
	p     []byte
	block int
}

func (r *reader) need(n int, what string) error {
	if len(r.p) < n {
		return ngdp.NewParseError(tableName, ngdp.Truncated, r.block, "%s needs %d bytes, have %d", what, n, len(r.p))
	}
	return nil
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.p)
	r.p = r.p[4:]
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.p)
	r.p = r.p[8:]
	return v
}

func (r *reader) hash() ngdp.ContentHash {
	var h ngdp.ContentHash
	copy(h[:], r.p)
	r.p = r.p[len(h):]
	return h
}

// Parse builds a Table from a decoded root file.
func Parse(data []byte) (*Table, error) {
	r := &reader{p: data, block: -1}
	t := &Table{files: make(map[uint32][]Entry)}

	var canSkipNames bool
	if len(r.p) >= 4 && string(r.p[:4]) == magic {
		r.p = r.p[4:]
		if err := r.need(8, "TSFM header"); err != nil {
			return nil, err
		}
		total, named := r.u32(), r.u32()
		t.format = FormatMFST
		if total == extendedHeaderSize {
			// total was really the header size, and named the version.
			version := named
			if version != 1 && version != 2 {
				return nil, ngdp.NewParseError(tableName, ngdp.Malformed, -1, "unsupported TSFM version %d", version)
			}
			if err := r.need(12, "TSFM extended header"); err != nil {
				return nil, err
			}
			total, named = r.u32(), r.u32()
			r.u32() // padding
			if version == 2 {
				t.format = FormatMFSTv2
			}
		}
		canSkipNames = total != named
	}

	for len(r.p) > 0 {
		r.block = t.blocks
		if err := r.readBlock(t, canSkipNames); err != nil {
			return nil, err
		}
		t.blocks++
	}
	glog.V(1).Infof("root: parsed %s root with %d blocks and %d FileDataIDs", t.format, t.blocks, len(t.files))
	return t, nil
}

func (r *reader) readBlock(t *Table, canSkipNames bool) error {
	var count uint32
	var locale ngdp.Locale
	var flags ngdp.ContentFlags
	if t.format == FormatMFSTv2 {
		if err := r.need(17, "block header"); err != nil {
			return err
		}
		count = r.u32()
		locale = ngdp.Locale(r.u32())
		f1, f2 := r.u32(), r.u32()
		f3 := uint32(r.p[0])
		r.p = r.p[1:]
		flags = ngdp.ContentFlags(f1 | f2 | f3<<17)
	} else {
		if err := r.need(12, "block header"); err != nil {
			return err
		}
		count = r.u32()
		flags = ngdp.ContentFlags(r.u32())
		locale = ngdp.Locale(r.u32())
	}

	n := int(count)
	if err := r.need(4*n, "FileDataID deltas"); err != nil {
		return err
	}
	fdids := make([]uint32, n)
	fdid := int64(-1)
	for x := range fdids {
		fdid += int64(int32(r.u32())) + 1
		if fdid < 0 || fdid > int64(^uint32(0)) {
			return ngdp.NewParseError(tableName, ngdp.Malformed, r.block, "FileDataID delta %d leads to out of range ID %d", x, fdid)
		}
		fdids[x] = uint32(fdid)
	}

	entries := make([]Entry, n)
	if t.format == FormatLegacy {
		if err := r.need(n*(len(ngdp.ContentHash{})+nameHashSize), "interleaved records"); err != nil {
			return err
		}
		for x := range entries {
			entries[x].ContentHash = r.hash()
			entries[x].NameHash = r.u64()
		}
	} else {
		if err := r.need(n*len(ngdp.ContentHash{}), "content hashes"); err != nil {
			return err
		}
		for x := range entries {
			entries[x].ContentHash = r.hash()
		}
		if !canSkipNames || flags&ngdp.ContentFlagNoNameHash == 0 {
			if err := r.need(n*nameHashSize, "name hashes"); err != nil {
				return err
			}
			for x := range entries {
				entries[x].NameHash = r.u64()
			}
		}
	}

	for x, id := range fdids {
		entries[x].Locale = locale
		entries[x].ContentFlags = flags
		entries[x].Block = r.block
		t.files[id] = append(t.files[id], entries[x])
	}
	return nil
}

// Format returns the layout the table was parsed from.
func (t *Table) Format() Format {
	return t.format
}

// Len returns the number of distinct FileDataIDs in the table.
func (t *Table) Len() int {
	return len(t.files)
}

// Entries returns every variant of a FileDataID in block order.
func (t *Table) Entries(fdid uint32) []Entry {
	return append([]Entry(nil), t.files[fdid]...)
}

// Lookup picks the content hash for fdid as seen by a client running in locale.
//
// The first entry in block order whose locale mask includes locale and whose flags avoid exclude wins.
// If every entry for that locale carries an excluded flag, the one with the fewest flags set is used instead, earliest block first.
func (t *Table) Lookup(fdid uint32, locale ngdp.Locale, exclude ngdp.ContentFlags) (ngdp.ContentHash, error) {
	var fallback *Entry
	entries := t.files[fdid]
	for n := range entries {
		e := &entries[n]
		if e.Locale&locale == 0 {
			continue
		}
		if e.ContentFlags&exclude == 0 {
			return e.ContentHash, nil
		}
		if fallback == nil || bits.OnesCount32(uint32(e.ContentFlags)) < bits.OnesCount32(uint32(fallback.ContentFlags)) {
			fallback = e
		}
	}
	if fallback != nil {
		return fallback.ContentHash, nil
	}
	return ngdp.ContentHash{}, ErrUnknownFileDataID
}
