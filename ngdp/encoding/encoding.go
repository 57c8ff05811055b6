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

package encoding

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"io"
	"io/ioutil"
	"sort"

	"github.com/pkg/errors"

	"github.com/lukegb/framexml/ngdp"
)

const (
	tableName = "encoding"

	headerSize     = 22
	pageIndexSize  = 2 * md5.Size
	entryFixedSize = 1 + 5 + md5.Size
	supportedVer   = 1
)

// ErrUnknownContentHash is returned for content hashes with no entry in the table.
var ErrUnknownContentHash = errors.New("encoding: unknown content hash")

type mapEntry struct {
	contentHash ngdp.ContentHash
	size        uint64
	cdnHashes   []ngdp.CDNHash
}

type page struct {
	firstKey ngdp.ContentHash
	entries  []mapEntry
}

// A Mapper converts file content hashes into their corresponding CDN hashes.
//
// A Mapper is immutable once built and is safe for concurrent use.
type Mapper struct {
	pages []page
	count int
}

// NewMapper creates a new Mapper from a provided encoding file.
//
// The encoding file should not be in BLTE format - it should already have been decoded.
func NewMapper(r io.Reader) (*Mapper, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding: reading")
	}
	return Parse(data)
}

type header struct {
	cpageSize  int
	epageSize  int
	cpageCount int
	epageCount int
	especSize  int
}

func readHeader(data []byte) (*header, error) {
	if len(data) < headerSize {
		return nil, ngdp.NewParseError(tableName, ngdp.Truncated, -1, "header needs %d bytes, have %d", headerSize, len(data))
	}
	if data[0] != 'E' || data[1] != 'N' {
		return nil, ngdp.NewParseError(tableName, ngdp.Malformed, -1, "bad magic %q", data[0:2])
	}
	if data[2] != supportedVer {
		return nil, ngdp.NewParseError(tableName, ngdp.Malformed, -1, "unsupported version %d", data[2])
	}
	if data[3] != md5.Size || data[4] != md5.Size {
		return nil, ngdp.NewParseError(tableName, ngdp.Malformed, -1, "bad hash sizes %d/%d", data[3], data[4])
	}
	h := &header{
		cpageSize:  int(binary.BigEndian.Uint16(data[0x05:0x07])) * 1024,
		epageSize:  int(binary.BigEndian.Uint16(data[0x07:0x09])) * 1024,
		cpageCount: int(binary.BigEndian.Uint32(data[0x09:0x0d])),
		epageCount: int(binary.BigEndian.Uint32(data[0x0d:0x11])),
		especSize:  int(binary.BigEndian.Uint32(data[0x12:0x16])),
	}
	if (h.cpageCount > 0 && h.cpageSize == 0) || (h.epageCount > 0 && h.epageSize == 0) {
		return nil, ngdp.NewParseError(tableName, ngdp.Malformed, -1, "zero page size")
	}
	return h, nil
}

// Parse builds a Mapper from a decoded encoding file.
//
// Every content page is checked against its checksum before any of its records are used; the first bad page fails the whole table.
func Parse(data []byte) (*Mapper, error) {
	h, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	p := data[headerSize:]

	// Skip over the layout string table; we don't need it
	if len(p) < h.especSize {
		return nil, ngdp.NewParseError(tableName, ngdp.Truncated, -1, "layout string table needs %d bytes, have %d", h.especSize, len(p))
	}
	p = p[h.especSize:]

	indexLen := h.cpageCount * pageIndexSize
	pagesLen := h.cpageCount * h.cpageSize
	if len(p) < indexLen+pagesLen {
		return nil, ngdp.NewParseError(tableName, ngdp.Truncated, -1, "%d content pages need %d bytes, have %d", h.cpageCount, indexLen+pagesLen, len(p))
	}
	index, pageData := p[:indexLen], p[indexLen:indexLen+pagesLen]
	p = p[indexLen+pagesLen:]

	m := &Mapper{pages: make([]page, h.cpageCount)}
	for n := range m.pages {
		var firstKey ngdp.ContentHash
		var checksum [md5.Size]byte
		copy(firstKey[:], index[n*pageIndexSize:])
		copy(checksum[:], index[n*pageIndexSize+md5.Size:])

		buf := pageData[n*h.cpageSize : (n+1)*h.cpageSize]
		if got := md5.Sum(buf); got != checksum {
			return nil, ngdp.NewParseError(tableName, ngdp.ChecksumMismatch, n, "content page checksum is %x; index says %x", got, checksum)
		}
		if n > 0 && !m.pages[n-1].firstKey.Less(firstKey) {
			return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "content pages out of order")
		}

		entries, err := parsePage(n, buf)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 || !entries[0].contentHash.Equal(firstKey) {
			return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "first entry does not match page index key %v", firstKey)
		}
		if n > 0 {
			prev := m.pages[n-1].entries
			if !prev[len(prev)-1].contentHash.Less(firstKey) {
				return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "content pages overlap")
			}
		}
		m.pages[n] = page{firstKey: firstKey, entries: entries}
		m.count += len(entries)
	}

	// The encoding-key pages are not used for lookups, but they are still checked so a damaged file is not half-trusted.
	indexLen = h.epageCount * pageIndexSize
	pagesLen = h.epageCount * h.epageSize
	if len(p) < indexLen+pagesLen {
		return nil, ngdp.NewParseError(tableName, ngdp.Truncated, -1, "%d layout pages need %d bytes, have %d", h.epageCount, indexLen+pagesLen, len(p))
	}
	index, pageData = p[:indexLen], p[indexLen:indexLen+pagesLen]
	for n := 0; n < h.epageCount; n++ {
		var checksum [md5.Size]byte
		copy(checksum[:], index[n*pageIndexSize+md5.Size:])
		if got := md5.Sum(pageData[n*h.epageSize : (n+1)*h.epageSize]); got != checksum {
			return nil, ngdp.NewParseError(tableName, ngdp.ChecksumMismatch, h.cpageCount+n, "layout page checksum is %x; index says %x", got, checksum)
		}
	}

	return m, nil
}

func parsePage(n int, buf []byte) ([]mapEntry, error) {
	var entries []mapEntry
	for len(buf) >= entryFixedSize {
		keyCount := int(buf[0])
		if keyCount == 0 {
			// The rest of the page is padding.
			break
		}
		recLen := entryFixedSize + keyCount*md5.Size
		if len(buf) < recLen {
			return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "entry %d runs off the end of the page", len(entries))
		}

		e := mapEntry{
			size:      uint64(buf[1])<<32 | uint64(binary.BigEndian.Uint32(buf[2:6])),
			cdnHashes: make([]ngdp.CDNHash, keyCount),
		}
		copy(e.contentHash[:], buf[6:22])
		for x := range e.cdnHashes {
			copy(e.cdnHashes[x][:], buf[entryFixedSize+x*md5.Size:])
		}
		if len(entries) > 0 && !entries[len(entries)-1].contentHash.Less(e.contentHash) {
			return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "entry %d out of order", len(entries))
		}

		entries = append(entries, e)
		buf = buf[recLen:]
	}
	if len(bytes.Trim(buf, "\x00")) != 0 {
		return nil, ngdp.NewParseError(tableName, ngdp.Malformed, n, "garbage after last entry")
	}
	return entries, nil
}

// Len returns the number of content hashes in the table.
func (m *Mapper) Len() int {
	return m.count
}

func (m *Mapper) find(contentHash ngdp.ContentHash) (mapEntry, bool) {
	// Find the last page whose first key is <= contentHash.
	i := sort.Search(len(m.pages), func(n int) bool {
		return contentHash.Less(m.pages[n].firstKey)
	}) - 1
	if i < 0 {
		return mapEntry{}, false
	}
	entries := m.pages[i].entries
	j := sort.Search(len(entries), func(n int) bool {
		return !entries[n].contentHash.Less(contentHash)
	})
	if j >= len(entries) || !entries[j].contentHash.Equal(contentHash) {
		return mapEntry{}, false
	}
	return entries[j], true
}

// CDNHashes returns every CDN hash listed for a content hash, in table order.
func (m *Mapper) CDNHashes(contentHash ngdp.ContentHash) ([]ngdp.CDNHash, error) {
	e, ok := m.find(contentHash)
	if !ok {
		return nil, ErrUnknownContentHash
	}
	return append([]ngdp.CDNHash(nil), e.cdnHashes...), nil
}

// ToCDNHash converts a content hash into a single CDN hash.
//
// Where a content hash maps to multiple CDN hashes, the first listed is the canonical one.
func (m *Mapper) ToCDNHash(contentHash ngdp.ContentHash) (ngdp.CDNHash, error) {
	e, ok := m.find(contentHash)
	if !ok {
		return ngdp.CDNHash{}, ErrUnknownContentHash
	}
	return e.cdnHashes[0], nil
}

// Size returns the decoded size of the file with the given content hash.
func (m *Mapper) Size(contentHash ngdp.ContentHash) (uint64, error) {
	e, ok := m.find(contentHash)
	if !ok {
		return 0, ErrUnknownContentHash
	}
	return e.size, nil
}
