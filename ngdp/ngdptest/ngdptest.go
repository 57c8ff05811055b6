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

// Package ngdptest builds bit-exact CASC fixtures and serves them from fake patch and CDN servers.
package ngdptest

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/lukegb/framexml/ngdp"
)

// BLTE wraps data in a headerless, uncompressed BLTE blob.
func BLTE(data []byte) []byte {
	out := []byte("BLTE\x00\x00\x00\x00N")
	return append(out, data...)
}

// BLTEKey returns the encoding key of a headerless blob made by BLTE.
func BLTEKey(blob []byte) ngdp.CDNHash {
	return ngdp.CDNHash(md5.Sum(blob))
}

// A Chunk is a single BLTE chunk before encoding.
type Chunk struct {
	Data []byte
	Zlib bool
}

// ChunkedBLTE builds a BLTE blob with a chunk table, returning the blob and its encoding key.
func ChunkedBLTE(chunks ...Chunk) ([]byte, ngdp.CDNHash) {
	var encoded [][]byte
	for _, c := range chunks {
		if !c.Zlib {
			encoded = append(encoded, append([]byte{'N'}, c.Data...))
			continue
		}
		var buf bytes.Buffer
		buf.WriteByte('Z')
		zw := zlib.NewWriter(&buf)
		zw.Write(c.Data)
		zw.Close()
		encoded = append(encoded, buf.Bytes())
	}

	hdrLen := 12 + 24*len(chunks)
	hdr := make([]byte, hdrLen)
	copy(hdr, "BLTE")
	binary.BigEndian.PutUint32(hdr[4:], uint32(hdrLen))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(chunks)))
	hdr[8] = 0x0f
	for n, e := range encoded {
		p := hdr[12+24*n:]
		binary.BigEndian.PutUint32(p[0:], uint32(len(e)))
		binary.BigEndian.PutUint32(p[4:], uint32(len(chunks[n].Data)))
		sum := md5.Sum(e)
		copy(p[8:24], sum[:])
	}
	key := ngdp.CDNHash(md5.Sum(hdr))

	out := hdr
	for _, e := range encoded {
		out = append(out, e...)
	}
	return out, key
}

// An EncodingEntry maps a content hash to its encoding keys.
type EncodingEntry struct {
	ContentHash ngdp.ContentHash
	CDNHashes   []ngdp.CDNHash
	Size        uint64
}

// Encoding builds a decoded encoding table with pages of pageKB kilobytes.
func Encoding(entries []EncodingEntry, pageKB int) []byte {
	entries = append([]EncodingEntry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ContentHash.Less(entries[j].ContentHash) })
	pageSize := pageKB * 1024

	espec := []byte("n\x00")

	var cpages [][]byte
	var cfirst []ngdp.ContentHash
	var page []byte
	for _, e := range entries {
		rec := make([]byte, 22, 22+16*len(e.CDNHashes))
		rec[0] = byte(len(e.CDNHashes))
		rec[1] = byte(e.Size >> 32)
		binary.BigEndian.PutUint32(rec[2:6], uint32(e.Size))
		copy(rec[6:22], e.ContentHash[:])
		for _, h := range e.CDNHashes {
			rec = append(rec, h[:]...)
		}
		if len(page)+len(rec) > pageSize {
			cpages = append(cpages, pad(page, pageSize))
			page = nil
		}
		if page == nil {
			cfirst = append(cfirst, e.ContentHash)
			page = []byte{}
		}
		page = append(page, rec...)
	}
	if page != nil {
		cpages = append(cpages, pad(page, pageSize))
	}

	type ekeyEntry struct {
		key  ngdp.CDNHash
		size uint64
	}
	var ekeys []ekeyEntry
	for _, e := range entries {
		for _, h := range e.CDNHashes {
			ekeys = append(ekeys, ekeyEntry{h, e.Size})
		}
	}
	sort.Slice(ekeys, func(i, j int) bool { return ekeys[i].key.Less(ekeys[j].key) })
	var epages [][]byte
	var efirst []ngdp.CDNHash
	page = nil
	for _, e := range ekeys {
		rec := make([]byte, 25)
		copy(rec[0:16], e.key[:])
		binary.BigEndian.PutUint32(rec[16:20], 0)
		rec[20] = byte(e.size >> 32)
		binary.BigEndian.PutUint32(rec[21:25], uint32(e.size))
		if len(page)+len(rec) > pageSize {
			epages = append(epages, pad(page, pageSize))
			page = nil
		}
		if page == nil {
			efirst = append(efirst, e.key)
			page = []byte{}
		}
		page = append(page, rec...)
	}
	if page != nil {
		epages = append(epages, pad(page, pageSize))
	}

	out := make([]byte, 22)
	out[0], out[1] = 'E', 'N'
	out[2] = 1
	out[3], out[4] = 16, 16
	binary.BigEndian.PutUint16(out[5:7], uint16(pageKB))
	binary.BigEndian.PutUint16(out[7:9], uint16(pageKB))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(cpages)))
	binary.BigEndian.PutUint32(out[13:17], uint32(len(epages)))
	out[17] = 0
	binary.BigEndian.PutUint32(out[18:22], uint32(len(espec)))
	out = append(out, espec...)
	for n, p := range cpages {
		sum := md5.Sum(p)
		out = append(out, cfirst[n][:]...)
		out = append(out, sum[:]...)
	}
	for _, p := range cpages {
		out = append(out, p...)
	}
	for n, p := range epages {
		sum := md5.Sum(p)
		out = append(out, efirst[n][:]...)
		out = append(out, sum[:]...)
	}
	for _, p := range epages {
		out = append(out, p...)
	}
	return append(out, "b:{*=n}"...)
}

func pad(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// A RootFormat selects one of the root file layouts.
type RootFormat int

const (
	RootLegacy RootFormat = iota
	RootMFST
	RootMFSTv2
)

// A RootEntry is one FileDataID in a root block.
type RootEntry struct {
	FileDataID  uint32
	ContentHash ngdp.ContentHash
	NameHash    uint64
}

// A RootBlock groups entries sharing locale and content flags.
type RootBlock struct {
	Locale       ngdp.Locale
	ContentFlags ngdp.ContentFlags
	Entries      []RootEntry
}

// Root builds a decoded root file. Entries within each block must be in ascending FileDataID order.
func Root(format RootFormat, blocks ...RootBlock) []byte {
	var out []byte
	le32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	le64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	var total, named uint32
	for _, b := range blocks {
		total += uint32(len(b.Entries))
		if b.ContentFlags&ngdp.ContentFlagNoNameHash == 0 {
			named += uint32(len(b.Entries))
		}
	}
	switch format {
	case RootMFST:
		out = append(out, "TSFM"...)
		le32(total)
		le32(named)
	case RootMFSTv2:
		out = append(out, "TSFM"...)
		le32(24)
		le32(2)
		le32(total)
		le32(named)
		le32(0)
	}

	for _, b := range blocks {
		le32(uint32(len(b.Entries)))
		switch format {
		case RootMFSTv2:
			le32(uint32(b.Locale))
			le32(uint32(b.ContentFlags) &^ 0x1fe0000)
			le32(0)
			out = append(out, byte(uint32(b.ContentFlags)&0x1fe0000>>17))
		default:
			le32(uint32(b.ContentFlags))
			le32(uint32(b.Locale))
		}
		prev := int64(-1)
		for _, e := range b.Entries {
			le32(uint32(int32(int64(e.FileDataID) - prev - 1)))
			prev = int64(e.FileDataID)
		}
		if format == RootLegacy {
			for _, e := range b.Entries {
				out = append(out, e.ContentHash[:]...)
				le64(e.NameHash)
			}
			continue
		}
		for _, e := range b.Entries {
			out = append(out, e.ContentHash[:]...)
		}
		if total != named && b.ContentFlags&ngdp.ContentFlagNoNameHash != 0 {
			continue
		}
		for _, e := range b.Entries {
			le64(e.NameHash)
		}
	}
	return out
}

// An IndexEntry locates an encoded file inside an archive.
type IndexEntry struct {
	CDNHash ngdp.CDNHash
	Size    uint32
	Offset  uint32
}

const (
	indexBlockSize    = 4096
	indexRecordSize   = 24
	indexFooterSize   = 28
	recordsPerBlock   = indexBlockSize / indexRecordSize
	indexChecksumSize = 8
)

// ArchiveIndex builds an archive index file and returns it with the archive name it validates as.
func ArchiveIndex(entries []IndexEntry) ([]byte, ngdp.CDNHash) {
	entries = append([]IndexEntry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].CDNHash.Less(entries[j].CDNHash) })

	var out []byte
	var lastKeys []ngdp.CDNHash
	var blockSums [][]byte
	for start := 0; start < len(entries); start += recordsPerBlock {
		end := start + recordsPerBlock
		if end > len(entries) {
			end = len(entries)
		}
		block := make([]byte, indexBlockSize)
		for n, e := range entries[start:end] {
			p := block[n*indexRecordSize:]
			copy(p[0:16], e.CDNHash[:])
			binary.BigEndian.PutUint32(p[16:20], e.Size)
			binary.BigEndian.PutUint32(p[20:24], e.Offset)
		}
		out = append(out, block...)
		lastKeys = append(lastKeys, entries[end-1].CDNHash)
		sum := md5.Sum(block)
		blockSums = append(blockSums, sum[:indexChecksumSize])
	}

	var toc []byte
	for _, k := range lastKeys {
		toc = append(toc, k[:]...)
	}
	for _, s := range blockSums {
		toc = append(toc, s...)
	}
	out = append(out, toc...)

	footer := make([]byte, indexFooterSize)
	tocSum := md5.Sum(toc)
	copy(footer[0:8], tocSum[:8])
	footer[8] = 1
	footer[11] = 4
	footer[12] = 4
	footer[13] = 4
	footer[14] = 16
	footer[15] = indexChecksumSize
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(entries)))
	check := make([]byte, 20)
	copy(check, footer[8:20])
	checkSum := md5.Sum(check)
	copy(footer[20:28], checkSum[:8])
	out = append(out, footer...)

	return out, ngdp.CDNHash(md5.Sum(footer))
}

// Config renders a config document from alternating keys and values.
func Config(kv ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Config\n\n")
	for n := 0; n+1 < len(kv); n += 2 {
		fmt.Fprintf(&buf, "%s = %s\n", kv[n], kv[n+1])
	}
	return buf.Bytes()
}

// ConfigKey returns the hash a config document is stored under.
func ConfigKey(doc []byte) ngdp.CDNHash {
	return ngdp.CDNHash(md5.Sum(doc))
}

// Hash derives a deterministic hash from a label, for fixtures that only need distinct keys.
func Hash(label string) ngdp.CDNHash {
	return ngdp.CDNHash(md5.Sum([]byte(label)))
}

// ContentHash derives a deterministic content hash from a label.
func ContentHash(label string) ngdp.ContentHash {
	return ngdp.ContentHash(md5.Sum([]byte(label)))
}
