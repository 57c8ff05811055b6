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

// Package blte decodes BLTE, the chunked container every file on the CDN is wrapped in.
package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/zlib"
)

var (
	ErrBadMagic  = fmt.Errorf("blte: header had bad magic")
	ErrTruncated = fmt.Errorf("blte: truncated data")
)

const (
	magic          = "BLTE"
	preambleSize   = 8
	chunkTableFlag = 0x0f
	chunkInfoSize  = 24

	modeNone = 'N'
	modeZlib = 'Z'
)

type chunkInfo struct {
	compressedSize   uint32
	decompressedSize uint32
	checksum         [md5.Size]byte
}

// A header describes the layout of a BLTE blob.
//
// If chunks is nil, the blob is a single headerless chunk running to the end of the data.
type header struct {
	size   uint32
	chunks []chunkInfo
}

func readHeader(data []byte) (*header, error) {
	if len(data) < preambleSize {
		return nil, ErrTruncated
	}
	if string(data[0:4]) != magic {
		return nil, ErrBadMagic
	}
	hdrLen := binary.BigEndian.Uint32(data[4:8])
	if hdrLen == 0 {
		// no chunk info, just data!
		return &header{}, nil
	}

	if len(data) < preambleSize+4 || uint64(len(data)) < uint64(hdrLen) {
		return nil, ErrTruncated
	}
	if data[8] != chunkTableFlag {
		return nil, fmt.Errorf("blte: unexpected chunk table flags %#x", data[8])
	}
	// wowdev.wiki says this is a uint24
	chunkCount := uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11])
	if want := preambleSize + 4 + chunkCount*chunkInfoSize; hdrLen != want {
		return nil, fmt.Errorf("blte: header length is %d; want %d for %d chunks", hdrLen, want, chunkCount)
	}

	chunks := make([]chunkInfo, chunkCount)
	p := data[preambleSize+4 : hdrLen]
	for n := range chunks {
		chunks[n] = chunkInfo{
			compressedSize:   binary.BigEndian.Uint32(p[0:4]),
			decompressedSize: binary.BigEndian.Uint32(p[4:8]),
		}
		copy(chunks[n].checksum[:], p[8:24])
		p = p[chunkInfoSize:]
	}
	return &header{size: hdrLen, chunks: chunks}, nil
}

// EncodingKey computes the key the CDN stores a BLTE blob under.
//
// For chunked blobs it is the md5 of the header; for headerless blobs it is the md5 of the whole blob.
func EncodingKey(data []byte) ([md5.Size]byte, error) {
	h, err := readHeader(data)
	if err != nil {
		return [md5.Size]byte{}, err
	}
	if h.chunks == nil {
		return md5.Sum(data), nil
	}
	return md5.Sum(data[:h.size]), nil
}

// Verify checks that data is a well-formed BLTE blob stored under key, including every chunk checksum.
func Verify(data []byte, key [md5.Size]byte) error {
	h, err := readHeader(data)
	if err != nil {
		return err
	}
	if h.chunks == nil {
		if got := md5.Sum(data); got != key {
			return fmt.Errorf("blte: encoding key mismatch: calculated %x, wanted %x", got, key)
		}
		return nil
	}
	if got := md5.Sum(data[:h.size]); got != key {
		return fmt.Errorf("blte: encoding key mismatch: calculated %x, wanted %x", got, key)
	}
	return eachChunk(data, h, func(int, []byte) error { return nil })
}

func eachChunk(data []byte, h *header, f func(n int, chunk []byte) error) error {
	p := data[h.size:]
	for n, ci := range h.chunks {
		if uint64(len(p)) < uint64(ci.compressedSize) {
			return ErrTruncated
		}
		chunk := p[:ci.compressedSize]
		if sum := md5.Sum(chunk); sum != ci.checksum {
			return fmt.Errorf("blte: checksum mismatch in chunk %d: calculated %x, header said %x", n, sum, ci.checksum)
		}
		if err := f(n, chunk); err != nil {
			return err
		}
		p = p[ci.compressedSize:]
	}
	if len(p) != 0 {
		return fmt.Errorf("blte: %d bytes of trailing data", len(p))
	}
	return nil
}

func decodeChunk(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, ErrTruncated
	}
	switch chunk[0] {
	case modeNone:
		return chunk[1:], nil
	case modeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(chunk[1:]))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return ioutil.ReadAll(zr)
	default:
		return nil, fmt.Errorf("blte: unsupported compression method %q", chunk[0])
	}
}

// Decode returns the decoded contents of a BLTE blob, checking each chunk's checksum and size.
func Decode(data []byte) ([]byte, error) {
	h, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if h.chunks == nil {
		out, err := decodeChunk(data[preambleSize:])
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), out...), nil
	}

	var total uint64
	for _, ci := range h.chunks {
		total += uint64(ci.decompressedSize)
	}
	out := make([]byte, 0, total)
	err = eachChunk(data, h, func(n int, chunk []byte) error {
		dec, err := decodeChunk(chunk)
		if err != nil {
			return fmt.Errorf("blte: chunk %d: %v", n, err)
		}
		if uint32(len(dec)) != h.chunks[n].decompressedSize {
			return fmt.Errorf("blte: chunk %d decoded to %d bytes; header said %d", n, len(dec), h.chunks[n].decompressedSize)
		}
		out = append(out, dec...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewReader decodes a BLTE stream.
//
// The whole stream is buffered, since chunk checksums have to be checked before any data can be trusted.
func NewReader(r io.Reader) (io.Reader, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}
