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

package archiveindex

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/ngdptest"
)

func fixture(prefix string, n int) []ngdptest.IndexEntry {
	entries := make([]ngdptest.IndexEntry, n)
	for i := range entries {
		entries[i] = ngdptest.IndexEntry{
			CDNHash: ngdptest.Hash(fmt.Sprintf("%s-%d", prefix, i)),
			Size:    uint32(100 + i),
			Offset:  uint32(i * 1000),
		}
	}
	return entries
}

func TestParse(t *testing.T) {
	// Enough records to need several blocks.
	entries := fixture("a", 400)
	data, name := ngdptest.ArchiveIndex(entries)

	idx, err := Parse(name, data)
	require.NoError(t, err)
	assert.Equal(t, 400, idx.Len())
	assert.Equal(t, name, idx.Archive)

	for _, e := range entries {
		got, ok := idx.Lookup(e.CDNHash)
		require.True(t, ok, "missing %v", e.CDNHash)
		assert.Equal(t, Entry{Archive: name, Offset: e.Offset, Size: e.Size}, got)
	}
	_, ok := idx.Lookup(ngdptest.Hash("absent"))
	assert.False(t, ok)
}

func TestParseEmpty(t *testing.T) {
	data, name := ngdptest.ArchiveIndex(nil)
	idx, err := Parse(name, data)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestParseChecksums(t *testing.T) {
	data, name := ngdptest.ArchiveIndex(fixture("a", 200))

	for _, test := range []struct {
		name   string
		mutate func([]byte)
		index  int
	}{
		{"record in second block", func(b []byte) { b[blockSize+5] ^= 1 }, 1},
		{"table of contents", func(b []byte) { b[len(b)-footerSize-1] ^= 1 }, -1},
	} {
		t.Run(test.name, func(t *testing.T) {
			corrupt := append([]byte(nil), data...)
			test.mutate(corrupt)
			_, err := Parse(name, corrupt)
			var pe *ngdp.ParseError
			require.True(t, errors.As(err, &pe), "error %v is not a ParseError", err)
			assert.Equal(t, ngdp.ChecksumMismatch, pe.Kind)
			assert.Equal(t, test.index, pe.Index)
			assert.True(t, errors.Is(err, ngdp.ErrIntegrity))
		})
	}

	_, err := Parse(ngdptest.Hash("some other archive"), data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrIntegrity), "wrong archive name should be an integrity error, got %v", err)
}

func TestParseMalformed(t *testing.T) {
	data, name := ngdptest.ArchiveIndex(fixture("a", 10))
	for _, test := range []struct {
		name string
		data []byte
		kind ngdp.ParseErrorKind
	}{
		{"short", data[:10], ngdp.Truncated},
		{"misaligned", append([]byte{0}, data...), ngdp.Malformed},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(name, test.data)
			var pe *ngdp.ParseError
			require.True(t, errors.As(err, &pe), "error %v is not a ParseError", err)
			assert.Equal(t, test.kind, pe.Kind)
		})
	}
}

func TestSetFirstLoadedWins(t *testing.T) {
	shared := ngdptest.Hash("shared")
	first, firstName := ngdptest.ArchiveIndex(append(fixture("a", 3), ngdptest.IndexEntry{CDNHash: shared, Offset: 100, Size: 50}))
	second, secondName := ngdptest.ArchiveIndex(append(fixture("b", 3), ngdptest.IndexEntry{CDNHash: shared, Offset: 9000, Size: 50}))

	a, err := Parse(firstName, first)
	require.NoError(t, err)
	b, err := Parse(secondName, second)
	require.NoError(t, err)

	s := NewSet(a, b)
	got, err := s.Lookup(shared)
	require.NoError(t, err)
	assert.Equal(t, Entry{Archive: firstName, Offset: 100, Size: 50}, got)
	assert.Equal(t, 7, s.Len())
	assert.Equal(t, 1, s.Duplicates())
	assert.Equal(t, 2, s.Archives())

	// Reversing the load order reverses the winner.
	got, err = NewSet(b, a).Lookup(shared)
	require.NoError(t, err)
	assert.Equal(t, Entry{Archive: secondName, Offset: 9000, Size: 50}, got)

	_, err = s.Lookup(ngdptest.Hash("absent"))
	assert.Equal(t, ErrNotInArchive, err)
}

func TestEntryEnd(t *testing.T) {
	e := Entry{Offset: 0xfffffff0, Size: 0x20}
	assert.Equal(t, uint64(0x100000010), e.End())
}
