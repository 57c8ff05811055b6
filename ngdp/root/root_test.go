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

package root

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/ngdptest"
)

var (
	ckeyEnUS     = ngdptest.ContentHash("42-enUS")
	ckeyLowViol  = ngdptest.ContentHash("42-lowviolence")
	ckeyDeDE     = ngdptest.ContentHash("42-deDE")
	ckeyAll      = ngdptest.ContentHash("43-all")
	ckeyBundle   = ngdptest.ContentHash("44-bundle")
	ckeyNameless = ngdptest.ContentHash("45-nameless")
)

func fixtureBlocks() []ngdptest.RootBlock {
	return []ngdptest.RootBlock{
		{
			Locale:       ngdp.LocaleEnUS | ngdp.LocaleEnGB,
			ContentFlags: ngdp.ContentFlagLowViolence,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 42, ContentHash: ckeyLowViol, NameHash: 0x1111},
			},
		},
		{
			Locale:       ngdp.LocaleEnUS,
			ContentFlags: ngdp.ContentFlagLoadOnWindows,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 42, ContentHash: ckeyEnUS, NameHash: 0x2222},
				{FileDataID: 1000, ContentHash: ngdptest.ContentHash("1000"), NameHash: 0x3333},
			},
		},
		{
			Locale:       ngdp.LocaleDeDE,
			ContentFlags: ngdp.ContentFlagLoadOnWindows,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 42, ContentHash: ckeyDeDE},
			},
		},
		{
			Locale:       ngdp.LocaleAll,
			ContentFlags: ngdp.ContentFlagLoadOnWindows | ngdp.ContentFlagLoadOnMacOS,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 43, ContentHash: ckeyAll},
			},
		},
		{
			Locale:       ngdp.LocaleAll,
			ContentFlags: ngdp.ContentFlagBundle | ngdp.ContentFlagLoadOnWindows,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 44, ContentHash: ckeyBundle},
			},
		},
		{
			Locale:       ngdp.LocaleAll,
			ContentFlags: ngdp.ContentFlagBundle,
			Entries: []ngdptest.RootEntry{
				{FileDataID: 44, ContentHash: ngdptest.ContentHash("44-bundle-2")},
			},
		},
	}
}

func TestParseFormats(t *testing.T) {
	for _, format := range []ngdptest.RootFormat{ngdptest.RootLegacy, ngdptest.RootMFST, ngdptest.RootMFSTv2} {
		blocks := fixtureBlocks()
		if format != ngdptest.RootLegacy {
			// Only TSFM files can omit name hashes.
			blocks = append(blocks, ngdptest.RootBlock{
				Locale:       ngdp.LocaleAll,
				ContentFlags: ngdp.ContentFlagNoNameHash,
				Entries: []ngdptest.RootEntry{
					{FileDataID: 45, ContentHash: ckeyNameless},
					{FileDataID: 46, ContentHash: ngdptest.ContentHash("46")},
				},
			})
		}
		data := ngdptest.Root(format, blocks...)

		tbl, err := Parse(data)
		require.NoError(t, err, "format %d", format)
		assert.Equal(t, len(blocks), tbl.blocks)

		got, err := tbl.Lookup(42, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
		require.NoError(t, err)
		assert.Equal(t, ckeyEnUS, got, "format %d", format)

		got, err = tbl.Lookup(1000, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
		require.NoError(t, err)
		assert.Equal(t, ngdptest.ContentHash("1000"), got)

		entries := tbl.Entries(42)
		require.Len(t, entries, 3)
		assert.Equal(t, uint64(0x1111), entries[0].NameHash)
		assert.Equal(t, ngdp.ContentFlagLowViolence, entries[0].ContentFlags)
		assert.Equal(t, 1, entries[1].Block)

		if format != ngdptest.RootLegacy {
			got, err = tbl.Lookup(45, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
			require.NoError(t, err)
			assert.Equal(t, ckeyNameless, got)
			assert.Equal(t, uint64(0), tbl.Entries(46)[0].NameHash)
		}
	}
}

func TestFormatDetection(t *testing.T) {
	for format, want := range map[ngdptest.RootFormat]Format{
		ngdptest.RootLegacy: FormatLegacy,
		ngdptest.RootMFST:   FormatMFST,
		ngdptest.RootMFSTv2: FormatMFSTv2,
	} {
		tbl, err := Parse(ngdptest.Root(format, fixtureBlocks()...))
		require.NoError(t, err)
		assert.Equal(t, want, tbl.Format())
	}
}

func TestLookupSelection(t *testing.T) {
	tbl, err := Parse(ngdptest.Root(ngdptest.RootMFST, fixtureBlocks()...))
	require.NoError(t, err)

	for _, test := range []struct {
		name    string
		fdid    uint32
		locale  ngdp.Locale
		exclude ngdp.ContentFlags
		want    ngdp.ContentHash
		wantErr error
	}{
		{"first matching block wins without exclusions", 42, ngdp.LocaleEnUS, 0, ckeyLowViol, nil},
		{"excluded variant is skipped", 42, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags, ckeyEnUS, nil},
		{"other locale", 42, ngdp.LocaleDeDE, ngdp.DefaultExcludeFlags, ckeyDeDE, nil},
		{"fallback to lowest flagged", 42, ngdp.LocaleEnGB, ngdp.DefaultExcludeFlags, ckeyLowViol, nil},
		{"all locales", 43, ngdp.LocaleKoKR, ngdp.DefaultExcludeFlags, ckeyAll, nil},
		{"fallback prefers fewest flags", 44, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags, ngdptest.ContentHash("44-bundle-2"), nil},
		{"no locale match", 42, ngdp.LocaleRuRU, ngdp.DefaultExcludeFlags, ngdp.ContentHash{}, ErrUnknownFileDataID},
		{"absent", 9999, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags, ngdp.ContentHash{}, ErrUnknownFileDataID},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := tbl.Lookup(test.fdid, test.locale, test.exclude)
			assert.Equal(t, test.wantErr, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestLookupDeterministic(t *testing.T) {
	tbl, err := Parse(ngdptest.Root(ngdptest.RootLegacy, fixtureBlocks()...))
	require.NoError(t, err)

	first, err := tbl.Lookup(42, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := tbl.Lookup(42, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
		require.NoError(t, err)
		require.Equal(t, first, got)
	}

	again, err := Parse(ngdptest.Root(ngdptest.RootLegacy, fixtureBlocks()...))
	require.NoError(t, err)
	got, err := again.Lookup(42, ngdp.LocaleEnUS, ngdp.DefaultExcludeFlags)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestDeltaDecoding(t *testing.T) {
	entries := []ngdptest.RootEntry{
		{FileDataID: 0, ContentHash: ngdptest.ContentHash("0")},
		{FileDataID: 1, ContentHash: ngdptest.ContentHash("1")},
		{FileDataID: 500, ContentHash: ngdptest.ContentHash("500")},
		{FileDataID: 4000000, ContentHash: ngdptest.ContentHash("4000000")},
	}
	tbl, err := NewTable(bytes.NewReader(ngdptest.Root(ngdptest.RootLegacy, ngdptest.RootBlock{Locale: ngdp.LocaleAll, Entries: entries})))
	require.NoError(t, err)
	assert.Equal(t, len(entries), tbl.Len())
	for _, e := range entries {
		got, err := tbl.Lookup(e.FileDataID, ngdp.LocaleEnUS, 0)
		require.NoError(t, err)
		assert.Equal(t, e.ContentHash, got, "FileDataID %d", e.FileDataID)
	}
}

func TestTruncated(t *testing.T) {
	data := ngdptest.Root(ngdptest.RootMFST, fixtureBlocks()...)
	for _, cut := range []int{6, 20, len(data) - 1} {
		_, err := Parse(data[:cut])
		var pe *ngdp.ParseError
		require.True(t, errors.As(err, &pe), "cut at %d: error %v is not a ParseError", cut, err)
		assert.Equal(t, ngdp.Truncated, pe.Kind, "cut at %d", cut)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	data := []byte("TSFM\x18\x00\x00\x00\x07\x00\x00\x00")
	_, err := Parse(data)
	var pe *ngdp.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ngdp.Malformed, pe.Kind)
}
