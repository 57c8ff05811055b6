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

package client

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukegb/framexml/blte"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/archiveindex"
	"github.com/lukegb/framexml/ngdp/cache"
	"github.com/lukegb/framexml/ngdp/ngdptest"
	"github.com/lukegb/framexml/ngdp/root"
)

func testHTTPClient() *retryablehttp.Client {
	c := NewHTTPClient(3, 5*time.Second, nil)
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = 5 * time.Millisecond
	return c
}

func testLowLevelClient(patchServer string) *LowLevelClient {
	return &LowLevelClient{
		Client:      testHTTPClient(),
		PatchServer: patchServer,
		Cache:       cache.New(cache.NewMemoryStore()),
	}
}

func twoHosts(t *testing.T) (*ngdptest.Server, *ngdptest.Server, ngdp.CDNInfo) {
	a, b := ngdptest.NewServer(), ngdptest.NewServer()
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b, ngdp.CDNInfo{Name: ngdp.RegionUnitedStates, Path: "tpr/wow", Hosts: []string{a.Host(), b.Host()}}
}

func TestPatchURL(t *testing.T) {
	c := &LowLevelClient{}
	assert.Equal(t, "http://eu.patch.battle.net:1119/wow_classic/versions", c.patchURL(ngdp.ProductWoWClassic, ngdp.RegionEurope, suffixVersions))

	c = &LowLevelClient{PatchServer: "http://127.0.0.1:1234/"}
	assert.Equal(t, "http://127.0.0.1:1234/wow/cdns", c.patchURL(ngdp.ProductWoW, ngdp.RegionUnitedStates, suffixCDNs))
}

func TestCDNPath(t *testing.T) {
	h, err := ngdp.ParseCDNHash("feedbe11000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "/tpr/wow/data/fe/ed/feedbe11000000000000000000000000.index", ngdp.CDNPath("tpr/wow", ngdp.ContentTypeData, h, ".index"))
}

func TestFetchHostFallback(t *testing.T) {
	a, b, cdn := twoHosts(t)
	h := ngdptest.Hash("object")
	path := b.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", []byte("hooray!"))

	c := testLowLevelClient("")
	got, err := c.Fetch(context.Background(), cdn, ngdp.ContentTypeData, h, "")
	require.NoError(t, err)
	assert.Equal(t, "hooray!", string(got))

	// 404 is not retried on the same host.
	assert.Equal(t, 1, a.Count(path))
	assert.Equal(t, 1, b.Count(path))
}

func TestFetchNotFound(t *testing.T) {
	_, _, cdn := twoHosts(t)
	c := testLowLevelClient("")
	_, err := c.Fetch(context.Background(), cdn, ngdp.ContentTypeData, ngdptest.Hash("missing"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrNotFound), "got %v", err)
}

func TestFetchRetriesTransient(t *testing.T) {
	a, b, cdn := twoHosts(t)
	h := ngdptest.Hash("flaky")
	path := a.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", []byte("eventually"))
	a.FailTimes(path, 2)

	c := testLowLevelClient("")
	got, err := c.Fetch(context.Background(), cdn, ngdp.ContentTypeData, h, "")
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(got))
	assert.Equal(t, 3, a.Count(path))
	assert.Equal(t, 0, b.Count(path))
}

func TestFetchTransientFallsBack(t *testing.T) {
	a, b, cdn := twoHosts(t)
	h := ngdptest.Hash("broken")
	path := a.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", []byte("a"))
	b.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", []byte("b"))
	a.SetStatus(path, http.StatusInternalServerError)

	c := testLowLevelClient("")
	got, err := c.Fetch(context.Background(), cdn, ngdp.ContentTypeData, h, "")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
	assert.Equal(t, 4, a.Count(path), "one attempt plus three retries")

	b.SetStatus(path, http.StatusBadGateway)
	_, err = c.Fetch(context.Background(), cdn, ngdp.ContentTypeData, h, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrTransient), "got %v", err)
}

func TestFetchRange(t *testing.T) {
	a, _, cdn := twoHosts(t)
	h := ngdptest.Hash("archive")
	data := make([]byte, 256)
	for n := range data {
		data[n] = byte(n)
	}
	path := a.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", data)

	c := testLowLevelClient("")
	got, err := c.FetchRange(context.Background(), cdn, ngdp.ContentTypeData, h, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, data[100:150], got)

	reqs := a.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ngdptest.Request{Path: path, Range: "bytes=100-149"}, reqs[0])
}

func TestFetchRangeShortRead(t *testing.T) {
	a, b, cdn := twoHosts(t)
	h := ngdptest.Hash("archive")
	data := []byte(strings.Repeat("0123456789", 10))
	path := a.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", data)
	b.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", data)

	c := testLowLevelClient("")

	a.ShortTimes(path, 1)
	got, err := c.FetchRange(context.Background(), cdn, ngdp.ContentTypeData, h, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, data[10:30], got)
	assert.Equal(t, 2, a.Count(path))

	// A host that keeps returning short bodies is given up on.
	a.ResetRequests()
	a.ShortTimes(path, 100)
	got, err = c.FetchRange(context.Background(), cdn, ngdp.ContentTypeData, h, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, data[10:30], got)
	assert.Equal(t, 4, a.Count(path))
	assert.Equal(t, 1, b.Count(path))

	b.ShortTimes(path, 100)
	_, err = c.FetchRange(context.Background(), cdn, ngdp.ContentTypeData, h, 10, 20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrTransient), "got %v", err)
}

func TestFetchRangeOutOfBounds(t *testing.T) {
	a, _, cdn := twoHosts(t)
	h := ngdptest.Hash("archive")
	a.PutCDN(cdn.Path, ngdp.ContentTypeData, h, "", make([]byte, 100))

	c := testLowLevelClient("")
	for _, rng := range [][2]uint64{{90, 20}, {200, 10}} {
		_, err := c.FetchRange(context.Background(), cdn, ngdp.ContentTypeData, h, rng[0], rng[1])
		require.Error(t, err)
		assert.True(t, errors.Is(err, ngdp.ErrIntegrity), "range %v: got %v", rng, err)
	}
}

func TestInfo(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, nil, nil)
	defer w.Close()
	c := testLowLevelClient(w.PatchURL())

	cdn, version, err := c.Info(context.Background(), w.Product, ngdp.RegionUnitedStates)
	require.NoError(t, err)
	assert.Equal(t, w.CDNInfo().Hosts, cdn.Hosts)
	assert.Equal(t, "tpr/wow", cdn.Path)
	assert.Equal(t, w.VersionInfo, version)

	versions, err := c.Versions(context.Background(), w.Product, ngdp.RegionUnitedStates)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	_, _, err = c.Info(context.Background(), w.Product, ngdp.RegionKorea)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrUnknownRegion), "got %v", err)
}

func TestUnknownProductAbortsBeforeConfigs(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, map[uint32][]byte{42: []byte("x")}, nil)
	defer w.Close()
	c := testLowLevelClient(w.PatchURL())

	_, err := New(context.Background(), c, "wow_nonexistent", ngdp.RegionUnitedStates)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrUnknownProduct), "got %v", err)

	var se *ngdp.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ngdp.StageVersion, se.Stage)

	for _, r := range w.Server.Requests() {
		assert.True(t, strings.HasPrefix(r.Path, "/wow_nonexistent/"), "unexpected request for %s", r.Path)
	}
}

func TestConfigs(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, nil, nil)
	defer w.Close()
	c := testLowLevelClient(w.PatchURL())

	cdnConfig, buildConfig, err := c.Configs(context.Background(), w.CDNInfo(), w.VersionInfo)
	require.NoError(t, err)
	assert.Equal(t, []ngdp.CDNHash{w.Archive, w.Filler}, cdnConfig.Archives)
	assert.Len(t, cdnConfig.ArchivesIndexSize, 2)
	assert.Equal(t, w.EncodingKey, buildConfig.Encoding.CDNHash)
	assert.Equal(t, "WOW-42000patch1.14.4_Retail", buildConfig.BuildName)
	assert.Equal(t, []string{"WoW"}, buildConfig.Raw["build-product"])

	vals, err := c.Config(context.Background(), w.CDNInfo(), w.BuildConfigKey)
	require.NoError(t, err)
	assert.Equal(t, string(w.Product), vals.Get("build-uid"))
}

func TestConfigsIgnoreBadOptionalValues(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, nil, nil)
	defer w.Close()
	c := testLowLevelClient(w.PatchURL())

	buildConfig := append(append([]byte(nil), w.BuildConfig...), "encoding-size = 12345\n"...)
	cdnConfig := append(append([]byte(nil), w.CDNConfig...), "archive-group = not-hex\n"...)
	ver := w.VersionInfo
	ver.BuildConfig = ngdptest.ConfigKey(buildConfig)
	ver.CDNConfig = ngdptest.ConfigKey(cdnConfig)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeConfig, ver.BuildConfig, "", buildConfig)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeConfig, ver.CDNConfig, "", cdnConfig)

	gotCDN, gotBuild, err := c.Configs(context.Background(), w.CDNInfo(), ver)
	require.NoError(t, err)
	assert.Equal(t, []ngdp.CDNHash{w.Archive, w.Filler}, gotCDN.Archives)
	assert.True(t, gotCDN.ArchiveGroup.IsZero())
	assert.Equal(t, w.EncodingKey, gotBuild.Encoding.CDNHash)
	assert.Equal(t, ngdp.BuildConfigEncodingSize{}, gotBuild.EncodingSize)
}

func TestConfigIntegrity(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, nil, nil)
	defer w.Close()
	corrupt := append([]byte(nil), w.BuildConfig...)
	corrupt[len(corrupt)-2] ^= 1
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeConfig, w.BuildConfigKey, "", corrupt)

	store := cache.NewMemoryStore()
	c := testLowLevelClient(w.PatchURL())
	c.Cache = cache.New(store)

	_, _, err := c.Configs(context.Background(), w.CDNInfo(), w.VersionInfo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ngdp.ErrIntegrity), "got %v", err)
	var se *ngdp.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ngdp.StageBuildConfig, se.Stage)
	assert.Equal(t, w.BuildConfigKey.String(), se.Hash)

	_, err = store.Get(cache.Key{Type: ngdp.ContentTypeConfig, Hash: w.BuildConfigKey})
	assert.Equal(t, cache.ErrMiss, err)
}

func TestArchiveIndexSizeMismatch(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, nil, nil)
	defer w.Close()
	c := testLowLevelClient(w.PatchURL())

	cdnConfig, _, err := c.Configs(context.Background(), w.CDNInfo(), w.VersionInfo)
	require.NoError(t, err)
	cdnConfig.ArchivesIndexSize[1]++

	_, err = c.ArchiveIndexes(context.Background(), w.CDNInfo(), cdnConfig)
	require.Error(t, err)
	var se *ngdp.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ngdp.StageArchiveIndex, se.Stage)
	assert.Equal(t, w.Filler.String(), se.Hash)
}

func TestEndToEnd(t *testing.T) {
	payload := []byte(strings.Repeat("FrameXML", 5) + "!")
	require.Len(t, payload, 41)
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, map[uint32][]byte{42: payload}, nil)
	defer w.Close()

	c := testLowLevelClient(w.PatchURL())
	cl, err := New(context.Background(), c, w.Product, ngdp.RegionUnitedStates)
	require.NoError(t, err)
	assert.Equal(t, 2, cl.Tables.Archives.Archives())

	loc, err := cl.Resolve(42)
	require.NoError(t, err)
	want := w.Files[42]
	assert.Equal(t, want.ContentHash, loc.ContentHash)
	assert.Equal(t, want.CDNHash, loc.CDNHash)
	assert.Equal(t, archiveindex.Entry{Archive: w.Archive, Offset: 100, Size: 50}, loc.Archive)

	w.Server.ResetRequests()
	span, err := cl.FetchSpan(context.Background(), loc)
	require.NoError(t, err)
	assert.Len(t, span, 50)
	assert.Equal(t, want.Blob, span)

	reqs := w.Server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ngdptest.Request{Path: w.ArchivePath(), Range: "bytes=100-149"}, reqs[0])

	// The second fetch comes from the cache.
	again, err := cl.FetchSpan(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, span, again)
	assert.Len(t, w.Server.Requests(), 1)

	decoded, err := blte.Decode(span)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	file, err := cl.FetchFile(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, payload, file)
}

func TestResolveMisses(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra,
		map[uint32][]byte{1: []byte("archived")},
		map[uint32][]byte{2: []byte("loose")})
	defer w.Close()

	cl, err := New(context.Background(), testLowLevelClient(w.PatchURL()), w.Product, ngdp.RegionUnitedStates)
	require.NoError(t, err)

	_, err = cl.Resolve(999)
	assert.Equal(t, root.ErrUnknownFileDataID, errors.Cause(err))

	_, err = cl.Resolve(2)
	assert.Equal(t, archiveindex.ErrNotInArchive, errors.Cause(err))

	cl.Loose = true
	loc, err := cl.Resolve(2)
	require.NoError(t, err)
	assert.True(t, loc.Loose)
	got, err := cl.FetchFile(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "loose", string(got))
}

func TestNoCache(t *testing.T) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, map[uint32][]byte{7: []byte("uncached")}, nil)
	defer w.Close()

	c := testLowLevelClient(w.PatchURL())
	c.Cache = nil
	cl, err := New(context.Background(), c, w.Product, ngdp.RegionUnitedStates)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := cl.FetchFile(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "uncached", string(got))
	}
	assert.Equal(t, 2, w.Server.Count(w.ArchivePath()))
}
