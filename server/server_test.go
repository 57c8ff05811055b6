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

package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/cache"
	"github.com/lukegb/framexml/ngdp/client"
	"github.com/lukegb/framexml/ngdp/ngdptest"
)

func newTestServer(t *testing.T) (*ngdptest.World, *Datastore, *httptest.Server) {
	w := ngdptest.NewWorld(ngdp.ProductWoWClassicEra, map[uint32][]byte{
		42: []byte("<Ui><Frame name=\"UIParent\"/></Ui>"),
	}, nil)
	t.Cleanup(w.Close)

	hc := client.NewHTTPClient(1, 5*time.Second, nil)
	hc.RetryWaitMin = time.Millisecond
	hc.RetryWaitMax = 5 * time.Millisecond
	llc := &client.LowLevelClient{
		Client:      hc,
		PatchServer: w.PatchURL(),
		Cache:       cache.New(cache.NewMemoryStore()),
	}

	ds := NewDatastore(llc, ngdp.RegionUnitedStates)
	ds.Track(ngdp.ProductWoWClassicEra)
	ds.Track(ngdp.ProductWoWClassicEra)
	ds.Track(ngdp.ProductWoWClassicEraPTR)

	srv := httptest.NewServer(New(ds))
	t.Cleanup(srv.Close)
	return w, ds, srv
}

func get(t *testing.T, url string, hdr http.Header) (*http.Response, []byte) {
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestUpdate(t *testing.T) {
	w, ds, _ := newTestServer(t)

	assert.Equal(t, []ngdp.ProductTag{ngdp.ProductWoWClassicEra, ngdp.ProductWoWClassicEraPTR}, ds.Tracking())

	// The PTR product is not published, so its update fails while the other succeeds.
	err := ds.Update(context.Background())
	assert.ErrorIs(t, err, ngdp.ErrUnknownProduct)

	c, err := ds.Client(ngdp.ProductWoWClassicEra)
	require.NoError(t, err)
	assert.Equal(t, w.VersionInfo, c.VersionInfo)

	_, err = ds.Client(ngdp.ProductWoWClassicEraPTR)
	assert.Error(t, err)

	// A second update reuses the loaded tables.
	w.Server.ResetRequests()
	ds.Update(context.Background())
	c2, err := ds.Client(ngdp.ProductWoWClassicEra)
	require.NoError(t, err)
	assert.Same(t, c.Tables, c2.Tables)
	for _, r := range w.Server.Requests() {
		assert.NotContains(t, r.Path, "/data/", "unexpected table fetch %v", r.Path)
	}
}

func TestHandlers(t *testing.T) {
	w, ds, srv := newTestServer(t)
	ds.Update(context.Background())

	resp, body := get(t, srv.URL+"/products", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var products map[string]Product
	require.NoError(t, json.Unmarshal(body, &products))
	require.Len(t, products, 1)
	p := products[string(ngdp.ProductWoWClassicEra)]
	assert.Equal(t, 42000, p.VersionInfo.BuildID)
	assert.Equal(t, w.BuildConfigKey.String(), p.VersionInfo.BuildConfig)
	assert.Equal(t, 1, p.Files)

	resp, _ = get(t, srv.URL+"/products/wow_classic_era", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.14.4.42000", resp.Header.Get("FrameXML-Version-Name"))

	resp, _ = get(t, srv.URL+"/products/wow_classic_era_ptr", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, srv.URL+"/products/wow_classic_era/files/42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<Ui><Frame name=\"UIParent\"/></Ui>", string(body))
	assert.Equal(t, w.Files[42].ContentHash.String(), resp.Header.Get("FrameXML-File-Content-Hash"))
	assert.Equal(t, w.Archive.String(), resp.Header.Get("FrameXML-Archive-CDN-Hash"))
	etag := resp.Header.Get("ETag")
	assert.NotEmpty(t, etag)

	resp, _ = get(t, srv.URL+"/products/wow_classic_era/files/42", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/products/wow_classic_era/files/43", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/products/wow_classic_era/files/99999999999", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
