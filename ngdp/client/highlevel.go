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
	"fmt"
	"net/http"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/lukegb/framexml/blte"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/archiveindex"
	"github.com/lukegb/framexml/ngdp/cache"
)

type errBadStatus struct {
	statusCode int
	status     string

	wantedStatusCode int
}

func (e errBadStatus) Error() string {
	return fmt.Sprintf("client: server status was \"%s\"; wanted \"%d %s\"", e.status, e.wantedStatusCode, http.StatusText(e.wantedStatusCode))
}

// A Client holds everything needed to fetch files from one build of a product.
//
// All of its fields are read-only once New returns, so a Client may be shared by any number of goroutines.
type Client struct {
	LowLevelClient *LowLevelClient

	Product     ngdp.ProductTag
	CDNInfo     ngdp.CDNInfo
	VersionInfo ngdp.VersionInfo

	BuildConfig ngdp.BuildConfig
	CDNConfig   ngdp.CDNConfig

	Tables *Tables

	// Locale and Exclude select between root entries for the same FileDataID.
	Locale  ngdp.Locale
	Exclude ngdp.ContentFlags

	// Loose allows files missing from every archive index to be fetched as standalone CDN objects.
	Loose bool
}

// New resolves the current build of product in region and loads its tables.
//
// Each stage must succeed before the next starts; a failure is returned as an *ngdp.StageError.
func New(ctx context.Context, llc *LowLevelClient, product ngdp.ProductTag, region ngdp.Region) (*Client, error) {
	glog.Infof("Initialising new NGDP Client for %s/%s", product, region)

	// Fetch CDN and Version info.
	cdn, version, err := llc.Info(ctx, product, region)
	if err != nil {
		return nil, err
	}

	// Fetch Build and CDN configs.
	cdnConfig, buildConfig, err := llc.Configs(ctx, cdn, version)
	if err != nil {
		return nil, err
	}

	// Build encoding, root and archive tables.
	tables, err := llc.Tables(ctx, cdn, cdnConfig, buildConfig)
	if err != nil {
		return nil, err
	}

	return &Client{
		LowLevelClient: llc,

		Product:     product,
		CDNInfo:     cdn,
		VersionInfo: version,

		BuildConfig: buildConfig,
		CDNConfig:   cdnConfig,

		Tables: tables,

		Locale:  ngdp.DefaultLocale,
		Exclude: ngdp.DefaultExcludeFlags,
	}, nil
}

// A Location says where the encoded bytes of a file live.
type Location struct {
	FileDataID  uint32
	ContentHash ngdp.ContentHash
	CDNHash     ngdp.CDNHash

	// Archive is the span holding the file. It is zero if Loose is set.
	Archive archiveindex.Entry

	// Loose files are stored on the CDN as objects of their own.
	Loose bool
}

// Resolve looks a FileDataID up in the root, encoding and archive index tables. It does no I/O.
func (c *Client) Resolve(fdid uint32) (Location, error) {
	loc := Location{FileDataID: fdid}
	var err error
	if loc.ContentHash, err = c.Tables.Root.Lookup(fdid, c.Locale, c.Exclude); err != nil {
		return loc, err
	}
	if loc.CDNHash, err = c.Tables.Encoding.ToCDNHash(loc.ContentHash); err != nil {
		return loc, errors.Wrapf(err, "content hash %v", loc.ContentHash)
	}
	loc.Archive, err = c.Tables.Archives.Lookup(loc.CDNHash)
	if err == archiveindex.ErrNotInArchive && c.Loose {
		loc.Loose = true
		return loc, nil
	} else if err != nil {
		return loc, errors.Wrapf(err, "CDN hash %v", loc.CDNHash)
	}
	return loc, nil
}

// FetchSpan retrieves the encoded bytes of a file, exactly as stored on the CDN.
//
// Spans are cached by CDN hash and verified against it, so a second fetch of the same file makes no requests.
func (c *Client) FetchSpan(ctx context.Context, loc Location) ([]byte, error) {
	llc := c.LowLevelClient
	verify := verifyBLTE(loc.CDNHash)
	if loc.Loose {
		return llc.fetchCached(ctx, c.CDNInfo, ngdp.ContentTypeData, loc.CDNHash, "", verify)
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		return llc.FetchRange(ctx, c.CDNInfo, ngdp.ContentTypeData, loc.Archive.Archive, uint64(loc.Archive.Offset), uint64(loc.Archive.Size))
	}
	if llc.Cache == nil {
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if verr := verify(b); verr != nil {
			return nil, errors.Wrapf(ngdp.ErrIntegrity, "span of %v: %v", loc.CDNHash, verr)
		}
		return b, nil
	}
	return llc.Cache.GetOrFetch(ctx, cache.Key{Type: ngdp.ContentTypeData, Hash: loc.CDNHash}, fetch, verify)
}

// FetchFile resolves and retrieves a file, returning its decoded contents.
func (c *Client) FetchFile(ctx context.Context, fdid uint32) ([]byte, error) {
	loc, err := c.Resolve(fdid)
	if err != nil {
		return nil, err
	}
	b, err := c.FetchSpan(ctx, loc)
	if err != nil {
		return nil, err
	}
	return blte.Decode(b)
}
