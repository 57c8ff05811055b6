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
	"crypto/md5"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lukegb/framexml/blte"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/archiveindex"
	"github.com/lukegb/framexml/ngdp/encoding"
	"github.com/lukegb/framexml/ngdp/root"
)

// Tables holds the lookup tables for one build. They are read-only once loaded.
type Tables struct {
	Encoding *encoding.Mapper
	Root     *root.Table
	Archives *archiveindex.Set
}

// fetchDecoded fetches a loose BLTE-encoded file and checks its decoded contents against contentHash.
func (c *LowLevelClient) fetchDecoded(ctx context.Context, cdnInfo ngdp.CDNInfo, cdnHash ngdp.CDNHash, contentHash ngdp.ContentHash) ([]byte, error) {
	b, err := c.fetchCached(ctx, cdnInfo, ngdp.ContentTypeData, cdnHash, "", verifyBLTE(cdnHash))
	if err != nil {
		return nil, err
	}
	decoded, err := blte.Decode(b)
	if err != nil {
		return nil, errors.Wrapf(ngdp.ErrIntegrity, "decoding %v: %v", cdnHash, err)
	}
	if got := ngdp.ContentHash(md5.Sum(decoded)); got != contentHash {
		return nil, errors.Wrapf(ngdp.ErrIntegrity, "%v decodes to content %v; wanted %v", cdnHash, got, contentHash)
	}
	glog.V(1).Infof("fetched %v: %s encoded, %s decoded", cdnHash, humanize.Bytes(uint64(len(b))), humanize.Bytes(uint64(len(decoded))))
	return decoded, nil
}

// Encoding fetches and parses the encoding table of a build.
func (c *LowLevelClient) Encoding(ctx context.Context, cdnInfo ngdp.CDNInfo, buildConfig ngdp.BuildConfig) (*encoding.Mapper, error) {
	enc := buildConfig.Encoding
	stageErr := func(err error) error {
		return &ngdp.StageError{Stage: ngdp.StageEncoding, Hash: enc.CDNHash.String(), Err: err}
	}
	if enc.CDNHash.IsZero() || enc.ContentHash.IsZero() {
		return nil, stageErr(errors.New("build config has no encoding key"))
	}

	b, err := c.fetchDecoded(ctx, cdnInfo, enc.CDNHash, enc.ContentHash)
	if err != nil {
		return nil, stageErr(err)
	}
	m, err := encoding.Parse(b)
	if err != nil {
		return nil, stageErr(err)
	}
	glog.Infof("loaded encoding table with %d entries", m.Len())
	return m, nil
}

// Root fetches and parses the root table of a build, using the encoding table to find it.
func (c *LowLevelClient) Root(ctx context.Context, cdnInfo ngdp.CDNInfo, buildConfig ngdp.BuildConfig, enc *encoding.Mapper) (*root.Table, error) {
	stageErr := func(err error) error {
		return &ngdp.StageError{Stage: ngdp.StageRoot, Hash: buildConfig.Root.String(), Err: err}
	}
	if buildConfig.Root.IsZero() {
		return nil, stageErr(errors.New("build config has no root key"))
	}

	cdnHash, err := enc.ToCDNHash(buildConfig.Root)
	if err != nil {
		return nil, stageErr(err)
	}
	b, err := c.fetchDecoded(ctx, cdnInfo, cdnHash, buildConfig.Root)
	if err != nil {
		return nil, stageErr(err)
	}
	t, err := root.Parse(b)
	if err != nil {
		return nil, stageErr(err)
	}
	glog.Infof("loaded %s root table with %d FileDataIDs", t.Format(), t.Len())
	return t, nil
}

// Tables loads the encoding, root and archive index tables of a build.
//
// The archive indexes are fetched alongside the encoding and root tables; any failure aborts the others.
func (c *LowLevelClient) Tables(ctx context.Context, cdnInfo ngdp.CDNInfo, cdnConfig ngdp.CDNConfig, buildConfig ngdp.BuildConfig) (*Tables, error) {
	var t Tables
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if t.Encoding, err = c.Encoding(gctx, cdnInfo, buildConfig); err != nil {
			return err
		}
		t.Root, err = c.Root(gctx, cdnInfo, buildConfig, t.Encoding)
		return err
	})
	g.Go(func() error {
		var err error
		t.Archives, err = c.ArchiveIndexes(gctx, cdnInfo, cdnConfig)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &t, nil
}
