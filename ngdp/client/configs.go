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
	"bytes"
	"context"
	"crypto/md5"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lukegb/framexml/blte"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/cache"
	"github.com/lukegb/framexml/ngdp/keyvalue"
)

func verifyMD5(h ngdp.CDNHash) cache.VerifyFunc {
	return func(b []byte) error {
		if got := ngdp.CDNHash(md5.Sum(b)); got != h {
			return errors.Errorf("content hashes to %v; wanted %v", got, h)
		}
		return nil
	}
}

func verifyBLTE(h ngdp.CDNHash) cache.VerifyFunc {
	return func(b []byte) error {
		return blte.Verify(b, h)
	}
}

// fetchCached fetches a whole CDN object through the cache.
func (c *LowLevelClient) fetchCached(ctx context.Context, cdnInfo ngdp.CDNInfo, contentType ngdp.ContentType, h ngdp.CDNHash, suffix string, verify cache.VerifyFunc) ([]byte, error) {
	fetch := func(ctx context.Context) ([]byte, error) {
		return c.Fetch(ctx, cdnInfo, contentType, h, suffix)
	}
	if c.Cache == nil {
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if verify != nil {
			if verr := verify(b); verr != nil {
				return nil, errors.Wrapf(ngdp.ErrIntegrity, "%s/%v%s: %v", contentType, h, suffix, verr)
			}
		}
		return b, nil
	}
	return c.Cache.GetOrFetch(ctx, cache.Key{Type: contentType, Hash: h, Suffix: suffix}, fetch, verify)
}

// Config fetches a config document by hash and returns every key in it.
func (c *LowLevelClient) Config(ctx context.Context, cdnInfo ngdp.CDNInfo, h ngdp.CDNHash) (keyvalue.Values, error) {
	b, err := c.fetchCached(ctx, cdnInfo, ngdp.ContentTypeConfig, h, "", verifyMD5(h))
	if err != nil {
		return nil, err
	}
	return keyvalue.Parse(bytes.NewReader(b))
}

func (c *LowLevelClient) decodeConfig(ctx context.Context, cdnInfo ngdp.CDNInfo, stage ngdp.Stage, h ngdp.CDNHash, v interface{}) error {
	b, err := c.fetchCached(ctx, cdnInfo, ngdp.ContentTypeConfig, h, "", verifyMD5(h))
	if err == nil {
		err = keyvalue.Decode(bytes.NewReader(b), v)
	}
	if err != nil {
		return &ngdp.StageError{Stage: stage, Hash: h.String(), Err: err}
	}
	return nil
}

// Configs fetches and decodes the CDN and build configs named by version.
func (c *LowLevelClient) Configs(ctx context.Context, cdnInfo ngdp.CDNInfo, version ngdp.VersionInfo) (ngdp.CDNConfig, ngdp.BuildConfig, error) {
	var cdnConfig ngdp.CDNConfig
	var buildConfig ngdp.BuildConfig

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.decodeConfig(gctx, cdnInfo, ngdp.StageCDNConfig, version.CDNConfig, &cdnConfig)
	})
	g.Go(func() error {
		return c.decodeConfig(gctx, cdnInfo, ngdp.StageBuildConfig, version.BuildConfig, &buildConfig)
	})
	if err := g.Wait(); err != nil {
		return ngdp.CDNConfig{}, ngdp.BuildConfig{}, err
	}
	return cdnConfig, buildConfig, nil
}
