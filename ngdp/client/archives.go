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

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/archiveindex"
)

const (
	archiveConcurrentIndexFetches = 20
	archiveIndexFooterSize        = 28
	archiveIndexSuffix            = ".index"
)

func verifyArchiveIndex(archiveHash ngdp.CDNHash, declaredSize uint64, haveSize bool) func([]byte) error {
	return func(b []byte) error {
		if haveSize && uint64(len(b)) != declaredSize {
			return errors.Errorf("index is %d bytes; CDN config says %d", len(b), declaredSize)
		}
		if len(b) < archiveIndexFooterSize {
			return errors.Errorf("index is only %d bytes", len(b))
		}
		if got := ngdp.CDNHash(md5.Sum(b[len(b)-archiveIndexFooterSize:])); got != archiveHash {
			return errors.Errorf("index footer hashes to %v", got)
		}
		return nil
	}
}

func (c *LowLevelClient) archiveIndex(ctx context.Context, cdnInfo ngdp.CDNInfo, cdnConfig ngdp.CDNConfig, n int) (*archiveindex.Index, error) {
	archiveHash := cdnConfig.Archives[n]
	size, haveSize := cdnConfig.ArchiveIndexSize(n)

	// Retrieve the archive index.
	b, err := c.fetchCached(ctx, cdnInfo, ngdp.ContentTypeData, archiveHash, archiveIndexSuffix, verifyArchiveIndex(archiveHash, size, haveSize))
	if err != nil {
		return nil, err
	}
	return archiveindex.Parse(archiveHash, b)
}

// ArchiveIndexes fetches and parses the index of every archive in cdnConfig, merging them in CDN config order.
func (c *LowLevelClient) ArchiveIndexes(ctx context.Context, cdnInfo ngdp.CDNInfo, cdnConfig ngdp.CDNConfig) (*archiveindex.Set, error) {
	c.init()
	archives := cdnConfig.Archives

	// Calculate required worker count.
	workerCount := c.IndexWorkers
	if workerCount > len(archives) {
		workerCount = len(archives)
	}

	workChan := make(chan int)
	indexes := make([]*archiveindex.Index, len(archives))
	g, ctx := errgroup.WithContext(ctx)

	// Enqueue work into workChan.
	g.Go(func() error {
		defer close(workChan)
		for n := range archives {
			select {
			case workChan <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// Fetch the archive indices. Each worker writes only its own slots.
	for w := 0; w < workerCount; w++ {
		g.Go(func() error {
			for n := range workChan {
				idx, err := c.archiveIndex(ctx, cdnInfo, cdnConfig, n)
				if err != nil {
					return &ngdp.StageError{Stage: ngdp.StageArchiveIndex, Hash: archives[n].String(), Err: err}
				}
				indexes[n] = idx
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := archiveindex.NewSet(indexes...)
	glog.Infof("loaded %d archive indexes with %d entries (%d duplicates ignored)", set.Archives(), set.Len(), set.Duplicates())
	return set, nil
}
