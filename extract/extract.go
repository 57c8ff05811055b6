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

// Package extract fetches a set of files from a build using a fixed number of workers.
package extract

import (
	"context"
	"crypto/md5"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/lukegb/framexml/blte"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/archiveindex"
	"github.com/lukegb/framexml/ngdp/client"
	"github.com/lukegb/framexml/ngdp/encoding"
	"github.com/lukegb/framexml/ngdp/root"
)

// DefaultWorkers is the pool size used when Options.Workers is unset.
const DefaultWorkers = 8

// A Source resolves FileDataIDs and fetches their bytes. *client.Client is a Source.
//
// Resolve must not block; FetchSpan may be called from many goroutines at once.
type Source interface {
	Resolve(fdid uint32) (client.Location, error)
	FetchSpan(ctx context.Context, loc client.Location) ([]byte, error)
}

// A Result is the outcome for one FileDataID. Exactly one of Data and Err is set.
type Result struct {
	FileDataID uint32
	Data       []byte
	Err        error
}

// Options controls an extraction.
type Options struct {
	// Workers is the number of concurrent fetches.
	Workers int

	// Decode unwraps each span from BLTE and checks it against its content hash. Otherwise spans are returned as stored.
	Decode bool

	// OnResult, if set, is called once per FileDataID as results arrive. Calls are never concurrent.
	OnResult func(Result)
}

// IsMiss reports whether err means a file is absent from one of the lookup tables, as opposed to a fetch or integrity failure.
func IsMiss(err error) bool {
	switch errors.Cause(err) {
	case root.ErrUnknownFileDataID, encoding.ErrUnknownContentHash, archiveindex.ErrNotInArchive:
		return true
	}
	return false
}

func fetchOne(ctx context.Context, src Source, fdid uint32, decode bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := src.Resolve(fdid)
	if err != nil {
		return nil, err
	}
	b, err := src.FetchSpan(ctx, loc)
	if err != nil {
		return nil, err
	}
	if !decode {
		return b, nil
	}
	out, err := blte.Decode(b)
	if err != nil {
		return nil, errors.Wrapf(ngdp.ErrIntegrity, "decoding %v: %v", loc.CDNHash, err)
	}
	if got := ngdp.ContentHash(md5.Sum(out)); got != loc.ContentHash {
		return nil, errors.Wrapf(ngdp.ErrIntegrity, "%v decodes to content %v; wanted %v", loc.CDNHash, got, loc.ContentHash)
	}
	return out, nil
}

// Extract fetches every FileDataID in fdids and returns one Result per distinct ID.
//
// A failure for one ID never stops the others. If ctx is cancelled, IDs not yet fetched get ctx's error.
func Extract(ctx context.Context, src Source, fdids []uint32, opts Options) map[uint32]Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	seen := make(map[uint32]bool, len(fdids))
	var work []uint32
	for _, id := range fdids {
		if !seen[id] {
			seen[id] = true
			work = append(work, id)
		}
	}
	if workers > len(work) {
		workers = len(work)
	}

	workChan := make(chan uint32)
	resultChan := make(chan Result)

	// Enqueue work into workChan. Every ID is sent even after cancellation so that each gets a result.
	go func() {
		defer close(workChan)
		for _, id := range work {
			workChan <- id
		}
	}()

	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workChan {
				b, err := fetchOne(ctx, src, id, opts.Decode)
				if err != nil {
					err = errors.Wrapf(err, "FileDataID %d", id)
				}
				resultChan <- Result{FileDataID: id, Data: b, Err: err}
			}
		}()
	}

	// Signal main goroutine when all workers have finished.
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make(map[uint32]Result, len(work))
	var failed int
	for r := range resultChan {
		if r.Err != nil {
			failed++
			glog.V(1).Infof("%v", r.Err)
		}
		results[r.FileDataID] = r
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}
	glog.Infof("extracted %d of %d files (%d failed) with %d workers", len(results)-failed, len(results), failed, workers)
	return results
}

// Sorted returns results ordered by FileDataID.
func Sorted(results map[uint32]Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileDataID < out[j].FileDataID })
	return out
}
