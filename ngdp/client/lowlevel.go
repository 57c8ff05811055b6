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
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/cache"
	"github.com/lukegb/framexml/ngdp/configtable"
)

var (
	suffixCDNs     = "cdns"
	suffixVersions = "versions"

	// DefaultPatchServer is the patch service URL pattern; %s is replaced by the region.
	DefaultPatchServer = "http://%s.patch.battle.net:1119"

	errNotFoundOnHost = errors.New("client: not found on host")
	errShortRead      = errors.New("client: short read")
)

// A LowLevelClient provides simple wrappers to make basic NGDP operations easier.
//
// Every network request made while resolving a build goes through a LowLevelClient.
type LowLevelClient struct {
	// Client performs requests, retrying transient failures against a single host. If nil, NewHTTPClient(3, time.Minute, nil) is used.
	Client *retryablehttp.Client

	// PatchServer is the base URL of the patch service. If it contains %s, that is replaced by the region.
	PatchServer string

	// Cache holds config documents, tables, indexes and file spans. If nil, nothing is cached.
	Cache *cache.Cache

	// IndexWorkers bounds how many archive indexes are fetched at once.
	IndexWorkers int

	initOnce sync.Once
}

type glogLogger struct{}

func (glogLogger) Error(msg string, kv ...interface{}) { glog.Errorf("%s %v", msg, kv) }
func (glogLogger) Warn(msg string, kv ...interface{})  { glog.Warningf("%s %v", msg, kv) }
func (glogLogger) Info(msg string, kv ...interface{}) {
	if glog.V(2) {
		glog.Infof("%s %v", msg, kv)
	}
}
func (glogLogger) Debug(msg string, kv ...interface{}) {
	if glog.V(3) {
		glog.Infof("%s %v", msg, kv)
	}
}

// NewHTTPClient returns a client that retries each request up to retries times with exponential backoff.
//
// Connection errors and 5xx responses are retried; 404s are not. If limiter is non-nil, every attempt waits for it.
func NewHTTPClient(retries int, timeout time.Duration, limiter ratelimit.Limiter) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.HTTPClient.Timeout = timeout
	c.Logger = glogLogger{}
	if limiter != nil {
		c.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, _ int) {
			limiter.Take()
		}
	}
	return c
}

func (c *LowLevelClient) init() {
	c.initOnce.Do(func() {
		if c.Client == nil {
			c.Client = NewHTTPClient(3, time.Minute, nil)
		}
		if c.PatchServer == "" {
			c.PatchServer = DefaultPatchServer
		}
		if c.IndexWorkers <= 0 {
			c.IndexWorkers = archiveConcurrentIndexFetches
		}
	})
}

type byteRange struct {
	offset, length uint64
}

func (r *byteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.offset, r.offset+r.length-1)
}

// contentRangeTotal extracts the total size from a "bytes a-b/total" or "bytes */total" header.
func contentRangeTotal(h string) (uint64, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 || h[i+1:] == "*" {
		return 0, false
	}
	n, err := strconv.ParseUint(h[i+1:], 10, 64)
	return n, err == nil
}

func (c *LowLevelClient) fetchHost(ctx context.Context, url string, rng *byteRange) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		b, resp, err := c.fetchOnce(ctx, url, rng)
		if err != errShortRead {
			return b, err
		}
		if attempt >= c.Client.RetryMax {
			return nil, errors.Wrapf(err, "%s: still short after %d attempts", url, attempt+1)
		}
		wait := c.Client.Backoff(c.Client.RetryWaitMin, c.Client.RetryWaitMax, attempt, resp)
		glog.V(1).Infof("%s: short read, retrying in %v", url, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *LowLevelClient) fetchOnce(ctx context.Context, url string, rng *byteRange) ([]byte, *http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	if rng != nil {
		req.Header.Set("Range", rng.header())
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp, errNotFoundOnHost
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && rng != nil:
		total, _ := contentRangeTotal(resp.Header.Get("Content-Range"))
		return nil, resp, errors.Wrapf(ngdp.ErrIntegrity, "%s: range %d+%d is outside the %d byte object", url, rng.offset, rng.length, total)
	case rng != nil && resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
	default:
		want := http.StatusOK
		if rng != nil {
			want = http.StatusPartialContent
		}
		return nil, resp, errBadStatus{resp.StatusCode, resp.Status, want}
	}

	b, err := ioutil.ReadAll(resp.Body)
	if err == io.ErrUnexpectedEOF {
		return nil, resp, errShortRead
	} else if err != nil {
		return nil, resp, err
	}
	if rng == nil {
		return b, resp, nil
	}

	if resp.StatusCode == http.StatusOK {
		// The server ignored the Range header and sent the whole object.
		if uint64(len(b)) < rng.offset+rng.length {
			return nil, resp, errors.Wrapf(ngdp.ErrIntegrity, "%s: range %d+%d is outside the %d byte object", url, rng.offset, rng.length, len(b))
		}
		return b[rng.offset : rng.offset+rng.length], resp, nil
	}
	if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok && rng.offset+rng.length > total {
		return nil, resp, errors.Wrapf(ngdp.ErrIntegrity, "%s: range %d+%d is outside the %d byte object", url, rng.offset, rng.length, total)
	}
	if uint64(len(b)) != rng.length {
		return nil, resp, errShortRead
	}
	return b, resp, nil
}

// fetchPath tries each host in order, moving on when a host answers 404 or keeps failing.
func (c *LowLevelClient) fetchPath(ctx context.Context, hosts []string, path string, rng *byteRange) ([]byte, error) {
	c.init()
	if len(hosts) == 0 {
		return nil, errors.Errorf("client: no CDN hosts to fetch %s from", path)
	}

	var lastErr error
	allNotFound := true
	for _, host := range hosts {
		url := "http://" + host + path
		glog.V(2).Infof("fetching %s", url)
		b, err := c.fetchHost(ctx, url, rng)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ngdp.ErrIntegrity) {
			return nil, err
		}
		if err != errNotFoundOnHost {
			allNotFound = false
			glog.Warningf("%s: %v; trying next host", url, err)
		}
		lastErr = err
	}
	if allNotFound {
		return nil, errors.Wrapf(ngdp.ErrNotFound, "%s", path)
	}
	return nil, errors.Wrapf(ngdp.ErrTransient, "%s: %v", path, lastErr)
}

// Fetch retrieves a whole object from the CDN.
func (c *LowLevelClient) Fetch(ctx context.Context, cdnInfo ngdp.CDNInfo, contentType ngdp.ContentType, cdnHash ngdp.CDNHash, suffix string) ([]byte, error) {
	return c.fetchPath(ctx, cdnInfo.Hosts, ngdp.CDNPath(cdnInfo.Path, contentType, cdnHash, suffix), nil)
}

// FetchRange retrieves exactly length bytes starting at offset from a CDN object.
func (c *LowLevelClient) FetchRange(ctx context.Context, cdnInfo ngdp.CDNInfo, contentType ngdp.ContentType, cdnHash ngdp.CDNHash, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, errors.Errorf("client: zero length range of %v", cdnHash)
	}
	return c.fetchPath(ctx, cdnInfo.Hosts, ngdp.CDNPath(cdnInfo.Path, contentType, cdnHash, ""), &byteRange{offset, length})
}

func (c *LowLevelClient) patchURL(product ngdp.ProductTag, region ngdp.Region, suffix string) string {
	c.init()
	base := c.PatchServer
	if strings.Contains(base, "%s") {
		base = fmt.Sprintf(base, region)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), product, suffix)
}

func (c *LowLevelClient) patchTable(ctx context.Context, product ngdp.ProductTag, region ngdp.Region, suffix string, row func() interface{}) error {
	url := c.patchURL(product, region, suffix)
	b, err := c.fetchHost(ctx, url, nil)
	if err == errNotFoundOnHost {
		return errors.Wrapf(ngdp.ErrUnknownProduct, "%s", product)
	} else if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(ngdp.ErrTransient, "%s: %v", url, err)
	}

	d := configtable.NewDecoder(strings.NewReader(string(b)))
	n := 0
	for ; ; n++ {
		if err := d.Decode(row()); err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrapf(err, "parsing %s", url)
		}
	}
	if n == 0 {
		// The patch service answers unknown products with an empty body.
		return errors.Wrapf(ngdp.ErrUnknownProduct, "%s", product)
	}
	glog.V(1).Infof("%s: %d rows, seqn %d", url, n, d.Seqn())
	return nil
}

func (c *LowLevelClient) cdns(ctx context.Context, product ngdp.ProductTag, region ngdp.Region) ([]ngdp.CDNInfo, error) {
	var cdns []ngdp.CDNInfo
	err := c.patchTable(ctx, product, region, suffixCDNs, func() interface{} {
		cdns = append(cdns, ngdp.CDNInfo{})
		return &cdns[len(cdns)-1]
	})
	if err != nil {
		return nil, err
	}
	return cdns[:len(cdns)-1], nil
}

// Versions returns the deployed version of product for every region, as reported by the patch service.
func (c *LowLevelClient) Versions(ctx context.Context, product ngdp.ProductTag, region ngdp.Region) ([]ngdp.VersionInfo, error) {
	var versions []ngdp.VersionInfo
	err := c.patchTable(ctx, product, region, suffixVersions, func() interface{} {
		versions = append(versions, ngdp.VersionInfo{})
		return &versions[len(versions)-1]
	})
	if err != nil {
		return nil, err
	}
	return versions[:len(versions)-1], nil
}

// Info resolves the current version of product in region, along with the CDN it is served from.
//
// An unknown product fails with ngdp.ErrUnknownProduct, and a product not deployed to region with ngdp.ErrUnknownRegion.
func (c *LowLevelClient) Info(ctx context.Context, product ngdp.ProductTag, region ngdp.Region) (ngdp.CDNInfo, ngdp.VersionInfo, error) {
	stageErr := func(err error) error {
		return &ngdp.StageError{Stage: ngdp.StageVersion, Hash: string(product), Err: err}
	}

	var cdns []ngdp.CDNInfo
	var versions []ngdp.VersionInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		versions, err = c.Versions(gctx, product, region)
		return err
	})
	g.Go(func() error {
		var err error
		cdns, err = c.cdns(gctx, product, region)
		return err
	})
	if err := g.Wait(); err != nil {
		return ngdp.CDNInfo{}, ngdp.VersionInfo{}, stageErr(err)
	}

	var version *ngdp.VersionInfo
	for n := range versions {
		if versions[n].Region == region {
			version = &versions[n]
			break
		}
	}
	var cdn *ngdp.CDNInfo
	for n := range cdns {
		if cdns[n].Name == region {
			cdn = &cdns[n]
			break
		}
	}
	if version == nil || cdn == nil {
		return ngdp.CDNInfo{}, ngdp.VersionInfo{}, stageErr(errors.Wrapf(ngdp.ErrUnknownRegion, "%s in %s", product, region))
	}
	if len(cdn.Hosts) == 0 {
		return ngdp.CDNInfo{}, ngdp.VersionInfo{}, stageErr(errors.Errorf("CDN entry for %s lists no hosts", region))
	}

	glog.Infof("%s/%s: build %d (%s), build config %v, CDN config %v, %d hosts", product, region, version.BuildID, version.VersionsName, version.BuildConfig, version.CDNConfig, len(cdn.Hosts))
	return *cdn, *version, nil
}
