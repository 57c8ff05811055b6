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
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/client"
)

// buildKey identifies the tables of one build. Products on the same build share them.
type buildKey struct {
	BuildConfig ngdp.CDNHash
	CDNConfig   ngdp.CDNHash
}

// A Datastore keeps an up-to-date *client.Client for each tracked product.
type Datastore struct {
	llc    *client.LowLevelClient
	region ngdp.Region

	// Locale, Exclude and Loose are copied into every Client.
	Locale  ngdp.Locale
	Exclude ngdp.ContentFlags
	Loose   bool

	// Guards all fields below.
	l sync.RWMutex

	tracking []ngdp.ProductTag

	clients map[ngdp.ProductTag]*client.Client

	// The below are indexed on their own CDNHashes.
	buildConfigs map[ngdp.CDNHash]*ngdp.BuildConfig
	cdnConfigs   map[ngdp.CDNHash]*ngdp.CDNConfig

	tables map[buildKey]*client.Tables
}

// NewDatastore returns a Datastore fetching through llc for region.
func NewDatastore(llc *client.LowLevelClient, region ngdp.Region) *Datastore {
	return &Datastore{
		llc:     llc,
		region:  region,
		Locale:  ngdp.DefaultLocale,
		Exclude: ngdp.DefaultExcludeFlags,

		clients:      make(map[ngdp.ProductTag]*client.Client),
		buildConfigs: make(map[ngdp.CDNHash]*ngdp.BuildConfig),
		cdnConfigs:   make(map[ngdp.CDNHash]*ngdp.CDNConfig),
		tables:       make(map[buildKey]*client.Tables),
	}
}

// Client returns the most recent Client for product.
func (d *Datastore) Client(product ngdp.ProductTag) (*client.Client, error) {
	d.l.RLock()
	defer d.l.RUnlock()

	c, ok := d.clients[product]
	if !ok {
		return nil, fmt.Errorf("no build loaded for %q", product)
	}
	return c, nil
}

// Update runs a single iteration of the datastore's update loop, blocking until it is complete.
//
// It returns the last error encountered; a product that fails to update keeps serving its previous build.
func (d *Datastore) Update(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracking := d.Tracking()

	var err error
	for _, product := range tracking {
		if uerr := d.update(ctx, product); uerr != nil {
			glog.Errorf("Error updating %q/%q: %v", product, d.region, uerr)
			err = uerr
		}
	}

	glog.Info("Looking for no-longer-referenced entities")
	usedBuildConfigs := make(map[ngdp.CDNHash]bool)
	usedCDNConfigs := make(map[ngdp.CDNHash]bool)
	usedTables := make(map[buildKey]bool)
	d.l.Lock()
	for _, c := range d.clients {
		usedBuildConfigs[c.VersionInfo.BuildConfig] = true
		usedCDNConfigs[c.VersionInfo.CDNConfig] = true
		usedTables[keyOf(c.VersionInfo)] = true
	}

	var deleted int
	for h := range d.buildConfigs {
		if !usedBuildConfigs[h] {
			delete(d.buildConfigs, h)
			deleted++
		}
	}
	for h := range d.cdnConfigs {
		if !usedCDNConfigs[h] {
			delete(d.cdnConfigs, h)
			deleted++
		}
	}
	for k := range d.tables {
		if !usedTables[k] {
			delete(d.tables, k)
			deleted++
		}
	}
	d.l.Unlock()

	if deleted > 0 {
		glog.Infof("Deleted %d unreferenced configs and tables", deleted)
		glog.Info("Collecting garbage")
		runtime.GC()
	}

	return err
}

func keyOf(v ngdp.VersionInfo) buildKey {
	return buildKey{BuildConfig: v.BuildConfig, CDNConfig: v.CDNConfig}
}

// update updates a single product.
func (d *Datastore) update(ctx context.Context, product ngdp.ProductTag) error {
	glog.Infof("Updating %q/%q", product, d.region)

	cdn, version, err := d.llc.Info(ctx, product, d.region)
	if err != nil {
		return errors.Wrap(err, "retrieving info")
	}

	d.l.RLock()
	old, haveOld := d.clients[product]
	buildConfig, haveBuildConfig := d.buildConfigs[version.BuildConfig]
	cdnConfig, haveCDNConfig := d.cdnConfigs[version.CDNConfig]
	tables, haveTables := d.tables[keyOf(version)]
	d.l.RUnlock()

	if haveOld {
		if old.VersionInfo.VersionsName != version.VersionsName {
			glog.Infof("%q/%q: version string changed from %v to %v", product, d.region, old.VersionInfo.VersionsName, version.VersionsName)
		}
		if old.VersionInfo.BuildID != version.BuildID {
			glog.Infof("%q/%q: build ID changed from %v to %v", product, d.region, old.VersionInfo.BuildID, version.BuildID)
		}
		if !old.VersionInfo.BuildConfig.Equal(version.BuildConfig) {
			glog.Infof("%q/%q: build config changed from %v to %v", product, d.region, old.VersionInfo.BuildConfig, version.BuildConfig)
		}
	}

	if !haveBuildConfig || !haveCDNConfig {
		glog.Infof("%q/%q: retrieving build config %v and CDN config %v", product, d.region, version.BuildConfig, version.CDNConfig)

		cdnConfigS, buildConfigS, err := d.llc.Configs(ctx, cdn, version)
		if err != nil {
			return errors.Wrap(err, "retrieving configs")
		}

		buildConfig = &buildConfigS
		cdnConfig = &cdnConfigS

		d.l.Lock()
		d.buildConfigs[version.BuildConfig] = buildConfig
		d.cdnConfigs[version.CDNConfig] = cdnConfig
		d.l.Unlock()
	}

	if !haveTables {
		start := time.Now()
		tables, err = d.llc.Tables(ctx, cdn, *cdnConfig, *buildConfig)
		if err != nil {
			return errors.Wrap(err, "retrieving tables")
		}
		glog.Infof("%q/%q: loaded tables for build %d in %v", product, d.region, version.BuildID, time.Since(start))

		d.l.Lock()
		d.tables[keyOf(version)] = tables
		d.l.Unlock()
	}

	c := &client.Client{
		LowLevelClient: d.llc,

		Product:     product,
		CDNInfo:     cdn,
		VersionInfo: version,

		BuildConfig: *buildConfig,
		CDNConfig:   *cdnConfig,

		Tables: tables,

		Locale:  d.Locale,
		Exclude: d.Exclude,
		Loose:   d.Loose,
	}

	d.l.Lock()
	d.clients[product] = c
	d.l.Unlock()

	return nil
}

// Track adds product to the set updated by Update.
func (d *Datastore) Track(product ngdp.ProductTag) {
	d.l.Lock()
	defer d.l.Unlock()

	for _, p := range d.tracking {
		if p == product {
			return
		}
	}
	d.tracking = append(d.tracking, product)
}

// Tracking returns the tracked products.
func (d *Datastore) Tracking() []ngdp.ProductTag {
	d.l.RLock()
	defer d.l.RUnlock()

	tracking := make([]ngdp.ProductTag, len(d.tracking))
	copy(tracking, d.tracking)
	return tracking
}

// Run calls Update every interval until ctx is done.
func (d *Datastore) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			glog.Info("Performing datastore update")
			d.Update(ctx)
		}
	}
}
