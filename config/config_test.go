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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/client"
)

func load(t *testing.T, args ...string) (*Config, error) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(viper.New(), fs)
}

func TestDefaults(t *testing.T) {
	c, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, ngdp.RegionUnitedStates, c.Region)
	assert.Equal(t, ngdp.LocaleEnUS, c.Locale)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, 20, c.IndexWorkers)
	assert.Equal(t, 60*time.Second, c.Timeout)
	assert.Equal(t, 3, c.Retries)
	assert.Equal(t, 0, c.RequestsPerSecond)
	assert.Equal(t, client.DefaultPatchServer, c.PatchServer)
	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, 30*time.Minute, c.UpdateInterval)
	assert.Equal(t, []ngdp.ProductTag{ngdp.ProductWoWClassicEra}, c.Products)
	assert.False(t, c.Loose)
	assert.NotEmpty(t, c.CacheDir)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "framexml.yaml")
	require.NoError(t, os.WriteFile(file, []byte("region: eu\nworkers: 2\nretries: 5\nlocale: deDE\nproducts: [wow, wow_classic]\n"), 0644))

	t.Setenv("FRAMEXML_WORKERS", "6")
	t.Setenv("FRAMEXML_CACHE_DIR", "/var/cache/framexml")

	c, err := load(t, "--config", file, "--retries", "1")
	require.NoError(t, err)

	assert.Equal(t, ngdp.RegionEurope, c.Region)
	assert.Equal(t, ngdp.LocaleDeDE, c.Locale)
	assert.Equal(t, 6, c.Workers)
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, "/var/cache/framexml", c.CacheDir)
	assert.Equal(t, []ngdp.ProductTag{ngdp.ProductWoW, ngdp.ProductWoWClassic}, c.Products)
}

func TestProductsFlag(t *testing.T) {
	c, err := load(t, "--products", "wow,wowt")
	require.NoError(t, err)
	assert.Equal(t, []ngdp.ProductTag{ngdp.ProductWoW, ngdp.ProductWoWPTR}, c.Products)
}

func TestInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--locale", "xxXX"},
		{"--workers", "0"},
		{"--index-workers", "-1"},
		{"--retries", "-1"},
		{"--requests-per-second", "-5"},
		{"--region", ""},
		{"--config", "/nonexistent/framexml.yaml"},
	} {
		_, err := load(t, args...)
		assert.Error(t, err, "%v", args)
	}
}

func TestLowLevelClient(t *testing.T) {
	c, err := load(t, "--cache-dir", t.TempDir(), "--requests-per-second", "100", "--retries", "2", "--index-workers", "5")
	require.NoError(t, err)

	llc := c.LowLevelClient()
	assert.NotNil(t, llc.Cache)
	assert.Equal(t, 2, llc.Client.RetryMax)
	assert.Equal(t, 5, llc.IndexWorkers)
	assert.NotNil(t, llc.Client.RequestLogHook)

	c.CacheDir = ""
	assert.Nil(t, c.LowLevelClient().Cache)
}
