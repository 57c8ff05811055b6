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

// Package config assembles run configuration from defaults, an optional config file, FRAMEXML_* environment variables and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/ratelimit"

	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/cache"
	"github.com/lukegb/framexml/ngdp/client"
)

// EnvPrefix prefixes environment variables, e.g. FRAMEXML_CACHE_DIR.
const EnvPrefix = "FRAMEXML"

// Config holds everything a run needs. It is built once and passed down explicitly.
type Config struct {
	Region ngdp.Region
	Locale ngdp.Locale

	CacheDir  string
	OutputDir string
	Manifest  string

	Workers      int
	IndexWorkers int

	Timeout           time.Duration
	Retries           int
	RequestsPerSecond int
	PatchServer       string
	Loose             bool

	Listen         string
	Products       []ngdp.ProductTag
	UpdateInterval time.Duration
}

// flags maps viper keys to flag names.
var flags = map[string]string{
	"region":              "region",
	"locale":              "locale",
	"cache_dir":           "cache-dir",
	"output_dir":          "output-dir",
	"manifest":            "manifest",
	"workers":             "workers",
	"index_workers":       "index-workers",
	"timeout":             "timeout",
	"retries":             "retries",
	"requests_per_second": "requests-per-second",
	"patch_server":        "patch-server",
	"loose":               "loose",
	"listen":              "listen",
	"products":            "products",
	"update_interval":     "update-interval",
}

func defaultCacheDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "framexml")
	}
	return ".cache"
}

// RegisterFlags adds a flag for every key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: ./framexml.yaml if present)")
	fs.String("region", string(ngdp.DefaultRegion), "region whose version and CDNs to use")
	fs.String("locale", "enUS", "locale to select root entries for")
	fs.String("cache-dir", defaultCacheDir(), "directory for downloaded CDN objects")
	fs.String("output-dir", ".", "directory to write archives to")
	fs.String("manifest", "", "YAML manifest naming the FileDataIDs to extract")
	fs.Int("workers", 8, "concurrent file fetches")
	fs.Int("index-workers", 20, "concurrent archive index fetches")
	fs.Duration("timeout", 60*time.Second, "per-request HTTP timeout")
	fs.Int("retries", 3, "retries per request per host")
	fs.Int("requests-per-second", 0, "limit on outbound requests (0 is unlimited)")
	fs.String("patch-server", client.DefaultPatchServer, "patch server URL; %s is replaced by the region")
	fs.Bool("loose", false, "fetch files missing from the archive indexes as loose CDN objects")
	fs.String("listen", ":8080", "HTTP listen address for serve")
	fs.StringSlice("products", []string{string(ngdp.ProductWoWClassicEra)}, "products tracked by serve")
	fs.Duration("update-interval", 30*time.Minute, "how often serve checks for new versions")
}

// Load reads configuration into v. Flags in fs take precedence over the environment, which takes precedence over the config file.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	for key, name := range flags {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "binding flag %q", name)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile := ""
	if f := fs.Lookup("config"); f != nil {
		configFile = f.Value.String()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("framexml")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Region:            ngdp.Region(v.GetString("region")),
		CacheDir:          v.GetString("cache_dir"),
		OutputDir:         v.GetString("output_dir"),
		Manifest:          v.GetString("manifest"),
		Workers:           v.GetInt("workers"),
		IndexWorkers:      v.GetInt("index_workers"),
		Timeout:           v.GetDuration("timeout"),
		Retries:           v.GetInt("retries"),
		RequestsPerSecond: v.GetInt("requests_per_second"),
		PatchServer:       v.GetString("patch_server"),
		Loose:             v.GetBool("loose"),
		Listen:            v.GetString("listen"),
		UpdateInterval:    v.GetDuration("update_interval"),
	}

	locale := v.GetString("locale")
	var ok bool
	if c.Locale, ok = ngdp.ParseLocale(locale); !ok {
		return nil, errors.Errorf("unknown locale %q", locale)
	}
	for _, p := range v.GetStringSlice("products") {
		for _, p := range strings.Split(p, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Products = append(c.Products, ngdp.ProductTag(p))
			}
		}
	}

	if c.Region == "" {
		return nil, errors.New("region must be set")
	}
	if c.Workers <= 0 {
		return nil, errors.Errorf("workers must be positive, not %d", c.Workers)
	}
	if c.IndexWorkers <= 0 {
		return nil, errors.Errorf("index_workers must be positive, not %d", c.IndexWorkers)
	}
	if c.Retries < 0 {
		return nil, errors.Errorf("retries must not be negative, not %d", c.Retries)
	}
	if c.RequestsPerSecond < 0 {
		return nil, errors.Errorf("requests_per_second must not be negative, not %d", c.RequestsPerSecond)
	}
	return c, nil
}

// LowLevelClient builds the CDN client described by c. An empty CacheDir disables caching.
func (c *Config) LowLevelClient() *client.LowLevelClient {
	var limiter ratelimit.Limiter
	if c.RequestsPerSecond > 0 {
		limiter = ratelimit.New(c.RequestsPerSecond)
	}
	llc := &client.LowLevelClient{
		Client:       client.NewHTTPClient(c.Retries, c.Timeout, limiter),
		PatchServer:  c.PatchServer,
		IndexWorkers: c.IndexWorkers,
	}
	if c.CacheDir != "" {
		llc.Cache = cache.New(&cache.DiskStore{Root: c.CacheDir})
	}
	return llc
}
