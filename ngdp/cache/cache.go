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

// Package cache stores CDN objects locally, keyed by the hash they are addressed by.
//
// Objects are never modified once written: a hash always names the same bytes.
package cache

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lukegb/framexml/ngdp"
)

// ErrMiss is returned by a Store that does not hold the requested key.
var ErrMiss = errors.New("cache: miss")

// A Key names a cached object.
type Key struct {
	Type   ngdp.ContentType
	Hash   ngdp.CDNHash
	Suffix string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.Hash.String() + k.Suffix
}

// Path returns the location of k relative to the cache root: "<type>/<hh>/<rest of hash><suffix>".
func (k Key) Path() string {
	s := k.Hash.String()
	return filepath.Join(string(k.Type), s[:2], s[2:]+k.Suffix)
}

// A Store holds cached objects.
//
// Implementations must be safe for concurrent use, and Put must never leave a partially written object visible to Get.
type Store interface {
	Get(k Key) ([]byte, error)
	Put(k Key, data []byte) error
}

// A DiskStore keeps objects in a directory tree.
type DiskStore struct {
	Root string
}

// Get reads a cached object, returning ErrMiss if it has not been stored.
func (s *DiskStore) Get(k Key) ([]byte, error) {
	b, err := ioutil.ReadFile(filepath.Join(s.Root, k.Path()))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, errors.Wrapf(err, "cache: reading %v", k)
	}
	return b, nil
}

// Put writes an object to a temporary file next to its final location and renames it into place.
func (s *DiskStore) Put(k Key, data []byte) error {
	finalPath := filepath.Join(s.Root, k.Path())
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return errors.Wrapf(err, "cache: creating directory for %v", k)
	}

	tmp, err := ioutil.TempFile(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "cache: creating temporary file for %v", k)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o644); err != nil {
		return errors.Wrapf(err, "cache: writing %v", k)
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "cache: writing %v", k)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "cache: writing %v", k)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return errors.Wrapf(err, "cache: renaming %v into place", k)
	}
	return nil
}

// A MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	objs map[Key][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objs: make(map[Key][]byte)}
}

func (s *MemoryStore) Get(k Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objs[k]
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Put(k Key, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[k] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// A FetchFunc retrieves an object that is not in the cache.
type FetchFunc func(ctx context.Context) ([]byte, error)

// A VerifyFunc checks that data really is the object named by its key.
type VerifyFunc func(data []byte) error

// A Cache fronts a Store, fetching and verifying objects on a miss.
//
// Concurrent requests for the same missing key share a single fetch.
type Cache struct {
	Store Store

	group singleflight.Group
}

// New returns a Cache backed by store.
func New(store Store) *Cache {
	return &Cache{Store: store}
}

// GetOrFetch returns the object named by k.
//
// A cached copy is returned without calling fetch, but is still passed to verify; a corrupt cached copy is reported as ngdp.ErrIntegrity rather than silently refetched.
// On a miss, fetch is called and its result is verified before being stored. Objects that fail verification are never stored.
// The returned slice may be shared with other callers and must not be modified.
func (c *Cache) GetOrFetch(ctx context.Context, k Key, fetch FetchFunc, verify VerifyFunc) ([]byte, error) {
	b, err := c.Store.Get(k)
	switch {
	case err == nil:
		if verify != nil {
			if verr := verify(b); verr != nil {
				return nil, errors.Wrapf(ngdp.ErrIntegrity, "cache: cached %v is corrupt: %v", k, verr)
			}
		}
		glog.V(2).Infof("cache: hit %v", k)
		return b, nil
	case err != ErrMiss:
		return nil, err
	}

	// The shared fetch outlives any one caller; each caller gives up on its own context.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (interface{}, error) {
		// Another caller may have finished storing k while we waited.
		if b, err := c.Store.Get(k); err == nil && (verify == nil || verify(b) == nil) {
			return b, nil
		}

		glog.V(1).Infof("cache: miss %v, fetching", k)
		b, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if verify != nil {
			if verr := verify(b); verr != nil {
				return nil, errors.Wrapf(ngdp.ErrIntegrity, "cache: fetched %v failed verification: %v", k, verr)
			}
		}
		if err := c.Store.Put(k, b); err != nil {
			return nil, err
		}
		glog.V(1).Infof("cache: stored %v (%s)", k, humanize.Bytes(uint64(len(b))))
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}
