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

// Package manifest reads the list of files an extraction should produce.
//
// A manifest is a YAML document:
//
//	files:
//	- fdid: 1234
//	  path: Interface/FrameXML/UIParent.lua
//	- fdid: 5678
//	  path: Interface/FrameXML/UIParent.xml
package manifest

import (
	"io"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// A File maps a FileDataID to the path it is written to inside an output archive.
type File struct {
	FileDataID uint32 `yaml:"fdid"`
	Path       string `yaml:"path"`
}

// A Manifest is a validated set of Files. FileDataIDs and paths are unique.
type Manifest struct {
	Files []File `yaml:"files"`

	paths map[uint32]string
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, errors.Wrap(err, "manifest: decoding")
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from r.
func Load(r io.Reader) (*Manifest, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: reading")
	}
	return Parse(data)
}

// LoadFile reads a manifest from the file at p.
func LoadFile(p string) (*Manifest, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	defer f.Close()
	return Load(f)
}

// FromIDs builds a manifest that writes each FileDataID to a file named after it.
func FromIDs(ids []uint32) *Manifest {
	m := &Manifest{}
	seen := make(map[uint32]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		m.Files = append(m.Files, File{FileDataID: id, Path: strconv.FormatUint(uint64(id), 10)})
	}
	if err := m.index(); err != nil {
		// Names are decimal FileDataIDs of distinct IDs.
		panic(err)
	}
	return m
}

func (m *Manifest) index() error {
	m.paths = make(map[uint32]string, len(m.Files))
	byPath := make(map[string]uint32, len(m.Files))
	for n, f := range m.Files {
		p, err := cleanPath(f.Path)
		if err != nil {
			return errors.Wrapf(err, "manifest: file %d (FileDataID %d)", n, f.FileDataID)
		}
		if _, ok := m.paths[f.FileDataID]; ok {
			return errors.Errorf("manifest: FileDataID %d listed twice", f.FileDataID)
		}
		if other, ok := byPath[p]; ok {
			return errors.Errorf("manifest: path %q used by FileDataIDs %d and %d", p, other, f.FileDataID)
		}
		m.Files[n].Path = p
		m.paths[f.FileDataID] = p
		byPath[p] = f.FileDataID
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].FileDataID < m.Files[j].FileDataID })
	return nil
}

// cleanPath normalises a manifest path to a relative, slash-separated form.
func cleanPath(p string) (string, error) {
	p = strings.Replace(p, "\\", "/", -1)
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", errors.Errorf("path %q is absolute", p)
	}
	p = path.Clean(p)
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", errors.Errorf("path %q escapes the archive", p)
	}
	return p, nil
}

// IDs returns the manifest's FileDataIDs in ascending order.
func (m *Manifest) IDs() []uint32 {
	ids := make([]uint32, len(m.Files))
	for n, f := range m.Files {
		ids[n] = f.FileDataID
	}
	return ids
}

// Path returns where fdid is written, if the manifest lists it.
func (m *Manifest) Path(fdid uint32) (string, bool) {
	p, ok := m.paths[fdid]
	return p, ok
}

// Len returns the number of files in the manifest.
func (m *Manifest) Len() int {
	return len(m.Files)
}
