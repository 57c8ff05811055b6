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

// Package archive writes extraction results into per-version zip files.
package archive

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"

	"github.com/lukegb/framexml/extract"
	"github.com/lukegb/framexml/manifest"
	"github.com/lukegb/framexml/ngdp"
)

// A Summary describes a written archive.
type Summary struct {
	Files int
	Bytes uint64

	// Failed lists the results that were left out, ordered by FileDataID.
	Failed []extract.Result
}

// FileName returns the name of the archive for a product version, e.g. "wow_classic_era-1.14.4.42000.zip".
func FileName(product ngdp.ProductTag, version ngdp.VersionInfo) string {
	name := version.VersionsName
	if name == "" {
		name = strconv.Itoa(version.BuildID)
	}
	return fmt.Sprintf("%s-%s.zip", product, strings.Replace(name, "/", "_", -1))
}

// Write writes every successful result to w as a zip archive, in FileDataID order.
//
// Each file is named by its manifest path; results the manifest does not list are named by FileDataID.
func Write(w io.Writer, m *manifest.Manifest, results map[uint32]extract.Result) (Summary, error) {
	var s Summary
	zw := zip.NewWriter(w)
	for _, r := range extract.Sorted(results) {
		if r.Err != nil {
			s.Failed = append(s.Failed, r)
			continue
		}
		name, ok := m.Path(r.FileDataID)
		if !ok {
			name = strconv.FormatUint(uint64(r.FileDataID), 10)
		}
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		})
		if err != nil {
			return s, errors.Wrapf(err, "adding %s", name)
		}
		if _, err := f.Write(r.Data); err != nil {
			return s, errors.Wrapf(err, "writing %s", name)
		}
		s.Files++
		s.Bytes += uint64(len(r.Data))
	}
	if err := zw.Close(); err != nil {
		return s, errors.Wrap(err, "finishing archive")
	}
	return s, nil
}

// WriteFile writes the archive to dir/name. The file only appears once it is complete.
func WriteFile(dir, name string, m *manifest.Manifest, results map[uint32]extract.Result) (Summary, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Summary{}, err
	}
	f, err := ioutil.TempFile(dir, ".tmp-*.zip")
	if err != nil {
		return Summary{}, err
	}
	defer os.Remove(f.Name())

	s, err := Write(f, m, results)
	if err != nil {
		f.Close()
		return s, err
	}
	if err := f.Close(); err != nil {
		return s, err
	}
	if err := os.Chmod(f.Name(), 0644); err != nil {
		return s, err
	}
	p := filepath.Join(dir, name)
	if err := os.Rename(f.Name(), p); err != nil {
		return s, err
	}
	glog.Infof("wrote %s: %d files, %s", p, s.Files, humanize.Bytes(s.Bytes))
	return s, nil
}
