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

package ngdptest

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"

	"github.com/lukegb/framexml/ngdp"
)

// ArchiveStart is where the first file span starts inside a World's archive.
const ArchiveStart = 100

// A WorldFile is a file published by a World.
type WorldFile struct {
	Data        []byte
	ContentHash ngdp.ContentHash
	CDNHash     ngdp.CDNHash
	Blob        []byte

	// Offset and Size locate Blob in the World's archive. Loose files are not in any archive.
	Offset uint32
	Size   uint32
	Loose  bool
}

// A World is a complete, consistent build of one product served by a Server: patch tables, configs, encoding and root tables, archive indexes and archives.
type World struct {
	Server  *Server
	Product ngdp.ProductTag
	Region  ngdp.Region
	CDNPath string

	VersionInfo ngdp.VersionInfo

	BuildConfig    []byte
	BuildConfigKey ngdp.CDNHash
	CDNConfig      []byte
	CDNConfigKey   ngdp.CDNHash

	EncodingKey ngdp.CDNHash
	RootKey     ngdp.CDNHash

	// Archive holds every archived file. Filler is a second archive whose index only lists unrelated keys.
	Archive ngdp.CDNHash
	Filler  ngdp.CDNHash

	Files map[uint32]WorldFile
}

// NewWorld publishes files (by FileDataID) on a new Server. Files in loose are served as standalone objects and left out of the archive indexes.
func NewWorld(product ngdp.ProductTag, files map[uint32][]byte, loose map[uint32][]byte) *World {
	w := &World{
		Server:  NewServer(),
		Product: product,
		Region:  ngdp.RegionUnitedStates,
		CDNPath: "tpr/wow",
		Files:   make(map[uint32]WorldFile),
	}

	var fdids []uint32
	for id := range files {
		fdids = append(fdids, id)
	}
	sort.Slice(fdids, func(i, j int) bool { return fdids[i] < fdids[j] })

	var archive []byte
	archive = append(archive, make([]byte, ArchiveStart)...)
	var indexEntries []IndexEntry
	for _, id := range fdids {
		wf := newWorldFile(files[id])
		wf.Offset = uint32(len(archive))
		wf.Size = uint32(len(wf.Blob))
		archive = append(archive, wf.Blob...)
		indexEntries = append(indexEntries, IndexEntry{CDNHash: wf.CDNHash, Size: wf.Size, Offset: wf.Offset})
		w.Files[id] = wf
	}
	// Trailing bytes so the last span does not end the archive.
	archive = append(archive, make([]byte, 64)...)
	for id, data := range loose {
		wf := newWorldFile(data)
		wf.Loose = true
		w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, wf.CDNHash, "", wf.Blob)
		w.Files[id] = wf
	}

	index, archiveName := ArchiveIndex(indexEntries)
	w.Archive = archiveName
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, archiveName, ".index", index)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, archiveName, "", archive)

	filler, fillerName := ArchiveIndex([]IndexEntry{
		{CDNHash: Hash("filler-1"), Size: 10, Offset: 0},
		{CDNHash: Hash("filler-2"), Size: 10, Offset: 10},
	})
	w.Filler = fillerName
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, fillerName, ".index", filler)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, fillerName, "", make([]byte, 20))

	var rootEntries []RootEntry
	var encEntries []EncodingEntry
	ids := make([]uint32, 0, len(w.Files))
	for id := range w.Files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		wf := w.Files[id]
		rootEntries = append(rootEntries, RootEntry{FileDataID: id, ContentHash: wf.ContentHash})
		encEntries = append(encEntries, EncodingEntry{ContentHash: wf.ContentHash, CDNHashes: []ngdp.CDNHash{wf.CDNHash}, Size: uint64(len(wf.Data))})
	}
	rootData := Root(RootMFST, RootBlock{
		Locale:       ngdp.LocaleAll,
		ContentFlags: ngdp.ContentFlagLoadOnWindows | ngdp.ContentFlagLoadOnMacOS,
		Entries:      rootEntries,
	})
	rootFile := newWorldFile(rootData)
	w.RootKey = rootFile.CDNHash
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, rootFile.CDNHash, "", rootFile.Blob)
	encEntries = append(encEntries, EncodingEntry{ContentHash: rootFile.ContentHash, CDNHashes: []ngdp.CDNHash{rootFile.CDNHash}, Size: uint64(len(rootData))})

	encData := Encoding(encEntries, 4)
	encFile := newWorldFile(encData)
	w.EncodingKey = encFile.CDNHash
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeData, encFile.CDNHash, "", encFile.Blob)

	w.BuildConfig = Config(
		"root", rootFile.ContentHash.String(),
		"encoding", encFile.ContentHash.String()+" "+encFile.CDNHash.String(),
		"encoding-size", strconv.Itoa(len(encData))+" "+strconv.Itoa(len(encFile.Blob)),
		"build-name", "WOW-42000patch1.14.4_Retail",
		"build-uid", string(product),
		"build-product", "WoW",
	)
	w.BuildConfigKey = ConfigKey(w.BuildConfig)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeConfig, w.BuildConfigKey, "", w.BuildConfig)

	w.CDNConfig = Config(
		"archives", archiveName.String()+" "+fillerName.String(),
		"archives-index-size", strconv.Itoa(len(index))+" "+strconv.Itoa(len(filler)),
		"archive-group", Hash("group").String(),
	)
	w.CDNConfigKey = ConfigKey(w.CDNConfig)
	w.Server.PutCDN(w.CDNPath, ngdp.ContentTypeConfig, w.CDNConfigKey, "", w.CDNConfig)

	w.VersionInfo = ngdp.VersionInfo{
		Region:        w.Region,
		BuildConfig:   w.BuildConfigKey,
		CDNConfig:     w.CDNConfigKey,
		BuildID:       42000,
		VersionsName:  "1.14.4.42000",
		ProductConfig: Hash("product config"),
	}
	eu := w.VersionInfo
	eu.Region = ngdp.RegionEurope
	w.Server.Put(fmt.Sprintf("/%s/versions", product), VersionsTable(w.VersionInfo, eu))
	w.Server.Put(fmt.Sprintf("/%s/cdns", product), CDNsTable(
		ngdp.CDNInfo{Name: ngdp.RegionEurope, Path: w.CDNPath, Hosts: []string{w.Server.Host()}, ConfigPath: "tpr/configs/data"},
		w.CDNInfo(),
	))
	return w
}

func newWorldFile(data []byte) WorldFile {
	blob := BLTE(data)
	return WorldFile{
		Data:        data,
		ContentHash: ngdp.ContentHash(md5.Sum(data)),
		CDNHash:     BLTEKey(blob),
		Blob:        blob,
	}
}

// CDNInfo describes the World's CDN.
func (w *World) CDNInfo() ngdp.CDNInfo {
	return ngdp.CDNInfo{
		Name:       w.Region,
		Path:       w.CDNPath,
		Hosts:      []string{w.Server.Host()},
		ConfigPath: "tpr/configs/data",
	}
}

// ArchivePath returns the server path of the archive holding every archived file.
func (w *World) ArchivePath() string {
	return ngdp.CDNPath(w.CDNPath, ngdp.ContentTypeData, w.Archive, "")
}

// PatchURL returns the URL to use as a client's patch server.
func (w *World) PatchURL() string {
	return w.Server.URL
}

// Close shuts the World's server down.
func (w *World) Close() {
	w.Server.Close()
}
