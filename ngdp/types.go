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

package ngdp

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// A CDNHash identifies something stored on the CDN: a config document, an archive, or an encoded file.
type CDNHash [md5.Size]byte

// A ContentHash is the md5 of a file's decoded contents.
type ContentHash [md5.Size]byte

func (h CDNHash) String() string     { return hex.EncodeToString(h[:]) }
func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

func (h CDNHash) Equal(o CDNHash) bool         { return h == o }
func (h ContentHash) Equal(o ContentHash) bool { return h == o }

func (h CDNHash) Less(o CDNHash) bool         { return bytes.Compare(h[:], o[:]) < 0 }
func (h ContentHash) Less(o ContentHash) bool { return bytes.Compare(h[:], o[:]) < 0 }

// IsZero reports whether the hash is unset.
func (h CDNHash) IsZero() bool     { return h == CDNHash{} }
func (h ContentHash) IsZero() bool { return h == ContentHash{} }

// ParseCDNHash parses a 32 character hex string.
func ParseCDNHash(s string) (CDNHash, error) {
	var h CDNHash
	err := parseHex(s, h[:])
	return h, err
}

// ParseContentHash parses a 32 character hex string.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	err := parseHex(s, h[:])
	return h, err
}

func parseHex(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("ngdp: hash %q has length %d; want %d", s, len(s), hex.EncodedLen(len(dst)))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("ngdp: hash %q: %v", s, err)
	}
	return nil
}

type CDNInfo struct {
	Name       Region
	Path       string
	Hosts      []string
	Servers    []string
	ConfigPath string
}

type VersionInfo struct {
	Region        Region
	BuildConfig   CDNHash
	CDNConfig     CDNHash
	KeyRing       CDNHash
	BuildID       int `configtable:"BuildId"`
	VersionsName  string
	ProductConfig CDNHash
}

type BuildConfigEncoding struct {
	ContentHash ContentHash
	CDNHash     CDNHash
}

type BuildConfigEncodingSize struct {
	UncompressedSize uint64
	CompressedSize   uint64
}

// A BuildConfig is the decoded form of a build configuration document.
//
// Raw holds every key from the document, including those without a typed field.
type BuildConfig struct {
	Root ContentHash

	Install  []string
	Download []string
	Size     []string

	Encoding     BuildConfigEncoding
	EncodingSize BuildConfigEncodingSize

	BuildName    string
	BuildProduct string
	BuildUID     string `keyvalue:"build-uid"`

	Raw map[string][]string `keyvalue:",raw"`
}

// A CDNConfig is the decoded form of a CDN configuration document.
type CDNConfig struct {
	Archives          []CDNHash
	ArchivesIndexSize []uint64
	ArchiveGroup      CDNHash
	FileIndex         CDNHash

	PatchArchives     []CDNHash
	PatchArchiveGroup CDNHash

	Raw map[string][]string `keyvalue:",raw"`
}

// ArchiveIndexSize returns the declared index size for the nth archive, if the CDN config declares one.
func (c CDNConfig) ArchiveIndexSize(n int) (uint64, bool) {
	if n < 0 || n >= len(c.ArchivesIndexSize) || len(c.ArchivesIndexSize) != len(c.Archives) {
		return 0, false
	}
	return c.ArchivesIndexSize[n], true
}

// CDNPath returns the path of an object on a CDN host, such as "/tpr/wow/config/ab/cd/abcd…".
func CDNPath(cdnPath string, contentType ContentType, h CDNHash, suffix string) string {
	s := h.String()
	return fmt.Sprintf("/%s/%s/%s/%s/%s%s", cdnPath, contentType, s[0:2], s[2:4], s, suffix)
}
