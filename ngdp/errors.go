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
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means every CDN host answered 404 for the requested path.
	ErrNotFound = errors.New("ngdp: not found on any host")

	// ErrTransient means a request kept failing with timeouts, 5xx responses or short reads until every host was exhausted.
	ErrTransient = errors.New("ngdp: transient failure on every host")

	// ErrIntegrity means fetched or cached bytes did not match the hash they were requested by.
	ErrIntegrity = errors.New("ngdp: integrity check failed")

	// ErrUnknownProduct means the patch service does not know the requested product tag.
	ErrUnknownProduct = errors.New("ngdp: unknown product")

	// ErrUnknownRegion means the product has no versions or CDN row for the requested region.
	ErrUnknownRegion = errors.New("ngdp: unknown region for product")
)

// A ParseErrorKind classifies why a binary table failed to parse.
type ParseErrorKind int

const (
	Malformed ParseErrorKind = iota
	Truncated
	ChecksumMismatch
)

func (k ParseErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case ChecksumMismatch:
		return "checksum mismatch"
	default:
		return "malformed"
	}
}

// A ParseError is returned when a binary table cannot be trusted as a whole.
//
// Index is the page, block or record number the problem was found at, or -1 for the header.
type ParseError struct {
	Table  string
	Kind   ParseErrorKind
	Index  int
	Detail string
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v: %s", e.Table, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %v at %d: %s", e.Table, e.Kind, e.Index, e.Detail)
}

// Is makes checksum mismatches match ErrIntegrity.
func (e *ParseError) Is(target error) bool {
	return target == ErrIntegrity && e.Kind == ChecksumMismatch
}

// NewParseError is a shorthand for building ParseErrors with a formatted detail.
func NewParseError(table string, kind ParseErrorKind, index int, format string, args ...interface{}) *ParseError {
	return &ParseError{
		Table:  table,
		Kind:   kind,
		Index:  index,
		Detail: fmt.Sprintf(format, args...),
	}
}

// A Stage names a step of the resolution pipeline that must succeed for a run to continue.
type Stage string

const (
	StageVersion      Stage = "version"
	StageBuildConfig  Stage = "buildconfig"
	StageCDNConfig    Stage = "cdnconfig"
	StageEncoding     Stage = "encoding"
	StageRoot         Stage = "root"
	StageArchiveIndex Stage = "archiveindex"
)

// A StageError records which pipeline stage, and which hash, caused a run to abort.
type StageError struct {
	Stage Stage
	Hash  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Hash, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through the stage annotation.
func (e *StageError) Cause() error { return e.Err }
