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

// Package keyvalue decodes the "key = value value ..." documents used for build and CDN configs.
package keyvalue

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

var (
	fieldNameRegexp = regexp.MustCompile(`[\p{Lu}][^\p{Lu}]*`)

	ErrNotStructPointer = fmt.Errorf("keyvalue: cannot decode into non-struct-pointer")
)

const (
	structTag      = "keyvalue"
	rawOption      = "raw"
	commentChar    = "#"
	valueSeparator = "="
)

// Values holds every key of a document with its whitespace-separated values.
type Values map[string][]string

// Get returns the first value for key, or "" if the key is absent.
func (v Values) Get(key string) string {
	vs := v[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Has reports whether key was present in the document.
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

func convertFieldName(s string) string {
	bits := fieldNameRegexp.FindAllString(s, -1)
	for n, bit := range bits {
		bits[n] = strings.ToLower(bit)
	}
	return strings.Join(bits, "-")
}

// Parse reads a document into Values.
//
// Blank lines, comments and lines without a separator are skipped.
func Parse(ir io.Reader) (Values, error) {
	vals := make(Values)
	r := bufio.NewScanner(ir)
	r.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for r.Scan() {
		key, value, ok := splitLine(r.Text())
		if !ok {
			continue
		}
		vals[key] = strings.Fields(value)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("keyvalue: reading: %v", err)
	}
	return vals, nil
}

func splitLine(ln string) (key, value string, ok bool) {
	txt := strings.TrimSpace(ln)
	if len(txt) == 0 || strings.HasPrefix(txt, commentChar) {
		return "", "", false
	}

	bits := strings.SplitN(txt, valueSeparator, 2)
	if len(bits) != 2 {
		return "", "", false
	}
	key = strings.TrimSpace(bits[0])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(bits[1]), true
}

// Decode reads a document into the struct pointed to by s.
//
// Field names are converted to lower-case hyphenated keys ("ArchiveGroup" becomes "archive-group") unless overridden with a `keyvalue:"name"` tag.
// A map[string][]string field tagged `keyvalue:",raw"` receives every key in the document.
// A value that cannot be decoded into its field is logged and the field is left at its zero value; callers check for required keys themselves.
func Decode(ir io.Reader, s interface{}) error {
	if reflect.TypeOf(s).Kind() != reflect.Ptr {
		return ErrNotStructPointer
	}

	v := reflect.Indirect(reflect.ValueOf(s))
	if !v.IsValid() || v.Type().Kind() != reflect.Struct {
		return ErrNotStructPointer
	}
	st := v.Type()

	vals, err := Parse(ir)
	if err != nil {
		return err
	}

	fields := v.NumField()
	for n := 0; n < fields; n++ {
		f := st.Field(n)
		// cheat and use PkgPath to check if this field is exported.
		if f.PkgPath != "" {
			// unexported, skip since we won't be able to set it anyway.
			continue
		}

		fieldName := convertFieldName(f.Name)
		if tag := f.Tag.Get(structTag); tag != "" {
			if tag == "-" {
				continue
			}
			bits := strings.SplitN(tag, ",", 2)
			if len(bits) == 2 && bits[1] == rawOption {
				if f.Type != reflect.TypeOf(map[string][]string(nil)) {
					return fmt.Errorf("keyvalue: raw field %v must be map[string][]string", f.Name)
				}
				v.Field(n).Set(reflect.ValueOf(map[string][]string(vals)))
				continue
			}
			if bits[0] != "" {
				fieldName = bits[0]
			}
		}

		value, ok := vals[fieldName]
		if !ok {
			// nothing to smush into this field
			continue
		}

		if err := setValue(v.Field(n), value); err != nil {
			glog.Warningf("keyvalue: ignoring %v = %q: %v", fieldName, strings.Join(value, " "), err)
			v.Field(n).Set(reflect.Zero(f.Type))
		}
	}

	return nil
}

func setValue(f reflect.Value, bits []string) error {
	switch {
	case f.Kind() == reflect.Slice && f.Type().Elem().Kind() != reflect.Uint8:
		out := reflect.MakeSlice(f.Type(), len(bits), len(bits))
		for n, bit := range bits {
			if err := setScalar(out.Index(n), bit); err != nil {
				return err
			}
		}
		f.Set(out)
	case f.Kind() == reflect.Struct:
		if len(bits) != f.NumField() {
			return fmt.Errorf("keyvalue: unpacking %d values into embedded struct with %d fields", len(bits), f.NumField())
		}
		for n, bit := range bits {
			if err := setScalar(f.Field(n), bit); err != nil {
				return err
			}
		}
	default:
		if len(bits) == 0 {
			return setScalar(f, "")
		}
		return setScalar(f, strings.Join(bits, " "))
	}
	return nil
}

func setScalar(f reflect.Value, value string) error {
	if value == "" && f.Kind() != reflect.String {
		return nil
	}
	switch {
	case f.Kind() == reflect.String:
		f.SetString(value)
	case f.Kind() >= reflect.Int && f.Kind() <= reflect.Int64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(v)
	case f.Kind() >= reflect.Uint && f.Kind() <= reflect.Uint64:
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		f.SetUint(v)
	case f.Kind() == reflect.Array && f.Type().Elem().Kind() == reflect.Uint8:
		b, err := hex.DecodeString(value)
		if err != nil {
			return err
		}
		if len(b) != f.Len() {
			return fmt.Errorf("keyvalue: hex value has %d bytes; want %d", len(b), f.Len())
		}
		reflect.Copy(f, reflect.ValueOf(b))
	case f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.Uint8:
		b, err := hex.DecodeString(value)
		if err != nil {
			return err
		}
		f.SetBytes(b)
	default:
		return fmt.Errorf("keyvalue: don't know how to unpack into kind %v", f.Kind())
	}
	return nil
}
