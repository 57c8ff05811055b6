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

// Package configtable decodes the pipe-delimited tables served by the patch service, such as "versions" and "cdns".
//
// The first line declares columns as Name!TYPE:width. Lines starting with "##" carry metadata (currently only the sequence number) and are not rows.
package configtable

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
)

const (
	typeDelimiter   = "!"
	widthDelimiter  = ":"
	columnDelimiter = "|"
	metaPrefix      = "##"
	seqnPrefix      = "## seqn = "

	structTag = "configtable"

	typeString = "string"
	typeHex    = "hex"
	typeDec    = "dec"
)

type column struct {
	name    string
	colType string
	width   int
}

// A Decoder reads a Blizzard config table from an input stream.
type Decoder struct {
	columns     []column
	columnNames map[string]int
	s           *bufio.Scanner
	err         error
	seqn        int
}

// Seqn returns the sequence number declared by the table, or 0 if none has been read yet.
func (d *Decoder) Seqn() int {
	return d.seqn
}

// Columns returns the column names declared by the table header.
func (d *Decoder) Columns() ([]string, error) {
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	names := make([]string, len(d.columns))
	for n, c := range d.columns {
		names[n] = c.name
	}
	return names, nil
}

func (d *Decoder) line() (string, error) {
	if d.err != nil {
		return "", d.err
	}
	for {
		if !d.s.Scan() {
			d.err = d.s.Err()
			if d.err == nil {
				d.err = io.EOF
			}
			return "", d.err
		}
		txt := strings.TrimRight(d.s.Text(), "\r")
		if strings.HasPrefix(txt, metaPrefix) {
			if strings.HasPrefix(txt, seqnPrefix) {
				if n, err := strconv.Atoi(strings.TrimSpace(txt[len(seqnPrefix):])); err == nil {
					d.seqn = n
				}
			}
			continue
		}
		if txt == "" && d.columns != nil {
			continue
		}
		return txt, nil
	}
}

func parseColumn(h string) (column, error) {
	bits := strings.Split(h, typeDelimiter)
	if len(bits) != 2 {
		return column{}, fmt.Errorf("configtable: missing type delimiter in header %q", h)
	}

	typeBits := strings.Split(bits[1], widthDelimiter)
	if len(typeBits) != 2 {
		return column{}, fmt.Errorf("configtable: missing width in column type %q", bits[1])
	}
	width, err := strconv.Atoi(typeBits[1])
	if err != nil {
		return column{}, fmt.Errorf("configtable: bad width in column type %q: %v", bits[1], err)
	}

	colType := strings.ToLower(typeBits[0])
	switch colType {
	case typeString, typeHex, typeDec:
	default:
		return column{}, fmt.Errorf("configtable: unsupported type %q", typeBits[0])
	}

	return column{
		name:    bits[0],
		colType: colType,
		width:   width,
	}, nil
}

func (d *Decoder) readHeader() error {
	if d.columns != nil {
		// already done, don't trigger twice
		return nil
	}

	headerLine, err := d.line()
	if err != nil {
		return err
	}
	fullHeaders := strings.Split(headerLine, columnDelimiter)

	columns := make([]column, len(fullHeaders))
	columnNames := make(map[string]int)
	for n, h := range fullHeaders {
		c, err := parseColumn(h)
		if err != nil {
			d.err = err
			return d.err
		}
		columns[n] = c

		if _, ok := columnNames[c.name]; ok {
			d.err = fmt.Errorf("configtable: duplicate column name %q", c.name)
			return d.err
		}
		columnNames[c.name] = n
	}
	d.columns = columns
	d.columnNames = columnNames

	return nil
}

// byteWidth returns the storage width and signedness of an integer kind.
func byteWidth(k reflect.Kind) (width int, unsigned bool) {
	switch k {
	case reflect.Int, reflect.Int32:
		return 4, false
	case reflect.Uint, reflect.Uint32:
		return 4, true
	case reflect.Int8:
		return 1, false
	case reflect.Uint8:
		return 1, true
	case reflect.Int16:
		return 2, false
	case reflect.Uint16:
		return 2, true
	case reflect.Int64:
		return 8, false
	case reflect.Uint64:
		return 8, true
	}
	panic(fmt.Sprintf("configtable: byteWidth of non-integer kind %v", k))
}

func isInteger(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Int64) || (k >= reflect.Uint && k <= reflect.Uint64)
}

func isByteSequence(t reflect.Type) bool {
	return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() == reflect.Uint8
}

type fieldInfo struct {
	v         reflect.Value
	delimiter string
}

// Decode decodes a line from the config table into a provided struct.
func (d *Decoder) Decode(s interface{}) error {
	if err := d.readHeader(); err != nil {
		return err
	}

	if reflect.TypeOf(s).Kind() != reflect.Ptr {
		return fmt.Errorf("configtable: cannot decode into non-struct-pointer")
	}

	v := reflect.Indirect(reflect.ValueOf(s))
	st := v.Type()
	if !v.IsValid() || st.Kind() != reflect.Struct {
		return fmt.Errorf("configtable: cannot decode into non-struct-pointer")
	}

	// create mappings from column indexes to field indexes.
	columnToField := make(map[int]fieldInfo)
	fields := v.NumField()
	for n := 0; n < fields; n++ {
		f := st.Field(n)
		// cheat and use PkgPath to check if this field is exported.
		if f.PkgPath != "" {
			// unexported, skip since we won't be able to set it anyway.
			continue
		}
		columnName := f.Name
		var delimiter string

		if tag := f.Tag.Get(structTag); tag != "" {
			bits := strings.SplitN(tag, ",", 2)
			columnName = bits[0]
			if len(bits) == 2 {
				delimiter = bits[1]
			}
		}

		columnID, ok := d.columnNames[columnName]
		if !ok {
			continue
		}

		col := d.columns[columnID]
		ft := f.Type
		switch {
		case ft.Kind() == reflect.String:
		case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.String:
		case col.colType == typeHex && isByteSequence(ft):
		case col.colType == typeDec && isInteger(ft.Kind()):
		default:
			return fmt.Errorf("configtable: cannot decode %s column %q into field %s of type %v", col.colType, col.name, f.Name, ft)
		}

		columnToField[columnID] = fieldInfo{v: v.Field(n), delimiter: delimiter}
	}

	ln, err := d.line()
	if err != nil {
		return err
	}

	bits := strings.Split(ln, columnDelimiter)
	if len(bits) != len(d.columns) {
		d.err = fmt.Errorf("configtable: column count mismatch: saw %d columns, expected %d", len(bits), len(d.columns))
		return d.err
	}

	for n, s := range bits {
		fi, ok := columnToField[n]
		if !ok {
			continue
		}
		if err := setValue(fi, d.columns[n], s); err != nil {
			return err
		}
	}

	return nil
}

func setValue(fi fieldInfo, col column, s string) error {
	f := fi.v
	ft := f.Type()
	switch {
	case ft.Kind() == reflect.String:
		f.SetString(s)
	case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.String:
		delim := " "
		if fi.delimiter != "" {
			delim = fi.delimiter
		}
		var bits []string
		if s != "" {
			bits = strings.Split(s, delim)
		} else {
			bits = []string{}
		}
		f.Set(reflect.ValueOf(bits))
	case isByteSequence(ft):
		if s == "" {
			return nil
		}
		if len(s)%2 == 1 {
			s = "0" + s
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("configtable: column %q: %v", col.name, err)
		}
		if ft.Kind() == reflect.Slice {
			f.SetBytes(b)
			return nil
		}
		if len(b) > ft.Len() {
			return fmt.Errorf("configtable: column %q: %d bytes do not fit in %v", col.name, len(b), ft)
		}
		// Short values are right-aligned, as if the leading zeros had not been dropped.
		pad := ft.Len() - len(b)
		for n := 0; n < ft.Len(); n++ {
			var x byte
			if n >= pad {
				x = b[n-pad]
			}
			f.Index(n).SetUint(uint64(x))
		}
	case isInteger(ft.Kind()):
		if s == "" {
			return nil
		}
		width, unsigned := byteWidth(ft.Kind())
		if unsigned {
			x, err := strconv.ParseUint(s, 10, width*8)
			if err != nil {
				return fmt.Errorf("configtable: column %q: %v", col.name, err)
			}
			f.SetUint(x)
		} else {
			x, err := strconv.ParseInt(s, 10, width*8)
			if err != nil {
				return fmt.Errorf("configtable: column %q: %v", col.name, err)
			}
			f.SetInt(x)
		}
	}
	return nil
}

// NewDecoder creates a new Decoder from the provided io.Reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		s: bufio.NewScanner(r),
	}
}
