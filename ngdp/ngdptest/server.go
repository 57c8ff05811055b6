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
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/lukegb/framexml/ngdp"
)

// A Request is a request seen by a Server.
type Request struct {
	Path  string
	Range string
}

// A Server is a fake patch and CDN host.
//
// Files are served from memory by path. Range requests are answered with 206 and a Content-Range header.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	status   map[string]int
	failures map[string]int
	short    map[string]int
	requests []Request
}

// NewServer starts a Server. Callers should Close it when done.
func NewServer() *Server {
	s := &Server{
		files:    make(map[string][]byte),
		status:   make(map[string]int),
		failures: make(map[string]int),
		short:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Host returns the host:port of the server, for use in CDNInfo.Hosts.
func (s *Server) Host() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		panic(err)
	}
	return u.Host
}

// Put serves data at path.
func (s *Server) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

// PutCDN serves data at the CDN location of h.
func (s *Server) PutCDN(cdnPath string, contentType ngdp.ContentType, h ngdp.CDNHash, suffix string, data []byte) string {
	p := ngdp.CDNPath(cdnPath, contentType, h, suffix)
	s.Put(p, data)
	return p
}

// SetStatus makes every request for path fail with code.
func (s *Server) SetStatus(path string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[path] = code
}

// FailTimes makes the next n requests for path fail with a 503.
func (s *Server) FailTimes(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = n
}

// ShortTimes makes the next n requests for path return half of the body they should.
func (s *Server) ShortTimes(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.short[path] = n
}

// Requests returns every request seen so far, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns the number of requests seen for path.
func (s *Server) Count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, r := range s.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// ResetRequests forgets every request seen so far.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Path: r.URL.Path, Range: r.Header.Get("Range")})
	data, ok := s.files[r.URL.Path]
	code := s.status[r.URL.Path]
	fail := s.failures[r.URL.Path] > 0
	if fail {
		s.failures[r.URL.Path]--
	}
	short := s.short[r.URL.Path] > 0
	if short {
		s.short[r.URL.Path]--
	}
	s.mu.Unlock()

	switch {
	case code != 0:
		http.Error(w, http.StatusText(code), code)
		return
	case fail:
		http.Error(w, "try again later", http.StatusServiceUnavailable)
		return
	case !ok:
		http.NotFound(w, r)
		return
	}

	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		start, end, err := parseRange(rng, len(data))
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		status = http.StatusPartialContent
	}
	if short {
		data = data[:len(data)/2]
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}

func parseRange(h string, size int) (start, end int, err error) {
	rng := strings.TrimPrefix(h, "bytes=")
	bits := strings.SplitN(rng, "-", 2)
	if rng == h || len(bits) != 2 {
		return 0, 0, fmt.Errorf("bad range %q", h)
	}
	if start, err = strconv.Atoi(bits[0]); err != nil {
		return 0, 0, err
	}
	if end, err = strconv.Atoi(bits[1]); err != nil {
		return 0, 0, err
	}
	if start > end || start >= size {
		return 0, 0, fmt.Errorf("range %q not satisfiable for %d bytes", h, size)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// VersionsTable renders a patch service "versions" table.
func VersionsTable(rows ...ngdp.VersionInfo) []byte {
	var buf bytes.Buffer
	buf.WriteString("Region!STRING:0|BuildConfig!HEX:16|CDNConfig!HEX:16|KeyRing!HEX:16|BuildId!DEC:4|VersionsName!String:0|ProductConfig!HEX:16\n")
	buf.WriteString("## seqn = 1\n")
	for _, v := range rows {
		keyRing := ""
		if !v.KeyRing.IsZero() {
			keyRing = v.KeyRing.String()
		}
		fmt.Fprintf(&buf, "%s|%s|%s|%s|%d|%s|%s\n", v.Region, v.BuildConfig, v.CDNConfig, keyRing, v.BuildID, v.VersionsName, v.ProductConfig)
	}
	return buf.Bytes()
}

// CDNsTable renders a patch service "cdns" table.
func CDNsTable(rows ...ngdp.CDNInfo) []byte {
	var buf bytes.Buffer
	buf.WriteString("Name!STRING:0|Path!STRING:0|Hosts!STRING:0|Servers!STRING:0|ConfigPath!STRING:0\n")
	buf.WriteString("## seqn = 1\n")
	for _, c := range rows {
		fmt.Fprintf(&buf, "%s|%s|%s|%s|%s\n", c.Name, c.Path, strings.Join(c.Hosts, " "), strings.Join(c.Servers, " "), c.ConfigPath)
	}
	return buf.Bytes()
}
