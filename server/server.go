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

// Package server serves the tracked products and their files over HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/NYTimes/gziphandler"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/lukegb/framexml/extract"
	"github.com/lukegb/framexml/ngdp"
	"github.com/lukegb/framexml/ngdp/client"
)

type Product struct {
	VersionInfo struct {
		BuildConfig   string `json:"build_config"`
		CDNConfig     string `json:"cdn_config"`
		BuildID       int    `json:"build_id"`
		VersionsName  string `json:"versions_name"`
		ProductConfig string `json:"product_config"`
	} `json:"version_info"`
	CDNInfo struct {
		Path  string   `json:"path"`
		Hosts []string `json:"hosts"`
	} `json:"cdn_info"`
	Files int `json:"files"`
}

func productFromClient(c *client.Client) Product {
	var p Product

	p.VersionInfo.BuildConfig = c.VersionInfo.BuildConfig.String()
	p.VersionInfo.CDNConfig = c.VersionInfo.CDNConfig.String()
	p.VersionInfo.BuildID = c.VersionInfo.BuildID
	p.VersionInfo.VersionsName = c.VersionInfo.VersionsName
	p.VersionInfo.ProductConfig = c.VersionInfo.ProductConfig.String()

	p.CDNInfo.Path = c.CDNInfo.Path
	p.CDNInfo.Hosts = c.CDNInfo.Hosts

	p.Files = c.Tables.Root.Len()

	return p
}

func annotateHeadersWithClient(h http.Header, c *client.Client) {
	h.Set("FrameXML-Build-Config", c.VersionInfo.BuildConfig.String())
	h.Set("FrameXML-Build-ID", fmt.Sprintf("%d", c.VersionInfo.BuildID))
	h.Set("FrameXML-Version-Name", c.VersionInfo.VersionsName)
}

// A Server answers requests from a Datastore.
type Server struct {
	ds     *Datastore
	router *mux.Router
}

// New returns a Server for ds.
func New(ds *Datastore) *Server {
	s := &Server{ds: ds, router: mux.NewRouter()}

	r := s.router.Methods("GET").Subrouter()
	r.HandleFunc("/products", s.ProductsHandler)
	r.HandleFunc("/products/{product}", s.ProductHandler)
	r.Handle("/products/{product}/files/{fdid:[0-9]+}", gziphandler.GzipHandler(http.HandlerFunc(s.FileHandler)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) ProductsHandler(w http.ResponseWriter, r *http.Request) {
	out := make(map[ngdp.ProductTag]Product)
	for _, product := range s.ds.Tracking() {
		c, err := s.ds.Client(product)
		if err != nil {
			// Not loaded yet.
			continue
		}
		out[product] = productFromClient(c)
	}
	writeJSON(w, out)
}

func (s *Server) ProductHandler(w http.ResponseWriter, r *http.Request) {
	product := ngdp.ProductTag(mux.Vars(r)["product"])

	c, err := s.ds.Client(product)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	annotateHeadersWithClient(w.Header(), c)
	writeJSON(w, productFromClient(c))
}

func (s *Server) FileHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	product := ngdp.ProductTag(vars["product"])

	c, err := s.ds.Client(product)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	annotateHeadersWithClient(w.Header(), c)

	fdid, err := strconv.ParseUint(vars["fdid"], 10, 32)
	if err != nil {
		http.Error(w, "bad FileDataID", http.StatusBadRequest)
		return
	}

	glog.Infof("%s: request file %d", product, fdid)
	loc, err := c.Resolve(uint32(fdid))
	if err != nil {
		if extract.IsMiss(err) {
			http.Error(w, "no such file", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	calcetag := fmt.Sprintf("\"%v\"", loc.ContentHash)
	if etag := r.Header.Get("If-None-Match"); etag == calcetag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	results := extract.Extract(r.Context(), c, []uint32{uint32(fdid)}, extract.Options{Workers: 1, Decode: true})
	res := results[uint32(fdid)]
	if res.Err != nil {
		http.Error(w, res.Err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(res.Data)))
	w.Header().Set("FrameXML-File-Content-Hash", loc.ContentHash.String())
	w.Header().Set("FrameXML-File-CDN-Hash", loc.CDNHash.String())
	if !loc.Loose {
		w.Header().Set("FrameXML-Archive-CDN-Hash", loc.Archive.Archive.String())
	}
	w.Header().Set("ETag", calcetag)
	w.Write(res.Data)
}
