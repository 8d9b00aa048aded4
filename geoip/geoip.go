// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package geoip resolves an IP address to an ISO 3166-1 alpha-2 country
// code from a MaxMind-format database, satisfying the router's GeoIPReader
// collaborator contract.
package geoip

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/maxminddb-golang"
)

// Reader answers country queries against a MaxMind GeoLite2/GeoIP2 Country
// database. It is safe for concurrent use: maxminddb.Reader's Lookup method
// only reads the memory-mapped database file.
type Reader struct {
	db *maxminddb.Reader
}

// Open memory-maps the database at path. The returned Reader must be
// closed when no longer needed.
func Open(path string) (*Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %q: %w", path, err)
	}
	return &Reader{db: db}, nil
}

// Close releases the underlying memory-mapped file.
func (r *Reader) Close() error {
	return r.db.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Country implements router.GeoIPReader. Absence of a database entry, or
// any lookup error, is reported as ok == false rather than surfaced as an
// error: the router's contract treats "unknown" as "no match", not fatal.
func (r *Reader) Country(addr netip.Addr) (string, bool) {
	var record countryRecord
	if err := r.db.Lookup(net.IP(addr.AsSlice()), &record); err != nil {
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}
