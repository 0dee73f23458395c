// Package geo annotates egress IPs with a country code from a local MMDB
// database. The whole package is optional: without a configured database
// every lookup is a nil-safe no-op.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver wraps one open GeoIP2/GeoLite2 database. A nil Resolver is valid
// and resolves everything to "".
type Resolver struct {
	db *geoip2.Reader
}

// Open loads the database at path. An empty path returns a nil Resolver and
// no error; a non-empty path that fails to load is an error, because the
// operator explicitly asked for enrichment.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Country returns the ISO country code for ip, or "" when the resolver is
// nil, the address does not parse, or the database has no answer. Lookup
// problems never propagate: enrichment is strictly additive.
func (r *Resolver) Country(ip string) string {
	if r == nil || r.db == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := r.db.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the database. Safe on a nil Resolver.
func (r *Resolver) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}
