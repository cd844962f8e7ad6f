// Package geoip maps client addresses to ISO country codes for locale
// detection.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnavailable is returned when the resolver is not initialized.
var ErrUnavailable = errors.New("geoip resolver unavailable")

const defaultCacheSize = 4096

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Resolver answers country lookups from a MaxMind database. Results are
// cached per address; the cache is dropped wholesale once it fills.
type Resolver struct {
	reader countryReader

	mu    sync.Mutex
	cache map[netip.Addr]string
	limit int
}

// NewResolver opens the database at path. An empty path disables lookups
// and returns a nil resolver.
func NewResolver(path string) (*Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return newResolver(reader, defaultCacheSize), nil
}

func newResolver(reader countryReader, limit int) *Resolver {
	return &Resolver{reader: reader, cache: make(map[netip.Addr]string), limit: limit}
}

// CountryCode returns the ISO country code for ip. Private, loopback and
// link-local addresses resolve to "" without touching the database.
func (r *Resolver) CountryCode(ip string) (string, error) {
	if r == nil || r.reader == nil {
		return "", ErrUnavailable
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return "", nil
	}

	r.mu.Lock()
	code, ok := r.cache[addr]
	r.mu.Unlock()
	if ok {
		return code, nil
	}

	record, err := r.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geoip: lookup country: %w", err)
	}
	if record != nil {
		code = record.Country.IsoCode
	}

	r.mu.Lock()
	if len(r.cache) >= r.limit {
		clear(r.cache)
	}
	r.cache[addr] = code
	r.mu.Unlock()
	return code, nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
