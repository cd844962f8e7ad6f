package geoip

import (
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	codes  map[string]string
	calls  int
	err    error
	closed bool
}

func (f *fakeReader) Country(ip net.IP) (*geoip2.Country, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rec := &geoip2.Country{}
	rec.Country.IsoCode = f.codes[ip.String()]
	return rec, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestCountryCodeCachesLookups(t *testing.T) {
	reader := &fakeReader{codes: map[string]string{"203.0.113.9": "ID"}}
	r := newResolver(reader, 8)

	for i := 0; i < 3; i++ {
		code, err := r.CountryCode("203.0.113.9")
		require.NoError(t, err)
		assert.Equal(t, "ID", code)
	}
	assert.Equal(t, 1, reader.calls)

	code, err := r.CountryCode("::ffff:203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "ID", code)
	assert.Equal(t, 1, reader.calls, "mapped ipv4 shares the cache entry")
}

func TestCountryCodeSkipsLocalAddresses(t *testing.T) {
	reader := &fakeReader{}
	r := newResolver(reader, 8)
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.4", "::1", "fe80::1"} {
		code, err := r.CountryCode(ip)
		require.NoError(t, err, ip)
		assert.Empty(t, code, ip)
	}
	assert.Zero(t, reader.calls)
}

func TestCountryCodeErrors(t *testing.T) {
	var nilResolver *Resolver
	_, err := nilResolver.CountryCode("203.0.113.9")
	assert.ErrorIs(t, err, ErrUnavailable)

	r := newResolver(&fakeReader{err: errors.New("corrupt")}, 8)
	_, err = r.CountryCode("not-an-ip")
	assert.Error(t, err)
	_, err = r.CountryCode("198.51.100.2")
	assert.ErrorContains(t, err, "corrupt")
}

func TestCacheResetsWhenFull(t *testing.T) {
	reader := &fakeReader{codes: map[string]string{}}
	r := newResolver(reader, 2)
	for _, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		_, err := r.CountryCode(ip)
		require.NoError(t, err)
	}
	assert.Len(t, r.cache, 1)
	require.NoError(t, r.Close())
	assert.True(t, reader.closed)
}

func TestNewResolverEmptyPath(t *testing.T) {
	r, err := NewResolver("  ")
	require.NoError(t, err)
	assert.Nil(t, r)
}
