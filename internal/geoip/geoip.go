// Package geoip answers "where is this client" for the /ip endpoint.
//
// The location comes from headers added by a trusted fronting proxy when
// available, and from an optional MaxMind database otherwise. Database
// lookups are cached per IP address.
package geoip

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/netdiag/internal/metrics"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
	"github.com/oschwald/maxminddb-golang"
)

// Headers set by Cloudflare in front of the server.
const (
	headerConnectingIP = "CF-Connecting-IP"
	headerCountry      = "CF-IPCountry"
	headerCity         = "CF-IPCity"
)

// DefaultTTL is the default lifetime of a cached database lookup.
const DefaultTTL = 10 * time.Minute

type record struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Locator resolves a request to a model.IPInfo.
type Locator struct {
	db     *maxminddb.Reader
	lookup func(ip net.IP) (record, error)
	cache  *ttlcache.Cache[string, record]

	// trustHeaders enables the proxy headers. Any client can set them, so
	// they are only honored behind a proxy that overwrites them.
	trustHeaders bool
}

// New returns a Locator. If dbPath is empty, only proxy headers are used.
// Proxy headers are ignored unless trustHeaders is true.
func New(dbPath string, ttl time.Duration, trustHeaders bool) (*Locator, error) {
	l := &Locator{
		trustHeaders: trustHeaders,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, record](ttl),
			ttlcache.WithDisableTouchOnHit[string, record](),
		),
	}
	if dbPath != "" {
		db, err := maxminddb.Open(dbPath)
		if err != nil {
			return nil, err
		}
		l.db = db
		l.lookup = l.lookupDB
	}
	go l.cache.Start()
	return l, nil
}

func (l *Locator) lookupDB(ip net.IP) (record, error) {
	var r record
	err := l.db.Lookup(ip, &r)
	return r, err
}

// Close stops the cache cleanup goroutine and closes the database.
func (l *Locator) Close() error {
	l.cache.Stop()
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Lookup returns the client's IP address, country and city. Unknown values
// are reported as "N/A".
func (l *Locator) Lookup(req *http.Request) model.IPInfo {
	info := model.IPInfo{
		IP:      l.clientIP(req),
		Country: spec.NotAvailable,
		City:    spec.NotAvailable,
	}
	if l.trustHeaders {
		if c := req.Header.Get(headerCountry); c != "" && c != "XX" {
			info.Country = c
		}
		if c := req.Header.Get(headerCity); c != "" {
			info.City = c
		}
	}
	if info.Country != spec.NotAvailable && info.City != spec.NotAvailable {
		metrics.IPLookupCount.WithLabelValues("header").Inc()
		return info
	}

	ip := net.ParseIP(info.IP)
	if l.lookup == nil || ip == nil {
		metrics.IPLookupCount.WithLabelValues("none").Inc()
		return info
	}

	var r record
	if item := l.cache.Get(info.IP); item != nil {
		r = item.Value()
		metrics.IPLookupCount.WithLabelValues("cache").Inc()
	} else {
		var err error
		r, err = l.lookup(ip)
		if err != nil {
			log.Debug("geoip lookup failed", "ip", info.IP, "error", err)
			metrics.IPLookupCount.WithLabelValues("error").Inc()
			return info
		}
		l.cache.Set(info.IP, r, ttlcache.DefaultTTL)
		metrics.IPLookupCount.WithLabelValues("geoip").Inc()
	}
	if info.Country == spec.NotAvailable && r.Country.ISOCode != "" {
		info.Country = r.Country.ISOCode
	}
	if info.City == spec.NotAvailable && r.City.Names["en"] != "" {
		info.City = r.City.Names["en"]
	}
	return info
}

// clientIP returns the address of the client, preferring the one reported
// by a trusted fronting proxy.
func (l *Locator) clientIP(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get(headerConnectingIP)); l.trustHeaders && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		if req.RemoteAddr == "" {
			return spec.NotAvailable
		}
		return req.RemoteAddr
	}
	return host
}
