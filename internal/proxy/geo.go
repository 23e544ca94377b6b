package proxy

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/benthamlabs/bentham/internal/model"
)

// GeoReader maps an IP address to a lowercased ISO country code.
type GeoReader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// GeoOpenFunc opens a GeoIP database file.
type GeoOpenFunc func(path string) (GeoReader, error)

type mmdbReader struct {
	db *maxminddb.Reader
}

type mmdbCountry struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

func (r *mmdbReader) Lookup(ip netip.Addr) string {
	var rec mmdbCountry
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return strings.ToLower(rec.Country.ISOCode)
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// MaxmindOpen opens an mmdb country database. This is the production
// GeoOpenFunc.
func MaxmindOpen(path string) (GeoReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// GeoServiceConfig configures the egress geo verifier.
type GeoServiceConfig struct {
	DBPath         string      // path to the mmdb country database
	ReloadSchedule string      // cron expression, default "0 4 * * *"
	OpenDB         GeoOpenFunc // defaults to MaxmindOpen
}

// GeoService verifies proxy egress locations against a GeoIP database,
// hot-reloading the database on a cron schedule so an operator can drop a
// fresh mmdb in place without a restart.
type GeoService struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first load

	dbPath   string
	openDB   GeoOpenFunc
	cron     *cron.Cron
	loadedAt time.Time
}

// NewGeoService creates the verifier and schedules periodic reloads.
func NewGeoService(cfg GeoServiceConfig) *GeoService {
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "0 4 * * *"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxmindOpen
	}
	s := &GeoService{
		dbPath: cfg.DBPath,
		openDB: cfg.OpenDB,
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.ReloadSchedule, func() {
		if err := s.Reload(); err != nil {
			log.Printf("[geo] scheduled reload failed: %v", err)
		}
	}); err != nil {
		log.Printf("[geo] invalid cron expression %q: %v", cfg.ReloadSchedule, err)
	}
	return s
}

// Start loads the database if present and starts the reload scheduler. A
// missing database is not an error: lookups return "" until one appears.
func (s *GeoService) Start() error {
	if _, err := os.Stat(s.dbPath); err == nil {
		if err := s.Reload(); err != nil {
			log.Printf("[geo] failed to load initial db: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("geo: stat db %s: %w", s.dbPath, err)
	} else {
		log.Printf("[geo] no database at %s, egress verification disabled", s.dbPath)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and closes the reader.
func (s *GeoService) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Reload swaps in a freshly opened reader. RLock holders on the old reader
// finish before it is closed.
func (s *GeoService) Reload() error {
	newReader, err := s.openDB(s.dbPath)
	if err != nil {
		return fmt.Errorf("geo: open %s: %w", s.dbPath, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.loadedAt = time.Now()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[geo] loaded database %s", filepath.Base(s.dbPath))
	return nil
}

// Lookup returns the lowercased country code for the IP, or "" when no
// database is loaded or the IP is unknown.
func (s *GeoService) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(ip)
}

// LoadedAt returns when the current database was loaded.
func (s *GeoService) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// VerifyEgress checks that a proxy's host resolves into the country its
// record claims. Returns (true, country) on match, (false, country) on
// mismatch. An empty country means the check could not run and the record
// is given the benefit of the doubt.
func (s *GeoService) VerifyEgress(rec model.ProxyRecord) (bool, string) {
	want := strings.ToLower(rec.LocationID)
	if want == "" {
		return true, ""
	}

	var addr netip.Addr
	if parsed, err := netip.ParseAddr(rec.Host); err == nil {
		addr = parsed
	} else {
		ips, err := net.LookupIP(rec.Host)
		if err != nil || len(ips) == 0 {
			return true, ""
		}
		parsed, ok := netip.AddrFromSlice(ips[0])
		if !ok {
			return true, ""
		}
		addr = parsed.Unmap()
	}

	got := s.Lookup(addr)
	if got == "" {
		return true, ""
	}
	return got == want, got
}
