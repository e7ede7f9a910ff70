// Package geocode resolves free-text place names to a coordinate through a
// Nominatim server. Lookups are throttled, cached in memory and in sqlite,
// and concurrent identical queries share one upstream request.
package geocode

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/muesli/gominatim"
	"golang.org/x/sync/singleflight"

	"github.com/rubiojr/fruitmap/pkg/logger"
)

const (
	DefaultServer      = "https://nominatim.openstreetmap.org"
	DefaultMinInterval = 400 * time.Millisecond
	defaultMemEntries  = 512
	maxRetries         = 5
	lookupTimeout      = 30 * time.Second
)

var (
	ErrEmptyQuery = errors.New("empty search query")
	ErrNotFound   = errors.New("place not found")
)

// Result is one geocoding hit.
type Result struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Class string  `json:"class,omitempty"`
	Type  string  `json:"type,omitempty"`
}

// SearchFunc performs one upstream lookup.
type SearchFunc func(q string) ([]Result, error)

// Config configures a Geocoder. Zero values select the defaults.
type Config struct {
	Server string
	// Retries is the number of extra attempts after a truncated upstream
	// response. Zero disables retrying.
	Retries     int
	CachePath   string // sqlite file; empty keeps the cache in memory only
	MemEntries  int
	MinInterval time.Duration
	Search      SearchFunc
}

// Geocoder is safe for concurrent use.
type Geocoder struct {
	db          *sql.DB
	mem         *lru.Cache[string, []Result]
	group       singleflight.Group
	search      SearchFunc
	retries     int
	minInterval time.Duration

	throttleMu sync.Mutex
	last       time.Time
}

// New builds a Geocoder. A cache file that cannot be opened is logged and the
// geocoder falls back to memory caching.
func New(cfg Config) (*Geocoder, error) {
	if cfg.MemEntries <= 0 {
		cfg.MemEntries = defaultMemEntries
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Retries < 0 || cfg.Retries > maxRetries {
		cfg.Retries = 0
	}
	mem, err := lru.New[string, []Result](cfg.MemEntries)
	if err != nil {
		return nil, fmt.Errorf("geocode memory cache: %w", err)
	}
	g := &Geocoder{
		mem:         mem,
		search:      cfg.Search,
		retries:     cfg.Retries,
		minInterval: cfg.MinInterval,
	}
	if g.search == nil {
		srv := strings.TrimSpace(cfg.Server)
		if srv == "" {
			srv = DefaultServer
		}
		gominatim.SetServer(srv)
		g.search = nominatimSearch
	}
	if cfg.CachePath != "" {
		db, err := openCache(cfg.CachePath)
		if err != nil {
			logger.Error("geocode cache open failed: %v", err)
		} else {
			g.db = db
		}
	}
	return g, nil
}

// Close releases the sqlite cache.
func (g *Geocoder) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Search returns the best match for q. An empty upstream answer yields
// ErrNotFound; empty answers are cached like any other.
//
// The upstream lookup is shared by every caller asking for the same query and
// outlives any single caller's ctx; ctx only bounds how long this caller waits.
func (g *Geocoder) Search(ctx context.Context, q string) (Result, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return Result{}, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := strings.ToLower(q)

	results, ok := g.mem.Get(key)
	if !ok {
		ch := g.group.DoChan(key, func() (any, error) {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
			defer cancel()
			res, err := g.lookup(lctx, key, q)
			if err == nil {
				g.mem.Add(key, res)
			}
			return res, err
		})
		var r singleflight.Result
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case r = <-ch:
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		if r.Shared {
			logger.Debug("geocode %q coalesced with an in-flight lookup", q)
		}
		results = r.Val.([]Result)
	}
	if len(results) == 0 {
		return Result{}, fmt.Errorf("%q: %w", q, ErrNotFound)
	}
	return results[0], nil
}

func (g *Geocoder) lookup(ctx context.Context, key, q string) ([]Result, error) {
	if res, ok := g.cached(key); ok {
		logger.Debug("geocode cache hit for %q", q)
		return res, nil
	}
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	var (
		res []Result
		err error
	)
	attempts := g.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = g.search(q)
		if err == nil {
			if attempt > 1 {
				logger.Info("nominatim recovered after %d attempt(s) for %q", attempt, q)
			}
			break
		}
		if !transient(err) || attempt == attempts {
			logger.Error("nominatim search error (attempt %d/%d, query=%q): %v", attempt, attempts, q, err)
			return nil, fmt.Errorf("nominatim %q: %w", q, err)
		}
		logger.Warn("transient nominatim error (attempt %d/%d, will retry) query=%q err=%v", attempt, attempts, q, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	if res == nil {
		res = []Result{}
	}
	g.store(key, res)
	return res, nil
}

// throttle keeps upstream requests at least minInterval apart.
func (g *Geocoder) throttle(ctx context.Context) error {
	g.throttleMu.Lock()
	defer g.throttleMu.Unlock()
	if wait := g.minInterval - time.Since(g.last); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	g.last = time.Now()
	return nil
}

func (g *Geocoder) cached(key string) ([]Result, bool) {
	if g.db == nil {
		return nil, false
	}
	var raw string
	if err := g.db.QueryRow(`SELECT json FROM geocode_cache WHERE query = ?`, key).Scan(&raw); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Error("geocode cache read failed for %q: %v", key, err)
		}
		return nil, false
	}
	var res []Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		logger.Error("geocode cache unmarshal failed for %q: %v (ignoring)", key, err)
		return nil, false
	}
	if res == nil {
		res = []Result{}
	}
	return res, true
}

func (g *Geocoder) store(key string, res []Result) {
	if g.db == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if _, err := g.db.Exec(`INSERT OR REPLACE INTO geocode_cache(query, json, fetched_at) VALUES(?,?,CURRENT_TIMESTAMP)`, key, string(b)); err != nil {
		logger.Error("geocode cache write failed for %q: %v", key, err)
	}
}

// transient matches truncated or reset upstream responses.
func transient(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") || strings.Contains(s, "EOF")
}

func nominatimSearch(q string) ([]Result, error) {
	qObj := gominatim.SearchQuery{Q: q}
	hits, err := qObj.Get()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		lat, errLat := strconv.ParseFloat(h.Lat, 64)
		lon, errLon := strconv.ParseFloat(h.Lon, 64)
		if errLat != nil || errLon != nil || h.DisplayName == "" {
			continue
		}
		out = append(out, Result{
			Name:  h.DisplayName,
			Lat:   lat,
			Lon:   lon,
			Class: h.Class,
			Type:  h.Type,
		})
	}
	return out, nil
}
