package main

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rubiojr/fruitmap/pkg/geocode"
	"github.com/rubiojr/fruitmap/pkg/logger"
	"github.com/rubiojr/fruitmap/pkg/overpass"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

// Environment variable keys
const (
	listenEnv           = "FRUITMAP_LISTEN"
	overpassURLEnv      = "FRUITMAP_OVERPASS_URL"
	overpassTimeoutEnv  = "FRUITMAP_OVERPASS_TIMEOUT"
	nominatimServerEnv  = "FRUITMAP_NOMINATIM_SERVER"
	nominatimRetriesEnv = "FRUITMAP_NOMINATIM_RETRIES"
	loadDelayEnv        = "FRUITMAP_LOAD_DELAY"
	minMoveDistanceEnv  = "FRUITMAP_MIN_MOVE_DISTANCE"
	autoLoadEnv         = "FRUITMAP_AUTOLOAD"
	tileUpstreamEnv     = "FRUITMAP_TILE_UPSTREAM"
	tileCacheMaxEnv     = "FRUITMAP_TILE_CACHE_MAX"
	tileCacheBytesEnv   = "FRUITMAP_TILE_CACHE_MAX_BYTES"
	tileTimeoutEnv      = "FRUITMAP_TILE_TIMEOUT"
	debugEnv            = "FRUITMAP_DEBUG"
)

const (
	defaultListen           = "127.0.0.1:43099"
	defaultTileUpstream     = "https://tile.openstreetmap.org/%d/%d/%d.png"
	defaultTileCacheMax     = 20000
	defaultTileCacheBytes   = 256 << 20
	defaultTileTimeout      = 12 * time.Second
	defaultNominatimRetries = 0
)

// Config is the resolved runtime configuration.
type Config struct {
	Listen   string
	DataDir  string
	CacheDir string
	Debug    bool

	OverpassURL     string
	OverpassTimeout time.Duration

	NominatimServer  string
	NominatimRetries int

	LoadDelay       time.Duration
	MinMoveDistance float64
	AutoLoad        bool

	TileUpstream string
	TileCacheMax   int
	TileCacheBytes int64
	TileTimeout    time.Duration
}

// configFromEnv reads FRUITMAP_* variables. Invalid values are logged and
// replaced by the default (soft validation).
func configFromEnv() Config {
	c := Config{
		Listen:           envString(listenEnv, defaultListen),
		Debug:            envBool(debugEnv, false),
		OverpassURL:      envString(overpassURLEnv, overpass.DefaultEndpoint),
		OverpassTimeout:  envDuration(overpassTimeoutEnv, overpass.DefaultTimeout, time.Second),
		NominatimServer:  envString(nominatimServerEnv, geocode.DefaultServer),
		NominatimRetries: defaultNominatimRetries,
		LoadDelay:        envDuration(loadDelayEnv, viewport.DefaultLoadDelay, time.Millisecond),
		MinMoveDistance:  viewport.DefaultMinMoveDistance,
		AutoLoad:         envBool(autoLoadEnv, true),
		TileUpstream:     defaultTileUpstream,
		TileCacheMax:     defaultTileCacheMax,
		TileCacheBytes:   defaultTileCacheBytes,
		TileTimeout:      envDuration(tileTimeoutEnv, defaultTileTimeout, time.Second),
	}
	if v := os.Getenv(nominatimRetriesEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 5 {
			c.NominatimRetries = n
		} else {
			logger.Warn("ignoring %s=%q (want 0-5)", nominatimRetriesEnv, v)
		}
	}
	if v := os.Getenv(minMoveDistanceEnv); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.MinMoveDistance = f
		} else {
			logger.Warn("ignoring %s=%q (want a positive number of degrees)", minMoveDistanceEnv, v)
		}
	}
	if v := os.Getenv(tileUpstreamEnv); v != "" {
		if strings.Count(v, "%d") == 3 {
			c.TileUpstream = v
		} else {
			logger.Warn("ignoring %s=%q (want three %%d placeholders for z/x/y)", tileUpstreamEnv, v)
		}
	}
	if v := os.Getenv(tileCacheMaxEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 100 {
			c.TileCacheMax = n
		} else {
			logger.Warn("ignoring %s=%q (want >= 100)", tileCacheMaxEnv, v)
		}
	}
	if v := os.Getenv(tileCacheBytesEnv); v != "" {
		if n, err := humanize.ParseBytes(v); err == nil && n >= 1<<20 && n <= math.MaxInt64 {
			c.TileCacheBytes = int64(n)
		} else {
			logger.Warn("ignoring %s=%q (want a size of at least 1 MiB, e.g. 512MB)", tileCacheBytesEnv, v)
		}
	}
	return c
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("ignoring %s=%q (want a boolean)", key, v)
		return def
	}
	return b
}

func envDuration(key string, def, min time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < min {
		logger.Warn("ignoring %s=%q (want a duration >= %v)", key, v, min)
		return def
	}
	return d
}
