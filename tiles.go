package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rubiojr/fruitmap/pkg/logger"
)

const (
	tileUserAgent  = "fruitmap tile proxy/1.0"
	maxTileBytes   = 4 << 20
	maxZoom        = 22
	tileCacheCtrl  = "public, max-age=120"
	tileMemDivisor = 4 // memory holds a quarter of the disk budget
	tilePruneEvery = 3 * time.Minute
)

var errTileStatus = errors.New("upstream status")

type tileKey struct {
	z, x, y int
}

func (k tileKey) String() string { return fmt.Sprintf("%d/%d/%d", k.z, k.x, k.y) }

// tileProxy serves map tiles from memory, then disk, then upstream. Concurrent
// misses for one tile share a single upstream request.
type tileProxy struct {
	mem      *lru.Cache[tileKey, []byte]
	group    singleflight.Group
	upstream string
	diskDir  string
	client   *http.Client
	maxMem   int
	maxDisk  int   // tiles kept on disk
	maxBytes int64 // bytes kept on disk

	hits      atomic.Uint64 // memory+disk hits
	diskHits  atomic.Uint64
	misses    atomic.Uint64 // upstream fetches initiated
	shared    atomic.Uint64 // requests that joined an in-flight fetch
	stored    atomic.Uint64 // tiles written to disk
	errors    atomic.Uint64
	evictions atomic.Uint64
	pruned    atomic.Uint64 // tiles removed from disk
	served    atomic.Uint64 // bytes written to clients
}

func newTileProxy(upstream, diskDir string, maxEntries int, maxBytes int64, timeout time.Duration) (*tileProxy, error) {
	p := &tileProxy{
		upstream: upstream,
		diskDir:  diskDir,
		client:   &http.Client{Timeout: timeout},
		maxMem:   max(maxEntries/tileMemDivisor, 1),
		maxDisk:  maxEntries,
		maxBytes: maxBytes,
	}
	mem, err := lru.NewWithEvict[tileKey, []byte](p.maxMem, func(tileKey, []byte) {
		p.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	p.mem = mem
	if diskDir != "" {
		if err := ensureDir(diskDir); err != nil {
			logger.Error("tile cache dir %s: %v (disk cache disabled)", diskDir, err)
			p.diskDir = ""
		}
	}
	return p, nil
}

func parseTileKey(r *http.Request) (tileKey, error) {
	yStr, ok := strings.CutSuffix(r.PathValue("y"), ".png")
	if !ok {
		return tileKey{}, errors.New("bad path")
	}
	z, err1 := strconv.Atoi(r.PathValue("z"))
	x, err2 := strconv.Atoi(r.PathValue("x"))
	y, err3 := strconv.Atoi(yStr)
	if err1 != nil || err2 != nil || err3 != nil || z < 0 || z > maxZoom || x < 0 || y < 0 || x >= 1<<z || y >= 1<<z {
		return tileKey{}, errors.New("invalid coords")
	}
	return tileKey{z, x, y}, nil
}

func (p *tileProxy) diskPath(k tileKey) string {
	return filepath.Join(p.diskDir, strconv.Itoa(k.z), strconv.Itoa(k.x), strconv.Itoa(k.y)+".png")
}

func (p *tileProxy) serveTile(w http.ResponseWriter, r *http.Request) {
	key, err := parseTileKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start := time.Now()

	if data, ok := p.mem.Get(key); ok {
		p.hits.Add(1)
		logger.Debug("TILE mem-hit %s", key)
		p.write(w, data)
		return
	}
	if p.diskDir != "" {
		if data, err := os.ReadFile(p.diskPath(key)); err == nil {
			p.hits.Add(1)
			p.diskHits.Add(1)
			p.mem.Add(key, data)
			logger.Debug("TILE disk-hit %s", key)
			p.write(w, data)
			return
		}
	}

	v, err, shared := p.group.Do(key.String(), func() (any, error) {
		p.misses.Add(1)
		return p.fetch(key)
	})
	if shared {
		p.shared.Add(1)
	}
	if err != nil {
		logger.Debug("TILE upstream error %s: %v", key, err)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	data := v.([]byte)
	logger.Debug("TILE upstream-success %s size=%s elapsed=%v shared=%v", key, humanize.Bytes(uint64(len(data))), time.Since(start), shared)
	p.write(w, data)
}

func (p *tileProxy) fetch(key tileKey) ([]byte, error) {
	upURL := fmt.Sprintf(p.upstream, key.z, key.x, key.y)
	req, err := http.NewRequest(http.MethodGet, upURL, nil)
	if err != nil {
		p.errors.Add(1)
		return nil, err
	}
	req.Header.Set("User-Agent", tileUserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		p.errors.Add(1)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.errors.Add(1)
		return nil, fmt.Errorf("%w %d", errTileStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		p.errors.Add(1)
		return nil, err
	}

	p.mem.Add(key, body)
	if p.diskDir != "" {
		final := p.diskPath(key)
		if err := ensureDir(filepath.Dir(final)); err == nil {
			tmp := final + ".tmp"
			if err := os.WriteFile(tmp, body, 0o644); err == nil {
				if err := os.Rename(tmp, final); err == nil {
					p.stored.Add(1)
				}
			}
		}
	}
	return body, nil
}

func (p *tileProxy) write(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", tileCacheCtrl)
	n, _ := w.Write(data)
	p.served.Add(uint64(n))
}

func (p *tileProxy) serveStats(w http.ResponseWriter, _ *http.Request) {
	served := p.served.Load()
	stats := map[string]any{
		"memory_cache_entries":     p.mem.Len(),
		"memory_cache_max_entries": p.maxMem,
		"disk_cache_dir":           p.diskDir,
		"upstream":                 p.upstream,
		"cache_hits":               p.hits.Load(),
		"cache_disk_hits":          p.diskHits.Load(),
		"cache_misses":             p.misses.Load(),
		"cache_shared_fetches":     p.shared.Load(),
		"tiles_stored":             p.stored.Load(),
		"errors":                   p.errors.Load(),
		"evictions":                p.evictions.Load(),
		"disk_max_entries":         p.maxDisk,
		"disk_max_bytes":           humanize.Bytes(uint64(max(p.maxBytes, 0))),
		"disk_pruned":              p.pruned.Load(),
		"bytes_served":             served,
		"bytes_served_human":       humanize.Bytes(served),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// pruneLoop trims the disk cache now and every interval until ctx is done.
func (p *tileProxy) pruneLoop(ctx context.Context, every time.Duration) {
	if p.diskDir == "" {
		return
	}
	p.pruneDisk()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneDisk()
		}
	}
}

type diskTile struct {
	path string
	mod  time.Time
	size int64
}

// pruneDisk removes the oldest tiles until both the entry and the byte caps
// hold. A non-positive cap is not enforced.
func (p *tileProxy) pruneDisk() {
	if p.diskDir == "" {
		return
	}
	var (
		tiles []diskTile
		total int64
	)
	_ = filepath.WalkDir(p.diskDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".png") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			tiles = append(tiles, diskTile{path, info.ModTime(), info.Size()})
			total += info.Size()
		}
		return nil
	})
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].mod.Before(tiles[j].mod) })

	count := len(tiles)
	var removed int
	var freed int64
	for _, t := range tiles {
		overCount := p.maxDisk > 0 && count > p.maxDisk
		overBytes := p.maxBytes > 0 && total > p.maxBytes
		if !overCount && !overBytes {
			break
		}
		if err := os.Remove(t.path); err != nil {
			logger.Debug("TILE prune %s: %v", t.path, err)
			continue
		}
		count--
		total -= t.size
		removed++
		freed += t.size
	}
	if removed > 0 {
		p.pruned.Add(uint64(removed))
		logger.Info("tile cache pruned %d tiles (%s), %d left (%s)", removed, humanize.Bytes(uint64(freed)), count, humanize.Bytes(uint64(total)))
	}
}
