package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rubiojr/fruitmap/pkg/forage"
	"github.com/rubiojr/fruitmap/pkg/geocode"
	"github.com/rubiojr/fruitmap/pkg/logger"
	"github.com/rubiojr/fruitmap/pkg/overpass"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

//go:embed web
var webAssets embed.FS

func main() {
	// A missing .env is fine; the environment and flags still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("loading .env: %v", err)
	}
	cfg := configFromEnv()

	// Command-line flags
	debugFlag := flag.Bool("debug", cfg.Debug, "enable debug logging")
	listenFlag := flag.String("listen", cfg.Listen, "HTTP listen address")
	dataDirFlag := flag.String("data-dir", "", "custom data directory (overrides XDG_DATA_HOME)")
	cacheDirFlag := flag.String("cache-dir", "", "custom cache directory (overrides XDG_CACHE_HOME)")
	noAutoLoadFlag := flag.Bool("no-autoload", false, "start with movement-driven loading disabled")
	flag.Parse()

	cfg.Debug = *debugFlag
	cfg.Listen = *listenFlag
	if *noAutoLoadFlag {
		cfg.AutoLoad = false
	}
	logger.SetDebug(cfg.Debug)

	var err error
	if cfg.DataDir, err = resolveDir(*dataDirFlag, xdgDataDir()); err != nil {
		logger.Error("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	if cfg.CacheDir, err = resolveDir(*cacheDirFlag, xdgCacheDir()); err != nil {
		logger.Error("Failed to create cache dir %s: %v", cfg.CacheDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logger.Fatal("%v", err)
	}
}

func run(ctx context.Context, cfg Config) error {
	web, err := fs.Sub(webAssets, "web")
	if err != nil {
		return err
	}

	h := newHub()
	gate := viewport.NewGate(cfg.MinMoveDistance, cfg.LoadDelay)
	gate.SetEnabled(cfg.AutoLoad)
	ctl := forage.NewController(
		overpass.NewClient(cfg.OverpassURL, cfg.OverpassTimeout),
		gate,
		forage.WithDisplay(h),
		forage.WithLoadTimeout(cfg.OverpassTimeout+10*time.Second),
	)
	// Seed the hub so the first page sees the initial (empty) state.
	h.Render(ctl.Snapshot())

	geo, err := geocode.New(geocode.Config{
		Server:    cfg.NominatimServer,
		Retries:   cfg.NominatimRetries,
		CachePath: filepath.Join(cfg.CacheDir, "geocode.sqlite"),
	})
	if err != nil {
		return err
	}
	defer geo.Close()

	history, err := geocode.OpenHistory(filepath.Join(cfg.DataDir, "history.sqlite"))
	if err != nil {
		logger.Error("search history unavailable: %v", err)
	}
	defer history.Close()

	tiles, err := newTileProxy(cfg.TileUpstream, filepath.Join(cfg.CacheDir, "tiles"), cfg.TileCacheMax, cfg.TileCacheBytes, cfg.TileTimeout)
	if err != nil {
		return err
	}
	go tiles.pruneLoop(ctx, tilePruneEvery)

	locator := newGeoClueLocator(desktopID)
	defer locator.Stop()

	api := &apiServer{
		ctl:     ctl,
		hub:     h,
		geo:     geo,
		history: history,
		locator: locator,
		tiles:   tiles,
		web:     web,
	}
	mux := http.NewServeMux()
	api.RegisterAPI(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("fruitmap listening on http://%s (autoload=%v, delay=%v, threshold=%g)", cfg.Listen, cfg.AutoLoad, gate.Delay(), gate.Threshold())
		logger.Debug("data dir %s, cache dir %s", cfg.DataDir, cfg.CacheDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	gate.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
