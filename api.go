package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rubiojr/fruitmap/pkg/forage"
	"github.com/rubiojr/fruitmap/pkg/fruit"
	"github.com/rubiojr/fruitmap/pkg/geocode"
	"github.com/rubiojr/fruitmap/pkg/logger"
	"github.com/rubiojr/fruitmap/pkg/overpass"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

// User-facing messages, in the language of the map page.
const (
	msgLoadFailed     = "Chyba při načítání dat. Zkuste to prosím znovu."
	msgLoadSuperseded = "Načítání bylo nahrazeno novějším požadavkem."
	msgNotFound       = "Místo nebylo nalezeno."
	msgSearchFailed   = "Chyba při vyhledávání místa."
	msgEmptyQuery     = "Zadejte název místa."
	msgNoLocation     = "Nepodařilo se získat vaši polohu."
	msgBadRequest     = "Neplatný požadavek."
)

const (
	searchZoom   = 13
	locateZoom   = 15
	maxBodyBytes = 1 << 16
)

// apiError is the JSON body of every failed request.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	body := apiError{Code: code, Message: message}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

// loadErrorInfo maps a load failure to its category code and user message.
func loadErrorInfo(err error) (code, message string) {
	var se *overpass.StatusError
	switch {
	case errors.Is(err, forage.ErrStale):
		return "stale", msgLoadSuperseded
	case errors.As(err, &se):
		return "status", msgLoadFailed
	case errors.Is(err, overpass.ErrDecode):
		return "decode", msgLoadFailed
	case errors.Is(err, overpass.ErrRemark):
		return "remark", msgLoadFailed
	case errors.Is(err, overpass.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return "transport", msgLoadFailed
	default:
		return "load_failed", msgLoadFailed
	}
}

// apiServer holds everything the handlers need.
type apiServer struct {
	ctl     *forage.Controller
	hub     *hub
	geo     *geocode.Geocoder
	history *geocode.History
	locator Locator
	tiles   *tileProxy
	web     fs.FS
}

func (s *apiServer) RegisterAPI(mux *http.ServeMux) {
	// Page
	if s.web != nil {
		mux.Handle("GET /", http.FileServerFS(s.web))
	}

	// State & push
	mux.HandleFunc("GET /api/state", s.handleGetState)
	mux.HandleFunc("GET /api/ws", s.hub.serveWS)

	// Loader
	mux.HandleFunc("POST /api/viewport", s.handlePostViewport)
	mux.HandleFunc("POST /api/load", s.handlePostLoad)
	mux.HandleFunc("POST /api/clear", s.handlePostClear)
	mux.HandleFunc("PUT /api/autoload", s.handlePutAutoLoad)

	// Filters
	mux.HandleFunc("GET /api/categories", s.handleGetCategories)
	mux.HandleFunc("PUT /api/filters/{category}", s.handleFilter(true))
	mux.HandleFunc("DELETE /api/filters/{category}", s.handleFilter(false))
	mux.HandleFunc("DELETE /api/filters", s.handleClearFilters)

	// Search & location
	mux.HandleFunc("GET /api/search", s.handleGetSearch)
	mux.HandleFunc("GET /api/history", s.handleGetHistory)
	mux.HandleFunc("GET /api/location", s.handleGetLocation)

	// Export
	mux.HandleFunc("GET /api/export.gpx", s.handleExportGPX)
	mux.HandleFunc("GET /api/export.geojson", s.handleExportGeoJSON)

	// Tiles
	if s.tiles != nil {
		mux.HandleFunc("GET /api/tiles/stats", s.tiles.serveStats)
		mux.HandleFunc("GET /api/tiles/{z}/{x}/{y}", s.tiles.serveTile)
	}

	mux.HandleFunc("GET /api/version", handleGetVersion)
}

func (s *apiServer) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func decodeRect(r *http.Request) (viewport.Rect, error) {
	var rect viewport.Rect
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&rect)
	return rect, err
}

func (s *apiServer) handlePostViewport(w http.ResponseWriter, r *http.Request) {
	rect, err := decodeRect(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", msgBadRequest, err)
		return
	}
	b, err := rect.Bound()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_bounds", msgBadRequest, err)
		return
	}
	scheduled := s.ctl.Moved(b)
	logger.Debug("/api/viewport bbox=%s scheduled=%v", viewport.BBox(b), scheduled)
	writeJSON(w, http.StatusOK, map[string]any{"scheduled": scheduled})
}

// handlePostLoad loads immediately, bypassing the movement gate and the
// auto-load flag.
func (s *apiServer) handlePostLoad(w http.ResponseWriter, r *http.Request) {
	rect, err := decodeRect(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", msgBadRequest, err)
		return
	}
	b, err := rect.Bound()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_bounds", msgBadRequest, err)
		return
	}
	if err := s.ctl.Load(r.Context(), b); err != nil {
		code, message := loadErrorInfo(err)
		status := http.StatusBadGateway
		if code == "stale" {
			status = http.StatusConflict
		}
		writeError(w, status, code, message, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *apiServer) handlePostClear(w http.ResponseWriter, _ *http.Request) {
	s.ctl.Clear()
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *apiServer) handlePutAutoLoad(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil || payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "bad_request", msgBadRequest, err)
		return
	}
	s.ctl.SetAutoLoad(*payload.Enabled)
	logger.Info("auto-load %s", map[bool]string{true: "enabled", false: "disabled"}[*payload.Enabled])
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.ctl.AutoLoad()})
}

func (s *apiServer) handleGetCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot().Counts)
}

func (s *apiServer) handleFilter(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat, err := fruit.Parse(r.PathValue("category"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_category", msgBadRequest, err)
			return
		}
		if err := s.ctl.SetFilter(cat, on); err != nil {
			writeError(w, http.StatusBadRequest, "unknown_category", msgBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctl.Snapshot())
	}
}

func (s *apiServer) handleClearFilters(w http.ResponseWriter, _ *http.Request) {
	s.ctl.ClearFilters()
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *apiServer) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	logger.Debug("/api/search received q=%q", q)
	res, err := s.geo.Search(r.Context(), q)
	switch {
	case errors.Is(err, geocode.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "empty_query", msgEmptyQuery, err)
		return
	case errors.Is(err, geocode.ErrNotFound):
		if herr := s.history.Record(q, nil); herr != nil {
			logger.Error("history insert failed: %v", herr)
		}
		writeError(w, http.StatusNotFound, "not_found", msgNotFound, err)
		return
	case err != nil:
		logger.Error("search %q failed: %v", q, err)
		writeError(w, http.StatusBadGateway, "search_failed", msgSearchFailed, err)
		return
	}
	if herr := s.history.Record(q, &res); herr != nil {
		logger.Error("history insert failed: %v", herr)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name": res.Name,
		"lat":  res.Lat,
		"lon":  res.Lon,
		"zoom": searchZoom,
	})
}

func (s *apiServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	entries, err := s.history.Recent(limit)
	if err != nil {
		logger.Error("history query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "history_failed", msgSearchFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *apiServer) handleGetLocation(w http.ResponseWriter, _ *http.Request) {
	if s.locator == nil {
		writeError(w, http.StatusServiceUnavailable, "location_unavailable", msgNoLocation, ErrNoFix)
		return
	}
	fix, err := s.locator.Current()
	if err != nil {
		logger.Debug("/api/location: %v", err)
		writeError(w, http.StatusServiceUnavailable, "location_unavailable", msgNoLocation, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lat":        fix.Latitude,
		"lon":        fix.Longitude,
		"accuracy_m": fix.Accuracy,
		"zoom":       locateZoom,
	})
}

func (s *apiServer) handleExportGPX(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := writeGPX(&buf, s.ctl.Visible(), time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "export_failed", msgBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/gpx+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="fruitmap.gpx"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *apiServer) handleExportGeoJSON(w http.ResponseWriter, _ *http.Request) {
	b, err := featureCollection(s.ctl.Visible()).MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export_failed", msgBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Content-Disposition", `attachment; filename="fruitmap.geojson"`)
	_, _ = w.Write(b)
}

// handleGetVersion returns runtime version information
func handleGetVersion(w http.ResponseWriter, _ *http.Request) {
	versionInfo := map[string]any{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		versionInfo["go_module"] = buildInfo.Path
		if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
			versionInfo["app_version"] = buildInfo.Main.Version
		}
		settings := make(map[string]string)
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				settings["commit"] = setting.Value
				if len(setting.Value) > 7 {
					settings["commit_short"] = setting.Value[:7]
				}
			case "vcs.time":
				settings["build_time"] = setting.Value
			case "vcs.modified":
				settings["dirty"] = setting.Value
			}
		}
		if len(settings) > 0 {
			versionInfo["build_info"] = settings
		}
	}
	writeJSON(w, http.StatusOK, versionInfo)
}
