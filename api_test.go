package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"

	"github.com/rubiojr/fruitmap/pkg/forage"
	"github.com/rubiojr/fruitmap/pkg/geocode"
	"github.com/rubiojr/fruitmap/pkg/overpass"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

type fakeSource struct {
	mu       sync.Mutex
	elements []overpass.Element
	err      error
}

func (f *fakeSource) Fetch(ctx context.Context, b orb.Bound) ([]overpass.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elements, f.err
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeLocator struct {
	fix LocationFix
	err error
}

func (f fakeLocator) Current() (LocationFix, error) { return f.fix, f.err }

func ptr(v float64) *float64 { return &v }

func sampleElements() []overpass.Element {
	return []overpass.Element{
		{Type: osm.TypeNode, ID: 1, Lat: ptr(50.01), Lon: ptr(14.01), Tags: map[string]string{"species": "malus domestica", "name": "Stará jabloň"}},
		{Type: osm.TypeNode, ID: 2, Lat: ptr(50.02), Lon: ptr(14.02), Tags: map[string]string{"fruit": "unknown berry"}},
		{Type: osm.TypeWay, ID: 3, Geometry: []*overpass.LatLon{{Lat: 50.03, Lon: 14.03}, {Lat: 50.05, Lon: 14.05}}},
	}
}

type testEnv struct {
	srv    *httptest.Server
	src    *fakeSource
	gate   *viewport.Gate
	search func(q string) ([]geocode.Result, error)
}

func newTestEnv(t *testing.T, loc Locator) *testEnv {
	t.Helper()
	env := &testEnv{src: &fakeSource{elements: sampleElements()}}
	env.gate = viewport.NewGate(0.01, time.Hour)
	t.Cleanup(env.gate.Cancel)

	h := newHub()
	ctl := forage.NewController(env.src, env.gate, forage.WithDisplay(h))
	h.Render(ctl.Snapshot())

	geo, err := geocode.New(geocode.Config{
		MinInterval: time.Millisecond,
		Search: func(q string) ([]geocode.Result, error) {
			switch strings.ToLower(q) {
			case "praha":
				return []geocode.Result{{Name: "Praha", Lat: 50.0875, Lon: 14.4213}}, nil
			case "boom":
				return nil, errors.New("502 bad gateway")
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	history, err := geocode.OpenHistory(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = history.Close() })

	api := &apiServer{
		ctl:     ctl,
		hub:     h,
		geo:     geo,
		history: history,
		locator: loc,
		web:     fstest.MapFS{"index.html": {Data: []byte("<html>fruitmap</html>")}},
	}
	mux := http.NewServeMux()
	api.RegisterAPI(mux)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

var pragueRect = viewport.Rect{South: 50.0, West: 14.0, North: 50.1, East: 14.1}

func TestLoadAndFilterFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/load", pragueRect)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d: %s", resp.StatusCode, body)
	}
	snap := decode[forage.Snapshot](t, body)
	if snap.Total != 3 || snap.Visible != 3 || len(snap.Markers) != 3 {
		t.Fatalf("after load: %+v", snap)
	}

	steps := []struct {
		method, path string
		status       int
		visible      int
	}{
		{http.MethodPut, "/api/filters/other", http.StatusOK, 2},
		{http.MethodPut, "/api/filters/other", http.StatusOK, 2},
		{http.MethodPut, "/api/filters/apple", http.StatusOK, 3},
		{http.MethodDelete, "/api/filters/other", http.StatusOK, 1},
		{http.MethodDelete, "/api/filters", http.StatusOK, 3},
	}
	for _, s := range steps {
		resp, body := env.do(t, s.method, s.path, nil)
		if resp.StatusCode != s.status {
			t.Fatalf("%s %s status = %d: %s", s.method, s.path, resp.StatusCode, body)
		}
		if got := decode[forage.Snapshot](t, body).Visible; got != s.visible {
			t.Errorf("%s %s visible = %d, want %d", s.method, s.path, got, s.visible)
		}
	}

	resp, body = env.do(t, http.MethodPut, "/api/filters/banana", nil)
	if resp.StatusCode != http.StatusBadRequest || decode[apiError](t, body).Code != "unknown_category" {
		t.Errorf("unknown category: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/categories", nil)
	counts := decode[[]forage.CategoryCount](t, body)
	sum := 0
	for _, c := range counts {
		sum += c.Count
	}
	if resp.StatusCode != http.StatusOK || sum != 3 {
		t.Errorf("categories sum = %d (status %d)", sum, resp.StatusCode)
	}

	_, body = env.do(t, http.MethodPost, "/api/clear", nil)
	if snap := decode[forage.Snapshot](t, body); snap.Total != 0 || len(snap.Filters) != 0 {
		t.Errorf("after clear: %+v", snap)
	}
}

func TestLoadFailureKeepsState(t *testing.T) {
	env := newTestEnv(t, nil)
	if resp, body := env.do(t, http.MethodPost, "/api/load", pragueRect); resp.StatusCode != http.StatusOK {
		t.Fatalf("initial load: %d %s", resp.StatusCode, body)
	}

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"status", &overpass.StatusError{StatusCode: http.StatusTooManyRequests}, "status"},
		{"decode", overpass.ErrDecode, "decode"},
		{"runtime error remark", overpass.ErrRemark, "remark"},
		{"transport", overpass.ErrTransport, "transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.src.fail(tt.err)
			resp, body := env.do(t, http.MethodPost, "/api/load", pragueRect)
			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("status = %d, want 502", resp.StatusCode)
			}
			e := decode[apiError](t, body)
			if e.Code != tt.code || e.Message != msgLoadFailed {
				t.Errorf("error body = %+v", e)
			}
			_, body = env.do(t, http.MethodGet, "/api/state", nil)
			if got := decode[forage.Snapshot](t, body).Total; got != 3 {
				t.Errorf("total after failure = %d, want 3", got)
			}
		})
	}
}

func TestViewportAndAutoLoad(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/viewport", pragueRect)
	if resp.StatusCode != http.StatusOK || !decode[map[string]bool](t, body)["scheduled"] {
		t.Fatalf("first viewport: %d %s", resp.StatusCode, body)
	}
	if !env.gate.Pending() {
		t.Error("gate has no pending load")
	}

	resp, _ = env.do(t, http.MethodPost, "/api/viewport", viewport.Rect{South: 10, West: 0, North: 5, East: 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted bounds status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPut, "/api/autoload", map[string]bool{"enabled": false})
	if resp.StatusCode != http.StatusOK || decode[map[string]bool](t, body)["enabled"] {
		t.Fatalf("disable autoload: %d %s", resp.StatusCode, body)
	}
	if env.gate.Pending() {
		t.Error("disabling auto-load must cancel the pending load")
	}
	_, body = env.do(t, http.MethodPost, "/api/viewport", pragueRect)
	if decode[map[string]bool](t, body)["scheduled"] {
		t.Error("viewport scheduled a load with auto-load off")
	}

	resp, _ = env.do(t, http.MethodPut, "/api/autoload", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing enabled field status = %d", resp.StatusCode)
	}
}

func TestSearchAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		query   string
		status  int
		code    string
		message string
	}{
		{"Praha", http.StatusOK, "", ""},
		{"atlantis", http.StatusNotFound, "not_found", msgNotFound},
		{"", http.StatusBadRequest, "empty_query", msgEmptyQuery},
		{"boom", http.StatusBadGateway, "search_failed", msgSearchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, "/api/search?q="+tt.query, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
			if tt.status == http.StatusOK {
				got := decode[map[string]any](t, body)
				if got["zoom"] != float64(searchZoom) || got["lat"] != 50.0875 {
					t.Errorf("body = %v", got)
				}
				return
			}
			if e := decode[apiError](t, body); e.Code != tt.code || e.Message != tt.message {
				t.Errorf("error = %+v", e)
			}
		})
	}

	_, body := env.do(t, http.MethodGet, "/api/history", nil)
	hist := decode[struct {
		Entries []geocode.Entry `json:"entries"`
	}](t, body)
	if len(hist.Entries) != 2 || hist.Entries[0].Query != "atlantis" || hist.Entries[1].Query != "Praha" {
		t.Errorf("history = %+v", hist.Entries)
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		name   string
		loc    Locator
		status int
	}{
		{"no locator", nil, http.StatusServiceUnavailable},
		{"no fix", fakeLocator{err: ErrNoFix}, http.StatusServiceUnavailable},
		{"fix", fakeLocator{fix: LocationFix{Latitude: 49.2, Longitude: 16.6}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.loc)
			resp, body := env.do(t, http.MethodGet, "/api/location", nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			if tt.status != http.StatusOK {
				if e := decode[apiError](t, body); e.Message != msgNoLocation {
					t.Errorf("message = %q", e.Message)
				}
				return
			}
			got := decode[map[string]float64](t, body)
			if got["zoom"] != locateZoom || got["lat"] != 49.2 {
				t.Errorf("body = %v", got)
			}
		})
	}
}

func TestExportEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/load", pragueRect)
	env.do(t, http.MethodPut, "/api/filters/apple", nil)

	resp, body := env.do(t, http.MethodGet, "/api/export.gpx", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/gpx+xml" {
		t.Fatalf("gpx: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "<name>Stará jabloň</name>") || strings.Count(string(body), "<wpt ") != 1 {
		t.Errorf("gpx export should hold only the visible apple:\n%s", body)
	}

	env.do(t, http.MethodDelete, "/api/filters", nil)
	_, body = env.do(t, http.MethodGet, "/api/export.geojson", nil)
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 3 {
		t.Errorf("features = %d, want 3", len(fc.Features))
	}
}

func TestStaticAndVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "fruitmap") {
		t.Errorf("index: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/version", nil)
	if resp.StatusCode != http.StatusOK || decode[map[string]any](t, body)["go_version"] == nil {
		t.Errorf("version: %d %s", resp.StatusCode, body)
	}
}

func TestWebsocketPush(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	next := func() wsMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m wsMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := next(); m.Type != "snapshot" || m.Snapshot == nil || m.Snapshot.Total != 0 {
		t.Fatalf("initial message = %+v", m)
	}

	env.src.fail(overpass.ErrTransport)
	resp, body := env.do(t, http.MethodPost, "/api/load", pragueRect)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if e := decode[apiError](t, body); e.Code != "transport" || e.Message != msgLoadFailed {
		t.Errorf("error body = %+v", e)
	}

	// loading=true then loading=false; the failure itself is reported by the
	// HTTP response only.
	if m := next(); m.Type != "snapshot" || !m.Snapshot.Loading {
		t.Fatalf("first push = %+v", m)
	}
	if m := next(); m.Type != "snapshot" || m.Snapshot.Loading {
		t.Fatalf("second push = %+v", m)
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra wsMessage
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected push after a manual load failure: %+v", extra)
	}
}

func TestHubPushesErrors(t *testing.T) {
	h := newHub()
	srv := httptest.NewServer(http.HandlerFunc(h.serveWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Wait for registration before notifying.
	deadline := time.Now().Add(5 * time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Notify(fmt.Errorf("load: %w", overpass.ErrTransport))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m wsMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.Type != "error" || m.Code != "transport" || m.Message != msgLoadFailed {
		t.Errorf("message = %+v", m)
	}
}