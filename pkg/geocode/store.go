package geocode

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openCache(path string) (*sql.DB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS geocode_cache (
		query TEXT PRIMARY KEY,
		json  TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("geocode cache schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_geocode_cache_fetched_at ON geocode_cache(fetched_at)`)
	return db, nil
}

// Entry is one remembered search.
type Entry struct {
	Query string   `json:"query"`
	Lat   *float64 `json:"lat,omitempty"`
	Lon   *float64 `json:"lon,omitempty"`
}

// History stores every submitted search query. A nil *History is valid and
// remembers nothing.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("history open: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		lat REAL,
		lon REAL,
		at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_search_history_query_id ON search_history(query, id)`)
	return &History{db: db}, nil
}

// Close releases the database.
func (h *History) Close() error {
	if h == nil {
		return nil
	}
	return h.db.Close()
}

// Record appends q. A nil hit stores the query without coordinates.
func (h *History) Record(q string, hit *Result) error {
	if h == nil {
		return nil
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	var err error
	if hit != nil {
		_, err = h.db.Exec(`INSERT INTO search_history(query, lat, lon) VALUES(?,?,?)`, q, hit.Lat, hit.Lon)
	} else {
		_, err = h.db.Exec(`INSERT INTO search_history(query) VALUES(?)`, q)
	}
	return err
}

// Recent returns up to limit distinct queries, newest first, each with the
// coordinates of its latest occurrence.
func (h *History) Recent(limit int) ([]Entry, error) {
	out := []Entry{}
	if h == nil {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 10
	}
	rows, err := h.db.Query(`
		SELECT sh.query, sh.lat, sh.lon
		FROM search_history sh
		JOIN (
			SELECT query, MAX(id) AS max_id
			FROM search_history
			WHERE query <> ''
			GROUP BY query
		) latest ON latest.max_id = sh.id
		ORDER BY sh.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&e.Query, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			e.Lat, e.Lon = &lat.Float64, &lon.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
