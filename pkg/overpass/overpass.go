// Package overpass queries the Overpass API for elements carrying fruit
// related tags inside a bounding box.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/rubiojr/fruitmap/pkg/logger"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

const (
	DefaultEndpoint  = "https://overpass-api.de/api/interpreter"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "fruitmap/1.0 (+https://github.com/rubiojr/fruitmap)"

	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 64 << 20
)

// Tag keys whose presence makes an element interesting, regardless of value.
var TagKeys = []string{"fruit", "produce", "understorey:plant"}

var (
	// ErrTransport wraps network failures (DNS, refused, timeout).
	ErrTransport = errors.New("overpass transport error")
	// ErrDecode wraps responses that are not valid Overpass JSON.
	ErrDecode = errors.New("overpass decode error")
	// ErrRemark wraps a 200 response whose remark reports a runtime error
	// (query timeout, out of memory); its elements are incomplete.
	ErrRemark = errors.New("overpass runtime error")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("overpass status %d", e.StatusCode)
	}
	return fmt.Sprintf("overpass status %d: %s", e.StatusCode, e.Body)
}

// LatLon is a vertex of a way geometry. Overpass emits null for vertices it
// leaves out, hence the pointers in Element.Geometry.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Element is one node or way of an `out geom` response.
type Element struct {
	Type     osm.Type          `json:"type"`
	ID       int64             `json:"id"`
	Lat      *float64          `json:"lat,omitempty"`
	Lon      *float64          `json:"lon,omitempty"`
	Geometry []*LatLon         `json:"geometry,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// FeatureID returns the typed identifier ("node/123", "way/7").
func (e Element) FeatureID() osm.FeatureID {
	if e.Type == osm.TypeWay {
		return osm.WayID(e.ID).FeatureID()
	}
	return osm.NodeID(e.ID).FeatureID()
}

// Location returns the element coordinate: the node position, or the mean of
// the way vertices. ok is false when the element carries neither.
func (e Element) Location() (p orb.Point, ok bool) {
	switch e.Type {
	case osm.TypeNode:
		if e.Lat == nil || e.Lon == nil {
			return orb.Point{}, false
		}
		return orb.Point{*e.Lon, *e.Lat}, true
	case osm.TypeWay:
		var sumLat, sumLon float64
		n := 0
		for _, v := range e.Geometry {
			if v == nil {
				continue
			}
			sumLat += v.Lat
			sumLon += v.Lon
			n++
		}
		if n == 0 {
			return orb.Point{}, false
		}
		return orb.Point{sumLon / float64(n), sumLat / float64(n)}, true
	}
	return orb.Point{}, false
}

// Response is the subset of the Overpass JSON envelope we use.
type Response struct {
	Version   float64   `json:"version"`
	Generator string    `json:"generator"`
	Remark    string    `json:"remark,omitempty"`
	Elements  []Element `json:"elements"`
}

// BuildQuery returns the Overpass QL for nodes and ways inside b that carry
// any of TagKeys, with way geometry inlined.
func BuildQuery(b orb.Bound, timeout time.Duration) string {
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = int(DefaultTimeout / time.Second)
	}
	var q strings.Builder
	fmt.Fprintf(&q, "[out:json][timeout:%d][bbox:%s];\n(\n", secs, viewport.BBox(b))
	for _, kind := range []string{"node", "way"} {
		for _, k := range TagKeys {
			fmt.Fprintf(&q, "  %s[%q];\n", kind, k)
		}
	}
	q.WriteString(");\nout geom;\n")
	return q.String()
}

// Client talks to one Overpass endpoint.
type Client struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
	HTTP      *http.Client
}

// NewClient returns a client for endpoint (DefaultEndpoint when empty).
func NewClient(endpoint string, timeout time.Duration) *Client {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Endpoint:  endpoint,
		UserAgent: DefaultUserAgent,
		Timeout:   timeout,
		// Leave headroom over the server side [timeout:] so Overpass gets to answer.
		HTTP: &http.Client{Timeout: timeout + 5*time.Second},
	}
}

// Fetch queries all fruit elements inside b.
func (c *Client) Fetch(ctx context.Context, b orb.Bound) ([]Element, error) {
	query := BuildQuery(b, c.Timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("User-Agent", c.UserAgent)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if out.Remark != "" {
		if strings.Contains(out.Remark, "runtime error") {
			return nil, fmt.Errorf("%w: %s", ErrRemark, out.Remark)
		}
		logger.Warn("overpass remark bbox=%s: %s", viewport.BBox(b), out.Remark)
	}
	logger.Debug("overpass bbox=%s elements=%d elapsed=%v", viewport.BBox(b), len(out.Elements), time.Since(start))
	return out.Elements, nil
}
