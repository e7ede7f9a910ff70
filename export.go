package main

import (
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/rubiojr/fruitmap/pkg/forage"
)

// gpxWaypoint is one <wpt> element.
type gpxWaypoint struct {
	Lat  float64 `xml:"lat,attr"`
	Lon  float64 `xml:"lon,attr"`
	Name string  `xml:"name"`
	Desc string  `xml:"desc,omitempty"`
	Type string  `xml:"type,omitempty"`
	Sym  string  `xml:"sym,omitempty"`
}

type gpxMetadata struct {
	Name string `xml:"name"`
	Time string `xml:"time"`
}

type gpxDoc struct {
	XMLName   xml.Name      `xml:"gpx"`
	Version   string        `xml:"version,attr"`
	Creator   string        `xml:"creator,attr"`
	XMLNS     string        `xml:"xmlns,attr"`
	Metadata  gpxMetadata   `xml:"metadata"`
	Waypoints []gpxWaypoint `xml:"wpt"`
}

// pointTitle is the waypoint/feature name: the name tag when present, else
// the category display name.
func pointTitle(p forage.Point) string {
	if n := strings.TrimSpace(p.Tags["name"]); n != "" {
		return n
	}
	return p.Category.DisplayName()
}

// writeGPX writes the points as GPX 1.1 waypoints. The description carries
// the remaining tags one "key: value" per line.
func writeGPX(w io.Writer, points []forage.Point, now time.Time) error {
	doc := gpxDoc{
		Version:  "1.1",
		Creator:  appName,
		XMLNS:    "http://www.topografix.com/GPX/1/1",
		Metadata: gpxMetadata{Name: appName, Time: now.UTC().Format(time.RFC3339)},
	}
	for _, p := range points {
		popup := forage.NewPopup(p)
		desc := popup.Tags
		if popup.Description != "" {
			desc = append([]string{popup.Description}, desc...)
		}
		doc.Waypoints = append(doc.Waypoints, gpxWaypoint{
			Lat:  p.Lat,
			Lon:  p.Lon,
			Name: pointTitle(p),
			Desc: strings.Join(desc, "\n"),
			Type: string(p.Category),
			Sym:  p.Category.Emoji(),
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// featureCollection renders the points as GeoJSON Point features.
func featureCollection(points []forage.Point) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.ID = p.ID
		f.Properties["name"] = pointTitle(p)
		f.Properties["category"] = string(p.Category)
		f.Properties["emoji"] = p.Category.Emoji()
		f.Properties["kind"] = string(p.Kind)
		f.Properties["tags"] = p.Tags
		fc.Append(f)
	}
	return fc
}
