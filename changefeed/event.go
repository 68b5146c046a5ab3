// Package changefeed publishes committed layer changes as spatial update events.
package changefeed

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/kwv/geomfix/fixer"
)

// EventVersion is the wire format version.
const EventVersion = 1

// Op is the kind of change an event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event describes one changed feature.
type Event struct {
	Version     int       `json:"version"`
	Op          Op        `json:"op"`
	Layer       string    `json:"layer"`
	TS          time.Time `json:"ts"`
	FeatureID   int64     `json:"feature_id"`
	Source      string    `json:"source,omitempty"`
	BBox        *BBox     `json:"bbox,omitempty"`
	H3Cells     []string  `json:"h3_cells,omitempty"`
	Resolutions []int     `json:"res,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid,omitempty"`
}

// Key is the partition key: events of one feature stay ordered.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.Layer, e.FeatureID)
}

func (e Event) Validate() error {
	if e.Version != EventVersion {
		return fmt.Errorf("version must be %d", EventVersion)
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if len(e.H3Cells) > 0 && len(e.Resolutions) == 0 {
		return fmt.Errorf("res is required with h3_cells")
	}
	return nil
}

// Builder turns commits into events.
type Builder struct {
	Source       string
	H3Resolution int // 0 disables cell computation
	Now          func() time.Time
}

// Events returns one event per changed feature: deletes, then updates, then inserts.
func (b Builder) Events(c *fixer.Commit) []Event {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ts := now().UTC()

	out := make([]Event, 0, len(c.Deleted)+len(c.Changed)+len(c.Added))
	for _, group := range []struct {
		op    Op
		feats []*fixer.Feature
	}{
		{OpDelete, c.Deleted},
		{OpUpdate, c.Changed},
		{OpInsert, c.Added},
	} {
		for _, f := range group.feats {
			out = append(out, b.event(c.Layer, group.op, ts, f))
		}
	}
	return out
}

func (b Builder) event(layer string, op Op, ts time.Time, f *fixer.Feature) Event {
	ev := Event{
		Version:   EventVersion,
		Op:        op,
		Layer:     layer,
		TS:        ts,
		FeatureID: f.FID,
		Source:    b.Source,
	}
	if fixer.IsEmptyGeometry(f.Geometry) {
		return ev
	}
	bound := f.Geometry.Bound()
	ev.BBox = &BBox{X1: bound.Min[0], Y1: bound.Min[1], X2: bound.Max[0], Y2: bound.Max[1]}
	if !isLonLat(bound) {
		return ev
	}
	ev.BBox.SRID = "EPSG:4326"
	if b.H3Resolution > 0 {
		if cells, err := CellsForBound(bound, b.H3Resolution); err == nil {
			ev.H3Cells = cells
			ev.Resolutions = []int{b.H3Resolution}
		}
	}
	return ev
}

func isLonLat(b orb.Bound) bool {
	return b.Min[0] >= -180 && b.Max[0] <= 180 && b.Min[1] >= -90 && b.Max[1] <= 90
}

// CellsForBound covers a lon/lat bound with H3 cells at res. A bound smaller
// than one cell maps to the cell holding its center.
func CellsForBound(b orb.Bound, res int) ([]string, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	if !isLonLat(b) {
		return nil, errors.New("bound is not in lon/lat")
	}

	var cells []h3.Cell
	if b.Max[0] > b.Min[0] && b.Max[1] > b.Min[1] {
		poly := h3.GeoPolygon{GeoLoop: h3.GeoLoop{
			{Lat: b.Min[1], Lng: b.Min[0]},
			{Lat: b.Min[1], Lng: b.Max[0]},
			{Lat: b.Max[1], Lng: b.Max[0]},
			{Lat: b.Max[1], Lng: b.Min[0]},
		}}
		var err error
		cells, err = h3.PolygonToCells(poly, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
	}
	if len(cells) == 0 {
		c := b.Center()
		cell, err := h3.LatLngToCell(h3.NewLatLng(c[1], c[0]), res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell: %w", err)
		}
		cells = []h3.Cell{cell}
	}

	out := make([]string, 0, len(cells))
	seen := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		s := c.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
