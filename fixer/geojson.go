package fixer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
)

// FeatureCollection is the GeoJSON document a layer is stored as. Name and
// Fields are foreign members carrying the layer name and the declared schema.
type FeatureCollection struct {
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Fields   []Field           `json:"fields,omitempty"`
	Features []*GeoJSONFeature `json:"features"`
}

// GeoJSONFeature is a single GeoJSON feature. Properties stay raw until the
// schema is known.
type GeoJSONFeature struct {
	Type       string            `json:"type"`
	ID         any               `json:"id,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties json.RawMessage   `json:"properties"`
}

// DecodeLayer parses a GeoJSON FeatureCollection into a memory layer. The
// schema comes from the "fields" member when present and is inferred from the
// property values otherwise.
func DecodeLayer(data []byte, name string) (*MemoryLayer, error) {
	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing GeoJSON: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("parsing GeoJSON: expected FeatureCollection, got %q", fc.Type)
	}
	if name == "" {
		name = fc.Name
	}

	props := make([]map[string]any, len(fc.Features))
	var order []string
	seen := make(map[string]bool)
	for i, gf := range fc.Features {
		m, keys, err := decodeProperties(gf.Properties)
		if err != nil {
			return nil, fmt.Errorf("feature %d properties: %w", i, err)
		}
		props[i] = m
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}

	fields := fc.Fields
	if len(fields) == 0 {
		fields = inferFields(order, props)
	}
	types := make(map[string]FieldType, len(fields))
	for _, f := range fields {
		types[f.Name] = f.Type
	}

	feats := make([]*Feature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		f := &Feature{FID: featureID(gf.ID, props[i]), Attributes: make(map[string]any, len(props[i]))}
		if gf.Geometry != nil {
			f.Geometry = gf.Geometry.Geometry()
		}
		for k, v := range props[i] {
			f.Attributes[k] = convertValue(types[k], v)
		}
		feats = append(feats, f)
	}
	return NewMemoryLayer(name, fields, feats), nil
}

// EncodeLayer renders features as a GeoJSON FeatureCollection carrying the schema.
func EncodeLayer(name string, fields []Field, feats []*Feature) ([]byte, error) {
	fc := FeatureCollection{
		Type:     "FeatureCollection",
		Name:     name,
		Fields:   fields,
		Features: make([]*GeoJSONFeature, 0, len(feats)),
	}
	for _, f := range feats {
		gf, err := encodeFeature(fields, f)
		if err != nil {
			return nil, err
		}
		fc.Features = append(fc.Features, gf)
	}
	return json.MarshalIndent(fc, "", "  ")
}

func encodeFeature(fields []Field, f *Feature) (*GeoJSONFeature, error) {
	types := make(map[string]FieldType, len(fields))
	for _, fd := range fields {
		types[fd.Name] = fd.Type
	}
	props := make(map[string]any, len(f.Attributes))
	for k, v := range f.Attributes {
		props[k] = encodeValue(types[k], v)
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("feature %d properties: %w", f.FID, err)
	}
	gf := &GeoJSONFeature{Type: "Feature", ID: f.FID, Properties: raw}
	if f.Geometry != nil {
		gf.Geometry = geojson.NewGeometry(f.Geometry)
	}
	return gf, nil
}

// decodeProperties decodes a properties object, returning its keys in document order.
func decodeProperties(raw json.RawMessage) (map[string]any, []string, error) {
	out := make(map[string]any)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := out[key]; !dup {
			keys = append(keys, key)
		}
		out[key] = v
	}
	return out, keys, nil
}

func featureID(id any, props map[string]any) int64 {
	parse := func(v any) int64 {
		switch v := v.(type) {
		case float64:
			return int64(v)
		case json.Number:
			n, _ := v.Int64()
			return n
		case string:
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
		return 0
	}
	if n := parse(id); n > 0 {
		return n
	}
	return parse(props["fid"])
}

// inferFields derives a schema from the values seen under each key.
func inferFields(order []string, props []map[string]any) []Field {
	fields := make([]Field, 0, len(order))
	for _, k := range order {
		var t FieldType
		for _, p := range props {
			v, ok := p[k]
			if !ok || v == nil {
				continue
			}
			t = widen(t, inferFieldType(v))
		}
		if t == "" {
			t = FieldString
		}
		fields = append(fields, Field{Name: k, Type: t})
	}
	return fields
}

func widen(cur, next FieldType) FieldType {
	switch {
	case cur == "" || cur == next:
		return next
	case (cur == FieldInt && next == FieldReal) || (cur == FieldReal && next == FieldInt):
		return FieldReal
	case (cur == FieldDate && next == FieldDateTime) || (cur == FieldDateTime && next == FieldDate):
		return FieldDateTime
	}
	return FieldString
}

func inferFieldType(v any) FieldType {
	switch v := v.(type) {
	case bool:
		return FieldBool
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return FieldInt
		}
		return FieldReal
	case string:
		if _, err := time.Parse("2006-01-02", v); err == nil {
			return FieldDate
		}
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return FieldDateTime
		}
	}
	return FieldString
}

// convertValue turns a decoded JSON value into the Go value of field type t.
func convertValue(t FieldType, v any) any {
	switch v := v.(type) {
	case json.Number:
		if t == FieldInt {
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
		f, _ := v.Float64()
		return f
	case string:
		switch t {
		case FieldDate:
			if d, err := time.Parse("2006-01-02", v); err == nil {
				return d
			}
		case FieldDateTime:
			if d, err := time.Parse(time.RFC3339, v); err == nil {
				return d
			}
			if d, err := time.Parse("2006-01-02", v); err == nil {
				return d
			}
		}
	}
	return v
}

func encodeValue(t FieldType, v any) any {
	if d, ok := v.(time.Time); ok {
		if t == FieldDateTime {
			return d.Format(time.RFC3339)
		}
		return d.Format("2006-01-02")
	}
	return v
}
