package fixer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// layerNameFromPath derives a layer name from a file name without extension.
func layerNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadGeoJSONFile reads a GeoJSON FeatureCollection file into a memory layer.
// The layer is not bound to the file; use OpenGeoJSONFile for that.
func LoadGeoJSONFile(path string) (*MemoryLayer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer file: %w", err)
	}
	l, err := DecodeLayer(data, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if l.Name() == "" {
		l.name = layerNameFromPath(path)
	}
	return l, nil
}

// OpenGeoJSONFile loads a layer and rewrites the file on every commit.
func OpenGeoJSONFile(path string) (*MemoryLayer, error) {
	l, err := LoadGeoJSONFile(path)
	if err != nil {
		return nil, err
	}
	l.AddCommitHook(GeoJSONFileHook(path))
	return l, nil
}

// SaveGeoJSONFile writes features to path atomically through a temp file.
func SaveGeoJSONFile(path, name string, fields []Field, feats []*Feature) error {
	data, err := EncodeLayer(name, fields, feats)
	if err != nil {
		return fmt.Errorf("encode layer: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create layer directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".geomfix-*.geojson")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write layer file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close layer file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace layer file: %w", err)
	}
	return nil
}

// GeoJSONFileHook returns a commit hook persisting the committed layer to path.
func GeoJSONFileHook(path string) CommitHook {
	return func(_ context.Context, c *Commit) error {
		return SaveGeoJSONFile(path, c.Layer, c.Fields, c.Snapshot)
	}
}
