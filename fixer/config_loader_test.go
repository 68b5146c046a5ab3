package fixer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	content := `
layer:
  path: data/parcels.geojson
policy: append_preserve
tolerance: 0.25
check:
  ignoreRingSelfIntersection: true
report:
  fields: 3
  outputDir: out
  formats: [html, svg]
mqtt:
  broker: tcp://localhost:1883
  qos: 0
  retainReports: false
kafka:
  brokers: [k1:9092]
  h3Resolution: 7
`
	path := writeFixture(t, "geomfix.yaml", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "data/parcels.geojson", cfg.Layer.Path)
	assert.Equal(t, "parcels", cfg.LayerName())
	assert.Equal(t, "append_preserve", cfg.Policy)
	assert.Equal(t, 0.25, cfg.Tolerance)
	assert.True(t, cfg.Check.IgnoreRingSelfIntersection)
	assert.Equal(t, 3, cfg.Report.Fields)
	assert.Equal(t, []string{"html", "svg"}, cfg.Report.Formats)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(0), cfg.MQTT.PublishQoS())
	assert.False(t, cfg.MQTT.Retain())
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Kafka.H3Resolution)

	// defaults fill what the file leaves out
	assert.Equal(t, "planar", cfg.Engine)
	assert.Equal(t, DefaultFIDDisplayCap, cfg.Report.FIDDisplayCap)
	assert.Equal(t, "geomfix", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "geomfix.features", cfg.Kafka.Topic)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, string(DefaultPolicy), cfg.Policy)
	assert.Equal(t, DefaultTolerance, cfg.Tolerance)
	assert.Equal(t, DefaultReportFields, cfg.Report.Fields)
	assert.Equal(t, 64, cfg.Report.History)
	assert.Equal(t, "geomfix", cfg.Redis.Prefix)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "layer", cfg.LayerName())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")

	_, err = LoadConfig(writeFixture(t, "bad.yaml", "layer: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config YAML")

	_, err = LoadConfig(writeFixture(t, "policy.yaml", "policy: shred\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative tolerance", func(c *Config) { c.Tolerance = -1 }, "tolerance"},
		{"negative fields", func(c *Config) { c.Report.Fields = -2 }, "report.fields"},
		{"negative cap", func(c *Config) { c.Report.FIDDisplayCap = -1 }, "report.fidDisplayCap"},
		{"unknown format", func(c *Config) { c.Report.Formats = []string{"html", "pdf"} }, `report.formats[1]: unknown format "pdf"`},
		{"h3 resolution", func(c *Config) { c.Kafka.H3Resolution = 16 }, "kafka.h3Resolution"},
		{"port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"mqtt qos", func(c *Config) { q := byte(3); c.MQTT.QoS = &q }, "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	ApplyEnv(cfg)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layer.Redis = "roads"
	cfg.Policy = string(PolicyReplace)
	cfg.Report.Formats = []string{"json"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "redis: roads"))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "roads", loaded.LayerName())
	assert.Equal(t, cfg.Report, loaded.Report)
	assert.Equal(t, "replace", loaded.Policy)
}

func TestLayerName(t *testing.T) {
	c := &Config{Layer: LayerConfig{Name: "explicit", Path: "a/b.geojson"}}
	assert.Equal(t, "explicit", c.LayerName())
	c = &Config{Layer: LayerConfig{URL: "https://example.com/x.geojson"}}
	assert.Equal(t, "layer", c.LayerName())
}
