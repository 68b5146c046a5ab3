package fixer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownReportFormats are the artefact formats a FilePresenter can write.
var knownReportFormats = map[string]bool{"html": true, "json": true, "txt": true, "svg": true, "png": true}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads the configuration from a YAML file, applies defaults and
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&config)
	ApplyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func applyDefaults(c *Config) {
	if c.Policy == "" {
		c.Policy = string(DefaultPolicy)
	}
	if c.Engine == "" {
		c.Engine = "planar"
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Report.Fields == 0 {
		c.Report.Fields = DefaultReportFields
	}
	if c.Report.FIDDisplayCap == 0 {
		c.Report.FIDDisplayCap = DefaultFIDDisplayCap
	}
	if c.Report.History == 0 {
		c.Report.History = 64
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "geomfix"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "geomfix"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "geomfix.features"
	}
	if c.Kafka.Source == "" {
		c.Kafka.Source = "geomfix"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ApplyEnv overrides connection settings from the environment.
// MQTT credentials are read when the client connects.
func ApplyEnv(c *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration and reports the first offending field.
func (c *Config) Validate() error {
	if _, err := ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %v", c.Tolerance)
	}
	if c.Report.Fields < 0 {
		return fmt.Errorf("report.fields must not be negative, got %d", c.Report.Fields)
	}
	if c.Report.FIDDisplayCap < 0 {
		return fmt.Errorf("report.fidDisplayCap must not be negative, got %d", c.Report.FIDDisplayCap)
	}
	for i, f := range c.Report.Formats {
		if !knownReportFormats[strings.ToLower(f)] {
			return fmt.Errorf("report.formats[%d]: unknown format %q", i, f)
		}
	}
	if c.MQTT.QoS != nil && *c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}
	if c.Kafka.H3Resolution < 0 || c.Kafka.H3Resolution > 15 {
		return fmt.Errorf("kafka.h3Resolution must be between 0 and 15, got %d", c.Kafka.H3Resolution)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// LayerName returns the configured layer name, falling back to the source it is loaded from.
func (c *Config) LayerName() string {
	switch {
	case c.Layer.Name != "":
		return c.Layer.Name
	case c.Layer.Redis != "":
		return c.Layer.Redis
	case c.Layer.Path != "":
		return layerNameFromPath(c.Layer.Path)
	}
	return "layer"
}
