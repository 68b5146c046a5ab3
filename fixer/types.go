package fixer

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

const (
	// DefaultTolerance is the vertex deduplication distance in layer units.
	DefaultTolerance = 0.1

	// DefaultReportFields is how many schema fields a report line shows.
	DefaultReportFields = 5

	// DefaultFIDDisplayCap limits the action-required FIDs shown in a summary.
	DefaultFIDDisplayCap = 10
)

// Policy selects how repaired features are reconciled into the layer.
type Policy string

const (
	// PolicyReplace deletes invalid features and inserts cleaned replacements.
	PolicyReplace Policy = "replace"
	// PolicyAppendPreserve keeps invalid features and appends fixed copies.
	PolicyAppendPreserve Policy = "append_preserve"
	// PolicyInPlaceThenAppend repairs in place, then appends copies of what is still invalid.
	PolicyInPlaceThenAppend Policy = "inplace_then_append"
)

// DefaultPolicy is the recommended policy.
const DefaultPolicy = PolicyInPlaceThenAppend

// Policies lists every known policy in display order.
var Policies = []Policy{PolicyReplace, PolicyAppendPreserve, PolicyInPlaceThenAppend}

// ParsePolicy converts a user supplied name into a Policy.
// An empty name selects DefaultPolicy. Dashes and case are ignored.
func ParsePolicy(s string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	if name == "" {
		return DefaultPolicy, nil
	}
	for _, p := range Policies {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown policy %q (want one of replace, append_preserve, inplace_then_append)", s)
}

func (p Policy) String() string {
	return string(p)
}

// FieldType is the declared type of an attribute field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldReal     FieldType = "real"
	FieldBool     FieldType = "bool"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
)

// Field is one column of a layer schema.
type Field struct {
	Name string    `yaml:"name" json:"name"`
	Type FieldType `yaml:"type" json:"type"`
}

// Feature is a single record of a layer. A nil Geometry is a null geometry.
type Feature struct {
	FID        int64
	Geometry   orb.Geometry
	Attributes map[string]any
}

// NewFeature creates a Feature, copying attrs.
func NewFeature(fid int64, g orb.Geometry, attrs map[string]any) *Feature {
	f := &Feature{FID: fid, Geometry: g, Attributes: make(map[string]any, len(attrs))}
	for k, v := range attrs {
		f.Attributes[k] = v
	}
	return f
}

// Clone returns a deep copy of the feature.
func (f *Feature) Clone() *Feature {
	c := NewFeature(f.FID, nil, f.Attributes)
	if f.Geometry != nil {
		c.Geometry = orb.Clone(f.Geometry)
	}
	return c
}

// Config represents the full configuration file
type Config struct {
	Layer     LayerConfig  `yaml:"layer" json:"layer"`
	Policy    string       `yaml:"policy,omitempty" json:"policy,omitempty"`
	Engine    string       `yaml:"engine,omitempty" json:"engine,omitempty"`
	Tolerance float64      `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	Check     CheckOptions `yaml:"check" json:"check"`
	Report    ReportConfig `yaml:"report" json:"report"`
	MQTT      MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Redis     RedisConfig  `yaml:"redis" json:"redis"`
	Kafka     KafkaConfig  `yaml:"kafka" json:"kafka"`
	HTTP      HTTPConfig   `yaml:"http" json:"http"`
	Log       LogConfig    `yaml:"log" json:"log"`
}

// LayerConfig names where the working layer comes from. Exactly one source is used,
// checked in the order Path, Redis, URL.
type LayerConfig struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Redis string `yaml:"redis,omitempty" json:"redis,omitempty"` // layer name in the Redis store
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
}

// ReportConfig controls report content and the artefacts written after a run.
type ReportConfig struct {
	Fields        int      `yaml:"fields,omitempty" json:"fields,omitempty"`
	FIDDisplayCap int      `yaml:"fidDisplayCap,omitempty" json:"fidDisplayCap,omitempty"`
	OutputDir     string   `yaml:"outputDir,omitempty" json:"outputDir,omitempty"`
	Formats       []string `yaml:"formats,omitempty" json:"formats,omitempty"` // html, json, svg, png, txt
	History       int      `yaml:"history,omitempty" json:"history,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	// QoS and RetainReports default to 1 and true when unset.
	QoS           *byte `yaml:"qos,omitempty" json:"qos,omitempty"`
	RetainReports *bool `yaml:"retainReports,omitempty" json:"retainReports,omitempty"`
}

// PublishQoS returns the QoS level for published messages.
func (c MQTTConfig) PublishQoS() byte {
	if c.QoS == nil {
		return 1
	}
	return *c.QoS
}

// Retain reports whether report messages are retained by the broker.
func (c MQTTConfig) Retain() bool {
	return c.RetainReports == nil || *c.RetainReports
}

// RedisConfig holds the Redis layer store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// KafkaConfig holds the change feed producer settings.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic        string   `yaml:"topic,omitempty" json:"topic,omitempty"`
	H3Resolution int      `yaml:"h3Resolution,omitempty" json:"h3Resolution,omitempty"`
	Source       string   `yaml:"source,omitempty" json:"source,omitempty"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level   string `yaml:"level,omitempty" json:"level,omitempty"`
	Console bool   `yaml:"console,omitempty" json:"console,omitempty"`
}
