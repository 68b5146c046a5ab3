package fixer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Outcome marks whether a run found anything to reconcile.
type Outcome string

const (
	OutcomeNoInvalid  Outcome = "no_invalid"
	OutcomeReconciled Outcome = "reconciled"
)

// Titles used by the presentation sinks.
const (
	NotificationTitle = "Geometry Fixer"
	ReportTitle       = "Geometry Fix Summary"
)

// NoInvalidMessage is the notification text when nothing needed fixing.
const NoInvalidMessage = "No invalid geometries found."

// FieldValue is one attribute shown on a report line.
type FieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InvalidFeature is the report entry for a feature that failed the validity check.
type InvalidFeature struct {
	FID       int64        `json:"fid"`
	Fields    []FieldValue `json:"fields"`
	Reason    string       `json:"reason,omitempty"`
	AutoFixed bool         `json:"autoFixed,omitempty"`
	// Geometry is the geometry as found, Repaired what the run produced for it.
	Geometry orb.Geometry `json:"-"`
	Repaired orb.Geometry `json:"-"`
}

// Line renders the attribute pairs as "name=value, ...".
func (f InvalidFeature) Line() string {
	parts := make([]string, len(f.Fields))
	for i, fv := range f.Fields {
		parts[i] = fv.Name + "=" + fv.Value
	}
	return strings.Join(parts, ", ")
}

// Report describes the result of one reconciliation run. It is built once by
// the workflow and not modified afterwards.
type Report struct {
	RunID             string           `json:"runId"`
	Layer             string           `json:"layer"`
	Policy            Policy           `json:"policy"`
	Engine            string           `json:"engine"`
	Outcome           Outcome          `json:"outcome"`
	StartedAt         time.Time        `json:"startedAt"`
	FinishedAt        time.Time        `json:"finishedAt"`
	OriginalCount     int              `json:"originalCount"`
	FinalCount        int              `json:"finalCount"`
	InvalidCount      int              `json:"invalidCount"`
	ErrorCount        int              `json:"errorCount"`
	FixedCount        int              `json:"fixedCount"`
	AddedCount        int              `json:"addedCount"`
	RemovedEmptyCount int              `json:"removedEmptyCount"`
	AutoFixedCount    int              `json:"autoFixedCount"`
	DeduplicatedCount int              `json:"deduplicatedCount"`
	ActionRequired    []int64          `json:"actionRequired"`
	Invalid           []InvalidFeature `json:"invalid"`
	FIDDisplayCap     int              `json:"-"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is the one-line message shown in the notification sink.
func (r *Report) Summary() string {
	if r.Outcome == OutcomeNoInvalid {
		return NoInvalidMessage
	}
	switch r.Policy {
	case PolicyReplace:
		return fmt.Sprintf("In layer %s, %d invalid features fixed and cleaned.", r.Layer, r.FixedCount)
	case PolicyAppendPreserve:
		return fmt.Sprintf("In layer %s, %d invalid features found, %d fixed copies added.", r.Layer, r.InvalidCount, r.AddedCount)
	}
	msg := fmt.Sprintf("In layer %s, %d geometries fixed in place, %d fixed copies added.", r.Layer, r.AutoFixedCount, r.AddedCount)
	if n := len(r.ActionRequired); n > 0 {
		msg += fmt.Sprintf(" %d features need manual review: %s.", n, r.ActionRequiredDisplay())
	}
	return msg
}

// FixedDisplay renders the fixed count, naming geometries dropped as empty.
func (r *Report) FixedDisplay() string {
	if r.RemovedEmptyCount == 0 {
		return strconv.Itoa(r.FixedCount)
	}
	return fmt.Sprintf("%d has been fixed, %d has been removed as empty geometry", r.FixedCount, r.RemovedEmptyCount)
}

// ActionRequiredShown returns the action-required FIDs to display and whether more were cut off.
func (r *Report) ActionRequiredShown() ([]int64, bool) {
	limit := r.FIDDisplayCap
	if limit <= 0 {
		limit = DefaultFIDDisplayCap
	}
	if len(r.ActionRequired) <= limit {
		return r.ActionRequired, false
	}
	return r.ActionRequired[:limit], true
}

// ActionRequiredDisplay renders the capped FID list, e.g. "4, 9" or "1, 2, ..., 10, …".
func (r *Report) ActionRequiredDisplay() string {
	shown, more := r.ActionRequiredShown()
	parts := make([]string, 0, len(shown)+1)
	for _, fid := range shown {
		parts = append(parts, strconv.FormatInt(fid, 10))
	}
	if more {
		parts = append(parts, "…")
	}
	return strings.Join(parts, ", ")
}

// SummarizeAttributes picks the first limit schema fields with a value and
// formats them for display. Nil and empty string values are skipped.
func SummarizeAttributes(fields []Field, attrs map[string]any, limit int) []FieldValue {
	if limit <= 0 {
		limit = DefaultReportFields
	}
	if len(fields) > limit {
		fields = fields[:limit]
	}
	out := make([]FieldValue, 0, len(fields))
	for _, f := range fields {
		v, ok := attrs[f.Name]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			continue
		}
		out = append(out, FieldValue{Name: f.Name, Value: FormatValue(f.Type, v)})
	}
	return out
}

// FormatValue renders an attribute value for display. Dates render as
// yyyy-MM-dd unless the field is a datetime.
func FormatValue(t FieldType, v any) string {
	switch v := v.(type) {
	case time.Time:
		if t == FieldDateTime {
			return v.Format(time.RFC3339)
		}
		return v.Format("2006-01-02")
	case *time.Time:
		if v == nil {
			return ""
		}
		return FormatValue(t, *v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case string:
		return v
	}
	return fmt.Sprint(v)
}
