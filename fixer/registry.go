package fixer

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultReportHistory is how many reports a Registry keeps.
const DefaultReportHistory = 64

// Registry tracks the layers served by the process and the reports of recent runs.
type Registry struct {
	mu      sync.RWMutex
	layers  map[string]Layer
	latest  map[string]string // layer name -> run id
	reports *lru.Cache[string, *Report]
}

// NewRegistry keeps up to history reports; history <= 0 uses DefaultReportHistory.
func NewRegistry(history int) *Registry {
	if history <= 0 {
		history = DefaultReportHistory
	}
	reports, _ := lru.New[string, *Report](history)
	return &Registry{
		layers:  make(map[string]Layer),
		latest:  make(map[string]string),
		reports: reports,
	}
}

// Register adds l under its name, replacing any previous layer of that name.
func (rg *Registry) Register(l Layer) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.layers[l.Name()] = l
}

// Layer returns the named layer.
func (rg *Registry) Layer(name string) (Layer, error) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	l, ok := rg.layers[name]
	if !ok {
		return nil, fmt.Errorf("layer %q: %w", name, ErrUnknownLayer)
	}
	return l, nil
}

// Names returns the registered layer names in order.
func (rg *Registry) Names() []string {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	names := make([]string, 0, len(rg.layers))
	for name := range rg.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordReport stores r and makes it the latest report of its layer.
func (rg *Registry) RecordReport(r *Report) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.reports.Add(r.RunID, r)
	rg.latest[r.Layer] = r.RunID
}

// LatestReport returns the most recent report for layer, if still in history.
func (rg *Registry) LatestReport(layer string) (*Report, bool) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	id, ok := rg.latest[layer]
	if !ok {
		return nil, false
	}
	return rg.reports.Peek(id)
}

// Report looks up a report by run id.
func (rg *Registry) Report(runID string) (*Report, bool) {
	return rg.reports.Get(runID)
}
