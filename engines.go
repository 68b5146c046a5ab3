package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kwv/geomfix/fixer"
)

// engineFactories maps engine names to constructors. Optional engines add
// themselves from build-tagged files.
var engineFactories = map[string]func() fixer.Engine{
	"planar": func() fixer.Engine { return fixer.NewPlanarEngine() },
}

func newEngine(name string) (fixer.Engine, error) {
	if name == "" {
		name = "planar"
	}
	factory, ok := engineFactories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %s)", name, strings.Join(engineNames(), ", "))
	}
	return factory(), nil
}

func engineNames() []string {
	names := make([]string, 0, len(engineFactories))
	for name := range engineFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
