//go:build geos

package main

import (
	"github.com/kwv/geomfix/fixer"
	"github.com/kwv/geomfix/geosengine"
)

func init() {
	engineFactories["geos"] = func() fixer.Engine { return geosengine.New() }
}
