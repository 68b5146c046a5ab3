package fixer

import (
	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Fingerprint hashes the WKB encoding of g. Null geometries hash to zero.
func Fingerprint(g orb.Geometry) uint64 {
	if g == nil {
		return 0
	}
	b, err := wkb.Marshal(g)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// sameGeometry reports whether a and b encode identically.
func sameGeometry(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Fingerprint(a) == Fingerprint(b)
}
