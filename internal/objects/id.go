// Package objects defines the stable identifiers used to name managed objects
// across the allocator, the cycle detector and the collector.
package objects

import (
	"strconv"
	"sync/atomic"
)

// ID identifies an object independently of its memory location.
type ID uint64

// Root is the pseudo-object standing for references held outside the
// object graph (stack variables, globals, other subsystems).
const Root ID = 0

func (id ID) String() string {
	if id == Root {
		return "root"
	}
	return "obj#" + strconv.FormatUint(uint64(id), 10)
}

// Generator hands out unique, non-zero IDs.
type Generator struct {
	next atomic.Uint64
}

// Next returns a fresh ID.
func (g *Generator) Next() ID {
	return ID(g.next.Add(1))
}

// Default is the process-wide generator used when a component is not given
// its own.
var Default = &Generator{}
