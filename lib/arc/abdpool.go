package arc

import (
	"github.com/arcfs/arc/lib/containers"
)

// ABDPool hands out and recycles the byte buffers that back pabd/rabd
// (spec §3.2, §9's ABD — "arc buffer descriptor; scatter-or-linear
// opaque byte buffer"). We model an ABD as a plain []byte rather than
// a scatter/gather structure: nothing in this module's scope needs
// the scatter-list form, only its allocate/recycle lifecycle.
type ABDPool struct {
	pool containers.SlicePool[byte]
}

// Get returns a buffer of exactly size bytes, reusing pooled capacity
// when available.
func (p *ABDPool) Get(size uint32) []byte {
	return p.pool.Get(int(size))
}

// Put returns a buffer to the pool for reuse. Callers must not touch
// buf after calling Put.
func (p *ABDPool) Put(buf []byte) {
	p.pool.Put(buf)
}
