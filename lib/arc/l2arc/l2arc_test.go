package l2arc

import (
	"sync"

	"github.com/arcfs/arc/lib/blockaddr"
)

// memFile is a fixed-size in-memory diskio.File[blockaddr.DeviceOffset],
// standing in for a real cache vdev in tests the same way
// byteReaderWithName stands in for a real file in
// lib/diskio/file_state_test.go.
type memFile struct {
	mu   sync.Mutex
	name string
	dat  []byte
}

func newMemFile(name string, size int64) *memFile {
	return &memFile{name: name, dat: make([]byte, size)}
}

func (f *memFile) Name() string                 { return f.name }
func (f *memFile) Size() blockaddr.DeviceOffset { return blockaddr.DeviceOffset(len(f.dat)) }
func (f *memFile) Close() error                 { return nil }

func (f *memFile) ReadAt(p []byte, off blockaddr.DeviceOffset) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.dat[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off blockaddr.DeviceOffset) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(f.dat[off:], p)
	return n, nil
}
