// Package buffer owns bounded byte storage with a logical sub-range view.
package buffer

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
)

// MaxCapacity is the hard allocation bound for one buffer.
const MaxCapacity = 80 * 1024 * 1024

var (
	ErrCapacityExceeded = fmt.Errorf("%w: buffer: capacity out of bounds", protocol.ErrResourceExhausted)
	ErrRangeOutOfBounds = fmt.Errorf("%w: buffer: range out of bounds", protocol.ErrInvalidParameters)
	ErrNoStorage        = fmt.Errorf("%w: buffer: no backing storage", protocol.ErrInvalidParameters)
)

// DataBuffer is a fixed-capacity byte region exposing the [offset, offset+size) view.
// A buffer belongs to exactly one owner at a time; hand it over, do not share it.
type DataBuffer struct {
	data     []byte
	capacity int
	offset   int
	size     int
}

// New allocates capacity bytes. A zero or out-of-bounds capacity yields a
// buffer without storage whose Data returns nil.
func New(capacity int) *DataBuffer {
	b := &DataBuffer{}
	if capacity > 0 && capacity < MaxCapacity {
		b.data = make([]byte, capacity)
		b.capacity = capacity
		b.size = capacity
	}
	return b
}

// Alloc is New for callers sizing from untrusted input.
func Alloc(capacity int) (*DataBuffer, error) {
	if capacity <= 0 || capacity >= MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrCapacityExceeded, capacity)
	}
	return New(capacity), nil
}

// FromBytes copies p into a new buffer sized to fit.
func FromBytes(p []byte) (*DataBuffer, error) {
	b, err := Alloc(len(p))
	if err != nil {
		return nil, err
	}
	copy(b.data, p)
	return b, nil
}

// Data returns the current view, or nil when the buffer has no storage.
func (b *DataBuffer) Data() []byte {
	if b == nil || b.data == nil {
		return nil
	}
	return b.data[b.offset : b.offset+b.size]
}

func (b *DataBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

func (b *DataBuffer) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

func (b *DataBuffer) Offset() int {
	if b == nil {
		return 0
	}
	return b.offset
}

// HasStorage reports whether the buffer was allocated.
func (b *DataBuffer) HasStorage() bool {
	return b != nil && b.data != nil
}

// SetRange moves the view. The underlying storage is not touched.
func (b *DataBuffer) SetRange(offset, size int) error {
	if b == nil {
		return ErrNoStorage
	}
	if offset < 0 || size < 0 || offset > b.capacity || size > b.capacity-offset {
		return fmt.Errorf("%w: offset=%d size=%d capacity=%d", ErrRangeOutOfBounds, offset, size, b.capacity)
	}
	b.offset = offset
	b.size = size
	return nil
}

// WriteAt copies p into storage at an absolute offset, ignoring the view.
func (b *DataBuffer) WriteAt(p []byte, off int) (int, error) {
	if !b.HasStorage() {
		return 0, ErrNoStorage
	}
	if off < 0 || off > b.capacity || len(p) > b.capacity-off {
		return 0, fmt.Errorf("%w: write offset=%d len=%d capacity=%d", ErrRangeOutOfBounds, off, len(p), b.capacity)
	}
	return copy(b.data[off:], p), nil
}
