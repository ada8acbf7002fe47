package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte buffers. Pointers are pooled so that
// Put does not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get gets a byte slice of length Size from the pool
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a byte slice to the pool. Buffers smaller than Size are
// dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
