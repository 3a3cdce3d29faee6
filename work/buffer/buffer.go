package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte slices for the proxy's media
// streaming path, backed by valyala/bytebufferpool so sustained
// segment relaying does not churn the allocator. All buffers from one
// pool share a fixed size suitable for io.CopyBuffer.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers are bufferSize bytes long.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer with its byte slice grown and sliced to the
// pool's configured size, ready to pass to io.CopyBuffer. Contents are
// whatever the previous user left; copy loops overwrite before reading.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	} else {
		buf.B = buf.B[:bp.bufferSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size reports the byte length of buffers issued by this pool.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
