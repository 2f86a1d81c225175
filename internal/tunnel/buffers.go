package tunnel

import "sync"

const (
	// BufferPoolSize is the size of each relay buffer (16KB).
	BufferPoolSize = 16 * 1024
)

// bufferPool is a pool of reusable byte slices for relay loops
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferPoolSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse
func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
