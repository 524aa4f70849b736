package portforwarding

import "sync"

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, BufferSize)
		return &b
	},
}

// getBuffer rents a BufferSize buffer. Callers must defer putBuffer.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	if b == nil || len(*b) != BufferSize {
		return
	}
	bufferPool.Put(b)
}
