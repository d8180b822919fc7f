package wire

import "sync"

// Chunk pool for per-stream read/write buffers: a handful of size
// classes keep the maximum wasted space per buffer bounded to 2x the
// largest class used, instead of letting every stream allocate its own
// slice.
var chunkSizeClasses = []int{
	1 << 10,
	2 << 10,
	4 << 10,
	8 << 10,
	16 << 10,
}

var chunkPools = [...]sync.Pool{
	{New: func() interface{} { return make([]byte, 1<<10) }},
	{New: func() interface{} { return make([]byte, 2<<10) }},
	{New: func() interface{} { return make([]byte, 4<<10) }},
	{New: func() interface{} { return make([]byte, 8<<10) }},
	{New: func() interface{} { return make([]byte, 16<<10) }},
}

// GetChunk returns a buffer of at least size bytes from the pool closest
// to it, or a fresh allocation for outsized requests.
func GetChunk(size int) []byte {
	for i, n := range chunkSizeClasses {
		if size <= n {
			return chunkPools[i].Get().([]byte)[:0]
		}
	}
	return make([]byte, 0, size)
}

// PutChunk returns a buffer obtained from GetChunk to its pool. Buffers
// of a size PutChunk doesn't recognize are left for the GC.
func PutChunk(p []byte) {
	c := cap(p)
	for i, n := range chunkSizeClasses {
		if c == n {
			chunkPools[i].Put(p[:n])
			return
		}
	}
}
