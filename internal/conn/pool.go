package conn

import (
	"io"
	"net/http/httputil"
	"sync"
)

// CopyBufferSize is the size of buffers handed out by Buffers.
const CopyBufferSize = 32 * 1024

// Buffers is the process-wide pool used for body and tunnel copies.
var Buffers = NewBufferPool(CopyBufferSize)

type bufferPool struct {
	pool sync.Pool
}

func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// Storing a slice as any needs a pointer, so this allocates a small header.
	p.pool.Put(&b)
}

// Copy is io.CopyBuffer with a pooled buffer.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := Buffers.Get()
	defer Buffers.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}
