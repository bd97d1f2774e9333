package bufpool

import (
	"sync"
)

// Pool hands out fixed-size streaming buffers. Units borrow one buffer per
// streaming pass and return it when the pass ends, success or failure.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers. It panics if bufSize is not positive.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return (*bp)[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var shared sync.Map // map[int]*Pool

// For returns the process-wide pool for bufSize, creating it on first use.
func For(bufSize int) *Pool {
	if p, ok := shared.Load(bufSize); ok {
		return p.(*Pool)
	}
	actual, _ := shared.LoadOrStore(bufSize, New(bufSize))
	return actual.(*Pool)
}
