package local

import (
	"context"
	"io"
	"sync"
)

// logBuffer retains all output of one process and lets any number of
// readers follow it from the beginning.
type logBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newLogBuffer() *logBuffer {
	b := &logBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *logBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *logBuffer) follow(ctx context.Context) io.ReadCloser {
	r := &followReader{buf: b}
	// With ctx already done the callback may run before stop is stored.
	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	b.mu.Lock()
	r.stop = stop
	b.mu.Unlock()
	return r
}

type followReader struct {
	buf    *logBuffer
	offset int
	done   bool
	stop   func() bool
}

func (r *followReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for r.offset >= len(b.data) && !b.closed && !r.done {
		b.cond.Wait()
	}
	if r.done {
		return 0, io.ErrClosedPipe
	}
	if r.offset >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[r.offset:])
	r.offset += n
	return n, nil
}

func (r *followReader) Close() error {
	b := r.buf
	b.mu.Lock()
	r.done = true
	stop := r.stop
	b.cond.Broadcast()
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
