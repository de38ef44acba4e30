package cpu

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xianghao-wang/chapel/internal/memutil"
)

// stream is one in-flight asynchronous transfer, the emulation of a
// non-blocking driver stream.
type stream struct {
	done   chan struct{}
	waited atomic.Bool
}

// AsyncCopy implements gpu.Backend: the transfer runs on its own goroutine
// and the returned handle completes when the bytes have moved.
func (b *Backend) AsyncCopy(dst, src unsafe.Pointer, n uintptr) (any, error) {
	if err := b.checkRange(dst, n, "async copy destination"); err != nil {
		return nil, err
	}
	if err := b.checkRange(src, n, "async copy source"); err != nil {
		return nil, err
	}
	s := &stream{done: make(chan struct{})}
	go func() {
		memutil.Memmove(dst, src, n)
		close(s.done)
	}()
	return s, nil
}

// WaitTransfer implements gpu.Backend: it blocks until the transfer
// finishes, then destroys the stream. Waiting twice on one handle is an
// error.
func (b *Backend) WaitTransfer(handle any) error {
	s, ok := handle.(*stream)
	if !ok {
		return errors.Errorf("transfer handle not created by the cpu backend (%T)", handle)
	}
	if !s.waited.CompareAndSwap(false, true) {
		return errors.New("transfer handle waited on twice")
	}
	<-s.done
	return nil
}
