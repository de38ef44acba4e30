package gpu

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// Transport is the point-to-point communication layer between nodes. It can
// only address host memory on either end; the coordination layer never hands
// it a device pointer.
//
// OnPut and OnGet are the remote-execution idiom: they run the equivalent
// put/get on a named remote node, so that the remote node's own local copy
// engine performs the device-side half of a transfer this node cannot
// address. All four calls complete synchronously.
type Transport interface {
	// Put writes n bytes from the local host buffer src to the host address
	// dst on node.
	Put(src unsafe.Pointer, node NodeID, dst unsafe.Pointer, n uintptr) error
	// Get reads n bytes from the host address src on node into the local
	// host buffer dst.
	Get(dst unsafe.Pointer, node NodeID, src unsafe.Pointer, n uintptr) error
	// OnPut asks srcNode to push n bytes from its (srcSubloc, src) into
	// (dstSubloc, dst) on dstNode.
	OnPut(srcNode NodeID, srcSubloc SublocID, src unsafe.Pointer,
		dstNode NodeID, dstSubloc SublocID, dst unsafe.Pointer, n uintptr) error
	// OnGet asks dstNode to pull n bytes from (srcSubloc, src) on srcNode
	// into its (dstSubloc, dst).
	OnGet(dstNode NodeID, dstSubloc SublocID, dst unsafe.Pointer,
		srcNode NodeID, srcSubloc SublocID, src unsafe.Pointer, n uintptr) error
}

// hostBuffer is a host staging allocation used to shuttle bytes between
// device memory and the transport. It is scoped to the call that creates
// it: released before the call returns, on every exit path.
type hostBuffer struct {
	buf []byte
}

func newHostBuffer(n uintptr) *hostBuffer {
	return &hostBuffer{buf: make([]byte, n)}
}

func (b *hostBuffer) ptr() unsafe.Pointer {
	if len(b.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.buf[0])
}

func (b *hostBuffer) release() {
	runtime.KeepAlive(b.buf)
	b.buf = nil
}

// CommPut writes n bytes from the local (srcSubloc, src) to (dstSubloc, dst)
// on dstNode.
//
// A device-resident source is first copied into a host staging buffer, since
// the transport cannot address device memory. A device-resident destination
// cannot be the target of a direct network put either; the transfer becomes
// an on+get executed on dstNode, pulling from this node's (now
// host-resident) source buffer into the destination device pointer.
func (c *Context) CommPut(dstNode NodeID, dstSubloc SublocID, dst unsafe.Pointer,
	srcSubloc SublocID, src unsafe.Pointer, n uintptr) error {
	if c.transport == nil {
		return errors.New("no transport configured for cross-node put")
	}

	srcData := src
	srcDataSubloc := srcSubloc
	if srcSubloc.IsDevice() {
		staging := newHostBuffer(n)
		defer staging.release()
		srcData = staging.ptr()
		srcDataSubloc = SublocAny
		if err := c.Memcpy(srcDataSubloc, srcData, srcSubloc, src, n); err != nil {
			return errors.WithMessage(err, "failed to stage put source to host")
		}
	}

	if dstSubloc.IsDevice() {
		return c.transport.OnGet(dstNode, dstSubloc, dst, c.nodeID, srcDataSubloc, srcData, n)
	}
	return c.transport.Put(srcData, dstNode, dst, n)
}

// CommGet reads n bytes from (srcSubloc, src) on srcNode into the local
// (dstSubloc, dst). Symmetric to CommPut: a device-resident destination is
// staged through a host buffer, and a device-resident remote source becomes
// an on+put executed on srcNode pushing into that buffer.
func (c *Context) CommGet(dstSubloc SublocID, dst unsafe.Pointer,
	srcNode NodeID, srcSubloc SublocID, src unsafe.Pointer, n uintptr) error {
	if c.transport == nil {
		return errors.New("no transport configured for cross-node get")
	}

	dstBuff := dst
	dstBuffSubloc := dstSubloc
	var staging *hostBuffer
	if dstSubloc.IsDevice() {
		staging = newHostBuffer(n)
		defer staging.release()
		dstBuff = staging.ptr()
		dstBuffSubloc = SublocAny
	}

	var err error
	if srcSubloc.IsDevice() {
		err = c.transport.OnPut(srcNode, srcSubloc, src, c.nodeID, dstBuffSubloc, dstBuff, n)
	} else {
		err = c.transport.Get(dstBuff, srcNode, src, n)
	}
	if err != nil {
		return err
	}

	if dstSubloc.IsDevice() {
		return c.Memcpy(dstSubloc, dst, dstBuffSubloc, dstBuff, n)
	}
	return nil
}
