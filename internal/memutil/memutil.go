// Package memutil holds the handful of unsafe byte-moving helpers shared by
// the gpu package and the transports.
package memutil

import "unsafe"

// Memmove copies n bytes from src to dst. The ranges may overlap. n == 0 is
// a no-op and tolerates nil pointers.
func Memmove(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

// Bytes exposes n bytes at ptr as a slice. The caller must keep the backing
// allocation alive while the slice is in use.
func Bytes(ptr unsafe.Pointer, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}
