//go:build linux && cgo

// Package ccall calls C functions by address.
package ccall

/*
static long hp_call0(void *fn) {
	return ((long (*)(void))fn)();
}
*/
import "C"

import "unsafe"

// Call0 calls `long fn(void)` at addr on the system stack.
func Call0(addr uintptr) int64 {
	return int64(C.hp_call0(unsafe.Pointer(addr)))
}
