// Package trampoline encodes the absolute jump written over a function entry.
//
// The sequence is position independent and does not assume the target fits
// in 32 bits:
//
//	49 BB imm64    movabs r11, target
//	41 FF E3       jmp    r11
//	CC CC CC       int3 padding
//
// R11 is a scratch register in the System V ABI and is free at a function
// entry.
package trampoline

import (
	"encoding/binary"
	"encoding/hex"
)

const (
	// Size of an encoded trampoline including padding.
	Size = 16
	// Len is the number of significant bytes; nothing past it is executed.
	Len = 13
)

// Code is one encoded trampoline.
type Code [Size]byte

// Encode returns a jump to target.
func Encode(target uintptr) (c Code) {
	c[0], c[1] = 0x49, 0xBB
	binary.LittleEndian.PutUint64(c[2:10], uint64(target))
	c[10], c[11], c[12] = 0x41, 0xFF, 0xE3
	for i := Len; i < Size; i++ {
		c[i] = 0xCC
	}
	return
}

// Decode returns the target of a trampoline, false when b does not start
// with one.
func Decode(b []byte) (uintptr, bool) {
	if len(b) < Len || b[0] != 0x49 || b[1] != 0xBB || b[10] != 0x41 || b[11] != 0xFF || b[12] != 0xE3 {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(b[2:10])), true
}

// Bytes returns the significant bytes.
func (c Code) Bytes() []byte {
	return c[:Len]
}

// Target is Decode on c.
func (c Code) Target() uintptr {
	t, _ := Decode(c[:])
	return t
}

func (c Code) String() string {
	return hex.EncodeToString(c[:Len])
}
