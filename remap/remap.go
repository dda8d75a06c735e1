// Package remap records patch decisions into a fixed-capacity table of
// records for a companion process to apply.
//
// Every record is 48 bytes, little endian:
//
//	0   tag   uint64  0 empty, 1 weak, 2 func
//	8   old   uint64
//	16  new   uint64
//	24  size  uint64  weak only
//	32  code  [16]byte func only
//
// An empty record terminates the table.
package remap

import (
	"fmt"

	"github.com/ZenLiuCN/hotpatch/trampoline"
)

type Kind uint64

const (
	KindEmpty Kind = iota
	KindWeak
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindWeak:
		return "weak"
	case KindFunc:
		return "func"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Remapping is either a Weak or a Func.
type Remapping interface {
	Kind() Kind
	From() uintptr
	To() uintptr
	sealed()
}

// Weak asks for Size bytes at Old to be copied over New.
type Weak struct {
	Old, New uintptr
	Size     uint64
}

// Func asks for Code to be written over Old. New is the trampoline target.
type Func struct {
	Old, New uintptr
	Code     trampoline.Code
}

func (Weak) Kind() Kind       { return KindWeak }
func (w Weak) From() uintptr  { return w.Old }
func (w Weak) To() uintptr    { return w.New }
func (Weak) sealed()          {}
func (Func) Kind() Kind       { return KindFunc }
func (f Func) From() uintptr  { return f.Old }
func (f Func) To() uintptr    { return f.New }
func (Func) sealed()          {}
func (w Weak) String() string { return fmt.Sprintf("weak %#x -> %#x (%d bytes)", w.Old, w.New, w.Size) }
func (f Func) String() string { return fmt.Sprintf("func %#x -> %#x [%s]", f.Old, f.New, f.Code) }

// RedirectFunction builds the record for a jump from from to to. Nothing is
// written: the caller copies Code over Old after unprotecting it, and must
// never do so for the code that is running the copy.
func RedirectFunction(from, to uintptr) Func {
	return Func{Old: from, New: to, Code: trampoline.Encode(to)}
}
