//go:build linux

package patcher

import (
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ZenLiuCN/hotpatch/trampoline"
)

const (
	protCode = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	protData = unix.PROT_READ | unix.PROT_WRITE
)

// ErrProtect occurs when a page range can't be made writable.
var ErrProtect = errors.New("mprotect failed")

// MemoryApplier writes patches into the memory of the current process.
// The process must be quiescent while it runs.
type MemoryApplier struct {
	pageSize uintptr
	logger   log.Logger
}

func NewMemoryApplier(logger log.Logger) *MemoryApplier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MemoryApplier{pageSize: uintptr(unix.Getpagesize()), logger: logger}
}

// protect changes the smallest page aligned range covering [addr, addr+n).
func (m *MemoryApplier) protect(addr uintptr, n uint64, prot int) error {
	start := addr &^ (m.pageSize - 1)
	end := (addr + uintptr(n) + m.pageSize - 1) &^ (m.pageSize - 1)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Mprotect(region, prot); err != nil {
		return errors.Wrapf(ErrProtect, "%#x-%#x: %v", start, end, err)
	}
	return nil
}

func (m *MemoryApplier) Redirect(name string, from, to uintptr) error {
	code := trampoline.Encode(to)
	if err := m.protect(from, trampoline.Len, protCode); err != nil {
		level.Error(m.logger).Log("msg", "unprotect code", "name", name, "addr", hexAddr(from), "err", err)
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(from)), trampoline.Len), code.Bytes())
	level.Debug(m.logger).Log("msg", "redirected", "name", name, "from", hexAddr(from), "to", hexAddr(to))
	return nil
}

func (m *MemoryApplier) CopyState(name string, from, to uintptr, size uint64) error {
	if err := m.protect(to, size, protData); err != nil {
		level.Error(m.logger).Log("msg", "unprotect data", "name", name, "addr", hexAddr(to), "err", err)
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(to)), size), unsafe.Slice((*byte)(unsafe.Pointer(from)), size))
	level.Debug(m.logger).Log("msg", "copied", "name", name, "from", hexAddr(from), "to", hexAddr(to), "size", size)
	return nil
}
