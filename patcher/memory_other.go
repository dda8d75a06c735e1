//go:build !linux

package patcher

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

var ErrProtect = errors.New("mprotect failed")

// MemoryApplier is only available on linux.
type MemoryApplier struct{}

func NewMemoryApplier(log.Logger) *MemoryApplier {
	return &MemoryApplier{}
}

func (m *MemoryApplier) Redirect(name string, from, to uintptr) error {
	return errors.Wrapf(ErrProtect, "%s: live patching not supported on this platform", name)
}

func (m *MemoryApplier) CopyState(name string, from, to uintptr, size uint64) error {
	return errors.Wrapf(ErrProtect, "%s: live patching not supported on this platform", name)
}
