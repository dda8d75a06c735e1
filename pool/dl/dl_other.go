//go:build !linux || !cgo

package dl

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/pool"
)

var ErrDL = errors.New("dynamic loader")

var errUnsupported = errors.Wrap(ErrDL, "requires linux and cgo")

// Loader is unavailable without cgo on linux; every call fails.
type Loader struct{}

func New(log.Logger) *Loader { return &Loader{} }

func (l *Loader) Self() (pool.Handle, error)          { return 0, errUnsupported }
func (l *Loader) Open(string) (pool.Handle, error)    { return 0, errUnsupported }
func (l *Loader) Base(pool.Handle) (uintptr, error)   { return 0, errUnsupported }
func (l *Loader) Close(pool.Handle) error             { return errUnsupported }
func (l *Loader) RuntimeLibraries() ([]string, error) { return nil, errUnsupported }
func (l *Loader) Resolve(string) (string, error)      { return "", errUnsupported }
