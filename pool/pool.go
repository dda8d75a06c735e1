// Package pool manages the generations of a hot reloaded process: the
// running image (Base), the previous patch (Prev) and the newest one (Curr).
package pool

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/image"
)

type (
	// Handle is an opaque dynamic loader handle, zero when unset.
	Handle uintptr
	// Loader is the dynamic loader of the running process.
	Loader interface {
		Self() (Handle, error)            //handle of the running program itself
		Open(path string) (Handle, error) //load a shared object with immediate binding and local symbols
		Base(h Handle) (uintptr, error)   //load base of a handle, from its link map
		Close(h Handle) error             //unload a handle returned by Open
	}
	// Patch owns one loaded image. Copying a Patch value duplicates the
	// ownership; use Move instead.
	Patch struct {
		img    *image.Image
		base   uintptr
		handle Handle
		loader Loader
	}
	// Pool is the Base / Prev / Curr chain.
	Pool struct {
		base       Patch
		bound      bool
		prev       Patch
		curr       Patch
		generation int
		loader     Loader
		logger     log.Logger
		sync.RWMutex
	}
)

var (
	ErrLoad     = errors.New("patch load failed")
	ErrNotBound = errors.New("base image not bound")
)

// PatchPath is the file the n-th generation of exe is expected at.
func PatchPath(exe string, n int) string {
	return fmt.Sprintf("%s.patch%d.so", exe, n)
}

// Load opens path with the loader and parses it.
func Load(loader Loader, path string) (p Patch, err error) {
	img, err := image.Load(path)
	if err != nil {
		return p, errors.Wrapf(ErrLoad, "%s: %v", path, err)
	}
	h, err := loader.Open(path)
	if err != nil {
		_ = img.Close()
		return p, errors.Wrapf(ErrLoad, "open %s: %v", path, err)
	}
	base, err := loader.Base(h)
	if err != nil {
		_ = loader.Close(h)
		_ = img.Close()
		return p, errors.Wrapf(ErrLoad, "base of %s: %v", path, err)
	}
	img.SetLoadBase(base)
	return Patch{img: img, base: base, handle: h, loader: loader}, nil
}

// Valid reports whether the patch holds a loaded image.
func (p *Patch) Valid() bool {
	return p.base != 0 && p.handle != 0
}

// Move transfers the ownership to the returned value and clears p.
func (p *Patch) Move() (out Patch) {
	out, *p = *p, Patch{}
	return
}

func (p *Patch) Image() *image.Image {
	return p.img
}

func (p *Patch) LoadBase() uintptr {
	return p.base
}

func (p *Patch) Handle() Handle {
	return p.handle
}

// Close unloads the patch. Closing an empty or moved-from patch does nothing.
func (p *Patch) Close() (err error) {
	q := p.Move()
	if q.handle != 0 && q.loader != nil {
		err = q.loader.Close(q.handle)
	}
	if q.img != nil {
		if e := q.img.Close(); err == nil {
			err = e
		}
	}
	return
}

// New creates an empty pool.
func New(loader Loader, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pool{loader: loader, logger: log.With(logger, "component", "pool")}
}

// BindBase resolves the running program: its load base through self (or
// through Loader.Self when self is zero) and its image from executable.
// Once bound, later calls do nothing.
func (p *Pool) BindBase(self Handle, executable string) (err error) {
	p.Lock()
	defer p.Unlock()
	if p.bound {
		return
	}
	if self == 0 {
		if self, err = p.loader.Self(); err != nil {
			return errors.Wrapf(ErrLoad, "self: %v", err)
		}
	}
	base, err := p.loader.Base(self)
	if err != nil {
		return errors.Wrapf(ErrLoad, "base of %s: %v", executable, err)
	}
	img, err := image.Load(executable)
	if err != nil {
		return errors.Wrapf(ErrLoad, "%s: %v", executable, err)
	}
	img.SetLoadBase(base)
	// the program handle is never closed by the pool
	p.base = Patch{img: img, base: base, handle: self}
	p.bound = true
	level.Info(p.logger).Log("msg", "bound base", "path", executable, "base", fmt.Sprintf("%#x", base))
	return
}

func (p *Pool) Bound() bool {
	p.RLock()
	defer p.RUnlock()
	return p.bound
}

// Rotate loads path as the new Curr. On failure nothing changes. On success
// the old Prev is unloaded, Curr becomes Prev and the generation advances.
func (p *Pool) Rotate(path string) (err error) {
	p.Lock()
	defer p.Unlock()
	if !p.bound {
		return ErrNotBound
	}
	next, err := Load(p.loader, path)
	if err != nil {
		return
	}
	if e := p.prev.Close(); e != nil {
		level.Warn(p.logger).Log("msg", "unload previous generation", "err", e)
	}
	p.prev = p.curr.Move()
	p.curr = next
	p.generation++
	level.Info(p.logger).Log("msg", "rotated", "path", path, "generation", p.generation, "base", fmt.Sprintf("%#x", next.base))
	return
}

// Generation counts successful rotations, it is also the number of the next
// patch file.
func (p *Pool) Generation() int {
	p.RLock()
	defer p.RUnlock()
	return p.generation
}

// NextPath is PatchPath for the next generation.
func (p *Pool) NextPath(exe string) string {
	return PatchPath(exe, p.Generation())
}

func (p *Pool) Base() *Patch { return &p.base }
func (p *Pool) Prev() *Patch { return &p.prev }
func (p *Pool) Curr() *Patch { return &p.curr }

// StateSource is the generation global state is copied from: Prev, or Base
// before the second rotation.
func (p *Pool) StateSource() *Patch {
	if p.prev.Valid() {
		return &p.prev
	}
	return &p.base
}

// Close unloads Curr, then Prev, then releases the Base image.
func (p *Pool) Close() (err error) {
	p.Lock()
	defer p.Unlock()
	for _, x := range []*Patch{&p.curr, &p.prev, &p.base} {
		if e := x.Close(); e != nil && err == nil {
			err = e
		}
	}
	p.bound = false
	return
}
