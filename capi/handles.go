package main

import (
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch"
	"github.com/ZenLiuCN/hotpatch/pool"
	"github.com/ZenLiuCN/hotpatch/remap"
)

var (
	live   sync.Map // uintptr -> struct{}
	tables sync.Map // uintptr -> *remap.Table

	errHandle = errors.New("invalid handle")
	errTable  = errors.New("unknown remap table")
)

func register(r *hotpatch.Reloader) uintptr {
	h := uintptr(cgo.NewHandle(r))
	live.Store(h, struct{}{})
	return h
}

func lookup(h uintptr) (*hotpatch.Reloader, bool) {
	if _, ok := live.Load(h); !ok {
		return nil, false
	}
	r, ok := cgo.Handle(h).Value().(*hotpatch.Reloader)
	return r, ok
}

func release(h uintptr) error {
	if _, ok := live.LoadAndDelete(h); !ok {
		return errors.Wrapf(errHandle, "%#x", h)
	}
	ch := cgo.Handle(h)
	r := ch.Value().(*hotpatch.Reloader)
	ch.Delete()
	return r.Close()
}

func table(remaps unsafe.Pointer, capacity int) *remap.Table {
	if remaps == nil || capacity <= 0 {
		return nil
	}
	return remap.NewTable(unsafe.Slice((*byte)(remaps), capacity*remap.RecordSize))
}

func contextOf(manifest, exe string, self uintptr, remaps unsafe.Pointer, capacity int, exclude []string) hotpatch.Context {
	return hotpatch.Context{
		Manifest:   manifest,
		Executable: exe,
		Self:       pool.Handle(self),
		Remaps:     table(remaps, capacity),
		Exclude:    exclude,
	}
}

func apply(remaps unsafe.Pointer, capacity int, a remap.Applier) (int, error) {
	t := table(remaps, capacity)
	if t == nil {
		return 0, nil
	}
	return t.Replay(a)
}

func allocate(r *hotpatch.Reloader) (unsafe.Pointer, int, error) {
	t, err := r.AllocateRemaps()
	if err != nil {
		return nil, 0, err
	}
	p := unsafe.Pointer(&t.Bytes()[0])
	tables.Store(uintptr(p), t)
	return p, t.Cap(), nil
}

func free(p unsafe.Pointer) error {
	v, ok := tables.LoadAndDelete(uintptr(p))
	if !ok {
		return errors.Wrapf(errTable, "%p", p)
	}
	return v.(*remap.Table).Close()
}
