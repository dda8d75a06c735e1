//go:build linux && cgo

// Package dl binds the dynamic loader of the running process: dlopen,
// dlclose and the link map.
package dl

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <stdlib.h>
#include <dlfcn.h>
#include <link.h>

static void *hp_open(const char *path, int flags, const char **err) {
	void *h = dlopen(path, flags);
	if (h == NULL) {
		*err = dlerror();
	}
	return h;
}

static int hp_close(void *h, const char **err) {
	if (dlclose(h) != 0) {
		*err = dlerror();
		return -1;
	}
	return 0;
}

static struct link_map *hp_linkmap(void *h, const char **err) {
	struct link_map *lm = NULL;
	if (dlinfo(h, RTLD_DI_LINKMAP, &lm) != 0) {
		*err = dlerror();
		return NULL;
	}
	return lm;
}
*/
import "C"

import (
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/pool"
)

var ErrDL = errors.New("dynamic loader")

// Loader is the dynamic loader of this process. It serves as both the
// pool.Loader and the classify.LibraryResolver.
type Loader struct {
	logger log.Logger
}

func New(logger log.Logger) *Loader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loader{logger: log.With(logger, "component", "dl")}
}

func failure(op, what string, msg *C.char) error {
	text := "unknown error"
	if msg != nil {
		text = C.GoString(msg)
	}
	return errors.Wrapf(ErrDL, "%s %s: %s", op, what, text)
}

func (l *Loader) open(path string, flags C.int) (pool.Handle, error) {
	var msg *C.char
	var cs *C.char
	if path != "" {
		cs = C.CString(path)
		defer C.free(unsafe.Pointer(cs))
	}
	h := C.hp_open(cs, flags, &msg)
	if h == nil {
		return 0, failure("dlopen", path, msg)
	}
	return pool.Handle(uintptr(h)), nil
}

// Self is dlopen(NULL).
func (l *Loader) Self() (pool.Handle, error) {
	return l.open("", C.RTLD_NOW)
}

func (l *Loader) Open(path string) (pool.Handle, error) {
	h, err := l.open(path, C.RTLD_NOW|C.RTLD_LOCAL)
	if err == nil {
		level.Debug(l.logger).Log("msg", "opened", "path", path)
	}
	return h, err
}

func (l *Loader) linkMap(h pool.Handle) (*C.struct_link_map, error) {
	var msg *C.char
	lm := C.hp_linkmap(unsafe.Pointer(uintptr(h)), &msg)
	if lm == nil {
		return nil, failure("dlinfo", "link map", msg)
	}
	return lm, nil
}

// Base is l_addr of the handle's link map entry.
func (l *Loader) Base(h pool.Handle) (uintptr, error) {
	lm, err := l.linkMap(h)
	if err != nil {
		return 0, err
	}
	return uintptr(lm.l_addr), nil
}

func (l *Loader) Close(h pool.Handle) error {
	var msg *C.char
	if C.hp_close(unsafe.Pointer(uintptr(h)), &msg) != 0 {
		return failure("dlclose", "handle", msg)
	}
	return nil
}

// RuntimeLibraries lists the path of every object in the link map chain of
// the running process.
func (l *Loader) RuntimeLibraries() (paths []string, err error) {
	self, err := l.Self()
	if err != nil {
		return
	}
	defer func() { _ = l.Close(self) }()
	lm, err := l.linkMap(self)
	if err != nil {
		return
	}
	for lm.l_prev != nil {
		lm = lm.l_prev
	}
	for ; lm != nil; lm = lm.l_next {
		if lm.l_name == nil {
			continue
		}
		if name := C.GoString(lm.l_name); name != "" {
			paths = append(paths, name)
		}
	}
	return
}

// Resolve finds the path of library name the way the loader would: an
// absolute path is returned as is, a library already mapped into the
// process wins, then one the loader reports resident under that name
// (RTLD_NOLOAD). Only a library that is not resident yet is loaded to learn
// its path, which runs its constructors; it is closed again right away.
func (l *Loader) Resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	file := name
	if !strings.Contains(name, ".so") {
		file = "lib" + name + ".so"
	}
	if loaded, err := l.RuntimeLibraries(); err == nil {
		for _, p := range loaded {
			if strings.HasPrefix(filepath.Base(p), file) {
				return p, nil
			}
		}
	}
	if path, ok := l.resident(file); ok {
		return path, nil
	}
	level.Debug(l.logger).Log("msg", "loading to resolve", "library", file)
	return l.pathOf(file, C.RTLD_LAZY|C.RTLD_LOCAL)
}

func (l *Loader) resident(file string) (string, bool) {
	path, err := l.pathOf(file, C.RTLD_LAZY|C.RTLD_LOCAL|C.RTLD_NOLOAD)
	return path, err == nil
}

func (l *Loader) pathOf(file string, flags C.int) (string, error) {
	h, err := l.open(file, flags)
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close(h) }()
	lm, err := l.linkMap(h)
	if err != nil {
		return "", err
	}
	if lm.l_name == nil || C.GoString(lm.l_name) == "" {
		return "", errors.Wrapf(ErrDL, "resolve %s: no path in link map", file)
	}
	return C.GoString(lm.l_name), nil
}
