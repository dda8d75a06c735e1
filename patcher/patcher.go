// Package patcher grafts a newer generation onto a running image: function
// entries are overwritten with trampolines and global objects are copied
// forward.
package patcher

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/image"
	"github.com/ZenLiuCN/hotpatch/trampoline"
)

var (
	// DefaultInitializerPrefixes name compiler generated static initializers.
	DefaultInitializerPrefixes = []string{
		"_GLOBAL__sub_I_",
		"_GLOBAL__I_",
		"_GLOBAL__D_",
		"__cxx_global_var_init",
		"__static_initialization_and_destruction",
	}
	// DefaultLiteralPrefixes name compiler generated string literals.
	DefaultLiteralPrefixes = []string{".L", ".str", "__func__.", "__PRETTY_FUNCTION__."}
)

// Module is a loaded image and the address the loader placed it at.
type Module interface {
	Image() *image.Image
	LoadBase() uintptr
}

// Set answers whether a name may be patched this cycle.
type Set interface {
	IsPatchable(name string) bool
}

// Applier carries out the patch decisions: either by writing the running
// process memory or by recording them for another process.
type Applier interface {
	// Redirect makes calls to from continue at to.
	Redirect(name string, from, to uintptr) error
	// CopyState copies size bytes of the object at from over the one at to.
	CopyState(name string, from, to uintptr, size uint64) error
}

type Config struct {
	InitializerPrefixes []string `yaml:"initializer_prefixes"`
	LiteralPrefixes     []string `yaml:"literal_prefixes"`
}

// Stats of one pass.
type Stats struct {
	Applied int // redirected functions or copied objects
	Missing int // patchable in the source, absent from the target
	Skipped int // present on both sides but unsafe to patch
}

type Patcher struct {
	applier Applier
	cfg     Config
	logger  log.Logger
}

func New(applier Applier, cfg Config, logger log.Logger) *Patcher {
	if cfg.InitializerPrefixes == nil {
		cfg.InitializerPrefixes = DefaultInitializerPrefixes
	}
	if cfg.LiteralPrefixes == nil {
		cfg.LiteralPrefixes = DefaultLiteralPrefixes
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Patcher{applier: applier, cfg: cfg, logger: log.With(logger, "component", "patcher")}
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// RedirectFunctions writes a trampoline over every patchable function of
// source that target also defines. A function missing from target is
// skipped, an Applier error stops the pass.
func (p *Patcher) RedirectFunctions(source, target Module, patchable Set) (st Stats, err error) {
	src, dst := source.Image(), target.Image()
	seen := make(map[string]struct{})
	walkErr := src.Symbols(func(s image.Symbol) bool {
		if !s.IsFunction() || !s.Defined() || !s.HasName() {
			return true
		}
		if hasPrefix(s.Name, p.cfg.InitializerPrefixes) || !src.InExecutable(s) || !patchable.IsPatchable(s.Name) {
			return true
		}
		if _, dup := seen[s.Name]; dup {
			return true
		}
		seen[s.Name] = struct{}{}
		to, ok, e := dst.Lookup(s.Name)
		if e != nil {
			err = e
			return false
		}
		if !ok || !to.IsFunction() {
			st.Missing++
			level.Debug(p.logger).Log("msg", "function not in target", "name", s.Name)
			return true
		}
		if s.Size != 0 && s.Size < trampoline.Len {
			st.Skipped++
			level.Warn(p.logger).Log("msg", "function too small for a trampoline", "name", s.Name, "size", s.Size)
			return true
		}
		from := source.LoadBase() + uintptr(s.Value)
		dest := target.LoadBase() + uintptr(to.Value)
		if err = p.applier.Redirect(s.Name, from, dest); err != nil {
			err = errors.Wrapf(err, "redirect %s", s.Name)
			return false
		}
		st.Applied++
		return true
	})
	if err == nil {
		err = walkErr
	}
	return
}

// CopyGlobalState copies every patchable writable object of source into its
// counterpart in target. Layout compatibility is not checked.
func (p *Patcher) CopyGlobalState(source, target Module, patchable Set) (st Stats, err error) {
	src, dst := source.Image(), target.Image()
	seen := make(map[string]struct{})
	walkErr := src.Symbols(func(s image.Symbol) bool {
		if !s.IsObject() || !s.Defined() || s.Absolute() || !s.HasName() || s.Size == 0 {
			return true
		}
		if hasPrefix(s.Name, p.cfg.LiteralPrefixes) || src.InReadOnly(s) || !patchable.IsPatchable(s.Name) {
			return true
		}
		if _, dup := seen[s.Name]; dup {
			return true
		}
		seen[s.Name] = struct{}{}
		to, ok, e := dst.Lookup(s.Name)
		if e != nil {
			err = e
			return false
		}
		if !ok || !to.IsObject() || to.Absolute() {
			st.Missing++
			level.Debug(p.logger).Log("msg", "object not in target", "name", s.Name)
			return true
		}
		if dst.InReadOnly(to) {
			st.Skipped++
			return true
		}
		size := s.Size
		if to.Size != 0 && to.Size < size {
			level.Warn(p.logger).Log("msg", "object shrank, copying the target size", "name", s.Name, "from", s.Size, "to", to.Size)
			size = to.Size
		}
		from := source.LoadBase() + uintptr(s.Value)
		dest := target.LoadBase() + uintptr(to.Value)
		if err = p.applier.CopyState(s.Name, from, dest, size); err != nil {
			err = errors.Wrapf(err, "copy %s", s.Name)
			return false
		}
		st.Applied++
		return true
	})
	if err == nil {
		err = walkErr
	}
	return
}
