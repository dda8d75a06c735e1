// Package classify splits symbol names into the patchable and the filtered
// sets described by a manifest.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/image"
)

// ErrResolve occurs when a file or library named by a manifest can't be opened.
var ErrResolve = errors.New("resolve failed")

// DefaultRuntimeLibraries match the C runtime libraries whose symbols are
// always filtered.
var DefaultRuntimeLibraries = []string{"libc.so", "libc-", "ld-linux", "libpthread", "libdl", "libm.so"}

// LibraryResolver locates libraries the way the dynamic loader does.
type LibraryResolver interface {
	// Resolve a simple library name such as "m" or "libm.so.6" to a path.
	Resolve(name string) (string, error)
	// RuntimeLibraries lists the paths of the libraries loaded into the process.
	RuntimeLibraries() ([]string, error)
}

type Config struct {
	// RuntimeLibraries are base name fragments of loaded libraries collected
	// into the baseline filtered set.
	RuntimeLibraries []string `yaml:"runtime_libraries"`
	// Exclude names are always filtered.
	Exclude []string `yaml:"exclude"`
}

// Sets is the outcome of one classification. Filtered takes precedence:
// no name is ever in both.
type Sets struct {
	Patchable *NameSet
	Filtered  *NameSet
}

// IsPatchable reports a name that is patchable and not filtered.
func (s *Sets) IsPatchable(name string) bool {
	return s.Patchable.Has(name) && !s.Filtered.Has(name)
}

type Classifier struct {
	cfg      Config
	resolver LibraryResolver
	logger   log.Logger
	open     func(path string) (*image.Image, error)
}

// New creates a Classifier. resolver may be nil, in which case no baseline is
// collected and only absolute `-l` paths are accepted.
func New(cfg Config, resolver LibraryResolver, logger log.Logger) *Classifier {
	if cfg.RuntimeLibraries == nil {
		cfg.RuntimeLibraries = DefaultRuntimeLibraries
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Classifier{
		cfg:      cfg,
		resolver: resolver,
		logger:   log.With(logger, "component", "classify"),
		open:     image.Load,
	}
}

// Classify reads the manifest at path and builds both sets. Any file that
// can't be opened aborts the whole classification.
func (c *Classifier) Classify(manifest string, exclude ...string) (*Sets, error) {
	ds, err := ReadManifest(manifest)
	if err != nil {
		return nil, err
	}
	return c.Apply(ds, exclude...)
}

// Apply builds both sets from parsed directives.
func (c *Classifier) Apply(ds []Directive, exclude ...string) (*Sets, error) {
	sets := &Sets{Patchable: NewNameSet(), Filtered: NewNameSet()}
	if err := c.baseline(sets.Filtered); err != nil {
		return nil, err
	}
	for _, name := range c.cfg.Exclude {
		sets.Filtered.Insert(name)
	}
	for _, name := range exclude {
		sets.Filtered.Insert(name)
	}
	for _, d := range ds {
		var err error
		switch d.Op {
		case IncludeObject:
			err = c.collect(d.Path, func(name string) {
				if !sets.Filtered.Has(name) {
					sets.Patchable.Insert(name)
				}
			})
		case ExcludeObject:
			err = c.exclude(sets, d.Path)
		case ExcludeLibrary:
			var path string
			if path, err = c.resolve(d.Path); err == nil {
				err = c.exclude(sets, path)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "manifest line %d", d.Line)
		}
	}
	level.Debug(c.logger).Log("msg", "classified", "directives", len(ds), "patchable", sets.Patchable.Len(), "filtered", sets.Filtered.Len())
	return sets, nil
}

func (c *Classifier) exclude(sets *Sets, path string) error {
	return c.collect(path, func(name string) {
		if !sets.Patchable.Has(name) {
			sets.Filtered.Insert(name)
		}
	})
}

func (c *Classifier) baseline(filtered *NameSet) error {
	if c.resolver == nil {
		level.Warn(c.logger).Log("msg", "no library resolver, runtime symbols are not filtered")
		return nil
	}
	libs, err := c.resolver.RuntimeLibraries()
	if err != nil {
		return errors.Wrapf(ErrResolve, "runtime libraries: %v", err)
	}
	for _, lib := range libs {
		if !c.isRuntime(lib) {
			continue
		}
		if err = c.collect(lib, func(name string) { filtered.Insert(name) }); err != nil {
			return err
		}
		level.Debug(c.logger).Log("msg", "filtered runtime library", "path", lib)
	}
	return nil
}

func (c *Classifier) isRuntime(path string) bool {
	base := filepath.Base(path)
	for _, p := range c.cfg.RuntimeLibraries {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

func (c *Classifier) resolve(lib string) (string, error) {
	if filepath.IsAbs(lib) {
		return lib, nil
	}
	if c.resolver == nil {
		return "", errors.Wrapf(ErrResolve, "library %s: no resolver", lib)
	}
	path, err := c.resolver.Resolve(lib)
	if err != nil {
		return "", errors.Wrapf(ErrResolve, "library %s: %v", lib, err)
	}
	return path, nil
}

// collect calls insert with every non-empty name of every symbol table of
// the file at path.
func (c *Classifier) collect(path string, insert func(name string)) error {
	img, err := c.open(path)
	if err != nil {
		return errors.Wrapf(ErrResolve, "%s: %v", path, err)
	}
	defer img.Close()
	return img.Symbols(func(s image.Symbol) bool {
		if s.HasName() {
			insert(s.Name)
		}
		return true
	})
}
