package hotpatch

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZenLiuCN/hotpatch/classify"
	"github.com/ZenLiuCN/hotpatch/patcher"
	"github.com/ZenLiuCN/hotpatch/pool"
	"github.com/ZenLiuCN/hotpatch/pool/dl"
	"github.com/ZenLiuCN/hotpatch/remap"
)

type (
	// Context is the request of one reload cycle.
	Context struct {
		Manifest   string       //manifest listing the patchable and filtered files
		Executable string       //image of the running program; patches are named after it
		Self       pool.Handle  //loader handle of the running program, zero to ask the Loader
		Remaps     *remap.Table //when set, patches are recorded here instead of written
		Exclude    []string     //names never patched, such as the entry point driving the reload
	}
	// Result of one reload cycle.
	Result struct {
		Generation int //generation after the cycle, also the number of the next patch file
		Functions  int //functions redirected
		Objects    int //objects copied
		Missing    int //patchable symbols missing from the new generation
		Skipped    int //symbols unsafe to patch
		Remapped   int //records written to Context.Remaps
	}
	// Option customizes a Reloader.
	Option func(*Reloader)
	// Reloader drives reload cycles. One cycle runs at a time, Generation may
	// be read concurrently.
	Reloader struct {
		cfg        Config
		logger     log.Logger
		metrics    *Metrics
		loader     pool.Loader
		resolver   classify.LibraryResolver
		applier    patcher.Applier
		pool       *pool.Pool
		classifier *classify.Classifier
		mu         sync.Mutex
		closed     bool
	}
)

var (
	// ErrContext occurs when a Context misses a required path.
	ErrContext = errors.New("invalid reload context")
	// ErrClosed occurs when a closed Reloader is used.
	ErrClosed = errors.New("reloader closed")
)

// WithLoader replaces the dynamic loader of the process.
func WithLoader(l pool.Loader) Option { return func(r *Reloader) { r.loader = l } }

// WithResolver replaces the library resolver used for `-l` lines and the
// runtime baseline.
func WithResolver(l classify.LibraryResolver) Option { return func(r *Reloader) { r.resolver = l } }

// WithApplier replaces the writer of patches into process memory.
func WithApplier(a patcher.Applier) Option { return func(r *Reloader) { r.applier = a } }

// New creates a Reloader. logger and reg may be nil.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) *Reloader {
	r := &Reloader{cfg: cfg, logger: cfg.Logger(logger), metrics: NewMetrics(reg)}
	for _, o := range opts {
		o(r)
	}
	if r.loader == nil || r.resolver == nil {
		d := dl.New(r.logger)
		if r.loader == nil {
			r.loader = d
		}
		if r.resolver == nil {
			r.resolver = d
		}
	}
	if r.applier == nil {
		r.applier = patcher.NewMemoryApplier(r.logger)
	}
	r.pool = pool.New(r.loader, r.logger)
	r.classifier = classify.New(cfg.Classify, r.resolver, r.logger)
	return r
}

func (r *Reloader) fail(stage string, err error) error {
	level.Error(r.logger).Log("msg", "reload failed", "stage", stage, "err", err)
	return errors.Wrap(err, stage)
}

// Reload runs one cycle: bind the running program, classify the manifest,
// load the next patch, carry the global state into it and redirect the
// functions of the running program to it. Failures before the state copy
// leave the process untouched; a failure while patching leaves the patches
// applied so far in place.
func (r *Reloader) Reload(ctx Context) (res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stage string
	start := time.Now()
	defer func() {
		res.Generation = r.pool.Generation()
		r.metrics.observe(res, stage, time.Since(start).Seconds())
	}()
	if r.closed {
		stage = "closed"
		return res, ErrClosed
	}
	if ctx.Manifest == "" || ctx.Executable == "" {
		stage = "context"
		return res, errors.Wrapf(ErrContext, "manifest %q executable %q", ctx.Manifest, ctx.Executable)
	}
	if err = r.pool.BindBase(ctx.Self, ctx.Executable); err != nil {
		stage = "bind"
		return res, r.fail(stage, err)
	}
	sets, err := r.classifier.Classify(ctx.Manifest, ctx.Exclude...)
	if err != nil {
		stage = "classify"
		return res, r.fail(stage, err)
	}
	if err = r.pool.Rotate(r.pool.NextPath(ctx.Executable)); err != nil {
		stage = "load"
		return res, r.fail(stage, err)
	}

	applier := r.applier
	if ctx.Remaps != nil {
		ctx.Remaps.Reset()
		applier = ctx.Remaps
		defer func() { res.Remapped = ctx.Remaps.Len() }()
	}
	p := patcher.New(applier, r.cfg.Patcher, r.logger)
	copied, err := p.CopyGlobalState(r.pool.StateSource(), r.pool.Curr(), sets)
	res.Objects, res.Missing, res.Skipped = copied.Applied, copied.Missing, copied.Skipped
	if err != nil {
		stage = "copy"
		return res, r.fail(stage, err)
	}
	redirected, err := p.RedirectFunctions(r.pool.Base(), r.pool.Curr(), sets)
	res.Functions = redirected.Applied
	res.Missing += redirected.Missing
	res.Skipped += redirected.Skipped
	if err != nil {
		stage = "redirect"
		return res, r.fail(stage, err)
	}
	level.Info(r.logger).Log("msg", "reloaded",
		"generation", r.pool.Generation(),
		"functions", res.Functions,
		"objects", res.Objects,
		"missing", res.Missing,
		"skipped", res.Skipped)
	return
}

// AllocateRemaps maps a shared table of Config.RemapCapacity records for the
// channel path. The caller closes it.
func (r *Reloader) AllocateRemaps() (*remap.Table, error) {
	return remap.Allocate(r.cfg.RemapCapacity)
}

// Generation is the number of the next patch file.
func (r *Reloader) Generation() int {
	return r.pool.Generation()
}

// NextPath is the file the next cycle loads for exe.
func (r *Reloader) NextPath(exe string) string {
	return r.pool.NextPath(exe)
}

// Lookup returns the runtime address of a defined symbol of the running
// program. The program is bound by the first Reload.
func (r *Reloader) Lookup(name string) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pool.Bound() {
		return 0, false
	}
	base := r.pool.Base()
	s, ok, err := base.Image().Lookup(name)
	if err != nil || !ok {
		return 0, false
	}
	return base.LoadBase() + uintptr(s.Value), true
}

// Close unloads every generation. The running program keeps executing
// whatever its patched entries point to, so Close belongs to shutdown.
func (r *Reloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.pool.Close()
}
