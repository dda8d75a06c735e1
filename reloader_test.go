package hotpatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/hotpatch/classify"
	"github.com/ZenLiuCN/hotpatch/internal/elftest"
	"github.com/ZenLiuCN/hotpatch/pool"
	"github.com/ZenLiuCN/hotpatch/remap"
)

const self = pool.Handle(0x5e1f)

type fakeLoader struct {
	next   pool.Handle
	opened []string
	closed int
}

func (f *fakeLoader) Self() (pool.Handle, error) { return self, nil }
func (f *fakeLoader) Open(path string) (pool.Handle, error) {
	f.next++
	f.opened = append(f.opened, filepath.Base(path))
	return f.next, nil
}

func (f *fakeLoader) Base(h pool.Handle) (uintptr, error) { return uintptr(h) << 32, nil }

func (f *fakeLoader) Close(pool.Handle) error {
	f.closed++
	return nil
}

type noLibraries struct{}

func (noLibraries) Resolve(name string) (string, error) { return "", errors.Errorf("no %s", name) }
func (noLibraries) RuntimeLibraries() ([]string, error) { return nil, nil }

type call struct {
	name     string
	from, to uintptr
}

type recorder struct {
	redirects, copies []call
}

func (r *recorder) Redirect(name string, from, to uintptr) error {
	r.redirects = append(r.redirects, call{name, from, to})
	return nil
}

func (r *recorder) CopyState(name string, from, to uintptr, _ uint64) error {
	r.copies = append(r.copies, call{name, from, to})
	return nil
}

// program writes an image with apple at text and counter at data.
func program(t *testing.T, path string, text, data uint64) string {
	b := &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x100), elftest.Data(0x40)},
		Symtab: []elftest.Sym{
			elftest.Func("apple", text, 0x20),
			elftest.Func("trigger", text+0x40, 0x20),
			elftest.Object("counter", ".data", data, 8),
			elftest.Object("indent", ".data", data+0x10, 4),
		},
	}
	fn.Panic(os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

type fixture struct {
	dir, exe, manifest string
	loader             *fakeLoader
	applier            *recorder
	reg                *prometheus.Registry
	r                  *Reloader
}

func setup(t *testing.T) *fixture {
	f := &fixture{dir: t.TempDir(), loader: &fakeLoader{}, applier: &recorder{}, reg: prometheus.NewRegistry()}
	f.exe = program(t, filepath.Join(f.dir, "app"), 0x10, 0x8)
	program(t, pool.PatchPath(f.exe, 0), 0x20, 0x18)
	program(t, pool.PatchPath(f.exe, 1), 0x30, 0x28)
	obj := program(t, filepath.Join(f.dir, "app.o"), 0, 0)
	f.manifest = filepath.Join(f.dir, "app.hrf")
	fn.Panic(os.WriteFile(f.manifest, []byte("+o "+obj+"\n"), 0o644))
	f.r = New(DefaultConfig(), nil, f.reg, WithLoader(f.loader), WithResolver(noLibraries{}), WithApplier(f.applier))
	t.Cleanup(func() { _ = f.r.Close() })
	return f
}

func (f *fixture) context() Context {
	return Context{Manifest: f.manifest, Executable: f.exe, Exclude: []string{"trigger", "indent"}}
}

func TestReloadCycles(t *testing.T) {
	f := setup(t)
	_, ok := f.r.Lookup("apple")
	require.False(t, ok)

	res, err := f.r.Reload(f.context())
	require.NoError(t, err)
	require.Equal(t, Result{Generation: 1, Functions: 1, Objects: 1}, res)
	base, p0, p1 := uintptr(self)<<32, uintptr(1)<<32, uintptr(2)<<32
	require.Equal(t, []call{{"counter", base + 0x8, p0 + 0x18}}, f.applier.copies)
	require.Equal(t, []call{{"apple", base + 0x10, p0 + 0x20}}, f.applier.redirects)

	addr, ok := f.r.Lookup("apple")
	require.True(t, ok)
	require.Equal(t, base+0x10, addr)
	_, ok = f.r.Lookup("pear")
	require.False(t, ok)

	f.applier.copies, f.applier.redirects = nil, nil
	res, err = f.r.Reload(f.context())
	require.NoError(t, err)
	require.Equal(t, 2, res.Generation)
	require.Equal(t, []call{{"counter", p0 + 0x18, p1 + 0x28}}, f.applier.copies, "state comes from the previous generation")
	require.Equal(t, []call{{"apple", base + 0x10, p1 + 0x30}}, f.applier.redirects, "functions are redirected from the running program")

	require.Equal(t, 2, f.r.Generation())
	require.Equal(t, pool.PatchPath(f.exe, 2), f.r.NextPath(f.exe))
	require.Equal(t, []string{"app.patch0.so", "app.patch1.so"}, f.loader.opened)
	require.Equal(t, 2.0, testutil.ToFloat64(f.r.metrics.functions))
	require.Equal(t, 2.0, testutil.ToFloat64(f.r.metrics.objects))
	require.Equal(t, 2.0, testutil.ToFloat64(f.r.metrics.generation))
	require.Equal(t, 2.0, testutil.ToFloat64(f.r.metrics.cycles))
	if testing.Verbose() {
		spew.Dump(res)
	}
}

func TestReloadThroughRemapTable(t *testing.T) {
	f := setup(t)
	tab := remap.NewTable(make([]byte, 8*remap.RecordSize))
	require.NoError(t, tab.Append(remap.Weak{Old: 1, New: 2, Size: 3}))
	ctx := f.context()
	ctx.Remaps = tab
	res, err := f.r.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Remapped)
	require.Empty(t, f.applier.copies)
	require.Empty(t, f.applier.redirects)

	base, p0 := uintptr(self)<<32, uintptr(1)<<32
	r, err := tab.At(0)
	require.NoError(t, err)
	require.Equal(t, remap.Weak{Old: base + 0x8, New: p0 + 0x18, Size: 8}, r)
	r, err = tab.At(1)
	require.NoError(t, err)
	require.Equal(t, remap.RedirectFunction(base+0x10, p0+0x20), r)
}

func TestRemapStorageReusedAcrossCycles(t *testing.T) {
	f := setup(t)
	buf := make([]byte, 8*remap.RecordSize)
	ctx := f.context()
	ctx.Remaps = remap.NewTable(buf)
	res, err := f.r.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Remapped)

	ctx.Remaps = remap.NewTable(buf)
	ctx.Exclude = append(ctx.Exclude, "apple")
	res, err = f.r.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Remapped)

	var got []remap.Remapping
	require.NoError(t, remap.NewTable(buf).Records(func(_ int, r remap.Remapping) bool {
		got = append(got, r)
		return true
	}))
	p0, p1 := uintptr(1)<<32, uintptr(2)<<32
	require.Equal(t, []remap.Remapping{remap.Weak{Old: p0 + 0x18, New: p1 + 0x28, Size: 8}}, got)
}

func TestExcludedNamesAreNeverPatched(t *testing.T) {
	f := setup(t)
	ctx := f.context()
	ctx.Exclude = []string{"apple"}
	res, err := f.r.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Functions)
	require.Equal(t, 2, res.Objects)
	require.Len(t, f.applier.redirects, 1)
	require.Equal(t, "trigger", f.applier.redirects[0].name)
}

func TestReloadFailures(t *testing.T) {
	f := setup(t)
	_, err := f.r.Reload(Context{Executable: f.exe})
	require.True(t, errors.Is(err, ErrContext))

	missing := filepath.Join(f.dir, "missing.hrf")
	fn.Panic(os.WriteFile(missing, []byte("+o "+filepath.Join(f.dir, "gone.o")), 0o644))
	ctx := f.context()
	ctx.Manifest = missing
	res, err := f.r.Reload(ctx)
	require.True(t, errors.Is(err, classify.ErrResolve))
	require.Zero(t, res.Generation)
	require.Empty(t, f.loader.opened, "nothing is loaded when classification fails")

	fn.Panic(os.Remove(pool.PatchPath(f.exe, 0)))
	_, err = f.r.Reload(f.context())
	require.True(t, errors.Is(err, pool.ErrLoad))
	require.Zero(t, f.r.Generation())
	require.Empty(t, f.applier.copies)
	require.Empty(t, f.applier.redirects)

	require.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.failures.WithLabelValues("classify")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.failures.WithLabelValues("load")))
	require.Equal(t, 3.0, testutil.ToFloat64(f.r.metrics.cycles))

	require.NoError(t, f.r.Close())
	require.NoError(t, f.r.Close())
	_, err = f.r.Reload(f.context())
	require.True(t, errors.Is(err, ErrClosed))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotpatch.yaml")
	fn.Panic(os.WriteFile(path, []byte("debug: true\nclassify:\n  exclude: [trigger]\nremap_capacity: 16\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, []string{"trigger"}, cfg.Classify.Exclude)
	require.Equal(t, classify.DefaultRuntimeLibraries, cfg.Classify.RuntimeLibraries)
	require.Equal(t, 16, cfg.RemapCapacity)
	require.NotEmpty(t, cfg.Patcher.InitializerPrefixes)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
}

func TestAllocateRemaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemapCapacity = 16
	r := New(cfg, nil, nil, WithLoader(&fakeLoader{}), WithResolver(noLibraries{}), WithApplier(&recorder{}))
	tab, err := r.AllocateRemaps()
	require.NoError(t, err)
	defer func() { require.NoError(t, tab.Close()) }()
	require.Equal(t, 16, tab.Cap())
	require.Zero(t, tab.Len())
}
