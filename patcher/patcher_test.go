package patcher

import (
	"debug/elf"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/hotpatch/image"
	"github.com/ZenLiuCN/hotpatch/internal/elftest"
)

type module struct {
	img  *image.Image
	base uintptr
}

func (m module) Image() *image.Image { return m.img }
func (m module) LoadBase() uintptr   { return m.base }

type names map[string]bool

func (n names) IsPatchable(name string) bool { return n[name] }

type call struct {
	name     string
	from, to uintptr
	size     uint64
}

type recorder struct {
	redirects []call
	copies    []call
	fail      error
}

func (r *recorder) Redirect(name string, from, to uintptr) error {
	if r.fail != nil {
		return r.fail
	}
	r.redirects = append(r.redirects, call{name: name, from: from, to: to})
	return nil
}

func (r *recorder) CopyState(name string, from, to uintptr, size uint64) error {
	if r.fail != nil {
		return r.fail
	}
	r.copies = append(r.copies, call{name: name, from: from, to: to, size: size})
	return nil
}

func parse(t *testing.T, b *elftest.Builder, base uintptr) module {
	img := fn.Panic1(image.Parse(t.Name(), b.Bytes()))
	return module{img: img, base: base}
}

func source(t *testing.T) module {
	return parse(t, &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x100), elftest.Data(0x40), elftest.Rodata(0x20)},
		Symtab: []elftest.Sym{
			elftest.Func("apple", 0x10, 0x20),
			elftest.Func("tiny", 0x40, 4),
			elftest.Func("_GLOBAL__sub_I_main", 0x50, 0x20),
			elftest.Func("gone", 0x80, 0x20),
			elftest.Func("private", 0xa0, 0x20),
			{Name: "ro_fn", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: ".rodata", Size: 0x20},
			elftest.Object("counter", ".data", 0x8, 8),
			elftest.Object("banner", ".rodata", 0, 16),
			elftest.Object(".str.1", ".data", 0x10, 4),
			elftest.Object("empty", ".data", 0x18, 0),
			{Name: "answer", Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL, Section: elftest.Abs, Value: 42, Size: 8},
			elftest.Object("shrunk", ".data", 0x20, 16),
		},
		Dynsym: []elftest.Sym{elftest.Func("apple", 0x10, 0x20)},
	}, 0x1000_0000)
}

func target(t *testing.T) module {
	return parse(t, &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x100), elftest.Data(0x40), elftest.Rodata(0x20)},
		Symtab: []elftest.Sym{
			elftest.Func("apple", 0x30, 0x20),
			elftest.Func("tiny", 0x60, 4),
			elftest.Func("_GLOBAL__sub_I_main", 0x70, 0x20),
			elftest.Func("private", 0x90, 0x20),
			elftest.Func("ro_fn", 0xc0, 0x20),
			elftest.Object("counter", ".data", 0x10, 8),
			elftest.Object("banner", ".rodata", 0, 16),
			elftest.Object(".str.1", ".data", 0x18, 4),
			elftest.Object("shrunk", ".data", 0x28, 8),
		},
	}, 0x2000_0000)
}

var everything = names{
	"apple": true, "tiny": true, "_GLOBAL__sub_I_main": true, "gone": true, "ro_fn": true,
	"counter": true, "banner": true, ".str.1": true, "empty": true, "answer": true, "shrunk": true,
}

func TestRedirectSelection(t *testing.T) {
	rec := &recorder{}
	p := New(rec, Config{}, nil)
	st, err := p.RedirectFunctions(source(t), target(t), everything)
	require.NoError(t, err)
	require.Equal(t, []call{{name: "apple", from: 0x1000_0010, to: 0x2000_0030}}, rec.redirects)
	require.Equal(t, Stats{Applied: 1, Missing: 1, Skipped: 1}, st)
	require.Empty(t, rec.copies)
}

func TestCopySelection(t *testing.T) {
	rec := &recorder{}
	p := New(rec, Config{}, nil)
	st, err := p.CopyGlobalState(source(t), target(t), everything)
	require.NoError(t, err)
	require.Equal(t, []call{
		{name: "counter", from: 0x1000_0008, to: 0x2000_0010, size: 8},
		{name: "shrunk", from: 0x1000_0020, to: 0x2000_0028, size: 8},
	}, rec.copies)
	require.Equal(t, Stats{Applied: 2}, st)
	require.Empty(t, rec.redirects)
}

func TestOnlyPatchableNames(t *testing.T) {
	rec := &recorder{}
	p := New(rec, Config{}, nil)
	_, err := p.RedirectFunctions(source(t), target(t), names{"private": false, "counter": true})
	require.NoError(t, err)
	require.Empty(t, rec.redirects)
	_, err = p.CopyGlobalState(source(t), target(t), names{"apple": true})
	require.NoError(t, err)
	require.Empty(t, rec.copies)
}

func TestCustomPrefixes(t *testing.T) {
	rec := &recorder{}
	p := New(rec, Config{InitializerPrefixes: []string{"app"}, LiteralPrefixes: []string{"count"}}, nil)
	_, err := p.RedirectFunctions(source(t), target(t), everything)
	require.NoError(t, err)
	require.Len(t, rec.redirects, 1)
	require.Equal(t, "_GLOBAL__sub_I_main", rec.redirects[0].name)
	_, err = p.CopyGlobalState(source(t), target(t), everything)
	require.NoError(t, err)
	require.Len(t, rec.copies, 2)
	require.Equal(t, ".str.1", rec.copies[0].name)
}

func TestApplierErrorStopsThePass(t *testing.T) {
	boom := errors.New("boom")
	p := New(&recorder{fail: boom}, Config{}, nil)
	_, err := p.RedirectFunctions(source(t), target(t), everything)
	require.True(t, errors.Is(err, boom))
	require.Contains(t, err.Error(), "apple")
	_, err = p.CopyGlobalState(source(t), target(t), everything)
	require.True(t, errors.Is(err, boom))
	require.Contains(t, err.Error(), "counter")
}
