//go:build linux && amd64

package patcher

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/hotpatch/internal/elftest"
	"github.com/ZenLiuCN/hotpatch/trampoline"
)

func region(t *testing.T, prot int) mmap.MMap {
	m, err := mmap.MapRegion(nil, 0x1000, prot, mmap.ANON, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Unmap() })
	return m
}

func addr(m mmap.MMap) uintptr {
	return uintptr(unsafe.Pointer(&m[0]))
}

// invoke calls the machine code at pc as a func() uint32.
func invoke(pc uintptr) uint32 {
	p := &pc
	return (*(*func() uint32)(unsafe.Pointer(&p)))()
}

// mov eax, v; ret; padded with int3
func returns(code []byte, v byte) {
	copy(code, []byte{0xB8, v, 0, 0, 0, 0xC3})
	for i := 6; i < 0x20; i++ {
		code[i] = 0xCC
	}
}

func codeModules(t *testing.T) (base, curr module, baseCode mmap.MMap) {
	baseCode = region(t, mmap.RDWR|mmap.EXEC)
	currCode := region(t, mmap.RDWR|mmap.EXEC)
	returns(baseCode, 1)
	returns(currCode[0x40:], 2)
	b := &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x100)},
		Symtab:   []elftest.Sym{elftest.Func("answer", 0, 0x20)},
	}
	c := &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x100)},
		Symtab:   []elftest.Sym{elftest.Func("answer", 0x40, 0x20)},
	}
	return parse(t, b, addr(baseCode)), parse(t, c, addr(currCode)), baseCode
}

func TestRedirectRoundTrip(t *testing.T) {
	base, curr, code := codeModules(t)
	require.EqualValues(t, 1, invoke(base.LoadBase()))
	snapshot := bytes.Clone(code[:trampoline.Len])

	p := New(NewMemoryApplier(nil), Config{}, nil)
	st, err := p.RedirectFunctions(base, curr, names{"answer": true})
	require.NoError(t, err)
	require.Equal(t, 1, st.Applied)

	require.NotEqual(t, snapshot, []byte(code[:trampoline.Len]))
	to, ok := trampoline.Decode(code)
	require.True(t, ok)
	require.Equal(t, curr.LoadBase()+0x40, to)
	require.EqualValues(t, 2, invoke(base.LoadBase()))
	require.EqualValues(t, 2, invoke(curr.LoadBase()+0x40))
}

func TestRedirectIsIdempotent(t *testing.T) {
	base, curr, code := codeModules(t)
	p := New(NewMemoryApplier(nil), Config{}, nil)
	_, err := p.RedirectFunctions(base, curr, names{"answer": true})
	require.NoError(t, err)
	first := bytes.Clone(code[:0x20])
	_, err = p.RedirectFunctions(base, curr, names{"answer": true})
	require.NoError(t, err)
	require.Equal(t, first, []byte(code[:0x20]))
	require.EqualValues(t, 2, invoke(base.LoadBase()))
}

func TestCopyExactSize(t *testing.T) {
	src := region(t, mmap.RDWR)
	dst := region(t, mmap.RDWR)
	for i := range dst {
		dst[i] = 0x55
	}
	for i := range src {
		src[i] = 0xAA
	}
	copy(src[0x10:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(src[0x80:], "old banner")

	sections := []elftest.Section{elftest.Data(0x40), elftest.Rodata(0x100)}
	s := parse(t, &elftest.Builder{Sections: sections, Symtab: []elftest.Sym{
		elftest.Object("counter", ".data", 0x10, 8),
		elftest.Object("banner", ".rodata", 0x80, 10),
	}}, addr(src))
	d := parse(t, &elftest.Builder{Sections: sections, Symtab: []elftest.Sym{
		elftest.Object("counter", ".data", 0x20, 8),
		elftest.Object("banner", ".rodata", 0x80, 10),
	}}, addr(dst))

	p := New(NewMemoryApplier(nil), Config{}, nil)
	st, err := p.CopyGlobalState(s, d, names{"counter": true, "banner": true})
	require.NoError(t, err)
	require.Equal(t, 1, st.Applied)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte(dst[0x20:0x28]))
	require.EqualValues(t, 0x55, dst[0x1f])
	require.EqualValues(t, 0x55, dst[0x28])
	require.Equal(t, bytes.Repeat([]byte{0x55}, 10), []byte(dst[0x80:0x8a]))
}

func TestProtectFailure(t *testing.T) {
	m, err := mmap.MapRegion(nil, 0x1000, mmap.RDWR, mmap.ANON, 0)
	require.NoError(t, err)
	gone := addr(m)
	require.NoError(t, m.Unmap())

	a := NewMemoryApplier(nil)
	err = a.Redirect("ghost", gone, 0x1000)
	require.True(t, errors.Is(err, ErrProtect))
	require.Contains(t, err.Error(), "cannot allocate memory")
	err = a.CopyState("ghost", gone, gone, 8)
	require.True(t, errors.Is(err, ErrProtect))
}
