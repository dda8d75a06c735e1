// Package elftest assembles small ELF64 images in memory for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Section is a PROGBITS section of the image.
type Section struct {
	Name  string
	Flags elf.SectionFlag
	Addr  uint64
	Size  uint64
}

// Sym is a symbol table entry. Section names one of the builder sections;
// "" leaves the symbol undefined and "*ABS*" makes it absolute.
type Sym struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	Section string
}

const Abs = "*ABS*"

// Builder lays out: header, program header, section data, .symtab, .strtab,
// .dynsym, .dynstr, .shstrtab, section header table.
type Builder struct {
	Type     elf.Type
	Sections []Section
	Symtab   []Sym
	Dynsym   []Sym
}

func Text(size uint64) Section {
	return Section{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Size: size}
}

func Data(size uint64) Section {
	return Section{Name: ".data", Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: size}
}

func Rodata(size uint64) Section {
	return Section{Name: ".rodata", Flags: elf.SHF_ALLOC, Size: size}
}

func Func(name string, value, size uint64) Sym {
	return Sym{Name: name, Value: value, Size: size, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: ".text"}
}

func Object(name, section string, value, size uint64) Sym {
	return Sym{Name: name, Value: value, Size: size, Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL, Section: section}
}

func Undefined(name string) Sym {
	return Sym{Name: name, Type: elf.STT_NOTYPE, Bind: elf.STB_GLOBAL}
}

type strtab struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{idx: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if i, ok := t.idx[s]; ok {
		return i
	}
	i := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.idx[s] = i
	return i
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

// Bytes encodes the image.
func (b *Builder) Bytes() []byte {
	typ := b.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}
	shstr := newStrtab()
	secIndex := map[string]uint16{}
	var headers []elf.Section64
	headers = append(headers, elf.Section64{})

	const dataStart = 64 + 56
	var body bytes.Buffer
	off := func() uint64 { return uint64(dataStart + body.Len()) }

	for _, s := range b.Sections {
		secIndex[s.Name] = uint16(len(headers))
		headers = append(headers, elf.Section64{
			Name:      shstr.add(s.Name),
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       off(),
			Size:      s.Size,
			Addralign: 1,
		})
		body.Write(make([]byte, s.Size))
	}

	symbols := func(name, strName string, typ elf.SectionType, syms []Sym) {
		str := newStrtab()
		var entries bytes.Buffer
		_ = binary.Write(&entries, binary.LittleEndian, elf.Sym64{})
		for _, s := range syms {
			shndx := uint16(elf.SHN_UNDEF)
			switch s.Section {
			case "":
			case Abs:
				shndx = uint16(elf.SHN_ABS)
			default:
				shndx = secIndex[s.Section]
			}
			_ = binary.Write(&entries, binary.LittleEndian, elf.Sym64{
				Name:  str.add(s.Name),
				Info:  elf.ST_INFO(s.Bind, s.Type),
				Shndx: shndx,
				Value: s.Value,
				Size:  s.Size,
			})
		}
		symIdx := uint32(len(headers))
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		headers = append(headers, elf.Section64{
			Name:      shstr.add(name),
			Type:      uint32(typ),
			Off:       off(),
			Size:      uint64(entries.Len()),
			Link:      symIdx + 1,
			Info:      1,
			Addralign: 8,
			Entsize:   24,
		})
		body.Write(entries.Bytes())
		headers = append(headers, elf.Section64{
			Name:      shstr.add(strName),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       off(),
			Size:      uint64(str.buf.Len()),
			Addralign: 1,
		})
		body.Write(str.buf.Bytes())
	}
	if len(b.Symtab) > 0 {
		symbols(".symtab", ".strtab", elf.SHT_SYMTAB, b.Symtab)
	}
	if len(b.Dynsym) > 0 {
		symbols(".dynsym", ".dynstr", elf.SHT_DYNSYM, b.Dynsym)
	}

	shstrIdx := uint16(len(headers))
	nameOff := shstr.add(".shstrtab")
	headers = append(headers, elf.Section64{
		Name:      nameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       off(),
		Addralign: 1,
	})
	body.Write(shstr.buf.Bytes())
	headers[shstrIdx].Size = uint64(shstr.buf.Len())

	shoff := align(dataStart+body.Len(), 8)
	var out bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	_ = binary.Write(&out, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     uint64(shoff),
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(headers)),
		Shstrndx:  shstrIdx,
	})
	_ = binary.Write(&out, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Filesz: uint64(shoff),
		Memsz:  uint64(shoff),
		Align:  0x1000,
	})
	out.Write(body.Bytes())
	for out.Len() < shoff {
		out.WriteByte(0)
	}
	for _, h := range headers {
		_ = binary.Write(&out, binary.LittleEndian, h)
	}
	return out.Bytes()
}
