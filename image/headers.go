package image

import (
	"debug/elf"

	"github.com/pkg/errors"
)

// SectionHeader is a view of one entry of the section header table.
type SectionHeader struct {
	img   *Image
	index int
	hdr   elf.Section64
}

// ProgramHeader is a view of one entry of the program header table.
type ProgramHeader struct {
	index int
	hdr   elf.Prog64
}

// SectionHeaderCount is the e_shnum field of the file header.
func (img *Image) SectionHeaderCount() int {
	return int(img.header.Shnum)
}

// ProgramHeaderCount is the e_phnum field of the file header.
func (img *Image) ProgramHeaderCount() int {
	return int(img.header.Phnum)
}

// SectionHeader returns entry i of the section header table.
func (img *Image) SectionHeader(i int) (s SectionHeader, err error) {
	if img.buf == nil {
		return s, ErrClosed
	}
	if i < 0 || i >= img.SectionHeaderCount() {
		return s, errors.Wrapf(ErrIndexOutOfRange, "image: %s: section %d of %d", img.path, i, img.SectionHeaderCount())
	}
	off := img.header.Shoff + uint64(i)*sectionHeaderSize
	s.img = img
	s.index = i
	err = decode(img.buf[off:off+sectionHeaderSize], &s.hdr)
	return
}

// MustSectionHeader is SectionHeader that panics on error.
func (img *Image) MustSectionHeader(i int) SectionHeader {
	s, err := img.SectionHeader(i)
	if err != nil {
		panic(err)
	}
	return s
}

// ProgramHeader returns entry i of the program header table.
func (img *Image) ProgramHeader(i int) (p ProgramHeader, err error) {
	if img.buf == nil {
		return p, ErrClosed
	}
	if i < 0 || i >= img.ProgramHeaderCount() {
		return p, errors.Wrapf(ErrIndexOutOfRange, "image: %s: program header %d of %d", img.path, i, img.ProgramHeaderCount())
	}
	off := img.header.Phoff + uint64(i)*programHeaderSize
	p.index = i
	err = decode(img.buf[off:off+programHeaderSize], &p.hdr)
	return
}

// SymbolStringTable is the section named by the e_shstrndx header field.
func (img *Image) SymbolStringTable() (SectionHeader, error) {
	return img.SectionHeader(int(img.header.Shstrndx))
}

// SymbolTables returns every SYMTAB and DYNSYM section; an image may carry several.
func (img *Image) SymbolTables() ([]SectionHeader, error) {
	var tables []SectionHeader
	for i := 0; i < img.SectionHeaderCount(); i++ {
		s, err := img.SectionHeader(i)
		if err != nil {
			return nil, err
		}
		if s.IsSymbolTable() {
			tables = append(tables, s)
		}
	}
	return tables, nil
}

// SectionByName returns the first section called name.
func (img *Image) SectionByName(name string) (SectionHeader, bool) {
	for i := 0; i < img.SectionHeaderCount(); i++ {
		s, err := img.SectionHeader(i)
		if err != nil {
			return SectionHeader{}, false
		}
		if n, ok := s.Name(); ok && n == name {
			return s, true
		}
	}
	return SectionHeader{}, false
}

// stringTableFor picks the string table holding names for entries of s.
// Symbol and dynamic sections are linked to their own table, anything else
// uses the primary one.
func (img *Image) stringTableFor(s SectionHeader) (SectionHeader, error) {
	switch s.Type() {
	case elf.SHT_SYMTAB, elf.SHT_DYNSYM, elf.SHT_DYNAMIC:
		return img.SectionHeader(int(s.hdr.Link))
	}
	return img.SymbolStringTable()
}

// String reads the NUL terminated string at off inside table. A zero offset
// is "no name".
func (img *Image) String(table SectionHeader, off uint32) (string, bool) {
	if off == 0 || img.buf == nil || table.Type() != elf.SHT_STRTAB {
		return "", false
	}
	data, ok := table.data()
	if !ok || uint64(off) >= uint64(len(data)) {
		return "", false
	}
	data = data[off:]
	for i, c := range data {
		if c == 0 {
			return string(data[:i]), true
		}
	}
	return "", false
}

// Index of the entry in the section header table.
func (s SectionHeader) Index() int { return s.index }

// Type is sh_type.
func (s SectionHeader) Type() elf.SectionType { return elf.SectionType(s.hdr.Type) }

// Flags is sh_flags.
func (s SectionHeader) Flags() elf.SectionFlag { return elf.SectionFlag(s.hdr.Flags) }

// Addr is sh_addr.
func (s SectionHeader) Addr() uint64 { return s.hdr.Addr }

// Offset is sh_offset.
func (s SectionHeader) Offset() uint64 { return s.hdr.Off }

// Size is sh_size.
func (s SectionHeader) Size() uint64 { return s.hdr.Size }

// Link is sh_link.
func (s SectionHeader) Link() uint32 { return s.hdr.Link }

// Info is sh_info.
func (s SectionHeader) Info() uint32 { return s.hdr.Info }

// EntrySize is sh_entsize.
func (s SectionHeader) EntrySize() uint64 { return s.hdr.Entsize }

func (s SectionHeader) Executable() bool { return s.Flags()&elf.SHF_EXECINSTR != 0 }
func (s SectionHeader) Writable() bool   { return s.Flags()&elf.SHF_WRITE != 0 }
func (s SectionHeader) Alloc() bool      { return s.Flags()&elf.SHF_ALLOC != 0 }

// ReadOnly reports an allocated section that is neither writable nor executable.
func (s SectionHeader) ReadOnly() bool {
	return s.Alloc() && !s.Writable() && !s.Executable()
}

// IsSymbolTable reports a static or dynamic symbol table.
func (s SectionHeader) IsSymbolTable() bool {
	t := s.Type()
	return t == elf.SHT_SYMTAB || t == elf.SHT_DYNSYM
}

// Name resolves the section name through the primary string table.
func (s SectionHeader) Name() (string, bool) {
	if s.img == nil {
		return "", false
	}
	tab, err := s.img.SymbolStringTable()
	if err != nil {
		return "", false
	}
	return s.img.String(tab, s.hdr.Name)
}

func (s SectionHeader) data() ([]byte, bool) {
	if s.img == nil || s.img.buf == nil || s.Type() == elf.SHT_NOBITS {
		return nil, false
	}
	if !within(len(s.img.buf), s.hdr.Off, s.hdr.Size) {
		return nil, false
	}
	return s.img.buf[s.hdr.Off : s.hdr.Off+s.hdr.Size], true
}

// Data returns the file contents of the section, nil for NOBITS sections.
func (s SectionHeader) Data() ([]byte, error) {
	if s.Type() == elf.SHT_NOBITS {
		return nil, nil
	}
	d, ok := s.data()
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "image: section %d: %d bytes at %#x outside the file", s.index, s.hdr.Size, s.hdr.Off)
	}
	return d, nil
}

// SymbolCount is the number of entries of a symbol table section, zero otherwise.
func (s SectionHeader) SymbolCount() int {
	if !s.IsSymbolTable() {
		return 0
	}
	return int(s.hdr.Size / s.entrySize())
}

func (s SectionHeader) entrySize() uint64 {
	if s.hdr.Entsize == 0 {
		return symbolSize
	}
	return s.hdr.Entsize
}

// Symbol decodes entry i of a symbol table section and resolves its name
// through the string table the section links to.
func (s SectionHeader) Symbol(i int) (sym Symbol, err error) {
	if s.img == nil || s.img.buf == nil {
		return sym, ErrClosed
	}
	if i < 0 || i >= s.SymbolCount() {
		return sym, errors.Wrapf(ErrIndexOutOfRange, "image: %s: symbol %d of %d in section %d", s.img.path, i, s.SymbolCount(), s.index)
	}
	off := s.hdr.Off + uint64(i)*s.entrySize()
	if !within(len(s.img.buf), off, symbolSize) {
		return sym, errors.Wrapf(ErrFormat, "image: %s: symbol %d of section %d at %#x outside the file", s.img.path, i, s.index, off)
	}
	var raw elf.Sym64
	if err = decode(s.img.buf[off:off+symbolSize], &raw); err != nil {
		return
	}
	sym = Symbol{
		NameOffset: raw.Name,
		Info:       raw.Info,
		Other:      raw.Other,
		Section:    elf.SectionIndex(raw.Shndx),
		Value:      raw.Value,
		Size:       raw.Size,
		Table:      s.index,
	}
	if raw.Name != 0 {
		tab, e := s.img.stringTableFor(s)
		if e != nil {
			return sym, e
		}
		sym.Name, _ = s.img.String(tab, raw.Name)
	}
	return
}

// Index of the entry in the program header table.
func (p ProgramHeader) Index() int { return p.index }

// Type is p_type.
func (p ProgramHeader) Type() elf.ProgType { return elf.ProgType(p.hdr.Type) }

// Flags is p_flags.
func (p ProgramHeader) Flags() elf.ProgFlag { return elf.ProgFlag(p.hdr.Flags) }

func (p ProgramHeader) Loadable() bool   { return p.Type() == elf.PT_LOAD }
func (p ProgramHeader) Executable() bool { return p.Flags()&elf.PF_X != 0 }
func (p ProgramHeader) Writable() bool   { return p.Flags()&elf.PF_W != 0 }
func (p ProgramHeader) Readable() bool   { return p.Flags()&elf.PF_R != 0 }

func (p ProgramHeader) Offset() uint64 { return p.hdr.Off }
func (p ProgramHeader) Vaddr() uint64  { return p.hdr.Vaddr }
func (p ProgramHeader) Filesz() uint64 { return p.hdr.Filesz }
func (p ProgramHeader) Memsz() uint64  { return p.hdr.Memsz }
func (p ProgramHeader) Align() uint64  { return p.hdr.Align }
