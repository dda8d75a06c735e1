package image

import (
	"debug/elf"
	"fmt"
)

// Symbol is one decoded symbol table entry. Name is empty when the entry has
// no name.
type Symbol struct {
	Name       string
	NameOffset uint32
	Value      uint64
	Size       uint64
	Info       uint8
	Other      uint8
	Section    elf.SectionIndex
	Table      int // section index of the symbol table holding the entry
}

func (s Symbol) Type() elf.SymType      { return elf.ST_TYPE(s.Info) }
func (s Symbol) Binding() elf.SymBind   { return elf.ST_BIND(s.Info) }
func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }
func (s Symbol) Defined() bool          { return s.Section != elf.SHN_UNDEF }
func (s Symbol) Absolute() bool         { return s.Section == elf.SHN_ABS }
func (s Symbol) IsFunction() bool       { return s.Type() == elf.STT_FUNC }
func (s Symbol) IsObject() bool         { return s.Type() == elf.STT_OBJECT }
func (s Symbol) HasName() bool          { return s.Name != "" }
func (s Symbol) String() string {
	return fmt.Sprintf("%s %s %s %#x+%d", s.Name, s.Type(), s.Binding(), s.Value, s.Size)
}

// Symbols calls yield for every entry of every symbol table until yield
// returns false.
func (img *Image) Symbols(yield func(Symbol) bool) error {
	tables, err := img.SymbolTables()
	if err != nil {
		return err
	}
	for _, t := range tables {
		n := t.SymbolCount()
		for i := 0; i < n; i++ {
			sym, err := t.Symbol(i)
			if err != nil {
				return err
			}
			if !yield(sym) {
				return nil
			}
		}
	}
	return nil
}

// FindSymbol scans every symbol table for the first entry called name.
// An empty name never matches.
func (img *Image) FindSymbol(name string) (found Symbol, ok bool) {
	if name == "" {
		return
	}
	_ = img.Symbols(func(s Symbol) bool {
		if s.Name == name {
			found, ok = s, true
			return false
		}
		return true
	})
	return
}

// Lookup returns the first defined symbol called name. The index behind it
// is built once per image.
func (img *Image) Lookup(name string) (Symbol, bool, error) {
	img.once.Do(func() {
		defined := make(map[string]Symbol)
		img.err = img.Symbols(func(s Symbol) bool {
			if s.HasName() && s.Defined() {
				if _, dup := defined[s.Name]; !dup {
					defined[s.Name] = s
				}
			}
			return true
		})
		img.defined = defined
	})
	if img.err != nil {
		return Symbol{}, false, img.err
	}
	if img.buf == nil {
		return Symbol{}, false, ErrClosed
	}
	s, ok := img.defined[name]
	return s, ok, nil
}

// SectionOf returns the section a defined symbol lives in. Undefined,
// absolute and common symbols have none.
func (img *Image) SectionOf(s Symbol) (SectionHeader, bool) {
	if s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE {
		return SectionHeader{}, false
	}
	sec, err := img.SectionHeader(int(s.Section))
	if err != nil {
		return SectionHeader{}, false
	}
	return sec, true
}

// InReadOnly reports a symbol living in an allocated read-only section.
func (img *Image) InReadOnly(s Symbol) bool {
	sec, ok := img.SectionOf(s)
	return ok && sec.ReadOnly()
}

// InExecutable reports a symbol living in an executable section.
func (img *Image) InExecutable(s Symbol) bool {
	sec, ok := img.SectionOf(s)
	return ok && sec.Executable()
}
