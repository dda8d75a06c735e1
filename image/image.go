// Package image reads ELF64 binary images from a validated in-memory buffer.
//
// An Image is either fully valid or never constructed: Load and Parse check
// the magic bytes, the 64-bit class, the little-endian data encoding and that
// every header table lies inside the buffer before returning.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const (
	headerSize        = 64
	sectionHeaderSize = 64
	programHeaderSize = 56
	symbolSize        = 24
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

var (
	// ErrFormat occurs when a buffer is not a supported binary image.
	ErrFormat = errors.New("invalid binary image")
	// ErrIndexOutOfRange occurs when a header or symbol index is past its table.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrClosed occurs when an Image is used after Close.
	ErrClosed = errors.New("image closed")
)

// Image is a validated ELF64 file held in memory plus its runtime load base.
type Image struct {
	path     string
	buf      []byte
	mapped   mmap.MMap
	header   elf.Header64
	loadBase uintptr

	once    sync.Once
	defined map[string]Symbol
	err     error
}

// Load maps the file at path read-only and validates it.
func Load(path string) (img *Image, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "image: open %s", path)
	}
	defer fn.IgnoreClose(f)
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "image: stat %s", path)
	}
	if st.Size() < headerSize {
		return nil, formatError(path, "size", fmt.Sprintf("at least %d bytes", headerSize), fmt.Sprintf("%d bytes", st.Size()))
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "image: map %s", path)
	}
	if img, err = parse(path, m); err != nil {
		_ = m.Unmap()
		return nil, err
	}
	img.mapped = m
	return img, nil
}

// Parse validates buf and returns an Image viewing it. buf must not be
// modified while the Image is in use.
func Parse(name string, buf []byte) (*Image, error) {
	return parse(name, buf)
}

func formatError(path, what, expected, found string) error {
	return errors.Wrapf(ErrFormat, "image: %s: %s: expected %s, found %s", path, what, expected, found)
}

func parse(path string, buf []byte) (*Image, error) {
	if len(buf) < headerSize {
		return nil, formatError(path, "size", fmt.Sprintf("at least %d bytes", headerSize), fmt.Sprintf("%d bytes", len(buf)))
	}
	if !bytes.Equal(buf[:4], elfMagic) {
		return nil, formatError(path, "magic", fmt.Sprintf("%x", elfMagic), fmt.Sprintf("%x", buf[:4]))
	}
	if c := elf.Class(buf[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return nil, formatError(path, "class", elf.ELFCLASS64.String(), c.String())
	}
	if d := elf.Data(buf[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return nil, formatError(path, "data encoding", elf.ELFDATA2LSB.String(), d.String())
	}
	img := &Image{path: path, buf: buf}
	if err := decode(buf[:headerSize], &img.header); err != nil {
		return nil, errors.Wrapf(err, "image: %s: header", path)
	}
	h := &img.header
	if h.Shnum == 0 && h.Phnum == 0 {
		return nil, formatError(path, "headers", "at least one section or program header", "none")
	}
	if h.Shnum > 0 {
		if h.Shentsize != sectionHeaderSize {
			return nil, formatError(path, "section header size", fmt.Sprint(sectionHeaderSize), fmt.Sprint(h.Shentsize))
		}
		if !within(len(buf), h.Shoff, uint64(h.Shnum)*sectionHeaderSize) {
			return nil, formatError(path, "section header table", fmt.Sprintf("inside %d bytes", len(buf)), fmt.Sprintf("%d entries at %#x", h.Shnum, h.Shoff))
		}
		if h.Shstrndx >= h.Shnum {
			return nil, formatError(path, "string table index", fmt.Sprintf("below %d", h.Shnum), fmt.Sprint(h.Shstrndx))
		}
	}
	if h.Phnum > 0 {
		if h.Phentsize != programHeaderSize {
			return nil, formatError(path, "program header size", fmt.Sprint(programHeaderSize), fmt.Sprint(h.Phentsize))
		}
		if !within(len(buf), h.Phoff, uint64(h.Phnum)*programHeaderSize) {
			return nil, formatError(path, "program header table", fmt.Sprintf("inside %d bytes", len(buf)), fmt.Sprintf("%d entries at %#x", h.Phnum, h.Phoff))
		}
	}
	return img, nil
}

func within(size int, off, n uint64) bool {
	end := off + n
	return end >= off && end <= uint64(size)
}

func decode(b []byte, v any) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// Path of the file the image was read from.
func (img *Image) Path() string {
	return img.path
}

// Type of the image (executable, shared object, relocatable).
func (img *Image) Type() elf.Type {
	return elf.Type(img.header.Type)
}

// Machine the image was built for.
func (img *Image) Machine() elf.Machine {
	return elf.Machine(img.header.Machine)
}

// Entry point address.
func (img *Image) Entry() uint64 {
	return img.header.Entry
}

// Header returns a copy of the raw file header.
func (img *Image) Header() elf.Header64 {
	return img.header
}

// LoadBase is the runtime offset at which the loader placed the image.
func (img *Image) LoadBase() uintptr {
	return img.loadBase
}

// SetLoadBase caches the runtime load base.
func (img *Image) SetLoadBase(base uintptr) {
	img.loadBase = base
}

// Size of the underlying buffer.
func (img *Image) Size() int {
	return len(img.buf)
}

// Close releases the buffer. It is safe to call more than once.
func (img *Image) Close() error {
	if img == nil || img.buf == nil {
		return nil
	}
	img.buf = nil
	img.defined = nil
	if img.mapped != nil {
		m := img.mapped
		img.mapped = nil
		return m.Unmap()
	}
	return nil
}
