package remap

import (
	"encoding/binary"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/hotpatch/trampoline"
)

const (
	// RecordSize is the encoded size of one record.
	RecordSize = 48
	// DefaultCapacity of an allocated table.
	DefaultCapacity = 1024
)

var (
	ErrTableFull = errors.New("remap table full")
	ErrRecord    = errors.New("invalid remap record")
)

// Table is a fixed-capacity array of records over a byte region. It is not
// safe for concurrent use.
type Table struct {
	buf    []byte
	n      int
	mapped mmap.MMap
}

// NewTable uses buf as record storage. The capacity is len(buf)/RecordSize.
func NewTable(buf []byte) *Table {
	return &Table{buf: buf}
}

// Allocate maps an anonymous shared, writable and executable region for
// capacity records.
func Allocate(capacity int) (*Table, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m, err := mmap.MapRegion(nil, capacity*RecordSize, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d remap records", capacity)
	}
	return &Table{buf: m[:capacity*RecordSize], mapped: m}, nil
}

// Bytes is the backing storage, to hand to the companion process.
func (t *Table) Bytes() []byte {
	return t.buf
}

func (t *Table) Cap() int {
	return len(t.buf) / RecordSize
}

func (t *Table) Len() int {
	return t.n
}

func (t *Table) record(i int) []byte {
	return t.buf[i*RecordSize : (i+1)*RecordSize]
}

// Append encodes r after the last record and ends the table behind it.
func (t *Table) Append(r Remapping) error {
	if t.n >= t.Cap() {
		return errors.Wrapf(ErrTableFull, "capacity %d", t.Cap())
	}
	b := t.record(t.n)
	clear(b)
	le := binary.LittleEndian
	le.PutUint64(b[8:], uint64(r.From()))
	le.PutUint64(b[16:], uint64(r.To()))
	switch v := r.(type) {
	case Weak:
		le.PutUint64(b[24:], v.Size)
	case Func:
		copy(b[32:48], v.Code[:])
	}
	if t.n+1 < t.Cap() {
		le.PutUint64(t.record(t.n+1), uint64(KindEmpty))
	}
	// the tag goes last so a reader never sees a half written record
	le.PutUint64(b[0:], uint64(r.Kind()))
	t.n++
	return nil
}

// At decodes the i-th record.
func (t *Table) At(i int) (Remapping, error) {
	if i < 0 || i >= t.Cap() {
		return nil, errors.Wrapf(ErrRecord, "index %d of %d", i, t.Cap())
	}
	return decode(t.record(i))
}

func decode(b []byte) (Remapping, error) {
	le := binary.LittleEndian
	from, to := uintptr(le.Uint64(b[8:])), uintptr(le.Uint64(b[16:]))
	switch k := Kind(le.Uint64(b[0:])); k {
	case KindWeak:
		return Weak{Old: from, New: to, Size: le.Uint64(b[24:])}, nil
	case KindFunc:
		f := Func{Old: from, New: to}
		copy(f.Code[:], b[32:48])
		if target, ok := trampoline.Decode(f.Code[:]); !ok || target != to {
			return nil, errors.Wrapf(ErrRecord, "func record at %#x does not jump to %#x", from, to)
		}
		return f, nil
	default:
		return nil, errors.Wrapf(ErrRecord, "tag %s", k)
	}
}

// Records calls yield for every record until an empty one.
func (t *Table) Records(yield func(int, Remapping) bool) error {
	for i := 0; i < t.Cap(); i++ {
		b := t.record(i)
		if Kind(binary.LittleEndian.Uint64(b)) == KindEmpty {
			return nil
		}
		r, err := decode(b)
		if err != nil {
			return errors.Wrapf(err, "record %d", i)
		}
		if !yield(i, r) {
			return nil
		}
	}
	return nil
}

// Reset clears the whole storage, records of an earlier writer included.
func (t *Table) Reset() {
	clear(t.buf)
	t.n = 0
}

// Close releases an allocated region. Tables over caller memory only reset.
func (t *Table) Close() error {
	t.Reset()
	if t.mapped == nil {
		return nil
	}
	m := t.mapped
	t.mapped, t.buf = nil, nil
	return m.Unmap()
}

// Redirect records a function redirect.
func (t *Table) Redirect(name string, from, to uintptr) error {
	return errors.Wrap(t.Append(RedirectFunction(from, to)), name)
}

// CopyState records a state copy.
func (t *Table) CopyState(name string, from, to uintptr, size uint64) error {
	return errors.Wrap(t.Append(Weak{Old: from, New: to, Size: size}), name)
}

// Applier writes patches, see patcher.MemoryApplier.
type Applier interface {
	Redirect(name string, from, to uintptr) error
	CopyState(name string, from, to uintptr, size uint64) error
}

// Replay applies every record of the table through a, in order. This is the
// companion side of the channel.
func (t *Table) Replay(a Applier) (n int, err error) {
	walkErr := t.Records(func(i int, r Remapping) bool {
		switch v := r.(type) {
		case Weak:
			err = a.CopyState("", v.Old, v.New, v.Size)
		case Func:
			err = a.Redirect("", v.Old, v.New)
		}
		if err != nil {
			err = errors.Wrapf(err, "record %d", i)
			return false
		}
		n++
		return true
	})
	if err == nil {
		err = walkErr
	}
	return
}
