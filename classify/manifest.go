package classify

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
)

// Op is the kind of a manifest directive.
type Op uint8

const (
	// IncludeObject `+o <path>`: the file's symbols become patchable.
	IncludeObject Op = iota + 1
	// ExcludeObject `-o <path>`: the file's symbols become filtered.
	ExcludeObject
	// ExcludeLibrary `-l <name>`: a library resolved by the loader becomes filtered.
	ExcludeLibrary
)

func (o Op) String() string {
	switch o {
	case IncludeObject:
		return "+o"
	case ExcludeObject:
		return "-o"
	case ExcludeLibrary:
		return "-l"
	}
	return "?"
}

// Directive is one manifest line.
type Directive struct {
	Op   Op
	Path string
	Line int
}

// ErrManifest occurs on a line that is not a directive.
var ErrManifest = errors.New("invalid manifest")

// ParseManifest reads one directive per line. Blank lines are ignored; there
// is no comment or escape syntax.
func ParseManifest(r io.Reader) (ds []Directive, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if len(text) < 3 || text[2] != ' ' && text[2] != '\t' {
			return nil, errors.Wrapf(ErrManifest, "line %d: %q", line, text)
		}
		d := Directive{Path: strings.TrimSpace(text[3:]), Line: line}
		switch text[:2] {
		case "+o":
			d.Op = IncludeObject
		case "-o":
			d.Op = ExcludeObject
		case "-l":
			d.Op = ExcludeLibrary
		default:
			return nil, errors.Wrapf(ErrManifest, "line %d: unknown directive %q", line, text[:2])
		}
		if d.Path == "" {
			return nil, errors.Wrapf(ErrManifest, "line %d: %s without a path", line, d.Op)
		}
		ds = append(ds, d)
	}
	if err = sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	return
}

// ReadManifest parses the manifest file at path.
func ReadManifest(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrResolve, "manifest %s: %v", path, err)
	}
	defer fn.IgnoreClose(f)
	ds, err := ParseManifest(f)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return ds, nil
}
