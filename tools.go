package hotpatch

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// ErrBuild occurs when the compiler fails.
var ErrBuild = errors.New("build failed")

// Compiler returns $CC or cc.
func Compiler() string {
	if cc := os.Getenv("CC"); cc != "" {
		return cc
	}
	return "cc"
}

// Build compiles sources into the shared object out with cc. The object is
// written next to out first and renamed into place.
func Build(logger log.Logger, cc, out string, sources []string, flags ...string) (err error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cc == "" {
		cc = Compiler()
	}
	if len(sources) == 0 {
		return errors.Wrap(ErrBuild, "no sources")
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*")
	if err != nil {
		return errors.Wrap(err, "build")
	}
	_ = tmp.Close()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	args := append([]string{"-shared", "-fPIC", "-o", tmp.Name()}, flags...)
	cmd := exec.Command(cc, append(args, sources...)...)
	level.Debug(logger).Log("msg", "execute", "args", cmd.String())
	if bout, e := cmd.CombinedOutput(); e != nil {
		return errors.Wrapf(ErrBuild, "%s: %v\n%s", cc, e, bout)
	}
	if err = os.Rename(tmp.Name(), out); err != nil {
		return errors.Wrap(err, "build")
	}
	level.Info(logger).Log("msg", "built", "out", out)
	return
}

// Object compiles one source into a position independent object file, the
// kind a manifest lists with `+o`.
func Object(logger log.Logger, cc, out, source string, flags ...string) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cc == "" {
		cc = Compiler()
	}
	args := append([]string{"-c", "-fPIC", "-o", out}, flags...)
	cmd := exec.Command(cc, append(args, source)...)
	level.Debug(logger).Log("msg", "execute", "args", cmd.String())
	if bout, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(ErrBuild, "%s: %v\n%s", cc, err, bout)
	}
	return nil
}
