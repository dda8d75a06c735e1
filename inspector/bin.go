package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	kitlog "github.com/go-kit/log"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ZenLiuCN/hotpatch"
	"github.com/ZenLiuCN/hotpatch/classify"
	"github.com/ZenLiuCN/hotpatch/image"
	"github.com/ZenLiuCN/hotpatch/patcher"
	"github.com/ZenLiuCN/hotpatch/pool"
	"github.com/ZenLiuCN/hotpatch/pool/dl"
	"github.com/ZenLiuCN/hotpatch/remap"
)

var (
	cfg    = hotpatch.DefaultConfig()
	logger = kitlog.NewNopLogger()
)

func main() {
	if err := app().Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "inspector"
	app.Usage = "hot reload inspector"
	app.Description = "inspect images and manifests, dry run reload cycles and build patches"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"HOTPATCH_DEBUG"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"HOTPATCH_CONFIG"}, Usage: "yaml configuration file"},
	}
	app.Before = before
	app.Commands = []*cli.Command{
		{Name: "headers",
			Action:    headers,
			Usage:     "display section and program headers",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the raw headers"},
			},
		},
		{Name: "symbols",
			Action:    symbols,
			Usage:     "display every symbol table",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "demangle", Aliases: []string{"C"}, Usage: "demangle C++ names"},
				&cli.BoolFlag{Name: "defined", Usage: "only defined symbols"},
			},
		},
		{Name: "find", Action: find, Usage: "find a symbol by name", ArgsUsage: "<file> <name>"},
		{Name: "classify",
			Action:    classifyManifest,
			Usage:     "classify the names of a manifest",
			ArgsUsage: "<manifest>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"x"}, Usage: "names never patched"},
				&cli.BoolFlag{Name: "names", Usage: "list the patchable names"},
			},
		},
		{Name: "plan",
			Action: plan,
			Usage:  "dry run a reload cycle with load bases of zero",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "exe", Required: true, Usage: "image of the running program"},
				&cli.StringFlag{Name: "patch", Required: true, Usage: "patch to load"},
				&cli.StringFlag{Name: "prev", Usage: "previous patch, the state source when given"},
				&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Required: true},
				&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"x"}, Usage: "names never patched"},
			},
		},
		{Name: "next",
			Action:    next,
			Usage:     "display the file of a patch generation",
			ArgsUsage: "<exe>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "generation", Aliases: []string{"g"}},
			},
		},
		{Name: "build",
			Action:    build,
			Usage:     "compile C sources into the patch of a generation",
			ArgsUsage: "<source>...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "exe", Required: true},
				&cli.IntFlag{Name: "generation", Aliases: []string{"g"}},
				&cli.StringFlag{Name: "cc", EnvVars: []string{"CC"}, Value: "cc"},
				&cli.StringSliceFlag{Name: "flag", Aliases: []string{"f"}, Usage: "extra compiler flags"},
			},
		},
	}
	return app
}

func before(ctx *cli.Context) (err error) {
	if path := ctx.String("config"); path != "" {
		if cfg, err = hotpatch.LoadConfig(path); err != nil {
			return
		}
	}
	if ctx.Bool("debug") {
		cfg.Debug = true
	}
	logger = cfg.Logger(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(ctx.App.ErrWriter)))
	return
}

func arg(ctx *cli.Context, i int, what string) (string, error) {
	if ctx.NArg() <= i {
		return "", errors.Errorf("missing %s", what)
	}
	return ctx.Args().Get(i), nil
}

func open(ctx *cli.Context) (*image.Image, error) {
	path, err := arg(ctx, 0, "file")
	if err != nil {
		return nil, err
	}
	return image.Load(path)
}

func headers(ctx *cli.Context) (err error) {
	img, err := open(ctx)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(img)
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\tentry %#x\t%d bytes\t%d sections\t%d segments\n",
		img.Path(), img.Type(), img.Machine(), img.Entry(), img.Size(), img.SectionHeaderCount(), img.ProgramHeaderCount())
	fmt.Fprintln(w, "[Nr]\tName\tType\tFlags\tAddr\tOffset\tSize\tLink")
	for i := 0; i < img.SectionHeaderCount(); i++ {
		s := img.MustSectionHeader(i)
		name, _ := s.Name()
		fmt.Fprintf(w, "[%d]\t%s\t%s\t%s\t%#x\t%#x\t%#x\t%d\n", i, name, s.Type(), s.Flags(), s.Addr(), s.Offset(), s.Size(), s.Link())
	}
	fmt.Fprintln(w, "Type\tFlags\tOffset\tVaddr\tFilesz\tMemsz\tAlign")
	for i := 0; i < img.ProgramHeaderCount(); i++ {
		p, err := img.ProgramHeader(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%#x\t%#x\t%#x\n", p.Type(), p.Flags(), p.Offset(), p.Vaddr(), p.Filesz(), p.Memsz(), p.Align())
	}
	if err = w.Flush(); err != nil {
		return
	}
	if ctx.Bool("dump") {
		spew.Fdump(ctx.App.Writer, img.Header())
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	img, err := open(ctx)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(img)
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)
	defer func() {
		if e := w.Flush(); err == nil {
			err = e
		}
	}()
	fmt.Fprintln(w, "Table\tValue\tSize\tType\tBind\tNdx\tName")
	return img.Symbols(func(s image.Symbol) bool {
		if !s.HasName() || (ctx.Bool("defined") && !s.Defined()) {
			return true
		}
		name := s.Name
		if ctx.Bool("demangle") {
			name = demangle.Filter(name)
		}
		fmt.Fprintf(w, "%d\t%#x\t%d\t%s\t%s\t%s\t%s\n", s.Table, s.Value, s.Size, s.Type(), s.Binding(), section(s), name)
		return true
	})
}

func section(s image.Symbol) string {
	switch {
	case !s.Defined():
		return "UND"
	case s.Absolute():
		return "ABS"
	default:
		return strconv.Itoa(int(s.Section))
	}
}

func find(ctx *cli.Context) (err error) {
	name, err := arg(ctx, 1, "name")
	if err != nil {
		return
	}
	img, err := open(ctx)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(img)
	s, ok := img.FindSymbol(name)
	if !ok {
		return errors.Errorf("%s not found in %s", name, img.Path())
	}
	_, err = fmt.Fprintln(ctx.App.Writer, s)
	return
}

func classifier() *classify.Classifier {
	return classify.New(cfg.Classify, dl.New(logger), logger)
}

func classifyManifest(ctx *cli.Context) (err error) {
	manifest, err := arg(ctx, 0, "manifest")
	if err != nil {
		return
	}
	sets, err := classifier().Classify(manifest, ctx.StringSlice("exclude")...)
	if err != nil {
		return
	}
	fmt.Fprintf(ctx.App.Writer, "patchable %d filtered %d\n", sets.Patchable.Len(), sets.Filtered.Len())
	if ctx.Bool("names") {
		for _, n := range sets.Patchable.Names() {
			if sets.IsPatchable(n) {
				fmt.Fprintln(ctx.App.Writer, n)
			}
		}
	}
	return
}

type module struct{ img *image.Image }

func (m module) Image() *image.Image { return m.img }
func (m module) LoadBase() uintptr   { return 0 }

func plan(ctx *cli.Context) (err error) {
	sets, err := classifier().Classify(ctx.String("manifest"), ctx.StringSlice("exclude")...)
	if err != nil {
		return
	}
	var images []*image.Image
	defer func() {
		for _, img := range images {
			fn.IgnoreClose(img)
		}
	}()
	load := func(path string) (module, error) {
		img, err := image.Load(path)
		if err == nil {
			images = append(images, img)
		}
		return module{img}, err
	}
	base, err := load(ctx.String("exe"))
	if err != nil {
		return
	}
	curr, err := load(ctx.String("patch"))
	if err != nil {
		return
	}
	state := base
	if prev := ctx.String("prev"); prev != "" {
		if state, err = load(prev); err != nil {
			return
		}
	}
	tab, err := remap.Allocate(cfg.RemapCapacity)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(tab)
	p := patcher.New(tab, cfg.Patcher, logger)
	copied, err := p.CopyGlobalState(state, curr, sets)
	if err != nil {
		return
	}
	redirected, err := p.RedirectFunctions(base, curr, sets)
	if err != nil {
		return
	}
	if err = tab.Records(func(i int, r remap.Remapping) bool {
		fmt.Fprintf(ctx.App.Writer, "%4d %s\n", i, r)
		return true
	}); err != nil {
		return
	}
	summary(ctx.App.Writer, copied, redirected)
	return
}

func summary(w io.Writer, copied, redirected patcher.Stats) {
	fmt.Fprintf(w, "objects %d functions %d missing %d skipped %d\n",
		copied.Applied, redirected.Applied, copied.Missing+redirected.Missing, copied.Skipped+redirected.Skipped)
}

func next(ctx *cli.Context) (err error) {
	exe, err := arg(ctx, 0, "exe")
	if err != nil {
		return
	}
	_, err = fmt.Fprintln(ctx.App.Writer, pool.PatchPath(exe, ctx.Int("generation")))
	return
}

func build(ctx *cli.Context) (err error) {
	sources := ctx.Args().Slice()
	if len(sources) == 0 {
		return fmt.Errorf("missing sources")
	}
	out := pool.PatchPath(ctx.String("exe"), ctx.Int("generation"))
	if err = hotpatch.Build(logger, ctx.String("cc"), out, sources, ctx.StringSlice("flag")...); err != nil {
		return
	}
	_, err = fmt.Fprintln(ctx.App.Writer, out)
	return
}
