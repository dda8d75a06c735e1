// Command capi is the C ABI of the reloader, built with
//
//	go build -buildmode=c-shared -o libhotpatch.so ./capi
//
// A host process creates a reloader once and calls hotpatch_reload at the
// point it chooses to reload:
//
//	uintptr_t h = hotpatch_new(NULL);
//	hotpatch_context ctx = {.manifest = "app.hrf", .executable = "/proc/self/exe"};
//	ctx.remaps = hotpatch_remaps_alloc(h, &ctx.remap_capacity); // channel path only
//	hotpatch_result res;
//	if (!hotpatch_reload(h, &ctx, &res)) { ... }
//	hotpatch_remaps_free(ctx.remaps);
//	hotpatch_free(h);
package main

/*
#include <stdint.h>
#include <stdbool.h>

typedef struct {
	const char *manifest;
	const char *executable;
	void *self;
	void *remaps;
	uint64_t remap_capacity;
	const char **exclude;
	uint64_t exclude_count;
} hotpatch_context;

typedef struct {
	uint64_t remapped;
	int64_t generation;
	int64_t functions;
	int64_t objects;
	int64_t missing;
} hotpatch_result;
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ZenLiuCN/hotpatch"
	"github.com/ZenLiuCN/hotpatch/patcher"
)

var logger = log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), "ts", log.DefaultTimestampUTC)

//export hotpatch_new
func hotpatch_new(config *C.char) C.uintptr_t {
	cfg := hotpatch.DefaultConfig()
	if config != nil {
		var err error
		if cfg, err = hotpatch.LoadConfig(C.GoString(config)); err != nil {
			level.Error(logger).Log("msg", "hotpatch_new", "err", err)
			return 0
		}
	}
	if os.Getenv("HOTPATCH_DEBUG") != "" {
		cfg.Debug = true
	}
	return C.uintptr_t(register(hotpatch.New(cfg, logger, nil)))
}

//export hotpatch_reload
func hotpatch_reload(h C.uintptr_t, ctx *C.hotpatch_context, out *C.hotpatch_result) C.bool {
	r, ok := lookup(uintptr(h))
	if !ok || ctx == nil {
		level.Error(logger).Log("msg", "hotpatch_reload", "err", "invalid handle or context")
		return false
	}
	var exclude []string
	if ctx.exclude != nil && ctx.exclude_count > 0 {
		for _, s := range unsafe.Slice(ctx.exclude, int(ctx.exclude_count)) {
			exclude = append(exclude, C.GoString(s))
		}
	}
	c := contextOf(
		C.GoString(ctx.manifest),
		C.GoString(ctx.executable),
		uintptr(ctx.self),
		unsafe.Pointer(ctx.remaps),
		int(ctx.remap_capacity),
		exclude,
	)
	res, err := r.Reload(c)
	if out != nil {
		out.remapped = C.uint64_t(res.Remapped)
		out.generation = C.int64_t(res.Generation)
		out.functions = C.int64_t(res.Functions)
		out.objects = C.int64_t(res.Objects)
		out.missing = C.int64_t(res.Missing)
	}
	return C.bool(err == nil)
}

//export hotpatch_generation
func hotpatch_generation(h C.uintptr_t) C.int64_t {
	r, ok := lookup(uintptr(h))
	if !ok {
		return -1
	}
	return C.int64_t(r.Generation())
}

//export hotpatch_free
func hotpatch_free(h C.uintptr_t) {
	if err := release(uintptr(h)); err != nil {
		level.Warn(logger).Log("msg", "hotpatch_free", "err", err)
	}
}

// hotpatch_remaps_alloc maps a shared remap table sized by the configuration
// of h and stores its capacity in records into capacity. It returns NULL on
// failure.
//
//export hotpatch_remaps_alloc
func hotpatch_remaps_alloc(h C.uintptr_t, capacity *C.uint64_t) unsafe.Pointer {
	r, ok := lookup(uintptr(h))
	if !ok {
		level.Error(logger).Log("msg", "hotpatch_remaps_alloc", "err", errHandle)
		return nil
	}
	p, n, err := allocate(r)
	if err != nil {
		level.Error(logger).Log("msg", "hotpatch_remaps_alloc", "err", err)
		return nil
	}
	if capacity != nil {
		*capacity = C.uint64_t(n)
	}
	return p
}

//export hotpatch_remaps_free
func hotpatch_remaps_free(remaps unsafe.Pointer) {
	if err := free(remaps); err != nil {
		level.Warn(logger).Log("msg", "hotpatch_remaps_free", "err", err)
	}
}

// hotpatch_apply is the companion side of the remap channel: it writes the
// records of a table into this process and returns how many were applied,
// or -1 on failure.
//
//export hotpatch_apply
func hotpatch_apply(remaps unsafe.Pointer, capacity C.uint64_t) C.int64_t {
	n, err := apply(remaps, int(capacity), patcher.NewMemoryApplier(logger))
	if err != nil {
		level.Error(logger).Log("msg", "hotpatch_apply", "applied", n, "err", err)
		return -1
	}
	return C.int64_t(n)
}

func main() {}
