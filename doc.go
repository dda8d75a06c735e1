/*
Package hotpatch is a live code reloader for native processes.

A running program (Base) keeps executing while newly compiled code, shipped
as a shared object named `<exe>.patch<N>.so`, is grafted onto it: every
patchable function entry of Base is overwritten with an absolute jump into
the newest generation, and the global objects of the previous generation are
copied into the new one first, so a counter or a cache survives the reload.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. Images are ELF64 files mapped read-only and parsed in place, see package image.
 2. A manifest decides which names are patchable, the C runtime is always filtered, see package classify.
 3. Patches are loaded with dlopen(RTLD_NOW|RTLD_LOCAL) and rotated through Base, Prev and Curr, see package pool.
 4. Trampolines are `movabs r11, target; jmp r11`, see packages trampoline and patcher.
 5. When another process has to perform the writes, patches are recorded into a shared table instead, see package remap.

# Notes

 1. Only linux/amd64 is supported, the dynamic loader binding needs cgo.
 2. The process must be quiescent while a cycle runs, typically paused at the point that triggers the reload.
 3. Functions are always redirected from Base, so a function that does not exist in Base can't be patched.
 4. Layout changes of carried objects are not detected.
 5. Patch code must not change state shared with the reloader itself, such state is copied again every cycle.
    Put such names in [Context].Exclude or [classify.Config].Exclude.

# Manifest

One directive per line, blank lines are ignored:

	+o build/app.o      names of the object are patchable
	-o build/vendor.o   names of the object are filtered unless already patchable
	-l m                libm.so resolved by the dynamic loader is filtered, absolute paths are used as is

# Inspector tool

The inspector reads images and manifests, dry-runs a cycle and builds patches:

	go install github.com/ZenLiuCN/hotpatch/inspector@latest
	inspector -h

# C ABI

Package capi builds with -buildmode=c-shared and exposes hotpatch_new,
hotpatch_reload, hotpatch_generation and hotpatch_free to a host process, and
hotpatch_apply to the companion that replays a remap table.
*/
package hotpatch
