// Package jit maps a linked program's machine code directly into this
// process and runs it, the in-process counterpart to internal/elfobj's
// AOT executable (spec.md §4.6 "JIT: same code blob mapped as RX pages;
// first instruction is the entry stub; return value of -main becomes
// the REPL result").
//
// Every absolute address internal/codegen bakes into the code (movabs
// function addresses via CodeBase, the allocator's DataBase globals,
// rodata string addresses) is a compile-time constant, not something
// resolved relative to wherever the OS happened to place an anonymous
// mapping — so unlike a conventional Go JIT (which can mmap anywhere
// and only needs a pointer to the start), this loader must put the code,
// data and rodata segments at the exact same fixed virtual addresses
// internal/elfobj links against. That means MAP_FIXED, which
// golang.org/x/sys/unix's Mmap wrapper doesn't expose (it has no
// address parameter); this package drops to unix.Syscall6 with
// SYS_MMAP directly for each of those mappings and uses unix.Mprotect
// (which operates on an existing []byte, address-agnostic) for the
// RW->RX flip once the code bytes are written.
package jit

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/slisp-lang/slisp/internal/codegen"
	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/runtimelib"
)

// Fixed link addresses, matching internal/elfobj and internal/codegen
// exactly: the two loaders must agree since spec.md ties addresses into
// the machine code itself at compile time, not at load time.
const (
	CodeBase   = codegen.CodeBase
	DataBase   = runtimelib.DataBase
	RodataBase = 0x404000
	pageSize   = 4096
)

// Loaded is a program mapped into this process, ready to call -main.
type Loaded struct {
	codePage []byte
	dataPage []byte
	rodata   []byte
	prog     *ir.Program
	out      *codegen.Output
}

// Load maps out's code at CodeBase (RX) and, if the program needs it, a
// zeroed data page at DataBase (RW) for the allocator's globals, then
// patches every string-literal movabs immediate against a rodata blob
// mapped at RodataBase.
func Load(out *codegen.Output, prog *ir.Program) (*Loaded, error) {
	rodata, offsets := buildRodata(prog.Strings)
	code := make([]byte, len(out.Code))
	copy(code, out.Code)
	for _, fx := range out.StringFixups {
		addr := uint64(RodataBase + offsets[fx.StringIdx])
		putU64(code[fx.DispOffset:fx.DispOffset+8], addr)
	}

	codePage, err := mmapFixedRW(CodeBase, len(code))
	if err != nil {
		return nil, fmt.Errorf("jit: mapping code segment: %w", err)
	}
	copy(codePage, code)
	if err := unix.Mprotect(codePage, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("jit: marking code segment executable: %w", err)
	}

	var dataPage []byte
	if prog.HeapNeeded {
		dataPage, err = mmapFixedRW(DataBase, runtimelib.DataSize)
		if err != nil {
			return nil, fmt.Errorf("jit: mapping data segment: %w", err)
		}
	}

	var rodataPage []byte
	if len(rodata) > 0 {
		rodataPage, err = mmapFixedRW(RodataBase, len(rodata))
		if err != nil {
			return nil, fmt.Errorf("jit: mapping rodata segment: %w", err)
		}
		copy(rodataPage, rodata)
		if err := unix.Mprotect(rodataPage, unix.PROT_READ); err != nil {
			return nil, fmt.Errorf("jit: marking rodata segment read-only: %w", err)
		}
	}

	return &Loaded{codePage: codePage, dataPage: dataPage, rodata: rodataPage, prog: prog, out: out}, nil
}

// Run calls _heap_init (if the program needs it) and then -main,
// returning -main's result the way spec.md's JIT REPL reports it.
func (l *Loaded) Run() (int64, error) {
	if l.prog.HeapNeeded {
		heapInitOff, ok := l.out.FuncOffsets["_heap_init"]
		if !ok {
			return 0, fmt.Errorf("jit: program needs the heap but _heap_init was not linked in")
		}
		callNiladic(uintptr(CodeBase + heapInitOff))
	}
	mainOff, ok := l.out.FuncOffsets["-main"]
	if !ok {
		return 0, fmt.Errorf("jit: program defines no -main")
	}
	return callNiladicResult(uintptr(CodeBase + mainOff)), nil
}

// AllocCounters reads the allocator's telemetry counters straight out
// of the mapped data segment (spec.md §6 --trace-alloc). Valid only
// after Run; a program with no heap usage has no mapped data page and
// reports zero for both.
func (l *Loaded) AllocCounters() (alloc, free uint64) {
	if l.dataPage == nil {
		return 0, 0
	}
	alloc = binary.LittleEndian.Uint64(l.dataPage[runtimelib.OffAllocCount : runtimelib.OffAllocCount+8])
	free = binary.LittleEndian.Uint64(l.dataPage[runtimelib.OffFreeCount : runtimelib.OffFreeCount+8])
	return alloc, free
}

// Close unmaps every segment this Loaded holds.
func (l *Loaded) Close() error {
	if err := unix.Munmap(l.codePage); err != nil {
		return err
	}
	if l.dataPage != nil {
		if err := unix.Munmap(l.dataPage); err != nil {
			return err
		}
	}
	if l.rodata != nil {
		if err := unix.Munmap(l.rodata); err != nil {
			return err
		}
	}
	return nil
}

// callNiladic invokes the System-V-ABI function at addr with no
// arguments, discarding its result. Grounded on the function-pointer
// cast trick other_examples/launix-de-memcp's scm-jit.go uses to call
// raw mmap'd machine code from Go without cgo: a Go func value is
// itself just a pointer to a one-word struct holding the code address,
// so reinterpreting the address of a local variable holding that
// pointer as *func() produces a callable value.
func callNiladic(addr uintptr) {
	fnPtr := addr
	fn := *(*func())(unsafe.Pointer(&fnPtr))
	fn()
}

// callNiladicResult is callNiladic's counterpart for -main, whose
// return value (RAX in the machine code, matching Go's own integer
// return-register convention on amd64 closely enough for this
// zero-argument, single-integer-result case) becomes the JIT result.
func callNiladicResult(addr uintptr) int64 {
	fnPtr := addr
	fn := *(*func() int64)(unsafe.Pointer(&fnPtr))
	return fn()
}

// mmapFixedRW maps an anonymous RW region at exactly addr. unix.Mmap has
// no address parameter (it always lets the kernel choose), so this
// drops to the raw syscall the wrapper itself would otherwise issue,
// adding MAP_FIXED.
func mmapFixedRW(addr, size int) ([]byte, error) {
	n := alignUp(size, pageSize)
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(addr),
		uintptr(n),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	if int(ret) != addr {
		return nil, fmt.Errorf("jit: mmap at fixed address %#x returned %#x instead", addr, ret)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ret)), n), nil
}

// buildRodata mirrors internal/elfobj.BuildRodata exactly (same
// length-prefixed-UTF-8 layout, spec.md §3); duplicated rather than
// imported to keep internal/jit independent of internal/elfobj, since
// the two loaders are alternatives, not a pipeline.
func buildRodata(strs []string) ([]byte, []int) {
	var blob []byte
	offsets := make([]int, len(strs))
	for i, s := range strs {
		offsets[i] = len(blob)
		var hdr [8]byte
		putU64(hdr[:], uint64(len(s)))
		blob = append(blob, hdr[:]...)
		blob = append(blob, s...)
		blob = append(blob, 0)
		if rem := len(blob) % 8; rem != 0 {
			blob = append(blob, make([]byte, 8-rem)...)
		}
	}
	return blob, offsets
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func alignUp(n, align int) int {
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}
