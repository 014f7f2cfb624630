// Package sys implements the wire-level bpf(2) commands the rex loader
// issues beyond the standard BPF_MAP_CREATE (which is delegated to
// github.com/cilium/ebpf — see elf/mapdef). The two commands here,
// LOAD_BASE and LOAD_PROG, are rex-specific kernel ABI extensions with no
// counterpart in any upstream BPF library, so they are implemented
// directly against the raw bpf(2) syscall, in the same style as
// cilium/ebpf's own internal/sys package (struct-per-command, a *FD-style
// result) and the raw attribute-struct wrapping used elsewhere for
// syscall-level BPF access.
package sys

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Command numbers for the two rex-specific bpf(2) extensions. These sit
// outside the standard enum bpf_cmd values upstream Linux defines; a rex
// kernel module registers handlers for them alongside the stock commands.
const (
	CmdLoadBase uintptr = 0x52455801 // "REX\x01"
	CmdLoadProg uintptr = 0x52455802 // "REX\x02"
)

// ProgNameMax is the usable length of the kernel's fixed-size program/map
// name field (16 bytes, minus the NUL terminator).
const ProgNameMax = 15

// RelaEntry mirrors a PIE-relative fixup: a 24-byte {offset, info, addend}
// record taken verbatim from an ELF Elf64_Rela.
type RelaEntry struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// DynSymEntry mirrors a single global-data fixup the kernel must resolve
// by name: {offset, symbol name}. SymbolName is marshaled as a
// NUL-terminated byte slice immediately before the syscall; the wire
// layout is a 16-byte {offset, symbol_name_ptr} record (§6).
type DynSymEntry struct {
	Offset     uint64
	SymbolName string
}

// LoadBaseAttr is the Go-level view of the base-load (LOAD_BASE)
// attribute record described in spec.md §6.
type LoadBaseAttr struct {
	ProgramName string
	ImageFD     int
	License     string
	MapOffs     []uint64
	DynRelas    []RelaEntry
	DynSyms     []DynSymEntry
}

// LoadProgAttr is the Go-level view of the per-program load (LOAD_PROG)
// attribute record described in spec.md §6.
type LoadProgAttr struct {
	ProgramType uint32
	ProgramName string
	BaseProgFD  int
	ProgOffset  uint64
	License     string
}

// wireDynSymEntry is the exact byte layout handed to the kernel for a
// DynSymEntry, whose string is replaced with a raw pointer at marshal
// time. RelaEntry already has its 24-byte wire layout and is passed as is.
type wireDynSymEntry struct {
	Offset     uint64
	SymbolName uint64 // *byte, NUL-terminated
}

// loadBaseAttr is the raw union bpf_attr member for LOAD_BASE, matching
// spec.md §6 field-for-field.
type loadBaseAttr struct {
	ProgramType uint32
	_           uint32 // padding to align the pointer fields below
	ProgramName [16]byte
	ImageFD     uint32
	_           uint32
	License     uint64 // *byte
	MapOffs     uint64 // *uint64
	MapCount    uint32
	_           uint32
	DynRelas    uint64 // *RelaEntry
	NrDynRelas  uint32
	_           uint32
	DynSyms     uint64 // *wireDynSymEntry
	NrDynSyms   uint32
	_           uint32
}

// loadProgAttr is the raw union bpf_attr member for LOAD_PROG.
type loadProgAttr struct {
	ProgramType uint32
	_           uint32
	ProgramName [16]byte
	BaseProgFD  uint32
	_           uint32
	ProgOffset  uint64
	License     uint64 // *byte
}

// progTypeBase is the sentinel program_type value identifying a base-load
// request, matching the original loader's BPF_PROG_TYPE_REX_BASE.
const progTypeBase uint32 = 0

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func copyName(dst *[16]byte, name string) {
	n := len(name)
	if n > ProgNameMax {
		n = ProgNameMax
	}
	copy(dst[:], name[:n])
}

// bpfSyscall issues the raw bpf(2) syscall with the given command and
// attribute pointer.
func bpfSyscall(cmd uintptr, attr unsafe.Pointer, size uintptr) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_BPF, cmd, uintptr(attr), size)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// Backend abstracts the two rex-specific kernel operations so tests can
// substitute a fake kernel without requiring CAP_BPF or a rex-enabled
// kernel. Close releases a descriptor this Backend returned; routing it
// through the Backend (rather than a bare unix.Close in the caller) keeps
// FakeBackend's bookkeeping-only descriptors from ever reaching a real
// close(2) during rollback tests.
type Backend interface {
	LoadBase(attr *LoadBaseAttr) (int, error)
	LoadProg(attr *LoadProgAttr) (int, error)
	Close(fd int) error
}

// realBackend issues the real bpf(2) syscalls.
type realBackend struct{}

// Real is the Backend every production LoadDriver uses.
var Real Backend = realBackend{}

func (realBackend) Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (realBackend) LoadBase(in *LoadBaseAttr) (int, error) {
	license := cString(in.License)

	var dynSyms []wireDynSymEntry
	var symNames [][]byte
	if len(in.DynSyms) > 0 {
		dynSyms = make([]wireDynSymEntry, len(in.DynSyms))
		symNames = make([][]byte, len(in.DynSyms))
		for i, s := range in.DynSyms {
			symNames[i] = cString(s.SymbolName)
			dynSyms[i] = wireDynSymEntry{
				Offset:     s.Offset,
				SymbolName: uint64(uintptr(unsafe.Pointer(&symNames[i][0]))),
			}
		}
	}

	var attr loadBaseAttr
	attr.ProgramType = progTypeBase
	copyName(&attr.ProgramName, in.ProgramName)
	attr.ImageFD = uint32(in.ImageFD)
	attr.License = uint64(uintptr(unsafe.Pointer(&license[0])))

	if len(in.MapOffs) > 0 {
		attr.MapOffs = uint64(uintptr(unsafe.Pointer(&in.MapOffs[0])))
		attr.MapCount = uint32(len(in.MapOffs))
	}
	if len(in.DynRelas) > 0 {
		attr.DynRelas = uint64(uintptr(unsafe.Pointer(&in.DynRelas[0])))
		attr.NrDynRelas = uint32(len(in.DynRelas))
	}
	if len(dynSyms) > 0 {
		attr.DynSyms = uint64(uintptr(unsafe.Pointer(&dynSyms[0])))
		attr.NrDynSyms = uint32(len(dynSyms))
	}

	fd, err := bpfSyscall(CmdLoadBase, unsafe.Pointer(&attr), unsafe.Sizeof(attr))

	// The slices above are only referenced through raw pointers stashed
	// in attr's uint64 fields, which the garbage collector cannot see as
	// roots; keep them alive until after the syscall returns.
	runtime.KeepAlive(license)
	runtime.KeepAlive(in.MapOffs)
	runtime.KeepAlive(in.DynRelas)
	runtime.KeepAlive(dynSyms)
	runtime.KeepAlive(symNames)

	return fd, err
}

func (realBackend) LoadProg(in *LoadProgAttr) (int, error) {
	license := cString(in.License)

	var attr loadProgAttr
	attr.ProgramType = in.ProgramType
	copyName(&attr.ProgramName, in.ProgramName)
	attr.BaseProgFD = uint32(in.BaseProgFD)
	attr.ProgOffset = in.ProgOffset
	attr.License = uint64(uintptr(unsafe.Pointer(&license[0])))

	fd, err := bpfSyscall(CmdLoadProg, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	runtime.KeepAlive(license)
	return fd, err
}
