// Package elfview implements ElfView and SectionClassifier (spec.md
// §4.1, §4.2): it opens a compiled extension object, memory-maps it
// read/write-private, and locates the four sections the rest of the
// loader cares about.
//
// Grounded on the debug/elf usage pattern in the retrieval pack's BPF ELF
// loaders (parseBPFELF in loader_linux.go, and aclements-go-obj/obj/elf.go),
// generalized from "parse one known BPF object layout" to the rex section
// set (.maps, .rela.dyn alongside .symtab/.dynsym).
package elfview

import (
	"debug/elf"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tianyin/rex/internal/rexerr"
)

// Sections holds the four section handles SectionClassifier locates. A nil
// field means the section is absent, which is legal for Maps and RelaDyn
// (spec.md §4.2) but fatal for Symtab once a later phase needs it.
type Sections struct {
	Symtab  *elf.Section
	Dynsym  *elf.Section
	Maps    *elf.Section
	RelaDyn *elf.Section
}

// View is an open, memory-mapped ELF image plus its classified sections.
// The mapping is PROT_READ|PROT_WRITE with MAP_PRIVATE semantics: writes
// made through Data are visible only to this process and are never
// written back to the backing file (spec.md §4.1).
type View struct {
	Path string

	file *elf.File
	data []byte

	Sections Sections
}

// Open opens path, memory-maps it private/writable, and classifies its
// sections. Construction fails with rexerr.BadInput if the file cannot be
// opened, the ELF library rejects it, the mapping fails, or the object is
// not 64-bit little-endian (spec.md §9: "other targets are out of scope
// and must be rejected at ElfView construction").
func Open(path string) (*View, error) {
	const op = "elfview.Open"

	f, err := os.Open(path)
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, op, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, op, err)
	}
	size := st.Size()
	if size == 0 {
		return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf("%s: empty file", path))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf("mmap %s: %w", path, err))
	}

	ef, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, rexerr.New(rexerr.BadInput, op, err)
	}

	if ef.Class != elf.ELFCLASS64 {
		_ = unix.Munmap(data)
		return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf("%s: expected 64-bit ELF, got %v", path, ef.Class))
	}
	if ef.ByteOrder.String() != "LittleEndian" {
		_ = unix.Munmap(data)
		return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf("%s: expected little-endian ELF", path))
	}

	v := &View{Path: path, file: ef, data: data}
	v.classify()
	return v, nil
}

// classify implements SectionClassifier (spec.md §4.2): a single pass over
// section headers, recording the first match for each of the four
// sections of interest.
func (v *View) classify() {
	for _, sec := range v.file.Sections {
		switch {
		case v.Sections.Symtab == nil && sec.Type == elf.SHT_SYMTAB && sec.Name == ".symtab":
			v.Sections.Symtab = sec
		case v.Sections.Dynsym == nil && sec.Type == elf.SHT_DYNSYM && sec.Name == ".dynsym":
			v.Sections.Dynsym = sec
		case v.Sections.Maps == nil && sec.Name == ".maps":
			v.Sections.Maps = sec
		case v.Sections.RelaDyn == nil && sec.Type == elf.SHT_RELA && sec.Name == ".rela.dyn":
			v.Sections.RelaDyn = sec
		}
	}
}

// RequireSymtab returns rexerr.BadInput if .symtab was not found; callers
// that need the symbol table (map/program discovery) call this first.
func (v *View) RequireSymtab(op string) error {
	if v.Sections.Symtab == nil {
		return rexerr.New(rexerr.BadInput, op, fmt.Errorf("%s: .symtab section not found", v.Path))
	}
	return nil
}

// Symbols returns the ELF's .symtab symbols.
func (v *View) Symbols() ([]elf.Symbol, error) {
	syms, err := v.file.Symbols()
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, "elfview.Symbols", err)
	}
	return syms, nil
}

// DynamicSymbols returns the ELF's .dynsym symbols.
func (v *View) DynamicSymbols() ([]elf.Symbol, error) {
	syms, err := v.file.DynamicSymbols()
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, "elfview.DynamicSymbols", err)
	}
	return syms, nil
}

// SectionIndex returns the section index of sec within the ELF's section
// header table; needed to match a symbol's st_shndx against a known
// section, since debug/elf.Symbol stores the index rather than a pointer.
func (v *View) SectionIndex(sec *elf.Section) elf.SectionIndex {
	for i, s := range v.file.Sections {
		if s == sec {
			return elf.SectionIndex(i)
		}
	}
	return elf.SHN_UNDEF
}

// SectionByIndex returns the section at idx, or nil if out of range.
func (v *View) SectionByIndex(idx elf.SectionIndex) *elf.Section {
	if int(idx) < 0 || int(idx) >= len(v.file.Sections) {
		return nil
	}
	return v.file.Sections[idx]
}

// SectionData reads and returns the raw bytes of sec.
func (v *View) SectionData(sec *elf.Section) ([]byte, error) {
	b, err := sec.Data()
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, "elfview.SectionData", err)
	}
	return b, nil
}

// Data returns the full mutable, memory-mapped image. Writes through the
// returned slice are visible only in this process (MAP_PRIVATE) and are
// what ImagePatcher and LoadDriver's snapshot step operate on.
func (v *View) Data() []byte { return v.data }

// Close releases the memory mapping. It does not error on a nil or
// already-closed View.
func (v *View) Close() error {
	if v.data == nil {
		return nil
	}
	err := unix.Munmap(v.data)
	v.data = nil
	if err != nil {
		return rexerr.New(rexerr.Internal, "elfview.Close", err)
	}
	return nil
}

// bytesReaderAt adapts a byte slice to io.ReaderAt without copying.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		if len(p) == 0 && off == int64(len(b)) {
			return 0, nil
		}
		return 0, fmt.Errorf("elfview: read at offset %d out of range (size %d)", off, len(b))
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elfview: short read at offset %d", off)
	}
	return n, nil
}
