// Package reloc implements RelocationPlanner (spec.md §4.5): it reads
// .rela.dyn, filters out entries that target a map slot (those are
// resolved by the kernel during base load), and splits the rest into
// PIE-relative fixups and GOT-style global-data fixups.
//
// Grounded on aclements-go-obj/obj/elfReloc.go's R_X86_64_RELATIVE /
// R_X86_64_GLOB_DAT handling and RELA record decoding, and
// original_source/librex/librex.cpp's parse_rela_dyn.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tianyin/rex/elf/elfview"
	"github.com/tianyin/rex/elf/mapdef"
	"github.com/tianyin/rex/internal/rexerr"
)

// relaEntrySize is sizeof(Elf64_Rela): offset, info, addend.
const relaEntrySize = 24

// PieRelative is a relocation the base load must apply by adding the
// image's load bias to the value already stored at Offset.
type PieRelative struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// GlobSym is a relocation the base load must resolve by looking up Name
// among the kernel's known global symbols and writing its address at
// Offset.
type GlobSym struct {
	Offset uint64
	Name   string
}

// Plan is the decoded, filtered relocation set for one object.
type Plan struct {
	PieRelatives []PieRelative
	GlobSyms     []GlobSym
	Skipped      int
}

// Build implements §4.5. If the object has no .rela.dyn section, Build
// returns an empty, valid Plan (relocation planning is only required when
// the section is present).
func Build(v *elfview.View, mt *mapdef.MapTable) (*Plan, error) {
	const op = "reloc.Build"

	plan := &Plan{}

	relaSec := v.Sections.RelaDyn
	if relaSec == nil {
		return plan, nil
	}

	data, err := v.SectionData(relaSec)
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, op, err)
	}
	if len(data)%relaEntrySize != 0 {
		return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf(".rela.dyn size %d is not a multiple of %d", len(data), relaEntrySize))
	}

	mapOffsets := make(map[uint64]struct{}, len(mt.Defs()))
	for _, d := range mt.Defs() {
		mapOffsets[d.SectionOffset] = struct{}{}
	}

	var dynsyms []elf.Symbol
	if v.Sections.Dynsym != nil {
		dynsyms, err = v.DynamicSymbols()
		if err != nil {
			return nil, err
		}
	}

	n := len(data) / relaEntrySize
	for i := 0; i < n; i++ {
		rec := data[i*relaEntrySize : (i+1)*relaEntrySize]
		offset := binary.LittleEndian.Uint64(rec[0:8])
		info := binary.LittleEndian.Uint64(rec[8:16])
		addend := int64(binary.LittleEndian.Uint64(rec[16:24]))

		if _, isMap := mapOffsets[uint64(addend)]; isMap {
			plan.Skipped++
			continue
		}

		relType := elf.R_X86_64(info & 0xffffffff)
		switch relType {
		case elf.R_X86_64_RELATIVE:
			plan.PieRelatives = append(plan.PieRelatives, PieRelative{Offset: offset, Info: info, Addend: addend})
		case elf.R_X86_64_GLOB_DAT:
			// symIdx is the raw ELF64_R_SYM index, which counts the
			// implicit null symbol at dynsym index 0. v.DynamicSymbols
			// (debug/elf) strips that entry, so dynsyms[x-1] is the
			// symbol a raw index x names; x==0 (STN_UNDEF) never names
			// a real symbol.
			symIdx := info >> 32
			if symIdx == 0 || symIdx-1 >= uint64(len(dynsyms)) {
				return nil, rexerr.New(rexerr.UnsupportedRelocation, op, fmt.Errorf("glob-dat relocation references dynamic symbol index %d out of range (%d symbols)", symIdx, len(dynsyms)))
			}
			plan.GlobSyms = append(plan.GlobSyms, GlobSym{Offset: offset, Name: dynsyms[symIdx-1].Name})
		default:
			return nil, rexerr.New(rexerr.UnsupportedRelocation, op, fmt.Errorf("unsupported relocation type %v at offset %d", relType, offset))
		}
	}

	if got := plan.Skipped + len(plan.PieRelatives) + len(plan.GlobSyms); got != n {
		return nil, rexerr.New(rexerr.Internal, op, fmt.Errorf("relocation accounting mismatch: %d entries, %d classified", n, got))
	}

	return plan, nil
}
