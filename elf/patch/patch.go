// Package patch implements ImagePatcher (spec.md §4.6): after map
// creation, write each created map's kernel descriptor into the mmap'd
// image at the kptr field of the map-def the symbol describes.
//
// Grounded on original_source/librex/librex.cpp's rex_obj::fix_maps,
// which computes the same patch_position and writes the descriptor with a
// raw memcpy into the mapped image.
package patch

import (
	"encoding/binary"
	"fmt"

	"github.com/tianyin/rex/elf/elfview"
	"github.com/tianyin/rex/elf/mapdef"
	"github.com/tianyin/rex/internal/rexerr"
)

// kptrSize is sizeof(map_def.kptr): an 8-byte slot for the kernel map
// descriptor, even though descriptors themselves are 32-bit ints — the
// extension's compiled code reads it as a 64-bit value per spec.md §4.6.
const kptrSize = 8

// Apply writes every created map's descriptor into v's mutable image at
// its map-def's KptrFileOffset. It returns rexerr.Internal if a map-def's
// computed offset falls outside the image (a condition that should be
// unreachable given a section-classified, size-validated .maps section,
// but is still checked before any unsafe slice indexing).
func Apply(v *elfview.View, mt *mapdef.MapTable) error {
	const op = "patch.Apply"

	data := v.Data()
	for _, def := range mt.Defs() {
		fd, ok := mt.FD(def.Name)
		if !ok {
			return rexerr.New(rexerr.Internal, op, fmt.Errorf("map %q has no created descriptor to patch in", def.Name))
		}

		end := def.KptrFileOffset + kptrSize
		if end > uint64(len(data)) {
			return rexerr.New(rexerr.Internal, op, fmt.Errorf("map %q kptr offset %d exceeds image size %d", def.Name, def.KptrFileOffset, len(data)))
		}

		binary.LittleEndian.PutUint64(data[def.KptrFileOffset:end], uint64(uint32(fd)))
	}
	return nil
}
