// Package mapdef implements MapDef and MapTable (spec.md §4.3): it walks
// the .maps section's 24-byte records, resolves each record's symbol name
// from .symtab, and creates the corresponding kernel map.
//
// BPF_MAP_CREATE is a standard Linux BPF command, so — unlike the
// rex-specific LOAD_BASE/LOAD_PROG commands in internal/sys — map creation
// is delegated to github.com/cilium/ebpf rather than hand-rolled, the same
// division of labor the teacher's LoadCollection draws between its own
// code and the library.
package mapdef

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	cilebpf "github.com/cilium/ebpf"

	"github.com/tianyin/rex/elf/elfview"
	"github.com/tianyin/rex/internal/rexerr"
)

// recordSize is sizeof(struct map_def): map_type, key_size, value_size,
// max_entries, map_flags, kptr — six uint32 fields (librec.cpp's map_def).
const recordSize = 24

// defaultNameMax is the number of usable bytes in the kernel's 16-byte
// map-name field; the last byte stays free so a NUL terminator survives.
// It is the ceiling CreateAll clamps rexconfig.Config.ObjectNameMax to.
const defaultNameMax = 15

// truncateName truncates name to at most max bytes, falling back to
// defaultNameMax when max is unset or exceeds the kernel's own bound.
func truncateName(name string, max int) string {
	if max <= 0 || max > defaultNameMax {
		max = defaultNameMax
	}
	if len(name) > max {
		return name[:max]
	}
	return name
}

// MapDef is the decoded form of one .maps record plus the name resolved
// from .symtab and its byte offset within the section (needed later by
// ImagePatcher to locate the kptr field in the mmap'd image).
type MapDef struct {
	Name       string
	MapType    cilebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32

	// SectionOffset is this record's symbol value, i.e. its virtual
	// address within .maps (equal to its byte offset into the section
	// when .maps has address 0).
	SectionOffset uint64
	// KptrFileOffset is the absolute file offset of the record's kptr
	// field: SectionOffset + offsetof(map_def, kptr) - section_vaddr +
	// section_file_offset (librex.cpp's fix_maps).
	KptrFileOffset uint64
}

// Creator abstracts BPF_MAP_CREATE so tests can substitute a fake kernel,
// the same role sys.Backend plays for the rex-specific LOAD_BASE/LOAD_PROG
// commands.
type Creator interface {
	Create(spec *cilebpf.MapSpec) (createdMap, error)
}

// createdMap is the subset of *cilebpf.Map that callers need: an FD to
// patch into the image and a Close to release it.
type createdMap interface {
	FD() int
	Close() error
}

// realCreator issues the real BPF_MAP_CREATE syscall via cilium/ebpf.
type realCreator struct{}

func (realCreator) Create(spec *cilebpf.MapSpec) (createdMap, error) {
	return cilebpf.NewMap(spec)
}

// RealCreator is the Creator every production MapTable uses.
var RealCreator Creator = realCreator{}

// MapTable indexes every map-def discovered in an object, by both .maps
// offset and symbol name, plus the created kernel map for each.
type MapTable struct {
	defs    []MapDef
	byName  map[string]*MapDef
	created map[string]createdMap
}

// Build implements §4.3's scan: walk .symtab, and for every STT_OBJECT
// symbol sized 24 bytes that sits in .maps, decode the record at that
// symbol's value minus the .maps base address and compute its absolute
// kptr file offset. Bytes of
// .maps not covered by such a symbol — trailing padding, a stripped
// symbol — are simply not turned into a map; there is no requirement
// that every 24-byte slot have a name (original_source/librex/librex.cpp,
// parse_maps).
func Build(v *elfview.View) (*MapTable, error) {
	const op = "mapdef.Build"

	mt := &MapTable{byName: map[string]*MapDef{}, created: map[string]createdMap{}}

	mapsSec := v.Sections.Maps
	if mapsSec == nil {
		return mt, nil
	}
	if err := v.RequireSymtab(op); err != nil {
		return nil, err
	}

	data, err := v.SectionData(mapsSec)
	if err != nil {
		return nil, rexerr.New(rexerr.BadInput, op, err)
	}

	syms, err := v.Symbols()
	if err != nil {
		return nil, err
	}
	mapsIdx := v.SectionIndex(mapsSec)

	for _, s := range syms {
		if s.Section != mapsIdx {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
			continue
		}
		if s.Size != recordSize {
			continue
		}

		off := s.Value
		if off < mapsSec.Addr || off-mapsSec.Addr+recordSize > uint64(len(data)) {
			return nil, rexerr.New(rexerr.BadInput, op, fmt.Errorf("map symbol %q at address %#x lies outside .maps section (address %#x, size %d)", s.Name, off, mapsSec.Addr, len(data)))
		}
		start := off - mapsSec.Addr
		rec := data[start : start+recordSize]

		def := MapDef{
			Name:          s.Name,
			MapType:       cilebpf.MapType(binary.LittleEndian.Uint32(rec[0:4])),
			KeySize:       binary.LittleEndian.Uint32(rec[4:8]),
			ValueSize:     binary.LittleEndian.Uint32(rec[8:12]),
			MaxEntries:    binary.LittleEndian.Uint32(rec[12:16]),
			Flags:         binary.LittleEndian.Uint32(rec[16:20]),
			SectionOffset: off,
		}
		// patch_position = map_def_offset + offsetof(kptr) - section_vaddr + section_file_offset.
		def.KptrFileOffset = off + 20 - mapsSec.Addr + mapsSec.Offset

		mt.defs = append(mt.defs, def)
	}

	for i := range mt.defs {
		mt.byName[mt.defs[i].Name] = &mt.defs[i]
	}
	return mt, nil
}

// CreateAll materializes every map-def as a kernel map via c, in discovery
// order, truncating each map's name to nameMax bytes (rexconfig.Config's
// ObjectNameMax; pass 0 to use the kernel's own bound). On the first
// failure it closes every map created so far and returns
// rexerr.KernelRejected, matching the all-or-nothing semantics of the
// base-load step that follows.
func (mt *MapTable) CreateAll(c Creator, nameMax int) error {
	const op = "mapdef.CreateAll"
	for _, def := range mt.defs {
		spec := &cilebpf.MapSpec{
			Name:       truncateName(def.Name, nameMax),
			Type:       def.MapType,
			KeySize:    def.KeySize,
			ValueSize:  def.ValueSize,
			MaxEntries: def.MaxEntries,
			Flags:      def.Flags,
		}
		m, err := c.Create(spec)
		if err != nil {
			mt.closeAll()
			return rexerr.New(rexerr.KernelRejected, op, fmt.Errorf("create map %q: %w", def.Name, err))
		}
		mt.created[def.Name] = m
	}
	return nil
}

func (mt *MapTable) closeAll() {
	for name, m := range mt.created {
		_ = m.Close()
		delete(mt.created, name)
	}
}

// Close releases every kernel map handle this table created.
func (mt *MapTable) Close() {
	mt.closeAll()
}

// Defs returns every discovered map-def, in .maps discovery order.
func (mt *MapTable) Defs() []MapDef { return mt.defs }

// Lookup returns the map-def named name, if any.
func (mt *MapTable) Lookup(name string) (MapDef, bool) {
	d, ok := mt.byName[name]
	if !ok {
		return MapDef{}, false
	}
	return *d, true
}

// FD returns the kernel file descriptor of the created map named name.
func (mt *MapTable) FD(name string) (int, bool) {
	m, ok := mt.created[name]
	if !ok {
		return -1, false
	}
	return m.FD(), true
}
