package rexload

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cilebpf "github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/tianyin/rex/elf/mapdef"
	"github.com/tianyin/rex/internal/sys"
)

// buildObject assembles a minimal 64-bit LE relocatable ELF object with an
// optional .maps record named "cfg_map" and one kprobe-attached function
// "handler", mirroring the fixture style used by the elf/* packages'
// tests.
func buildObject(t *testing.T, withMap bool) string {
	t.Helper()

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	addShName := func(name string) uint32 {
		off := uint32(shstrtab.Len())
		shstrtab.WriteString(name)
		shstrtab.WriteByte(0)
		return off
	}
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	addStrName := func(name string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)
		return off
	}

	type sec struct {
		name    uint32
		typ     uint32
		data    []byte
		link    uint32
		entsize uint64
		flags   uint64
	}

	sections := []sec{{}}

	progName := addShName("kprobe/handler")
	progIdx := len(sections)
	sections = append(sections, sec{name: progName, typ: uint32(elf.SHT_PROGBITS), data: []byte{0x90, 0x90, 0x90, 0x90}, flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)})

	mapsIdx := -1
	var mapRec [24]byte
	if withMap {
		binary.LittleEndian.PutUint32(mapRec[0:4], uint32(cilebpf.Hash))
		binary.LittleEndian.PutUint32(mapRec[4:8], 4)
		binary.LittleEndian.PutUint32(mapRec[8:12], 8)
		binary.LittleEndian.PutUint32(mapRec[12:16], 10)

		mapsName := addShName(".maps")
		mapsIdx = len(sections)
		sections = append(sections, sec{name: mapsName, typ: uint32(elf.SHT_PROGBITS), data: mapRec[:], flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE)})
	}

	var symtabData bytes.Buffer
	symtabData.Write(make([]byte, 24)) // null symbol

	handlerNameOff := addStrName("handler")
	var fsym [24]byte
	binary.LittleEndian.PutUint32(fsym[0:4], handlerNameOff)
	fsym[4] = byte(elf.STT_FUNC)
	binary.LittleEndian.PutUint16(fsym[6:8], uint16(progIdx))
	binary.LittleEndian.PutUint64(fsym[8:16], 0)
	binary.LittleEndian.PutUint64(fsym[16:24], 4)
	symtabData.Write(fsym[:])

	if withMap {
		cfgNameOff := addStrName("cfg_map")
		var msym [24]byte
		binary.LittleEndian.PutUint32(msym[0:4], cfgNameOff)
		msym[4] = byte(elf.STT_OBJECT)
		binary.LittleEndian.PutUint16(msym[6:8], uint16(mapsIdx))
		binary.LittleEndian.PutUint64(msym[8:16], 0)
		binary.LittleEndian.PutUint64(msym[16:24], 24)
		symtabData.Write(msym[:])
	}

	symtabName := addShName(".symtab")
	strtabName := addShName(".strtab")
	shstrtabName := addShName(".shstrtab")

	symtabIdx := len(sections)
	sections = append(sections, sec{name: symtabName, typ: uint32(elf.SHT_SYMTAB), data: symtabData.Bytes(), entsize: 24})
	strtabIdx := len(sections)
	sections = append(sections, sec{name: strtabName, typ: uint32(elf.SHT_STRTAB), data: strtab.Bytes()})
	sections[symtabIdx].link = uint32(strtabIdx)
	shstrtabIdx := len(sections)
	sections = append(sections, sec{name: shstrtabName, typ: uint32(elf.SHT_STRTAB), data: shstrtab.Bytes()})

	const ehsize = 64
	const shentsize = 64

	var buf bytes.Buffer
	buf.Write(make([]byte, ehsize))

	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		if len(s.data) == 0 {
			continue
		}
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		offsets[i] = uint64(buf.Len())
		buf.Write(s.data)
	}

	shoff := uint64(buf.Len())
	for i, s := range sections {
		var hdr [shentsize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], s.name)
		binary.LittleEndian.PutUint32(hdr[4:8], s.typ)
		binary.LittleEndian.PutUint64(hdr[8:16], s.flags)
		binary.LittleEndian.PutUint64(hdr[16:24], 0)
		binary.LittleEndian.PutUint64(hdr[24:32], offsets[i])
		binary.LittleEndian.PutUint64(hdr[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(hdr[40:44], s.link)
		binary.LittleEndian.PutUint32(hdr[44:48], 0)
		binary.LittleEndian.PutUint64(hdr[48:56], 1)
		binary.LittleEndian.PutUint64(hdr[56:64], s.entsize)
		buf.Write(hdr[:])
	}

	out := buf.Bytes()
	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2
	out[5] = 1
	out[6] = 1
	binary.LittleEndian.PutUint16(out[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(out[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(out[20:24], 1)
	binary.LittleEndian.PutUint64(out[40:48], shoff)
	binary.LittleEndian.PutUint16(out[52:54], ehsize)
	binary.LittleEndian.PutUint16(out[58:60], shentsize)
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[62:64], uint16(shstrtabIdx))

	dir := t.TempDir()
	path := filepath.Join(dir, "object.o")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func testDeps(t *testing.T, backend *sys.FakeBackend, creator mapdef.Creator) Deps {
	return Deps{MapCreator: creator, Sys: backend, TempDir: t.TempDir()}
}

// S1: an object with no maps and one program loads to READY, with one
// program descriptor and no maps.
func TestLoadNoMapsOneProgram(t *testing.T) {
	path := buildObject(t, false)
	backend := sys.NewFakeBackend(100)
	o, err := Load(context.Background(), path, testDeps(t, backend, mapdef.NewFakeCreator(1)))
	require.NoError(t, err)
	defer o.Close()

	require.Equal(t, Ready, o.State())
	require.Len(t, o.Maps().Defs(), 0)
	require.Equal(t, 1, o.Programs().Len())

	entry, ok := o.Programs().Lookup("handler")
	require.True(t, ok)
	require.GreaterOrEqual(t, entry.FD, 100)
	require.GreaterOrEqual(t, o.BaseFD(), 100)
}

// S2: an object with one map and one program loads to READY, with the map
// descriptor patched into the image ahead of the base load.
func TestLoadOneMapOneProgram(t *testing.T) {
	path := buildObject(t, true)
	backend := sys.NewFakeBackend(200)
	o, err := Load(context.Background(), path, testDeps(t, backend, mapdef.NewFakeCreator(1)))
	require.NoError(t, err)
	defer o.Close()

	require.Equal(t, Ready, o.State())
	require.Equal(t, 1, len(o.Maps().Defs()))
	fd, ok := o.Maps().FD("cfg_map")
	require.True(t, ok)
	require.Equal(t, 1, fd)

	require.Len(t, backend.Bases, 1)
	require.Equal(t, []uint64{o.Maps().Defs()[0].KptrFileOffset}, backend.Bases[0].MapOffs)
}

// S5: a kernel rejection on the single program's load unwinds every
// resource acquired so far — the map is destroyed and the base descriptor
// is closed — and Load returns an error with no object.
func TestLoadProgramRejectionRollsBackEverything(t *testing.T) {
	path := buildObject(t, true)
	backend := sys.NewFakeBackend(300)
	backend.FailProgAfter = 1
	fc := mapdef.NewFakeCreator(1)

	o, err := Load(context.Background(), path, testDeps(t, backend, fc))
	require.Error(t, err)
	require.Nil(t, o)

	require.Contains(t, backend.Closed, 300) // the base descriptor
	require.Equal(t, []int{1}, fc.Closed)    // the created map
	require.Len(t, backend.Bases, 1)
	require.Len(t, backend.Progs, 1)
}

// A kernel rejection of the base load itself unwinds the already-created
// map and never attempts any program load.
func TestLoadBaseRejectionRollsBackMaps(t *testing.T) {
	path := buildObject(t, true)
	backend := sys.NewFakeBackend(400)
	backend.FailBase = os.ErrInvalid

	fc := mapdef.NewFakeCreator(1)
	o, err := Load(context.Background(), path, testDeps(t, backend, fc))
	require.Error(t, err)
	require.Nil(t, o)
	require.Empty(t, backend.Bases)
	require.Empty(t, backend.Progs)
	require.Equal(t, []int{1}, fc.Closed)
}

// S6: two concurrent loads of the same object produce disjoint
// descriptor sets and do not interfere with each other's state.
func TestLoadConcurrentObjectsAreIndependent(t *testing.T) {
	path := buildObject(t, true)

	backend1 := sys.NewFakeBackend(1000)
	backend2 := sys.NewFakeBackend(2000)
	deps1 := testDeps(t, backend1, mapdef.NewFakeCreator(1))
	deps2 := testDeps(t, backend2, mapdef.NewFakeCreator(1))

	var o1, o2 *LoadedObject
	var err1, err2 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); o1, err1 = Load(context.Background(), path, deps1) }()
	go func() { defer wg.Done(); o2, err2 = Load(context.Background(), path, deps2) }()
	wg.Wait()

	require.NoError(t, err1)
	defer o1.Close()

	require.NoError(t, err2)
	defer o2.Close()

	require.NotEqual(t, o1.BaseFD(), o2.BaseFD())
	require.GreaterOrEqual(t, o1.BaseFD(), 1000)
	require.Less(t, o1.BaseFD(), 2000)
	require.GreaterOrEqual(t, o2.BaseFD(), 2000)
}

func TestCloseTransitionsToClosedNotFailed(t *testing.T) {
	path := buildObject(t, true)
	backend := sys.NewFakeBackend(900)
	o, err := Load(context.Background(), path, testDeps(t, backend, mapdef.NewFakeCreator(1)))
	require.NoError(t, err)

	require.NoError(t, o.Close())
	require.Equal(t, Closed, o.State())
	require.Contains(t, backend.Closed, 900)
}

func TestLoadUnknownFileFails(t *testing.T) {
	backend := sys.NewFakeBackend(1)
	o, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.o"), testDeps(t, backend, mapdef.NewFakeCreator(1)))
	require.Error(t, err)
	require.Nil(t, o)
}
