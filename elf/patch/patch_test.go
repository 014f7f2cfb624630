package patch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	cilebpf "github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/tianyin/rex/elf/elfview"
	"github.com/tianyin/rex/elf/mapdef"
)

// buildObject assembles an ELF object with one .maps record named
// "cfg_map", so Apply has something concrete to patch.
func buildObject(t *testing.T) string {
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

	mapsName := addShName(".maps")
	sections := []sec{{}}

	var mapRec [24]byte
	binary.LittleEndian.PutUint32(mapRec[0:4], uint32(cilebpf.Hash))
	binary.LittleEndian.PutUint32(mapRec[4:8], 4)
	binary.LittleEndian.PutUint32(mapRec[8:12], 8)
	binary.LittleEndian.PutUint32(mapRec[12:16], 10)

	mapsIdx := len(sections)
	sections = append(sections, sec{name: mapsName, typ: uint32(elf.SHT_PROGBITS), data: mapRec[:], flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE)})

	var symtabData bytes.Buffer
	symtabData.Write(make([]byte, 24))
	nameOff := addStrName("cfg_map")
	var msym [24]byte
	binary.LittleEndian.PutUint32(msym[0:4], nameOff)
	msym[4] = 0x11
	binary.LittleEndian.PutUint16(msym[6:8], uint16(mapsIdx))
	binary.LittleEndian.PutUint64(msym[8:16], 0)
	binary.LittleEndian.PutUint64(msym[16:24], 24)
	symtabData.Write(msym[:])

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

func TestApplyWritesDescriptorAtKptrOffset(t *testing.T) {
	path := buildObject(t)

	v, err := elfview.Open(path)
	require.NoError(t, err)
	defer v.Close()

	mt, err := mapdef.Build(v)
	require.NoError(t, err)
	require.Len(t, mt.Defs(), 1)

	fc := mapdef.NewFakeCreator(7)
	require.NoError(t, mt.CreateAll(fc, 0))
	defer mt.Close()

	fd, ok := mt.FD("cfg_map")
	require.True(t, ok)
	require.Equal(t, 7, fd)

	require.NoError(t, Apply(v, mt))

	def, ok := mt.Lookup("cfg_map")
	require.True(t, ok)
	data := v.Data()
	got := binary.LittleEndian.Uint64(data[def.KptrFileOffset : def.KptrFileOffset+8])
	require.Equal(t, uint64(7), got)
}

func TestApplyFailsIfMapNotCreated(t *testing.T) {
	path := buildObject(t)

	v, err := elfview.Open(path)
	require.NoError(t, err)
	defer v.Close()

	mt, err := mapdef.Build(v)
	require.NoError(t, err)

	err = Apply(v, mt)
	require.Error(t, err)
}
