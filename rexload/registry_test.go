package rexload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tianyin/rex/elf/mapdef"
	"github.com/tianyin/rex/internal/sys"
)

func loadReady(t *testing.T, withMap bool, startFD int) *LoadedObject {
	t.Helper()
	path := buildObject(t, withMap)
	backend := sys.NewFakeBackend(startFD)
	o, err := Load(context.Background(), path, testDeps(t, backend, mapdef.NewFakeCreator(1)))
	require.NoError(t, err)
	return o
}

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()
	o := loadReady(t, false, 10)

	require.NoError(t, r.Insert(o))
	require.Equal(t, 1, r.Len())

	got, ok := r.Lookup(o.BaseFD())
	require.True(t, ok)
	require.Same(t, o, got)

	require.NoError(t, r.Remove(o.BaseFD()))
	require.Equal(t, 0, r.Len())

	_, ok = r.Lookup(o.BaseFD())
	require.False(t, ok)
}

func TestRegistryInsertRejectsNonReadyObject(t *testing.T) {
	r := NewRegistry()
	o := &LoadedObject{state: MapsCreated, baseFD: -1}
	require.Error(t, r.Insert(o))
}

func TestRegistryInsertRejectsDuplicateHandle(t *testing.T) {
	r := NewRegistry()
	o1 := loadReady(t, false, 20)
	o2 := loadReady(t, false, 20) // same starting FD -> same baseFD

	require.NoError(t, r.Insert(o1))
	require.Error(t, r.Insert(o2))
}

func TestRegistryRemoveUnknownHandleIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Remove(999))
}
