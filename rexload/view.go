package rexload

import (
	"fmt"

	"github.com/tianyin/rex/internal/rexerr"
)

// MapRecord is one map's name and kernel descriptor, as exposed by a
// PostLoadView (spec.md §4.9).
type MapRecord struct {
	Name string
	FD   int
}

// ProgramRecord is one program's identity and kernel descriptor, as
// exposed by a PostLoadView.
type ProgramRecord struct {
	Name        string
	SectionName string
	AttachType  string
	FD          int
}

// PostLoadView is a neutral, read-only snapshot of a Ready LoadedObject:
// the parallel name/descriptor arrays the top-level Handle type builds
// FindProgram/FindMap on top of, independent of how LoadDriver internally
// represents MapTable and ProgTable.
type PostLoadView struct {
	Maps     []MapRecord
	Programs []ProgramRecord
}

// NewPostLoadView builds a PostLoadView from o. It fails if o has not
// reached the Ready state, since the descriptors it exposes are only
// meaningful once every map and program has been loaded.
func NewPostLoadView(o *LoadedObject) (*PostLoadView, error) {
	if o.State() != Ready {
		return nil, rexerr.New(rexerr.Internal, "rexload.NewPostLoadView",
			fmt.Errorf("object is in state %s, not READY", o.State()))
	}

	v := &PostLoadView{}
	for _, def := range o.maps.Defs() {
		fd, _ := o.maps.FD(def.Name)
		v.Maps = append(v.Maps, MapRecord{Name: def.Name, FD: fd})
	}
	for _, e := range o.progs.Entries() {
		v.Programs = append(v.Programs, ProgramRecord{
			Name:        e.Name,
			SectionName: e.SectionName,
			AttachType:  e.AttachType,
			FD:          e.FD,
		})
	}
	return v, nil
}

// FindMap returns the descriptor for the map named name.
func (v *PostLoadView) FindMap(name string) (int, bool) {
	for _, m := range v.Maps {
		if m.Name == name {
			return m.FD, true
		}
	}
	return -1, false
}

// FindProgram returns the descriptor for the program named name.
func (v *PostLoadView) FindProgram(name string) (int, bool) {
	for _, p := range v.Programs {
		if p.Name == name {
			return p.FD, true
		}
	}
	return -1, false
}
