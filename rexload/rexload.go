// Package rexload implements LoadedObject and LoadDriver (spec.md §3,
// §4.7): the two-phase kernel load state machine, its snapshot lifecycle,
// and rollback on failure.
//
// Grounded on original_source/librex/librex.cpp's rex_obj::load: the
// state ordering (parse → create maps → patch → snapshot → base load →
// per-program loads), the snapshot-file discipline, and the rollback path
// reached via its close_fds label.
package rexload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tianyin/rex/elf/elfview"
	"github.com/tianyin/rex/elf/mapdef"
	"github.com/tianyin/rex/elf/patch"
	"github.com/tianyin/rex/elf/progtab"
	"github.com/tianyin/rex/elf/reloc"
	"github.com/tianyin/rex/internal/rexconfig"
	"github.com/tianyin/rex/internal/rexerr"
	"github.com/tianyin/rex/internal/rexlog"
	"github.com/tianyin/rex/internal/sys"
)

// State is one step of LoadDriver's state machine (spec.md §4.7).
type State int

const (
	Open State = iota
	Parsed
	MapsCreated
	SnapshotWritten
	BaseLoaded
	ProgsLoaded
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Parsed:
		return "PARSED"
	case MapsCreated:
		return "MAPS_CREATED"
	case SnapshotWritten:
		return "SNAPSHOT_WRITTEN"
	case BaseLoaded:
		return "BASE_LOADED"
	case ProgsLoaded:
		return "PROGS_LOADED"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// license is passed to every kernel load operation; the original loader
// passes this literal unconditionally, and spec.md §9 asks to preserve it.
const license = "GPL"

// Deps bundles the backends LoadDriver issues kernel operations through,
// so tests can substitute fakes for both the map-create path and the
// rex-specific LOAD_BASE/LOAD_PROG path, plus the rexconfig.Config fields
// that affect a load: where the scratch snapshot lives and how many bytes
// of a map/program name reach the kernel's fixed-size name field.
type Deps struct {
	MapCreator    mapdef.Creator
	Sys           sys.Backend
	TempDir       string
	ObjectNameMax int
}

// DefaultDeps wires the real kernel backends under rexconfig.Default().
func DefaultDeps() Deps {
	return DepsFromConfig(rexconfig.Default())
}

// DepsFromConfig wires the real kernel backends, taking TempDir and
// ObjectNameMax from cfg so a caller's --temp-dir/--object-name-max flags
// actually reach the load (rexconfig.Config, SPEC_FULL §4.10).
func DepsFromConfig(cfg rexconfig.Config) Deps {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return Deps{
		MapCreator:    mapdef.RealCreator,
		Sys:           sys.Real,
		TempDir:       tempDir,
		ObjectNameMax: cfg.ObjectNameMax,
	}
}

// LoadedObject owns every resource acquired while loading one extension
// object: the memory mapping, the map table, the program table, the
// relocation plan, and the base/per-program descriptors (spec.md §3).
type LoadedObject struct {
	path  string
	view  *elfview.View
	maps  *mapdef.MapTable
	progs *progtab.ProgTable
	plan  *reloc.Plan

	state   State
	baseFD  int
	backend sys.Backend
}

// State returns the object's current state-machine state.
func (o *LoadedObject) State() State { return o.state }

// Maps returns the object's map table.
func (o *LoadedObject) Maps() *mapdef.MapTable { return o.maps }

// Programs returns the object's program table.
func (o *LoadedObject) Programs() *progtab.ProgTable { return o.progs }

// BaseFD returns the descriptor anchoring the loaded image in the kernel.
func (o *LoadedObject) BaseFD() int { return o.baseFD }

// RelocationPlan returns the object's computed relocation plan.
func (o *LoadedObject) RelocationPlan() *reloc.Plan { return o.plan }

// Load drives the full two-phase state machine over the object at path
// and returns a READY LoadedObject, or an error and no object on any
// failure — every resource acquired along the way has already been rolled
// back by the time Load returns an error (spec.md §8 property 5). ctx is
// accepted for call-site symmetry with other blocking operations; no step
// is cancellable mid-flight (spec.md §5: "no explicit cancellation is
// offered").
func Load(ctx context.Context, path string, deps Deps) (*LoadedObject, error) {
	log := rexlog.For("rexload")

	v, err := elfview.Open(path)
	if err != nil {
		return nil, err
	}
	o := &LoadedObject{path: path, view: v, state: Open, baseFD: -1, backend: deps.Sys}

	mt, err := mapdef.Build(v)
	if err != nil {
		o.closeView()
		return nil, err
	}
	pt, err := progtab.Build(v)
	if err != nil {
		o.closeView()
		return nil, err
	}
	plan, err := reloc.Build(v, mt)
	if err != nil {
		o.closeView()
		return nil, err
	}
	o.maps, o.progs, o.plan = mt, pt, plan
	o.state = Parsed

	if err := mt.CreateAll(deps.MapCreator, deps.ObjectNameMax); err != nil {
		o.closeView()
		return nil, err
	}
	o.state = MapsCreated

	if err := patch.Apply(v, mt); err != nil {
		o.rollbackMaps()
		o.closeView()
		return nil, err
	}

	snapshotPath, snapFile, err := writeSnapshot(deps.TempDir, path, v.Data())
	if err != nil {
		o.rollbackMaps()
		o.closeView()
		return nil, err
	}
	o.state = SnapshotWritten

	baseFD, err := submitBaseLoad(deps.Sys, path, int(snapFile.Fd()), mt, plan, deps.ObjectNameMax)
	if err != nil {
		_ = snapFile.Close()
		_ = os.Remove(snapshotPath)
		o.rollbackMaps()
		o.closeView()
		return nil, err
	}
	o.baseFD = baseFD
	o.state = BaseLoaded

	if cerr := snapFile.Close(); cerr != nil {
		log.WithError(cerr).Warn("closing snapshot descriptor")
	}
	if rerr := os.Remove(snapshotPath); rerr != nil {
		o.rollbackProgs()
		o.rollbackBase(deps.Sys)
		o.rollbackMaps()
		o.closeView()
		return nil, rexerr.New(rexerr.Internal, "rexload.Load", fmt.Errorf("remove snapshot %s: %w", snapshotPath, rerr))
	}

	for _, entry := range pt.Entries() {
		tag, ok := progtab.AttachTypeTag(entry.AttachType)
		if !ok {
			o.rollbackProgs()
			o.rollbackBase(deps.Sys)
			o.rollbackMaps()
			o.closeView()
			return nil, rexerr.New(rexerr.Internal, "rexload.Load", fmt.Errorf("no wire tag for attach type %q", entry.AttachType))
		}
		fd, err := deps.Sys.LoadProg(&sys.LoadProgAttr{
			ProgramType: tag,
			ProgramName: truncateObjectName(entry.Name, deps.ObjectNameMax),
			BaseProgFD:  o.baseFD,
			ProgOffset:  entry.Offset,
			License:     license,
		})
		if err != nil {
			o.rollbackProgs()
			o.rollbackBase(deps.Sys)
			o.rollbackMaps()
			o.closeView()
			return nil, rexerr.New(rexerr.KernelRejected, "rexload.Load", fmt.Errorf("load program %q: %w", entry.Name, err))
		}
		_ = pt.SetFD(entry.Name, fd)
	}
	o.state = ProgsLoaded
	o.state = Ready // no separate work happens between the two; both are reached atomically once every program is bound

	log.WithField("path", path).WithField("programs", pt.Len()).WithField("maps", len(mt.Defs())).Info("object loaded")
	return o, nil
}

// releaseProgs closes every descriptor the per-program loads have
// acquired so far, without touching o.state — used both by Load's
// rollback path and by Close.
func (o *LoadedObject) releaseProgs() {
	if o.progs == nil {
		return
	}
	for _, e := range o.progs.Entries() {
		if e.FD >= 0 {
			_ = o.backend.Close(e.FD)
			_ = o.progs.SetFD(e.Name, -1)
		}
	}
}

// releaseBase closes the base descriptor, if any, without touching
// o.state.
func (o *LoadedObject) releaseBase(backend sys.Backend) {
	if o.baseFD >= 0 {
		_ = backend.Close(o.baseFD)
		o.baseFD = -1
	}
}

// releaseMaps closes every created map descriptor, without touching
// o.state.
func (o *LoadedObject) releaseMaps() {
	if o.maps != nil {
		o.maps.Close()
	}
}

func (o *LoadedObject) closeView() {
	_ = o.view.Close()
	o.state = Failed
}

func (o *LoadedObject) rollbackMaps() {
	o.releaseMaps()
	o.state = Failed
}

func (o *LoadedObject) rollbackBase(backend sys.Backend) {
	o.releaseBase(backend)
	o.state = Failed
}

func (o *LoadedObject) rollbackProgs() {
	o.releaseProgs()
	o.state = Failed
}

// Close releases every descriptor and the memory mapping this object
// owns. It does not transition through Failed: a Close of a Ready object
// is a normal teardown, not an error.
func (o *LoadedObject) Close() error {
	o.releaseProgs()
	o.releaseBase(o.backend)
	o.releaseMaps()
	err := o.view.Close()
	o.state = Closed
	return err
}

func writeSnapshot(tempDir, objPath string, data []byte) (string, *os.File, error) {
	const op = "rexload.writeSnapshot"

	name := fmt.Sprintf("rex-%s-%s", filepath.Base(objPath), uuid.New().String())
	snapshotPath := filepath.Join(tempDir, name)

	if err := os.WriteFile(snapshotPath, data, 0o600); err != nil {
		return "", nil, rexerr.New(rexerr.Internal, op, fmt.Errorf("write snapshot: %w", err))
	}

	f, err := os.Open(snapshotPath)
	if err != nil {
		_ = os.Remove(snapshotPath)
		return "", nil, rexerr.New(rexerr.Internal, op, fmt.Errorf("reopen snapshot read-only: %w", err))
	}
	return snapshotPath, f, nil
}

// truncateObjectName truncates name to at most max bytes before it
// reaches the kernel's fixed-size name field, clamping to sys.ProgNameMax
// (the hard kernel bound) when max is unset or larger than that bound.
func truncateObjectName(name string, max int) string {
	if max <= 0 || max > sys.ProgNameMax {
		max = sys.ProgNameMax
	}
	if len(name) > max {
		return name[:max]
	}
	return name
}

func submitBaseLoad(backend sys.Backend, objPath string, snapFD int, mt *mapdef.MapTable, plan *reloc.Plan, nameMax int) (int, error) {
	mapOffs := make([]uint64, 0, len(mt.Defs()))
	for _, d := range mt.Defs() {
		mapOffs = append(mapOffs, d.KptrFileOffset)
	}

	dynRelas := make([]sys.RelaEntry, 0, len(plan.PieRelatives))
	for _, r := range plan.PieRelatives {
		dynRelas = append(dynRelas, sys.RelaEntry{Offset: r.Offset, Info: r.Info, Addend: r.Addend})
	}

	dynSyms := make([]sys.DynSymEntry, 0, len(plan.GlobSyms))
	for _, g := range plan.GlobSyms {
		dynSyms = append(dynSyms, sys.DynSymEntry{Offset: g.Offset, SymbolName: g.Name})
	}

	fd, err := backend.LoadBase(&sys.LoadBaseAttr{
		ProgramName: truncateObjectName(filepath.Base(objPath), nameMax),
		ImageFD:     snapFD,
		License:     license,
		MapOffs:     mapOffs,
		DynRelas:    dynRelas,
		DynSyms:     dynSyms,
	})
	if err != nil {
		return -1, rexerr.New(rexerr.KernelRejected, "rexload.submitBaseLoad", err)
	}
	return fd, nil
}
