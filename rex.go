// Package rex is the public control surface for loading rex extension
// objects: four operations mirroring spec.md §6 — SetDebug, LoadObject,
// and the two lookups hung off the handle LoadObject returns.
package rex

import (
	"context"
	"fmt"
	"sync"

	"github.com/tianyin/rex/internal/rexconfig"
	"github.com/tianyin/rex/internal/rexlog"
	"github.com/tianyin/rex/rexload"
)

// registry is the process-wide set of loaded objects, keyed by base
// descriptor. A single package-level instance matches spec.md §4.8's
// "process-wide" registry; there is exactly one loader per process.
var registry = rexload.NewRegistry()

// cfgMu guards cfg, the process-wide configuration LoadObject reads. This
// is separate from registry's own lock (rexload.Registry) since the two
// guard unrelated state.
var (
	cfgMu sync.Mutex
	cfg   = rexconfig.Default()
)

// SetDebug raises or lowers the loader's log verbosity (spec.md §6
// control-surface operation 1).
func SetDebug(debug bool) {
	cfgMu.Lock()
	cfg.Debug = debug
	cfgMu.Unlock()
	rexlog.SetDebug(debug)
}

// Configure replaces the process-wide configuration LoadObject uses for
// every subsequent load: where the scratch snapshot is written and how
// many bytes of a map/program name reach the kernel, in addition to
// Debug's log-verbosity effect.
func Configure(c rexconfig.Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
	rexlog.SetDebug(c.Debug)
}

// Handle is an opaque reference to a successfully loaded object. The zero
// Handle is not valid; only LoadObject constructs one.
type Handle struct {
	obj  *rexload.LoadedObject
	view *rexload.PostLoadView
}

// LoadObject loads the rex extension object at path through to the
// kernel and returns a Handle for inspecting its maps and programs. On
// any failure it returns (nil, error); no resources are left behind.
func LoadObject(ctx context.Context, path string) (*Handle, error) {
	log := rexlog.For("rex")

	cfgMu.Lock()
	deps := rexload.DepsFromConfig(cfg)
	cfgMu.Unlock()

	o, err := rexload.Load(ctx, path, deps)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("load object")
		return nil, err
	}

	if err := registry.Insert(o); err != nil {
		_ = o.Close()
		log.WithError(err).WithField("path", path).Error("register loaded object")
		return nil, err
	}

	view, err := rexload.NewPostLoadView(o)
	if err != nil {
		_ = registry.Remove(o.BaseFD())
		log.WithError(err).WithField("path", path).Error("build post-load view")
		return nil, err
	}

	return &Handle{obj: o, view: view}, nil
}

// FindProgram returns the kernel descriptor of the program named name.
func (h *Handle) FindProgram(name string) (int, bool) {
	if h == nil || h.view == nil {
		return -1, false
	}
	return h.view.FindProgram(name)
}

// FindMap returns the kernel descriptor of the map named name.
func (h *Handle) FindMap(name string) (int, bool) {
	if h == nil || h.view == nil {
		return -1, false
	}
	return h.view.FindMap(name)
}

// ProgramNames returns the names of every program entry point discovered
// in the loaded object, in discovery order.
func (h *Handle) ProgramNames() []string {
	if h == nil || h.view == nil {
		return nil
	}
	names := make([]string, len(h.view.Programs))
	for i, p := range h.view.Programs {
		names[i] = p.Name
	}
	return names
}

// MapNames returns the names of every map discovered in the loaded
// object, in discovery order.
func (h *Handle) MapNames() []string {
	if h == nil || h.view == nil {
		return nil
	}
	names := make([]string, len(h.view.Maps))
	for i, m := range h.view.Maps {
		names[i] = m.Name
	}
	return names
}

// BaseFD returns the handle's underlying base descriptor, the key under
// which it is registered in the process-wide registry.
func (h *Handle) BaseFD() int {
	if h == nil || h.obj == nil {
		return -1
	}
	return h.obj.BaseFD()
}

// Unload removes the handle's object from the process-wide registry and
// releases every descriptor and mapping it owns.
func Unload(h *Handle) error {
	if h == nil || h.obj == nil {
		return nil
	}
	return registry.Remove(h.obj.BaseFD())
}

// String renders a Handle for diagnostics.
func (h *Handle) String() string {
	if h == nil || h.obj == nil {
		return "rex.Handle(nil)"
	}
	return fmt.Sprintf("rex.Handle{base=%d, programs=%d, maps=%d}", h.obj.BaseFD(), h.obj.Programs().Len(), len(h.obj.Maps().Defs()))
}
