// Package rexconfig holds the loader's process-wide configuration and the
// spf13/pflag + spf13/viper plumbing cilium uses to bind command-line
// flags and environment variables to a single struct (see operator/cmd's
// *_flags.go files in the cilium codebase this project was adapted from).
// No config file is read.
package rexconfig

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults favor a quiet library by default, unlike the original C++
// loader which shipped with `static int debug = 1;`; callers opt in with
// --debug or rex.SetDebug. Kernel object names truncate to 15 usable
// bytes (16-byte BPF_OBJ_NAME_LEN minus the NUL).
const (
	DefaultObjectNameMax = 15
	EnvPrefix            = "REX"
	FlagDebug            = "debug"
	FlagTempDir          = "temp-dir"
	FlagObjectNameMax    = "object-name-max"
)

// Config is the loader's process-wide configuration. Every field here is
// threaded through to a concrete call site: Debug reaches rexlog via
// rex.SetDebug/Configure, TempDir and ObjectNameMax reach
// rexload.DepsFromConfig and from there the snapshot path and the
// map/program name truncation at kernel-load time.
type Config struct {
	// Debug enables verbose logging across every loader component
	// (control-surface operation 1, "set debug verbosity").
	Debug bool

	// TempDir is the directory the snapshot file is created under during
	// base load. Defaults to os.TempDir().
	TempDir string

	// ObjectNameMax bounds how many bytes of a map or program name are
	// copied into the kernel's fixed-size name field; the name is
	// truncated strictly below the kernel's bound so a NUL terminator is
	// always preserved.
	ObjectNameMax int
}

// Default returns the loader's default configuration.
func Default() Config {
	return Config{
		Debug:         false,
		TempDir:       os.TempDir(),
		ObjectNameMax: DefaultObjectNameMax,
	}
}

// RegisterFlags wires Config's fields onto flags and onto REX_-prefixed
// environment variables (REX_DEBUG, REX_TEMP_DIR, REX_OBJECT_NAME_MAX),
// following cilium's
// `flags.Bool(...)` / `regOpts.BindEnv(...)` / `vp.BindPFlags(flags)`
// option-registration idiom.
func RegisterFlags(flags *pflag.FlagSet, vp *viper.Viper) {
	def := Default()

	flags.Bool(FlagDebug, def.Debug, "enable verbose loader logging")
	flags.String(FlagTempDir, def.TempDir, "directory for the base-load scratch snapshot")
	flags.Int(FlagObjectNameMax, def.ObjectNameMax, "max bytes copied into a kernel object name")

	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()
	_ = vp.BindPFlags(flags)
}

// FromViper reads a Config back out of vp after RegisterFlags has bound
// its flags.
func FromViper(vp *viper.Viper) Config {
	return Config{
		Debug:         vp.GetBool(FlagDebug),
		TempDir:       vp.GetString(FlagTempDir),
		ObjectNameMax: vp.GetInt(FlagObjectNameMax),
	}
}
