// Package rexlog provides the loader's structured logger, a thin
// sirupsen/logrus wrapper that always tags output with a subsystem field,
// following cilium's field-keyed logging convention.
package rexlog

import "github.com/sirupsen/logrus"

// Logger is the package-wide logger every loader component uses. It is a
// var rather than a function-local value so that SetDebug (the Go
// equivalent of the control-surface "set debug verbosity" operation) can
// adjust its level process-wide.
var Logger = logrus.WithField("subsys", "rex-loader")

// SetDebug raises or lowers the logger's verbosity. debug=true matches the
// original C++ loader's bare `static int debug` toggle.
func SetDebug(debug bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// For names a component for callers that want an even more specific field
// set than the package-wide Logger, e.g. rexlog.For("loaddriver").
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
