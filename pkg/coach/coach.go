// Package coach provides the public API for embedding the coaching pipeline.
// This is the stable API for external consumers.
package coach

import (
	"github.com/tjfontaine/coachllm/internal/runtime"
)

// App is the assembled pipeline.
// See internal/runtime.App for full documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// New creates a new App with the given options.
// Example:
//
//	app, err := coach.New(
//	    coach.WithLogger(logger),
//	    coach.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// Configuration options
var (
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider
	WithLogger         = runtime.WithLogger
)
