// Package snare provides the public API for embedding the interception
// proxy. This is the stable API for external consumers.
package snare

import (
	"github.com/snareproxy/snare/internal/runtime"
)

// Proxy is the main entry point for running the interception proxy.
// See internal/runtime.Proxy for full documentation.
type Proxy = runtime.Proxy

// Option is a functional option for configuring a Proxy.
type Option = runtime.Option

// New creates a new Proxy with the given options.
// Example:
//
//	p, err := snare.New(
//	    snare.WithConfigFile("config.yaml"),
//	    snare.WithSQLiteReports("./data/snare.db"),
//	)
var New = runtime.New

// Configuration options
var (
	WithConfigFile    = runtime.WithConfigFile
	WithLogger        = runtime.WithLogger
	WithUpstream      = runtime.WithUpstream
	WithSQLiteReports = runtime.WithSQLiteReports
	WithReportStore   = runtime.WithReportStore
	WithRand          = runtime.WithRand
)
