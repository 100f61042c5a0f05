package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/snareproxy/snare/internal/report"
	sqlitereport "github.com/snareproxy/snare/internal/report/sqlite"
)

// Option is a functional option for configuring a Proxy.
type Option func(*Proxy) error

// WithConfigFile sets the YAML configuration file to load and watch for
// changes. Defaults to config.yaml in the working directory.
func WithConfigFile(path string) Option {
	return func(p *Proxy) error {
		if path == "" {
			return fmt.Errorf("config path must not be empty")
		}
		p.configPath = path
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) error {
		p.logger = logger
		return nil
	}
}

// WithUpstream sets the transport used to forward unclaimed requests.
// Defaults to http.DefaultTransport.
func WithUpstream(rt http.RoundTripper) Option {
	return func(p *Proxy) error {
		p.upstream = rt
		return nil
	}
}

// WithSQLiteReports persists recording sessions to a SQLite database,
// overriding the report.sqlite_path config key.
func WithSQLiteReports(path string) Option {
	return func(p *Proxy) error {
		st, err := sqlitereport.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite report store: %w", err)
		}
		p.reports = st
		return nil
	}
}

// WithReportStore sets a custom report store.
func WithReportStore(store report.Store) Option {
	return func(p *Proxy) error {
		p.reports = store
		return nil
	}
}

// WithRand overrides the failure-injection random source. intn must behave
// like rand.Intn. Intended for tests and reproducible runs.
func WithRand(intn func(n int) int) Option {
	return func(p *Proxy) error {
		p.intn = intn
		return nil
	}
}
