package locate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/flumeproject/flume/internal/proc"
)

// EngineName is the bare engine binary name resolved from PATH.
const EngineName = "flumeng"

// DefaultProbeTimeout bounds each discovery subprocess. Probes past it
// are abandoned, not waited on.
const DefaultProbeTimeout = 5 * time.Second

// ErrNotFound is returned when no usable engine binary can be located.
var ErrNotFound = errors.New("engine executable not found")

// Location describes a located engine binary.
type Location struct {
	Path       string
	RawVersion string
	Version    Version
	InPath     bool
}

// Option configures Locator construction.
type Option func(*Locator)

// WithRunner injects the probe command runner.
func WithRunner(runner proc.Runner) Option {
	return func(l *Locator) {
		if runner == nil {
			return
		}
		l.runner = runner
	}
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(l *Locator) {
		if timeout <= 0 {
			return
		}
		l.timeout = timeout
	}
}

// WithEngineName overrides the binary name resolved from PATH.
func WithEngineName(name string) Option {
	return func(l *Locator) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		l.name = name
	}
}

// Locator finds the engine binary either from an explicit configured
// path or from the system PATH via a version probe.
type Locator struct {
	runner  proc.Runner
	timeout time.Duration
	name    string
	stat    func(string) (os.FileInfo, error)
}

// New builds a locator with os/exec probing.
func New(options ...Option) *Locator {
	locator := &Locator{
		runner:  &proc.ExecRunner{},
		timeout: DefaultProbeTimeout,
		name:    platformBinaryName(EngineName),
		stat:    os.Stat,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(locator)
	}
	return locator
}

// Locate resolves the engine binary. A non-empty configured path is used
// verbatim with no PATH fallback; if it does not point at an executable
// file, Locate fails outright. Otherwise the bare binary name is probed
// with --version and resolved to an absolute path. Every probe failure
// is reported as not-found rather than an I/O error.
func (l *Locator) Locate(ctx context.Context, configured string) (Location, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	configured = strings.TrimSpace(configured)
	if configured != "" {
		info, err := l.stat(configured)
		if err != nil || info.IsDir() || !isExecutable(info) {
			return Location{}, fmt.Errorf("%w: configured path %q is not an executable file", ErrNotFound, configured)
		}
		location := Location{Path: configured}
		location.RawVersion, location.Version = l.probeVersion(ctx, configured)
		return location, nil
	}

	raw, version, ok := l.probeVersionOK(ctx, l.name)
	if !ok {
		return Location{}, fmt.Errorf("%w: %s not on PATH", ErrNotFound, l.name)
	}

	location := Location{
		Path:       l.name,
		RawVersion: raw,
		Version:    version,
		InPath:     true,
	}
	if absolute := l.resolveAbsolute(ctx, l.name); absolute != "" {
		location.Path = absolute
	}
	return location, nil
}

// probeVersion runs --version best-effort; a failed probe leaves the
// version zero without failing the location.
func (l *Locator) probeVersion(ctx context.Context, path string) (string, Version) {
	raw, version, _ := l.probeVersionOK(ctx, path)
	return raw, version
}

func (l *Locator) probeVersionOK(ctx context.Context, path string) (string, Version, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	result, err := l.runner.Run(probeCtx, path, "--version")
	if err != nil || result.ExitCode != 0 {
		return "", Version{}, false
	}
	raw := strings.TrimSpace(result.Stdout)
	version, _ := ParseVersion(raw)
	return raw, version, true
}

// resolveAbsolute shells out to which/where to turn a bare name into an
// absolute path. Failure is tolerated; the bare name still launches.
func (l *Locator) resolveAbsolute(ctx context.Context, name string) string {
	probeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tool := "which"
	if runtime.GOOS == "windows" {
		tool = "where"
	}
	result, err := l.runner.Run(probeCtx, tool, name)
	if err != nil || result.ExitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// isExecutable checks the mode bits on platforms that have them.
// Windows has no execute bit, so any regular file passes there.
func isExecutable(info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

func platformBinaryName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}
