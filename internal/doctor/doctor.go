package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flumeproject/flume/internal/config"
	"github.com/flumeproject/flume/internal/locate"
)

// Check statuses, ordered by severity.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Check names reported in diagnostics.
const (
	CheckEngine     = "engine"
	CheckVersion    = "version"
	CheckWorkingDir = "working_dir"
	CheckLogDir     = "log_dir"
)

// CheckResult is one diagnostic outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Report captures a full diagnostic pass.
type Report struct {
	Results     []CheckResult `json:"results"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Healthy reports whether no check failed. Warnings do not count as
// unhealthy.
func (r Report) Healthy() bool {
	for _, result := range r.Results {
		if result.Status == StatusFail {
			return false
		}
	}
	return true
}

// EngineLocator resolves the engine binary for the engine check.
type EngineLocator interface {
	Locate(ctx context.Context, configured string) (locate.Location, error)
}

// Manager executes deterministic environment checks.
type Manager struct {
	locator EngineLocator
	cfg     *config.Config
	now     func() time.Time
	homeDir func() (string, error)
}

// NewManager builds a doctor manager over the given locator and config.
func NewManager(locator EngineLocator, cfg *config.Config) (*Manager, error) {
	if locator == nil {
		return nil, errors.New("engine locator is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &Manager{
		locator: locator,
		cfg:     cfg,
		now:     time.Now,
		homeDir: os.UserHomeDir,
	}, nil
}

// RunOnce executes one diagnostic pass. Individual check failures are
// reported in the result rows, not as an error.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}

	report := Report{GeneratedAt: m.now().UTC()}

	location, engineResult := m.checkEngine(ctx)
	report.Results = append(report.Results, engineResult)
	report.Results = append(report.Results, checkVersion(location, engineResult.Status))
	report.Results = append(report.Results, m.checkWorkingDir())
	report.Results = append(report.Results, m.checkLogDir())

	return report, nil
}

func (m *Manager) checkEngine(ctx context.Context) (locate.Location, CheckResult) {
	location, err := m.locator.Locate(ctx, m.cfg.EnginePath)
	if err != nil {
		detail := fmt.Sprintf("engine not found: %v", err)
		if m.cfg.EnginePath != "" {
			detail = fmt.Sprintf("configured engine path %q unusable: %v", m.cfg.EnginePath, err)
		}
		return locate.Location{}, CheckResult{Name: CheckEngine, Status: StatusFail, Detail: detail}
	}

	detail := location.Path
	if location.InPath {
		detail += " (from PATH)"
	}
	return location, CheckResult{Name: CheckEngine, Status: StatusOK, Detail: detail}
}

func checkVersion(location locate.Location, engineStatus string) CheckResult {
	if engineStatus != StatusOK {
		return CheckResult{Name: CheckVersion, Status: StatusFail, Detail: "engine unavailable, version unknown"}
	}
	if strings.TrimSpace(location.RawVersion) == "" {
		return CheckResult{Name: CheckVersion, Status: StatusWarn, Detail: "version probe produced no output"}
	}

	version := location.Version
	if !version.AtLeast(locate.MinSupportedVersion) {
		return CheckResult{
			Name:   CheckVersion,
			Status: StatusFail,
			Detail: fmt.Sprintf("engine %s is older than minimum supported %s", version, locate.MinSupportedVersion),
		}
	}
	if version.Compare(locate.MaxTestedVersion) > 0 {
		return CheckResult{
			Name:   CheckVersion,
			Status: StatusWarn,
			Detail: fmt.Sprintf("engine %s is newer than latest tested %s", version, locate.MaxTestedVersion),
		}
	}
	return CheckResult{Name: CheckVersion, Status: StatusOK, Detail: version.String()}
}

func (m *Manager) checkWorkingDir() CheckResult {
	dir := strings.TrimSpace(m.cfg.WorkingDir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return CheckResult{Name: CheckWorkingDir, Status: StatusFail, Detail: fmt.Sprintf("resolve working directory: %v", err)}
		}
		dir = cwd
	}

	info, err := os.Stat(dir)
	if err != nil {
		return CheckResult{Name: CheckWorkingDir, Status: StatusFail, Detail: fmt.Sprintf("stat %q: %v", dir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: CheckWorkingDir, Status: StatusFail, Detail: fmt.Sprintf("%q is not a directory", dir)}
	}
	if err := probeWritable(dir); err != nil {
		return CheckResult{Name: CheckWorkingDir, Status: StatusFail, Detail: fmt.Sprintf("%q is not writable: %v", dir, err)}
	}
	return CheckResult{Name: CheckWorkingDir, Status: StatusOK, Detail: dir}
}

func (m *Manager) checkLogDir() CheckResult {
	home, err := m.homeDir()
	if err != nil {
		return CheckResult{Name: CheckLogDir, Status: StatusFail, Detail: fmt.Sprintf("resolve home directory: %v", err)}
	}
	logDir := filepath.Join(home, ".flume", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return CheckResult{Name: CheckLogDir, Status: StatusFail, Detail: fmt.Sprintf("create %q: %v", logDir, err)}
	}
	if err := probeWritable(logDir); err != nil {
		return CheckResult{Name: CheckLogDir, Status: StatusFail, Detail: fmt.Sprintf("%q is not writable: %v", logDir, err)}
	}
	return CheckResult{Name: CheckLogDir, Status: StatusOK, Detail: logDir}
}

func probeWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".flume-doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
