package environment

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"protoeval/internal/common/cache"
	"protoeval/internal/evaluate/executor"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/syncx"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix  = "evaluate:env:lock:"
	pipUpgradeStep = "--upgrade pip"

	// ReadyMarker is written into the environment dir after the last install succeeds.
	ReadyMarker = ".ready"
)

// ProvisionerConfig controls where environments live and how long each step may take.
type ProvisionerConfig struct {
	VenvRoot          string        `yaml:"venvRoot"`
	BasePython        string        `yaml:"basePython"`
	ProjectDir        string        `yaml:"projectDir"`
	CreateTimeout     time.Duration `yaml:"createTimeout"`
	PipUpgradeTimeout time.Duration `yaml:"pipUpgradeTimeout"`
	InstallTimeout    time.Duration `yaml:"installTimeout"`
	LockTTL           time.Duration `yaml:"lockTTL"`
	LockWait          time.Duration `yaml:"lockWait"`
	PollInterval      time.Duration `yaml:"pollInterval"`
}

func (c *ProvisionerConfig) applyDefaults() {
	if c.VenvRoot == "" {
		c.VenvRoot = ".venvs"
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 120 * time.Second
	}
	if c.PipUpgradeTimeout <= 0 {
		c.PipUpgradeTimeout = 120 * time.Second
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 600 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Provisioner builds isolated interpreter environments on demand.
// An environment is ready once both the interpreter and ReadyMarker exist;
// anything else is a build in progress or an interrupted one.
type Provisioner struct {
	cfg      ProvisionerConfig
	runner   executor.Runner
	lock     cache.LockOps
	group    syncx.SingleFlight
	lookPath func(string) (string, error)
}

// NewProvisioner creates a provisioner. lock may be nil when a single
// processor owns the venv root.
func NewProvisioner(cfg ProvisionerConfig, runner executor.Runner, lock cache.LockOps) (*Provisioner, error) {
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	cfg.applyDefaults()
	if abs, err := filepath.Abs(cfg.VenvRoot); err == nil {
		cfg.VenvRoot = abs
	}
	if err := os.MkdirAll(cfg.VenvRoot, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create venv root failed")
	}
	return &Provisioner{
		cfg:      cfg,
		runner:   runner,
		lock:     lock,
		group:    syncx.NewSingleFlight(),
		lookPath: exec.LookPath,
	}, nil
}

// EnvDir returns the directory for a descriptor.
func (p *Provisioner) EnvDir(d Descriptor) string {
	return filepath.Join(p.cfg.VenvRoot, d.Name)
}

// PythonPath returns the interpreter path inside the environment.
func (p *Provisioner) PythonPath(d Descriptor) string {
	return pythonBin(p.EnvDir(d))
}

// IsReady reports whether the environment finished installing.
func (p *Provisioner) IsReady(d Descriptor) bool {
	return isFile(p.PythonPath(d)) && isFile(p.markerPath(d))
}

func (p *Provisioner) markerPath(d Descriptor) string {
	return filepath.Join(p.EnvDir(d), ReadyMarker)
}

// EnsureReady returns the interpreter path, provisioning the environment first when needed.
func (p *Provisioner) EnsureReady(ctx context.Context, d Descriptor) (string, error) {
	if d.Name == "" {
		return "", appErr.ValidationError("environment", "descriptor name is required")
	}
	python := p.PythonPath(d)
	if p.IsReady(d) {
		return python, nil
	}
	_, err := p.group.Do(d.Name, func() (interface{}, error) {
		return nil, p.provisionExclusive(ctx, d)
	})
	if err != nil {
		return "", err
	}
	return python, nil
}

func (p *Provisioner) provisionExclusive(ctx context.Context, d Descriptor) error {
	if p.lock == nil {
		if p.IsReady(d) {
			return nil
		}
		return p.provision(ctx, d)
	}
	lockKey := lockKeyPrefix + d.Name
	deadline := time.Now().Add(p.cfg.LockWait)
	waiting := false
	for {
		locked, err := p.lock.TryLock(ctx, lockKey, p.cfg.LockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire environment lock failed")
		}
		if locked {
			return p.provisionLocked(ctx, d, lockKey)
		}
		if p.IsReady(d) {
			return nil
		}
		if !waiting {
			waiting = true
			logger.Info(ctx, "waiting for environment provisioned elsewhere", zap.String("env", d.Name))
		}
		if time.Now().After(deadline) {
			return appErr.Newf(appErr.ProvisioningFailed, "timed out waiting for environment %s", d.Name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Provisioner) provisionLocked(ctx context.Context, d Descriptor, lockKey string) error {
	stopLease := p.keepLease(ctx, lockKey, d.Name)
	defer func() {
		stopLease()
		_ = p.lock.Unlock(context.WithoutCancel(ctx), lockKey)
	}()

	if p.IsReady(d) {
		return nil
	}
	return p.provision(ctx, d)
}

// keepLease renews the build lock at a third of its TTL until the returned
// stop function is called, so a slow install does not outlive its lease.
func (p *Provisioner) keepLease(ctx context.Context, key, env string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := max(p.cfg.LockTTL/3, time.Millisecond)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.lock.ExtendLock(ctx, key, p.cfg.LockTTL); err != nil && ctx.Err() == nil {
					logger.Warn(ctx, "extend environment lock failed", zap.String("env", env), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// provision rebuilds the environment from scratch. Callers hold exclusivity.
func (p *Provisioner) provision(ctx context.Context, d Descriptor) (err error) {
	dir := p.EnvDir(d)
	python := pythonBin(dir)
	start := time.Now()
	defer func() {
		if err != nil {
			// leave the directory unready so the next attempt starts over
			_ = os.Remove(p.markerPath(d))
			_ = os.Remove(python)
			logger.Error(ctx, "environment provisioning failed",
				zap.String("env", d.Name), zap.Error(err))
			return
		}
		logger.Info(ctx, "environment provisioned",
			zap.String("env", d.Name), zap.Duration("elapsed", time.Since(start)))
	}()

	if err := os.RemoveAll(dir); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailed, "cleanup environment dir failed: %v", err)
	}
	base, err := p.basePython()
	if err != nil {
		return err
	}

	logger.Info(ctx, "creating environment", zap.String("env", d.Name), zap.String("base_python", base))
	result, err := p.runner.Run(ctx, executor.Command{
		Path:    base,
		Args:    []string{"-m", "venv", dir},
		Timeout: p.cfg.CreateTimeout,
	})
	if err != nil || result.ExitCode != 0 {
		return appErr.Newf(appErr.ProvisioningFailed, "Failed to create virtual environment: %s", failureDetail(result, err))
	}
	if !isFile(python) {
		return appErr.Newf(appErr.ProvisioningFailed, "Failed to create virtual environment: interpreter missing at %s", python)
	}

	if err := p.install(ctx, python, pipUpgradeStep, []string{"-m", "pip", "install", "--upgrade", "pip"}, p.cfg.PipUpgradeTimeout); err != nil {
		return err
	}
	for _, spec := range d.InstallSpecs {
		if err := p.install(ctx, python, spec, []string{"-m", "pip", "install", "--timeout=300", spec}, p.cfg.InstallTimeout); err != nil {
			return err
		}
	}
	marker := strings.Join(d.InstallSpecs, "\n") + "\n"
	if err := os.WriteFile(p.markerPath(d), []byte(marker), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailed, "write ready marker failed")
	}
	return nil
}

func (p *Provisioner) install(ctx context.Context, python, spec string, args []string, timeout time.Duration) error {
	logger.Info(ctx, "installing package", zap.String("spec", spec))
	result, err := p.runner.Run(ctx, executor.Command{Path: python, Args: args, Timeout: timeout})
	if appErr.Is(err, appErr.ExternalToolTimeout) {
		return appErr.Newf(appErr.ProvisioningFailed,
			"Package installation timed out for '%s'. This often happens with git-based installs.", spec).
			WithDetail("spec", spec)
	}
	if err != nil || result.ExitCode != 0 {
		return appErr.Newf(appErr.ProvisioningFailed, "Failed to install packages '%s': %s", spec, failureDetail(result, err)).
			WithDetail("spec", spec)
	}
	return nil
}

// basePython prefers the configured interpreter, then a project-local managed
// environment, then the host interpreter on PATH.
func (p *Provisioner) basePython() (string, error) {
	if p.cfg.BasePython != "" {
		return p.cfg.BasePython, nil
	}
	projectDir := p.cfg.ProjectDir
	if projectDir == "" {
		projectDir = "."
	}
	if local := pythonBin(filepath.Join(projectDir, ".venv")); isFile(local) {
		if abs, err := filepath.Abs(local); err == nil {
			return abs, nil
		}
		return local, nil
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := p.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", appErr.New(appErr.ProvisioningFailed).WithMessage("no base python interpreter found")
}

func failureDetail(result executor.Result, err error) string {
	if stderr := strings.TrimSpace(string(result.Stderr)); stderr != "" {
		return stderr
	}
	if err != nil {
		return err.Error()
	}
	return "exit code " + strconv.Itoa(result.ExitCode)
}

func pythonBin(envDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe")
	}
	return filepath.Join(envDir, "bin", "python")
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
