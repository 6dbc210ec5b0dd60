package environment_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"protoeval/internal/common/cache"
	"protoeval/internal/evaluate/environment"
	"protoeval/internal/evaluate/executor"
	appErr "protoeval/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRegistryResolve(t *testing.T) {
	registry := environment.NewDefaultRegistry()

	d, err := registry.Resolve("8.7.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if d.Name != "opentrons-8.7.0" || d.PythonVersion != "3.10" || d.InstallSpecs[0] != "opentrons==8.7.0" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	next, err := registry.Resolve(environment.NextVersion)
	if err != nil {
		t.Fatalf("resolve next failed: %v", err)
	}
	if next.Name != "opentrons-next" || !strings.Contains(next.InstallSpecs[0], "a") {
		t.Fatalf("next should point at a pre-release: %+v", next)
	}

	_, err = registry.Resolve("7.0.0")
	if !appErr.Is(err, appErr.UnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unsupported robot server version: 7.0.0") || !strings.Contains(err.Error(), "8.0.0, 8.2.0") {
		t.Fatalf("unexpected message: %s", err.Error())
	}

	versions := registry.Versions()
	if versions[0] != "8.0.0" || versions[len(versions)-1] != environment.NextVersion {
		t.Fatalf("unexpected version order: %v", versions)
	}
	levels := registry.ProtocolAPILevels()
	if levels[0] != "2.20" || levels[len(levels)-1] != "2.27" {
		t.Fatalf("unexpected api levels: %v", levels)
	}
	if registry.ProtocolAPIVersions()["2.27"] != environment.NextVersion {
		t.Fatalf("2.27 should map to next")
	}
}

func TestResolveReturnsCopies(t *testing.T) {
	registry := environment.NewDefaultRegistry()
	d, _ := registry.Resolve("8.0.0")
	d.InstallSpecs[0] = "mutated"
	again, _ := registry.Resolve("8.0.0")
	if again.InstallSpecs[0] != "opentrons==8.0.0" {
		t.Fatalf("registry table was mutated through a descriptor")
	}
}

func TestNewRegistryValidation(t *testing.T) {
	next := environment.Descriptor{Version: "next", InstallSpecs: []string{"pkg==2.0a1"}}
	cases := []struct {
		name        string
		descriptors []environment.Descriptor
		api         map[string]string
	}{
		{name: "empty"},
		{name: "no next", descriptors: []environment.Descriptor{{Version: "1.0", InstallSpecs: []string{"pkg==1.0"}}}},
		{name: "two next", descriptors: []environment.Descriptor{next, {Version: "next", Name: "other", InstallSpecs: []string{"x"}}}},
		{name: "duplicate", descriptors: []environment.Descriptor{next, {Version: "1.0", InstallSpecs: []string{"a"}}, {Version: "1.0", Name: "b", InstallSpecs: []string{"b"}}}},
		{name: "no specs", descriptors: []environment.Descriptor{next, {Version: "1.0"}}},
		{name: "bad name", descriptors: []environment.Descriptor{next, {Version: "1.0", Name: "../x", InstallSpecs: []string{"a"}}}},
		{name: "unknown api target", descriptors: []environment.Descriptor{next}, api: map[string]string{"2.0": "9.9.9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := environment.NewRegistry(tc.descriptors, tc.api); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	content := `environments:
  - version: "9.0.0"
    pythonVersion: "3.12"
    installSpecs: ["pip-tools", "opentrons==9.0.0"]
  - version: next
    installSpecs: ["opentrons==9.1.0a1"]
protocolApiVersions:
  "2.30": "9.0.0"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write table failed: %v", err)
	}
	registry, err := environment.LoadRegistryFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	d, err := registry.Resolve("9.0.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if d.Name != "opentrons-9.0.0" || len(d.InstallSpecs) != 2 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if registry.Supports("8.7.0") {
		t.Fatalf("file table should replace the default table")
	}
}

// fakeRunner pretends to be python: "-m venv <dir>" creates the interpreter,
// pip installs succeed unless configured otherwise.
type fakeRunner struct {
	mu          sync.Mutex
	calls       []executor.Command
	failSpec    string
	timeoutSpec string
	delay       time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(cmd.Args) == 3 && cmd.Args[1] == "venv" {
		python := interpreterIn(cmd.Args[2])
		if err := os.MkdirAll(filepath.Dir(python), 0o755); err != nil {
			return executor.Result{ExitCode: 1, Stderr: []byte(err.Error())}, nil
		}
		if err := os.WriteFile(python, []byte("#!/bin/sh\n"), 0o755); err != nil {
			return executor.Result{ExitCode: 1, Stderr: []byte(err.Error())}, nil
		}
		return executor.Result{}, nil
	}
	spec := cmd.Args[len(cmd.Args)-1]
	if spec == f.timeoutSpec {
		return executor.Result{ExitCode: -1, TimedOut: true}, appErr.New(appErr.ExternalToolTimeout)
	}
	if spec == f.failSpec {
		return executor.Result{ExitCode: 1, Stderr: []byte("No matching distribution found")}, nil
	}
	return executor.Result{}, nil
}

func (f *fakeRunner) venvCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if len(call.Args) == 3 && call.Args[1] == "venv" {
			count++
		}
	}
	return count
}

func (f *fakeRunner) installedSpecs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var specs []string
	for _, call := range f.calls {
		if len(call.Args) > 2 && call.Args[1] == "pip" {
			specs = append(specs, call.Args[len(call.Args)-1])
		}
	}
	return specs
}

func interpreterIn(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, "bin", "python")
}

func newProvisioner(t *testing.T, runner executor.Runner, lock cache.LockOps) *environment.Provisioner {
	t.Helper()
	p, err := environment.NewProvisioner(environment.ProvisionerConfig{
		VenvRoot:     filepath.Join(t.TempDir(), "venvs"),
		BasePython:   "/usr/bin/python3",
		LockWait:     2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, runner, lock)
	if err != nil {
		t.Fatalf("create provisioner failed: %v", err)
	}
	return p
}

var testDescriptor = environment.Descriptor{
	Version:       "8.7.0",
	PythonVersion: "3.10",
	Name:          "opentrons-8.7.0",
	InstallSpecs:  []string{"setuptools<70", "opentrons==8.7.0"},
}

func TestEnsureReadyInstallsOnce(t *testing.T) {
	runner := &fakeRunner{}
	p := newProvisioner(t, runner, nil)
	ctx := context.Background()

	first, err := p.EnsureReady(ctx, testDescriptor)
	if err != nil {
		t.Fatalf("first provision failed: %v", err)
	}
	second, err := p.EnsureReady(ctx, testDescriptor)
	if err != nil {
		t.Fatalf("second provision failed: %v", err)
	}
	if first != second || first != p.PythonPath(testDescriptor) {
		t.Fatalf("expected same interpreter path, got %s and %s", first, second)
	}
	if runner.venvCalls() != 1 {
		t.Fatalf("expected one venv creation, got %d", runner.venvCalls())
	}
	specs := runner.installedSpecs()
	want := []string{"pip", "setuptools<70", "opentrons==8.7.0"}
	if strings.Join(specs, "|") != strings.Join(want, "|") {
		t.Fatalf("expected installs %v in order, got %v", want, specs)
	}
}

func TestEnsureReadyConcurrentCallersShareOneBuild(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	p := newProvisioner(t, runner, cache.NewLocalLocker())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EnsureReady(context.Background(), testDescriptor)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent provision failed: %v", err)
		}
	}
	if runner.venvCalls() != 1 {
		t.Fatalf("expected exactly one build, got %d", runner.venvCalls())
	}
}

func TestEnsureReadyFailureNamesSpecAndRetriesFromScratch(t *testing.T) {
	runner := &fakeRunner{failSpec: "opentrons==8.7.0"}
	p := newProvisioner(t, runner, nil)
	ctx := context.Background()

	_, err := p.EnsureReady(ctx, testDescriptor)
	if !appErr.Is(err, appErr.ProvisioningFailed) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if !strings.Contains(err.Error(), "opentrons==8.7.0") {
		t.Fatalf("error should name the failing spec: %s", err.Error())
	}
	if p.IsReady(testDescriptor) {
		t.Fatalf("failed environment must not look ready")
	}
	if _, statErr := os.Stat(p.EnvDir(testDescriptor)); statErr != nil {
		t.Fatalf("expected leftover directory to exist: %v", statErr)
	}

	runner.failSpec = ""
	if _, err := p.EnsureReady(ctx, testDescriptor); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if runner.venvCalls() != 2 {
		t.Fatalf("expected rebuild from scratch, got %d venv creations", runner.venvCalls())
	}
}

func TestEnsureReadyInstallTimeout(t *testing.T) {
	runner := &fakeRunner{timeoutSpec: "setuptools<70"}
	p := newProvisioner(t, runner, nil)

	_, err := p.EnsureReady(context.Background(), testDescriptor)
	if !appErr.Is(err, appErr.ProvisioningFailed) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out for 'setuptools<70'") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	for _, spec := range runner.installedSpecs() {
		if spec == "opentrons==8.7.0" {
			t.Fatalf("later specs must not run after a failure")
		}
	}
}

func TestEnsureReadyWaitsForOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	locker, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("create redis locker failed: %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })

	runner := &fakeRunner{}
	p := newProvisioner(t, runner, locker)
	ctx := context.Background()

	// another processor holds the build lock
	ok, err := locker.TryLock(ctx, "evaluate:env:lock:"+testDescriptor.Name, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-lock failed: ok=%v err=%v", ok, err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		python := p.PythonPath(testDescriptor)
		_ = os.MkdirAll(filepath.Dir(python), 0o755)
		_ = os.WriteFile(python, []byte("#!/bin/sh\n"), 0o755)
		time.Sleep(50 * time.Millisecond)
		marker := filepath.Join(p.EnvDir(testDescriptor), environment.ReadyMarker)
		_ = os.WriteFile(marker, []byte("opentrons==8.7.0\n"), 0o644)
	}()

	path, err := p.EnsureReady(ctx, testDescriptor)
	if err != nil {
		t.Fatalf("waiting provision failed: %v", err)
	}
	if path != p.PythonPath(testDescriptor) {
		t.Fatalf("unexpected path %s", path)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("waiter must not run any install step, got %d calls", len(runner.calls))
	}
}

func TestEnsureReadyGivesUpWaiting(t *testing.T) {
	locker := cache.NewLocalLocker()
	p := newProvisioner(t, &fakeRunner{}, locker)
	ctx := context.Background()
	_, _ = locker.TryLock(ctx, "evaluate:env:lock:"+testDescriptor.Name, time.Minute)

	_, err := p.EnsureReady(ctx, testDescriptor)
	if !appErr.Is(err, appErr.ProvisioningFailed) {
		t.Fatalf("expected provisioning timeout, got %v", err)
	}
}

type countingLocker struct {
	*cache.LocalLocker
	mu      sync.Mutex
	extends int
}

func (c *countingLocker) ExtendLock(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	c.extends++
	c.mu.Unlock()
	return c.LocalLocker.ExtendLock(ctx, key, ttl)
}

func TestEnsureReadyRenewsLockDuringSlowBuild(t *testing.T) {
	locker := &countingLocker{LocalLocker: cache.NewLocalLocker()}
	p, err := environment.NewProvisioner(environment.ProvisionerConfig{
		VenvRoot:   filepath.Join(t.TempDir(), "venvs"),
		BasePython: "/usr/bin/python3",
		LockTTL:    30 * time.Millisecond,
	}, &fakeRunner{delay: 40 * time.Millisecond}, locker)
	if err != nil {
		t.Fatalf("create provisioner failed: %v", err)
	}

	if _, err := p.EnsureReady(context.Background(), testDescriptor); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	locker.mu.Lock()
	extends := locker.extends
	locker.mu.Unlock()
	if extends == 0 {
		t.Fatalf("expected the lock lease to be renewed during the build")
	}
	ok, _ := locker.TryLock(context.Background(), "evaluate:env:lock:"+testDescriptor.Name, time.Minute)
	if !ok {
		t.Fatalf("lock should be released after provisioning")
	}
}

// blockingRunner parks the install of one spec until released.
type blockingRunner struct {
	*fakeRunner
	blockSpec string
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (b *blockingRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	if cmd.Args[len(cmd.Args)-1] == b.blockSpec {
		b.once.Do(func() { close(b.started) })
		<-b.release
	}
	return b.fakeRunner.Run(ctx, cmd)
}

func TestEnsureReadyNotReadyWhileInstalling(t *testing.T) {
	runner := &blockingRunner{
		fakeRunner: &fakeRunner{},
		blockSpec:  "opentrons==8.7.0",
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	locker := cache.NewLocalLocker()
	cfg := environment.ProvisionerConfig{
		VenvRoot:     filepath.Join(t.TempDir(), "venvs"),
		BasePython:   "/usr/bin/python3",
		LockWait:     5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	builder, err := environment.NewProvisioner(cfg, runner, locker)
	if err != nil {
		t.Fatalf("create provisioner failed: %v", err)
	}
	// a second processor sharing the venv root and the lock
	other, err := environment.NewProvisioner(cfg, runner, locker)
	if err != nil {
		t.Fatalf("create second provisioner failed: %v", err)
	}

	ctx := context.Background()
	errs := make(chan error, 3)
	ensure := func(p *environment.Provisioner) {
		_, err := p.EnsureReady(ctx, testDescriptor)
		errs <- err
	}
	go ensure(builder)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("install never started")
	}

	if !isRegular(builder.PythonPath(testDescriptor)) {
		t.Fatalf("interpreter should exist mid-install")
	}
	if builder.IsReady(testDescriptor) || other.IsReady(testDescriptor) {
		t.Fatalf("environment must not be ready while packages are installing")
	}
	go ensure(builder)
	go ensure(other)
	select {
	case err := <-errs:
		close(runner.release)
		t.Fatalf("EnsureReady returned mid-install: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("provision failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("caller %d never returned", i)
		}
	}
	if !other.IsReady(testDescriptor) {
		t.Fatalf("environment should be ready after the build")
	}
	if runner.venvCalls() != 1 {
		t.Fatalf("expected one build, got %d", runner.venvCalls())
	}
}

func TestEnsureReadyRebuildsWithoutMarker(t *testing.T) {
	runner := &fakeRunner{}
	p := newProvisioner(t, runner, nil)
	python := p.PythonPath(testDescriptor)
	if err := os.MkdirAll(filepath.Dir(python), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(python, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write interpreter failed: %v", err)
	}

	if _, err := p.EnsureReady(context.Background(), testDescriptor); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if runner.venvCalls() != 1 {
		t.Fatalf("an interpreter without the ready marker must be rebuilt")
	}
	data, err := os.ReadFile(filepath.Join(p.EnvDir(testDescriptor), environment.ReadyMarker))
	if err != nil || !strings.Contains(string(data), "opentrons==8.7.0") {
		t.Fatalf("unexpected ready marker %q: %v", data, err)
	}
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
