package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultWaitDelay = 5 * time.Second

// Command is one external process invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Result captures everything observed about a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Started  time.Time
	Finished time.Time
	TimedOut bool
}

// Duration is the wall time between start and exit.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Runner runs a command to completion. A non-zero exit is reported through
// Result.ExitCode, not as an error. Errors mean the process could not be
// started (ExternalToolError) or was killed at its timeout (ExternalToolTimeout).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ProcessRunner runs commands as child processes in their own process group.
type ProcessRunner struct {
	waitDelay time.Duration
}

// NewProcessRunner creates a runner. waitDelay bounds how long output pipes
// are drained after the process is killed.
func NewProcessRunner(waitDelay time.Duration) *ProcessRunner {
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	return &ProcessRunner{waitDelay: waitDelay}
}

// Run starts the command and waits for it.
func (r *ProcessRunner) Run(ctx context.Context, command Command) (Result, error) {
	if command.Path == "" {
		return Result{}, appErr.New(appErr.ExternalToolError).WithMessage("command path is required")
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.SysProcAttr = newProcAttr()
	cmd.WaitDelay = r.waitDelay

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := Result{Started: time.Now()}
	if err := cmd.Start(); err != nil {
		result.Finished = time.Now()
		result.ExitCode = -1
		return result, appErr.Wrapf(err, appErr.ExternalToolError, "failed to start %s: %v", command.Path, err)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if command.Timeout > 0 {
			timer := time.NewTimer(command.Timeout)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	result.Finished = time.Now()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	result.ExitCode = exitCodeFromErr(waitErr, cmd.ProcessState)
	result.TimedOut = timedOut.Load()

	if result.TimedOut {
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		logger.Warn(ctx, "external tool timed out",
			zap.String("command", command.Path),
			zap.Duration("timeout", command.Timeout),
		)
		return result, appErr.Newf(appErr.ExternalToolTimeout, "timed out after %d seconds", int(command.Timeout/time.Second))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, appErr.Wrapf(ctxErr, appErr.ExternalToolError, "%s interrupted: %v", command.Path, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return result, appErr.Wrapf(waitErr, appErr.ExternalToolError, "wait for %s failed: %v", command.Path, waitErr)
		}
	}
	return result, nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
