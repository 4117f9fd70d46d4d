// Package artexec spawns, supervises, and times the unprivileged child
// tools. Children run in their own process group through the art_exec
// wrapper, which drops capabilities, closes all but the declared file
// descriptors, and applies the scheduling class before exec'ing the
// tool.
package artexec

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// Status classifies how a child terminated.
type Status int

const (
	// StatusExited means the child exited on its own; ExitCode is
	// meaningful.
	StatusExited Status = iota
	// StatusSignaled means the child was killed by a signal other than
	// a cancellation; Signal is meaningful.
	StatusSignaled
	// StatusCancelled means the child was killed (or never started)
	// because the cancellation signal fired.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusExited:
		return "exited"
	case StatusSignaled:
		return "signaled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExecResult is the outcome of one child execution.
type ExecResult struct {
	Status   Status
	ExitCode int
	Signal   syscall.Signal
}

// ProcessStat carries kernel accounting of the child. Fields the
// kernel could not report stay zero.
type ProcessStat struct {
	WallTimeMs int64
	CPUTimeMs  int64
}

// Callbacks observe the child's lifecycle. OnStart runs after the
// child exists and before any wait; OnEnd runs exactly once after the
// child is reaped, on every termination path.
type Callbacks struct {
	OnStart func(pid int)
	OnEnd   func(pid int)
}

// RunOptions configures one execution.
type RunOptions struct {
	// Cancel, when set, is consulted before start and armed with the
	// child's process group for the child's lifetime.
	Cancel *CancellationSignal
	// Callbacks observe start and reap.
	Callbacks Callbacks
	// Stat, when set, receives wall and CPU accounting.
	Stat *ProcessStat
	// ExtraFiles are passed to the child as fds 3, 4, ... in order.
	ExtraFiles []*os.File
	// Env replaces the child environment when non-nil.
	Env []string
	// Stdout and Stderr capture child output when set.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner is the execution seam; tests substitute a stub that fakes
// child tool behavior.
type Runner interface {
	Run(ctx context.Context, argv []string, opts *RunOptions) (*ExecResult, error)
}

// Executor runs children through the platform seam.
type Executor struct {
	plat   platform.Platform
	logger *logger.Logger
}

func NewExecutor(plat platform.Platform) *Executor {
	return &Executor{
		plat:   plat,
		logger: logger.WithField("component", "executor"),
	}
}

// Run starts argv in its own process group and blocks until the child
// is reaped. A fired cancellation signal prevents the start entirely.
// The executor applies no timeout of its own; callers bound long runs
// through cancellation.
func (e *Executor) Run(ctx context.Context, argv []string, opts *RunOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.NewInvalidArgument("empty argv")
	}
	if opts == nil {
		opts = &RunOptions{}
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled(err)
	}
	if opts.Cancel != nil && opts.Cancel.IsFired() {
		e.logger.Debug("cancellation fired before start", "tool", argv[0])
		return &ExecResult{Status: StatusCancelled}, nil
	}

	cmd := e.plat.CreateCommand(argv[0], argv[1:]...)
	cmd.SetSysProcAttr(e.plat.CreateProcessGroup())
	if len(opts.ExtraFiles) > 0 {
		cmd.SetExtraFiles(opts.ExtraFiles)
	}
	if opts.Env != nil {
		cmd.SetEnv(opts.Env)
	}
	if opts.Stdout != nil {
		cmd.SetStdout(opts.Stdout)
	}
	if opts.Stderr != nil {
		cmd.SetStderr(opts.Stderr)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.WrapPathError(argv[0], "start", err)
	}

	pid := cmd.Process().Pid()
	log := e.logger.WithFields("tool", argv[0], "pid", pid)
	log.Debug("child started")

	if opts.Callbacks.OnStart != nil {
		opts.Callbacks.OnStart(pid)
	}

	// The child is its own group leader, so pgid == pid. Attaching
	// after a concurrent fire kills the fresh group immediately; the
	// wait below then reaps the SIGKILL.
	if opts.Cancel != nil {
		opts.Cancel.attach(pid)
		defer opts.Cancel.detach(pid)
	}

	waitErr := cmd.Wait()

	if opts.Callbacks.OnEnd != nil {
		opts.Callbacks.OnEnd(pid)
	}

	state := cmd.ProcessState()
	if state == nil {
		return nil, errors.WrapPathError(argv[0], "wait", waitErr)
	}

	if opts.Stat != nil {
		opts.Stat.WallTimeMs = time.Since(start).Milliseconds()
		opts.Stat.CPUTimeMs = (state.UserTime() + state.SystemTime()).Milliseconds()
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return nil, errors.NewServiceFailure("unexpected wait status type %T", state.Sys())
	}

	switch {
	case ws.Exited():
		log.Debug("child exited", "code", ws.ExitStatus())
		return &ExecResult{Status: StatusExited, ExitCode: ws.ExitStatus()}, nil
	case ws.Signaled():
		sig := ws.Signal()
		if opts.Cancel != nil && opts.Cancel.IsFired() && sig == syscall.SIGKILL {
			log.Debug("child killed by cancellation")
			return &ExecResult{Status: StatusCancelled, Signal: sig}, nil
		}
		log.Debug("child killed", "signal", sig)
		return &ExecResult{Status: StatusSignaled, Signal: sig}, nil
	default:
		return nil, errors.NewServiceFailure("child neither exited nor signaled")
	}
}
