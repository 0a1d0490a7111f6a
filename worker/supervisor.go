package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// jobExecutor runs exactly one job in isolation and produces exactly one
// outcome within a bounded time. It exists as an interface so the pump can
// be tested without spawning real processes.
type jobExecutor interface {
	execute(ctx context.Context, name string, payload []byte, timeout time.Duration) Outcome
}

// supervisor isolates each job in a child process: it re-executes the
// worker binary with the job name in the environment, streams the payload
// over stdin, and waits for the child to terminate with a hard deadline.
//
// A crash in the job cannot corrupt the worker because they share no
// writable state, and a hung job can always be killed because the
// supervisor holds the child's process handle.
type supervisor struct {
	logger     *slog.Logger
	executable string
}

func newSupervisor(logger *slog.Logger) (*supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
	}

	return &supervisor{
		logger:     logger,
		executable: exe,
	}, nil
}

// execute spawns the job process and observes its termination. The
// blocking OS wait runs on its own goroutine so the delivery pump is
// never stalled; a timer set to the handler's declared timeout races it.
func (s *supervisor) execute(ctx context.Context, name string, payload []byte, timeout time.Duration) Outcome {
	reasonR, reasonW, err := os.Pipe()
	if err != nil {
		return Outcome{Kind: OutcomeSpawnFailed, Reason: fmt.Sprintf("failed to create reason pipe: %v", err)}
	}

	cmd := exec.Command(s.executable)
	cmd.Env = append(os.Environ(), executorEnv+"="+name)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reasonW}

	if err := cmd.Start(); err != nil {
		reasonR.Close()
		reasonW.Close()
		s.logger.Error("Failed to spawn job process",
			slog.String("job_name", name),
			slog.Any("error", err),
		)
		return Outcome{Kind: OutcomeSpawnFailed, Reason: fmt.Sprintf("failed to spawn job process: %v", err)}
	}

	// The child holds the only remaining write end. Once it exits the
	// reader sees EOF, so readReason below always completes.
	reasonW.Close()

	s.logger.Debug("Job process spawned",
		slog.String("job_name", name),
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("timeout", timeout),
	)

	reasonChan := make(chan string, 1)
	go func() {
		reasonChan <- readReason(reasonR)
	}()

	waitChan := make(chan error, 1)
	go func() {
		waitChan <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-waitChan:
		return s.classify(name, waitErr, <-reasonChan)

	case <-timer.C:
		s.logger.Warn("Job process exceeded timeout, killing",
			slog.String("job_name", name),
			slog.Int("pid", cmd.Process.Pid),
			slog.Duration("timeout", timeout),
		)
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Error("Failed to kill job process",
				slog.Int("pid", cmd.Process.Pid),
				slog.Any("error", err),
			)
		}
		// Reap so no zombie remains
		<-waitChan
		<-reasonChan
		return Outcome{Kind: OutcomeTimedOut}

	case <-ctx.Done():
		s.logger.Info("Worker shutting down, killing job process",
			slog.String("job_name", name),
			slog.Int("pid", cmd.Process.Pid),
		)
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Error("Failed to kill job process",
				slog.Int("pid", cmd.Process.Pid),
				slog.Any("error", err),
			)
		}
		<-waitChan
		<-reasonChan
		return Outcome{Kind: OutcomeAborted, Reason: "worker shutdown"}
	}
}

// classify decodes the job process termination status into an outcome.
// A structured reason always wins over the bare exit code: a process that
// exited zero but reported an error is still a failure.
func (s *supervisor) classify(name string, waitErr error, reason string) Outcome {
	if waitErr == nil {
		if reason != "" {
			return Outcome{Kind: OutcomeFailure, Reason: reason}
		}
		return Outcome{Kind: OutcomeSuccess}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			s.logger.Warn("Job process killed by signal",
				slog.String("job_name", name),
				slog.String("signal", status.Signal().String()),
			)
			return Outcome{Kind: OutcomeCrashed, Signal: status.Signal().String()}
		}

		if reason != "" {
			return Outcome{Kind: OutcomeFailure, Reason: reason}
		}

		s.logger.Warn("Job process exited non-zero without a reason",
			slog.String("job_name", name),
			slog.Int("exit_code", exitErr.ExitCode()),
		)
		return Outcome{Kind: OutcomeCrashed, ExitCode: exitErr.ExitCode()}
	}

	s.logger.Error("Failed to wait for job process",
		slog.String("job_name", name),
		slog.Any("error", waitErr),
	)
	return Outcome{Kind: OutcomeCrashed, Reason: waitErr.Error()}
}

// readReason drains the reason pipe and decodes the failure reason, if
// the job process wrote one before exiting
func readReason(r *os.File) string {
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}

	var fr failureReason
	if err := json.Unmarshal(data, &fr); err != nil {
		return ""
	}
	return fr.Reason
}
