package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
)

// executorEnv names the job to perform when the worker binary is running
// as a job process rather than as the supervising worker.
const executorEnv = "FORQ_EXECUTOR_JOB"

// reasonFd is the file descriptor the job process writes its structured
// failure reason to before exiting. Descriptor 3 is the first entry of
// ExtraFiles on the supervising side.
const reasonFd = 3

// Job process exit codes. Anything else, or death by signal, is
// classified as a crash by the supervisor.
const (
	exitSuccess = 0
	exitFailure = 1

	// exitExecutorError means the job process could not even reach the
	// handler: unknown job name or unreadable payload. No structured reason
	// accompanies it.
	exitExecutorError = 7
)

// failureReason is the JSON object a job process writes to reasonFd when
// the handler returns an error
type failureReason struct {
	Reason string `json:"reason"`
}

// ExecutorJob reports whether the current process was spawned as a job
// process, and if so for which job name. Worker.Run checks this before
// doing anything else; applications embedding the worker normally never
// need to call it directly, but it is exported for test harnesses that
// must short-circuit their own main.
func ExecutorJob() (string, bool) {
	name := os.Getenv(executorEnv)
	return name, name != ""
}

// runExecutor performs exactly one job in the current process and exits.
// It never returns: the process terminates with an exit status expressing
// the handler outcome, plus a structured reason on reasonFd when the
// handler failed.
func (w *Worker) runExecutor(name string) error {
	logger := w.logger.With(
		slog.String("job_name", name),
		slog.Int("pid", os.Getpid()),
	)

	handler, ok := w.registry.resolve(name)
	if !ok {
		logger.Error("Job process has no handler for job name")
		os.Exit(exitExecutorError)
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Error("Job process failed to read payload",
			slog.Any("error", err),
		)
		os.Exit(exitExecutorError)
	}

	logger.Debug("Job process executing handler",
		slog.Int("payload_size", len(payload)),
	)

	if err := handler.Run(context.Background(), payload, w.values); err != nil {
		logger.Warn("Handler returned error",
			slog.Any("error", err),
		)
		writeFailureReason(logger, err.Error())
		os.Exit(exitFailure)
	}

	logger.Debug("Handler completed successfully")
	os.Exit(exitSuccess)
	return nil // unreachable
}

// writeFailureReason reports the handler error to the supervisor over the
// dedicated reason descriptor. A write failure here is not fatal: the
// non-zero exit code still reaches the supervisor, which then classifies
// the outcome as a crash instead of a structured failure.
func writeFailureReason(logger *slog.Logger, reason string) {
	f := os.NewFile(reasonFd, "reason")
	if f == nil {
		logger.Error("Reason descriptor unavailable")
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(failureReason{Reason: reason}); err != nil {
		logger.Error("Failed to write failure reason",
			slog.Any("error", err),
		)
	}
}
