package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"

	"github.com/migadu/policyd/logger"
)

// Process exit codes.
const (
	ExitRuntime = 1 // a listener or background service failed
	ExitConfig  = 2 // configuration could not be read or is invalid
	ExitStartup = 3 // a dependency (rule store, listener) could not be set up
)

// StageError ties a failure to the startup or runtime stage it came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorHandler records the first fatal condition and the exit code that goes
// with it. Errors are written to stderr directly so they are visible even
// before (or without) the structured logger being initialized.
type ErrorHandler struct {
	mu     sync.Mutex
	code   int
	first  error
	logger *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return newErrorHandler(os.Stderr)
}

func newErrorHandler(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		logger: log.New(w, "[policyd] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) record(code int, err error) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.first == nil {
		eh.first = err
		eh.code = code
	}
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if stderrors.Is(err, fs.ErrNotExist) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to load configuration file '%s': %v", configPath, err)
	}
	eh.record(ExitConfig, &StageError{Stage: "config " + configPath, Err: err})
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.record(ExitConfig, &StageError{Stage: "validate " + field, Err: err})
}

func (eh *ErrorHandler) StartupError(stage string, err error) {
	eh.logger.Printf("FATAL: %s failed: %v", stage, err)
	eh.record(ExitStartup, &StageError{Stage: stage, Err: err})
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %s failed: %v", operation, err)
	eh.record(ExitRuntime, &StageError{Stage: operation, Err: err})
}

// Err returns the first recorded error, nil if none.
func (eh *ErrorHandler) Err() error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.first
}

// ExitCode is 0 when nothing was recorded.
func (eh *ErrorHandler) ExitCode() int {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.code
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown", "error", eh.Err())
	}
}
