// Package recovery keeps a panic in one socket goroutine from taking the
// process down. Recovered panics are logged with their stack and can be
// turned into the error that stops the socket.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/quicmux/internal/logging"
)

// ErrPanic wraps every error produced from a recovered panic.
var ErrPanic = errors.New("goroutine panicked")

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Defer it directly at the start of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "socket.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional
// callback with the recovered value.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// AsError converts a recovered value into an error wrapping ErrPanic. Error
// values are wrapped as well, so errors.Is sees both.
func AsError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, r)
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
