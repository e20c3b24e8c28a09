package observability

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes the logger and closes the given resources before process exit.
// Metrics are pull-based and need no flush. Call after in-flight requests have drained.
// Sync errors from non-syncable outputs (terminals, pipes) are ignored.
func FlushTelemetry(logger *zap.Logger, closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil && !isUnsyncable(err) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
