package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes buffered logs before process exit. Prometheus is
// pull-based so there is nothing to push. Sync errors for terminals
// (EINVAL/ENOTTY on stderr) are ignored.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := logger.Sync(); err != nil {
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
