package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// DialWithRetry dials socketPath with a tight, bounded exponential backoff.
// Unlike a long-lived reconnect loop, transport connect failures are
// retried only a small fixed number of times — there is no justification
// for retrying forever, since a dead sandbox's socket will never start
// answering.
func DialWithRetry(ctx context.Context, logger *slog.Logger, socketPath string, maxAttempts int) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const (
		initialBackoff = 50 * time.Millisecond
		maxBackoff     = 2 * time.Second
		backoffFactor  = 2.0
	)

	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		cl, err := Dial(socketPath)
		if err == nil {
			return cl, nil
		}
		lastErr = err
		logger.Debug("control socket connect failed", "attempt", attempt, "socket", socketPath, "error", err)

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff)*backoffFactor, float64(maxBackoff)))
	}

	return nil, fmt.Errorf("client: failed to connect to %s after %d attempts: %w", socketPath, maxAttempts, lastErr)
}
