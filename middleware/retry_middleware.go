package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"balance-rpc/message"
)

// RetryMiddleware retries transient failures up to maxRetries times with
// exponential backoff starting at baseDelay. Other errors return at once.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !IsTransient(err) {
					return resp, err
				}
				logger.Debug("retrying call",
					zap.String("pattern", req.Pattern),
					zap.Int("attempt", i+1),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
