package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"balance-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("pattern", req.Pattern),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			case resp != nil && resp.Error != "":
				logger.Info("call returned error", append(fields, zap.String("error", resp.Error))...)
			default:
				logger.Debug("call", fields...)
			}
			return resp, err
		}
	}
}
