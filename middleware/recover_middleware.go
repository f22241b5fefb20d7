package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"balance-rpc/message"
)

// RecoverMiddleware turns a panicking handler into an error reply.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("pattern", req.Pattern),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp, err = nil, fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
