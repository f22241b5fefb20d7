package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"balance-rpc/message"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second
// with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
