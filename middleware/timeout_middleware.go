package middleware

import (
	"context"
	"fmt"
	"time"

	"balance-rpc/message"
)

type result struct {
	resp *message.RPCMessage
	err  error
}

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
				}
				return nil, ctx.Err()
			}
		}
	}
}
