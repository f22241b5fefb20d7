// Package middleware wraps pattern handlers with cross-cutting behavior.
//
// The same HandlerFunc shape is used on both sides of a call: the server
// wraps its pattern handlers, the balance client wraps every target
// invocation before handing it to the balancer.
package middleware

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"balance-rpc/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// IsTransient reports whether err is a connection or timeout failure worth
// retrying against the same target. Errors replied by a handler are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
