/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Default parameter values for RateLimiter.
const (
	DefaultRateLimitingBurst       = 1
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimiterOpts represents options for RateLimiter.
type RateLimiterOpts struct {
	Burst       int
	WaitTimeout time.Duration
}

// RateLimiter limits the rate of outgoing calls.
// Unary and stream interceptors returned by the same RateLimiter share one token bucket.
type RateLimiter struct {
	limiter     *rate.Limiter
	waitTimeout time.Duration
}

// NewRateLimiter creates a new RateLimiter that allows up to rateLimit calls per second.
// For options that are not presented, the default values will be used.
func NewRateLimiter(rateLimit int, opts RateLimiterOpts) (*RateLimiter, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst cannot be negative")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultRateLimitingBurst
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}
	return &RateLimiter{
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), opts.Burst),
		waitTimeout: opts.WaitTimeout,
	}, nil
}

// UnaryInterceptor returns a gRPC unary client interceptor that waits for the rate limiter before each call.
func (rl *RateLimiter) UnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		if err := rl.wait(ctx); err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, callOpts...)
	}
}

// StreamInterceptor returns a gRPC stream client interceptor that waits for the rate limiter before opening a stream.
func (rl *RateLimiter) StreamInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer,
		callOpts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		if err := rl.wait(ctx); err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, callOpts...)
	}
}

func (rl *RateLimiter) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, rl.waitTimeout)
	defer cancel()
	if err := rl.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		return &RateLimitingWaitError{Inner: err}
	}
	return nil
}

// RateLimitingWaitError is returned by the rate limiting interceptors when the call
// cannot be made within the wait timeout.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}

// GRPCStatus makes status.Code report codes.ResourceExhausted for this error.
func (e *RateLimitingWaitError) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}
