/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"

	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const headerRequestIDKey = "x-request-id"

type requestIDOptions struct {
	provider  func(ctx context.Context) string
	generator func() string
}

// RequestIDOption is a function type for configuring request ID interceptors.
type RequestIDOption func(*requestIDOptions)

// WithRequestIDProvider sets the function that returns request ID for the outgoing call.
// GetRequestIDFromContext is used by default.
func WithRequestIDProvider(provider func(ctx context.Context) string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.provider = provider
	}
}

// WithRequestIDGenerator sets the function for generating request IDs when the provider returns nothing.
func WithRequestIDGenerator(generator func() string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.generator = generator
	}
}

func newRequestIDOptions(options []RequestIDOption) requestIDOptions {
	opts := requestIDOptions{
		provider:  GetRequestIDFromContext,
		generator: func() string { return xid.New().String() },
	}
	for _, option := range options {
		option(&opts)
	}
	return opts
}

// RequestIDUnaryInterceptor is a gRPC unary client interceptor that sends the request ID in the "x-request-id"
// metadata header. The ID is taken from the context (or generated if missing) unless the header is already set.
func RequestIDUnaryInterceptor(options ...RequestIDOption) grpc.UnaryClientInterceptor {
	opts := newRequestIDOptions(options)
	return func(
		ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		return invoker(opts.outgoingContext(ctx), method, req, reply, cc, callOpts...)
	}
}

// RequestIDStreamInterceptor is a gRPC stream client interceptor that sends the request ID
// in the "x-request-id" metadata header. See RequestIDUnaryInterceptor for details.
func RequestIDStreamInterceptor(options ...RequestIDOption) grpc.StreamClientInterceptor {
	opts := newRequestIDOptions(options)
	return func(
		ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer,
		callOpts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		return streamer(opts.outgoingContext(ctx), desc, cc, method, callOpts...)
	}
}

func (opts requestIDOptions) outgoingContext(ctx context.Context) context.Context {
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(headerRequestIDKey); len(ids) > 0 && ids[0] != "" {
			return NewContextWithRequestID(ctx, ids[0])
		}
	}
	requestID := opts.provider(ctx)
	if requestID == "" {
		requestID = opts.generator()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, headerRequestIDKey, requestID)
	return NewContextWithRequestID(ctx, requestID)
}
