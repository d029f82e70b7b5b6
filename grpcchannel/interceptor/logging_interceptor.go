/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"time"

	"github.com/vasayxtx/go-glob"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-appkit/log"
)

const defaultSlowCallThreshold = 1 * time.Second

// LoggingOption represents a configuration option for the logging interceptors.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	callStart         bool
	excludedMethods   []func(string) bool
	slowCallThreshold time.Duration
	loggerProvider    func(ctx context.Context) log.FieldLogger
}

// WithLoggingCallStart enables logging of call start events.
func WithLoggingCallStart(logCallStart bool) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callStart = logCallStart
	}
}

// WithLoggingExcludedMethods specifies full method names or glob patterns (e.g. "/grpc.health.v1.Health/*")
// of calls that should be logged only when they fail.
func WithLoggingExcludedMethods(methods ...string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.excludedMethods = opts.excludedMethods[:0]
		for _, m := range methods {
			opts.excludedMethods = append(opts.excludedMethods, glob.Compile(m))
		}
	}
}

// WithLoggingSlowCallThreshold sets the threshold for slow call detection.
func WithLoggingSlowCallThreshold(threshold time.Duration) LoggingOption {
	return func(opts *loggingOptions) {
		opts.slowCallThreshold = threshold
	}
}

// WithLoggingLoggerProvider sets a function that returns a call-specific logger.
// If it returns nil, the logger from the context (see NewContextWithLogger) or the interceptor's logger is used.
func WithLoggingLoggerProvider(provider func(ctx context.Context) log.FieldLogger) LoggingOption {
	return func(opts *loggingOptions) {
		opts.loggerProvider = provider
	}
}

func newLoggingOptions(options []LoggingOption) *loggingOptions {
	opts := &loggingOptions{slowCallThreshold: defaultSlowCallThreshold}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// LoggingUnaryInterceptor is a gRPC unary client interceptor that logs the end (and optionally the start)
// of each outgoing call.
func LoggingUnaryInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.UnaryClientInterceptor {
	opts := newLoggingOptions(options)
	return func(
		ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		finish := startCallLogging(ctx, logger, opts, cc.Target(), method, CallMethodTypeUnary)
		err := invoker(ctx, method, req, reply, cc, callOpts...)
		finish(err)
		return err
	}
}

// LoggingStreamInterceptor is a gRPC stream client interceptor that logs the end (and optionally the start)
// of each outgoing stream. The end is detected when the stream returns an error from RecvMsg (io.EOF included).
func LoggingStreamInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.StreamClientInterceptor {
	opts := newLoggingOptions(options)
	return func(
		ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer,
		callOpts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		finish := startCallLogging(ctx, logger, opts, cc.Target(), method, CallMethodTypeStream)
		stream, err := streamer(ctx, desc, cc, method, callOpts...)
		if err != nil {
			finish(err)
			return nil, err
		}
		return newFinishingClientStream(stream, finish), nil
	}
}

func startCallLogging(
	ctx context.Context,
	defaultLogger log.FieldLogger,
	opts *loggingOptions,
	target string,
	fullMethod string,
	methodType CallMethodType,
) (finish func(err error)) {
	startTime := time.Now()

	logger := pickLogger(ctx, defaultLogger, opts)
	service, method := splitFullMethodName(fullMethod)
	logger = logger.With(
		log.String("grpc_service", service),
		log.String("grpc_method", method),
		log.String("grpc_method_type", string(methodType)),
		log.String("grpc_target", target),
		log.String("request_id", GetRequestIDFromContext(ctx)),
	)

	noLog := isMethodExcluded(fullMethod, opts.excludedMethods)
	if opts.callStart && !noLog {
		logger.Info("gRPC client call started")
	}

	return func(err error) {
		code := status.Code(err)
		if noLog && code == codes.OK {
			return
		}
		duration := time.Since(startTime)
		fields := []log.Field{
			log.String("grpc_code", code.String()),
			log.Int64("duration_ms", duration.Milliseconds()),
		}
		if duration >= opts.slowCallThreshold {
			fields = append(fields, log.Bool("slow_call", true))
		}
		msg := fmt.Sprintf("gRPC client call finished in %.3fs", duration.Seconds())
		if err != nil {
			logger.Error(msg, append(fields, log.String("grpc_error", err.Error()))...)
			return
		}
		logger.Info(msg, fields...)
	}
}

func pickLogger(ctx context.Context, defaultLogger log.FieldLogger, opts *loggingOptions) log.FieldLogger {
	if opts.loggerProvider != nil {
		if l := opts.loggerProvider(ctx); l != nil {
			return l
		}
	}
	if l := GetLoggerFromContext(ctx); l != nil {
		return l
	}
	return defaultLogger
}

func isMethodExcluded(fullMethod string, excludedMethods []func(string) bool) bool {
	for _, match := range excludedMethods {
		if match(fullMethod) {
			return true
		}
	}
	return false
}
