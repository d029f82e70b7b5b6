/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"

	"github.com/acronis/go-grpcclient/grpcchannel/interceptor"
)

// DialFunc constructs a channel for the given target. grpc.NewClient is used by default.
type DialFunc func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

// LoggingOptions represents options for logging of outgoing calls made through channels of ChannelFactory.
type LoggingOptions struct {
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// MetricsOptions represents options for Prometheus metrics of ChannelFactory and outgoing calls.
type MetricsOptions struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
}

// Option represents a functional option for configuring ChannelFactory.
type Option func(*factoryOptions)

type factoryOptions struct {
	dial               DialFunc
	dialOptions        []grpc.DialOption
	unaryInterceptors  []grpc.UnaryClientInterceptor
	streamInterceptors []grpc.StreamClientInterceptor
	requestIDOptions   []interceptor.RequestIDOption
	loggingOptions     LoggingOptions
	metricsOptions     MetricsOptions
}

// WithDialFunc replaces the function that actually constructs channels.
func WithDialFunc(dial DialFunc) Option {
	return func(o *factoryOptions) {
		o.dial = dial
	}
}

// WithDialOptions adds dial options that are applied to every channel before the builder's own options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *factoryOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithUnaryInterceptors adds unary interceptors to every channel.
// They are called after the built-in request ID, logging and metrics interceptors.
func WithUnaryInterceptors(interceptors ...grpc.UnaryClientInterceptor) Option {
	return func(o *factoryOptions) {
		o.unaryInterceptors = append(o.unaryInterceptors, interceptors...)
	}
}

// WithStreamInterceptors adds stream interceptors to every channel.
// They are called after the built-in request ID, logging and metrics interceptors.
func WithStreamInterceptors(interceptors ...grpc.StreamClientInterceptor) Option {
	return func(o *factoryOptions) {
		o.streamInterceptors = append(o.streamInterceptors, interceptors...)
	}
}

// WithRequestIDOptions configures propagation of request IDs in outgoing calls.
func WithRequestIDOptions(opts ...interceptor.RequestIDOption) Option {
	return func(o *factoryOptions) {
		o.requestIDOptions = append(o.requestIDOptions, opts...)
	}
}

// WithLoggingOptions configures logging of outgoing calls.
func WithLoggingOptions(opts LoggingOptions) Option {
	return func(o *factoryOptions) {
		o.loggingOptions = opts
	}
}

// WithMetricsOptions configures Prometheus metrics.
func WithMetricsOptions(opts MetricsOptions) Option {
	return func(o *factoryOptions) {
		o.metricsOptions = opts
	}
}

// ChannelFactory creates gRPC client channels and caches them by authority.
// Only one channel is ever constructed for an authority; it lives until Destroy is called.
// ChannelFactory implements service.Unit, so Destroy is also called when the unit is stopped.
type ChannelFactory struct {
	Logger log.FieldLogger

	dial           DialFunc
	dialOptions    []grpc.DialOption
	rateLimits     RateLimitsConfig
	metrics        MetricsCollector
	promMetrics    *ChannelsPrometheusMetrics
	callPromMetric *interceptor.PrometheusMetrics

	constructions constructionGroup

	mu       sync.Mutex
	channels map[string]*grpc.ClientConn
	closed   bool
}

var _ service.Unit = (*ChannelFactory)(nil)
var _ service.MetricsRegisterer = (*ChannelFactory)(nil)

// New creates a new ChannelFactory. Channels created by the factory use insecure transport credentials
// unless TLS is enabled in the configuration or the credentials are changed via ChannelBuilder.
// If cfg is nil, NewDefaultConfig is used.
func New(cfg *Config, logger log.FieldLogger, options ...Option) (*ChannelFactory, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	opts := &factoryOptions{dial: grpc.NewClient}
	for _, opt := range options {
		opt(opts)
	}

	dialOpts, err := makeDialOptions(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimits.Enabled {
		if _, err = newRateLimiter(cfg.RateLimits); err != nil {
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
	}

	f := &ChannelFactory{
		Logger:     logger,
		dial:       opts.dial,
		rateLimits: cfg.RateLimits,
		metrics:    disabledMetrics{},
		channels:   make(map[string]*grpc.ClientConn),
	}

	if cfg.Metrics.Enabled {
		f.promMetrics = NewChannelsPrometheusMetrics(opts.metricsOptions.Namespace, opts.metricsOptions.ConstLabels)
		f.metrics = f.promMetrics
		f.callPromMetric = interceptor.NewPrometheusMetrics(
			interceptor.WithPrometheusNamespace(opts.metricsOptions.Namespace),
			interceptor.WithPrometheusDurationBuckets(opts.metricsOptions.DurationBuckets),
			interceptor.WithPrometheusConstLabels(opts.metricsOptions.ConstLabels))
	}

	unaryInterceptors, streamInterceptors := f.buildInterceptors(cfg, opts)
	dialOpts = append(dialOpts,
		grpc.WithChainUnaryInterceptor(unaryInterceptors...),
		grpc.WithChainStreamInterceptor(streamInterceptors...))
	f.dialOptions = append(dialOpts, opts.dialOptions...)

	return f, nil
}

// CreateChannel returns a new builder bound to the authority.
// It is cheap: no connection is made and the cache is not touched until ChannelBuilder.Build is called.
// The authority is used verbatim as the cache key, so callers must pass canonical values.
func (f *ChannelFactory) CreateChannel(authority string) *ChannelBuilder {
	return &ChannelBuilder{
		factory:     f,
		authority:   authority,
		dialOptions: append([]grpc.DialOption(nil), f.dialOptions...),
	}
}

// Destroy closes all cached channels and makes the factory unusable:
// further builds fail with ErrFactoryClosed. A failure to close one channel does not prevent closing the others,
// all failures are returned as *ChannelsShutdownError. Calling Destroy more than once is a no-op.
func (f *ChannelFactory) Destroy() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	channels := f.channels
	f.channels = nil
	f.mu.Unlock()

	f.metrics.SetChannelsAmount(0)

	var shutdownErrs []*ChannelShutdownError
	for _, authority := range sortedAuthorities(channels) {
		if err := channels[authority].Close(); err != nil {
			f.metrics.IncShutdownFailures()
			f.Logger.Error("failed to close gRPC channel", log.String("authority", authority), log.Error(err))
			shutdownErrs = append(shutdownErrs, &ChannelShutdownError{Authority: authority, Inner: err})
			continue
		}
		f.Logger.Info("gRPC channel closed", log.String("authority", authority))
	}
	if len(shutdownErrs) != 0 {
		return &ChannelsShutdownError{ChannelErrors: shutdownErrs}
	}
	return nil
}

// Len returns the number of cached channels.
func (f *ChannelFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// Authorities returns sorted authorities of all cached channels.
func (f *ChannelFactory) Authorities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedAuthorities(f.channels)
}

// Start does nothing since channels are created lazily.
// Implements service.Unit interface.
func (f *ChannelFactory) Start(_ chan<- error) {}

// Stop destroys the factory closing all cached channels.
// gRPC client channels have a single close operation, so graceful and forced stops behave the same.
// Implements service.Unit interface.
func (f *ChannelFactory) Stop(_ bool) error {
	return f.Destroy()
}

// MustRegisterMetrics registers metrics in Prometheus client and panics if any error occurs.
func (f *ChannelFactory) MustRegisterMetrics() {
	if f.promMetrics != nil {
		f.promMetrics.MustRegister()
	}
	if f.callPromMetric != nil {
		f.callPromMetric.MustRegister()
	}
}

// UnregisterMetrics unregisters metrics in Prometheus client.
func (f *ChannelFactory) UnregisterMetrics() {
	if f.promMetrics != nil {
		f.promMetrics.Unregister()
	}
	if f.callPromMetric != nil {
		f.callPromMetric.Unregister()
	}
}

// getOrCreate returns the cached channel for the authority or constructs, caches and returns a new one.
// Concurrent callers for the same authority share a single construction.
// A failed construction leaves the authority absent, so the next call tries again.
func (f *ChannelFactory) getOrCreate(authority string, construct func() (*grpc.ClientConn, error)) (*grpc.ClientConn, error) {
	if conn, ok, err := f.lookup(authority); ok || err != nil {
		return conn, err
	}

	conn, err, shared := f.constructions.Do(authority, func() (*grpc.ClientConn, error) {
		// Another construction may have completed between lookup and Do.
		if conn, ok, err := f.lookup(authority); ok || err != nil {
			return conn, err
		}
		return f.constructAndStore(authority, construct)
	})
	if shared {
		f.metrics.IncBuilds(buildResultFromErr(err))
	}
	return conn, err
}

func (f *ChannelFactory) lookup(authority string) (conn *grpc.ClientConn, ok bool, err error) {
	f.mu.Lock()
	closed := f.closed
	if !closed {
		conn, ok = f.channels[authority]
	}
	f.mu.Unlock()

	if closed {
		f.metrics.IncBuilds(BuildResultRejected)
		f.Logger.Warn("gRPC channel build is rejected, factory is closed", log.String("authority", authority))
		return nil, false, ErrFactoryClosed
	}
	if ok {
		f.metrics.IncBuilds(BuildResultHit)
	}
	return conn, ok, nil
}

func (f *ChannelFactory) constructAndStore(
	authority string, construct func() (*grpc.ClientConn, error),
) (*grpc.ClientConn, error) {
	conn, err := construct()
	if err != nil {
		f.metrics.IncBuilds(BuildResultFailed)
		f.Logger.Error("failed to construct gRPC channel", log.String("authority", authority), log.Error(err))
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		// Destroy has already collected the channels, so this one would never be closed.
		if closeErr := conn.Close(); closeErr != nil {
			f.Logger.Error("failed to close gRPC channel constructed after factory destroy",
				log.String("authority", authority), log.Error(closeErr))
		}
		f.metrics.IncBuilds(BuildResultRejected)
		return nil, ErrFactoryClosed
	}
	f.channels[authority] = conn
	channelsAmount := len(f.channels)
	f.mu.Unlock()

	f.metrics.IncBuilds(BuildResultConstructed)
	f.metrics.SetChannelsAmount(channelsAmount)
	f.Logger.Info("gRPC channel created", log.String("authority", authority))
	return conn, nil
}

// buildResultFromErr classifies the result received by a caller that waited for another caller's construction.
func buildResultFromErr(err error) string {
	switch {
	case err == nil:
		return BuildResultHit
	case errors.Is(err, ErrFactoryClosed):
		return BuildResultRejected
	default:
		return BuildResultFailed
	}
}

func (f *ChannelFactory) buildInterceptors(
	cfg *Config, opts *factoryOptions,
) (unaryInterceptors []grpc.UnaryClientInterceptor, streamInterceptors []grpc.StreamClientInterceptor) {
	unaryInterceptors = append(unaryInterceptors, interceptor.RequestIDUnaryInterceptor(opts.requestIDOptions...))
	streamInterceptors = append(streamInterceptors, interceptor.RequestIDStreamInterceptor(opts.requestIDOptions...))

	if cfg.Log.Enabled {
		loggingOpts := []interceptor.LoggingOption{
			interceptor.WithLoggingCallStart(cfg.Log.CallStart),
			interceptor.WithLoggingExcludedMethods(cfg.Log.ExcludedMethods...),
			interceptor.WithLoggingSlowCallThreshold(cfg.Log.SlowCallThreshold),
			interceptor.WithLoggingLoggerProvider(opts.loggingOptions.LoggerProvider),
		}
		unaryInterceptors = append(unaryInterceptors, interceptor.LoggingUnaryInterceptor(f.Logger, loggingOpts...))
		streamInterceptors = append(streamInterceptors, interceptor.LoggingStreamInterceptor(f.Logger, loggingOpts...))
	}

	if f.callPromMetric != nil {
		unaryInterceptors = append(unaryInterceptors, interceptor.MetricsUnaryInterceptor(f.callPromMetric))
		streamInterceptors = append(streamInterceptors, interceptor.MetricsStreamInterceptor(f.callPromMetric))
	}

	unaryInterceptors = append(unaryInterceptors, opts.unaryInterceptors...)
	streamInterceptors = append(streamInterceptors, opts.streamInterceptors...)
	return unaryInterceptors, streamInterceptors
}

// perChannelDialOptions returns options that must be created anew for every constructed channel.
func (f *ChannelFactory) perChannelDialOptions() []grpc.DialOption {
	if !f.rateLimits.Enabled {
		return nil
	}
	rl, err := newRateLimiter(f.rateLimits)
	if err != nil {
		return nil // validated in New
	}
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(rl.UnaryInterceptor()),
		grpc.WithChainStreamInterceptor(rl.StreamInterceptor()),
	}
}

func newRateLimiter(cfg RateLimitsConfig) (*interceptor.RateLimiter, error) {
	return interceptor.NewRateLimiter(cfg.Limit, interceptor.RateLimiterOpts{
		Burst:       cfg.Burst,
		WaitTimeout: cfg.WaitTimeout,
	})
}

func makeDialOptions(cfg *Config) ([]grpc.DialOption, error) {
	var dialOpts []grpc.DialOption

	if cfg.TLS.Enabled {
		creds, err := makeTLSCredentials(cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.UserAgent != "" {
		dialOpts = append(dialOpts, grpc.WithUserAgent(cfg.UserAgent))
	}
	if cfg.Keepalive.Time > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.Keepalive.Time,
			Timeout:             cfg.Keepalive.Timeout,
			PermitWithoutStream: cfg.Keepalive.PermitWithoutStream,
		}))
	}
	if cfg.Timeouts.Idle > 0 {
		dialOpts = append(dialOpts, grpc.WithIdleTimeout(cfg.Timeouts.Idle))
	}

	var callOpts []grpc.CallOption
	if cfg.Limits.MaxRecvMessageSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(int(cfg.Limits.MaxRecvMessageSize))) //nolint:gosec // config value
	}
	if cfg.Limits.MaxSendMessageSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallSendMsgSize(int(cfg.Limits.MaxSendMessageSize))) //nolint:gosec // config value
	}
	if len(callOpts) != 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(callOpts...))
	}

	return dialOpts, nil
}

func makeTLSCredentials(cfg TLSConfig) (credentials.TransportCredentials, error) {
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly requested in config
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CACertificate != "" {
		caPEM, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("read TLS CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("read TLS CA certificate: no valid PEM certificates found")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificates: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

func sortedAuthorities(channels map[string]*grpc.ClientConn) []string {
	authorities := make([]string, 0, len(channels))
	for authority := range channels {
		authorities = append(authorities, authority)
	}
	sort.Strings(authorities)
	return authorities
}
