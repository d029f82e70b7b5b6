/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcclient/internal/libinfo"
)

const (
	callMetricsLabelService    = "grpc_service"
	callMetricsLabelMethod     = "grpc_method"
	callMetricsLabelMethodType = "grpc_method_type"
	callMetricsLabelTarget     = "grpc_target"
	callMetricsLabelCode       = "grpc_code"
)

// CallInfoMetrics represents an outgoing call info for collecting metrics.
type CallInfoMetrics struct {
	Service string
	Method  string
	Target  string
}

// MetricsCollector is an interface for collecting metrics for outgoing gRPC calls.
type MetricsCollector interface {
	// IncInFlightCalls increments the counter of in-flight calls.
	IncInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType)

	// DecInFlightCalls decrements the counter of in-flight calls.
	DecInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType)

	// ObserveCallFinish observes the duration of the call and the status code.
	ObserveCallFinish(callInfo CallInfoMetrics, methodType CallMethodType, code codes.Code, startTime time.Time)
}

// DefaultPrometheusDurationBuckets is default buckets into which observations of outgoing gRPC calls are counted.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusOption is a function type for configuring the metrics collector.
type PrometheusOption func(*prometheusOptions)

type prometheusOptions struct {
	namespace       string
	durationBuckets []float64
	constLabels     prometheus.Labels
}

// WithPrometheusNamespace sets the namespace for metrics.
func WithPrometheusNamespace(namespace string) PrometheusOption {
	return func(c *prometheusOptions) {
		c.namespace = namespace
	}
}

// WithPrometheusDurationBuckets sets the duration buckets for histogram metrics.
func WithPrometheusDurationBuckets(buckets []float64) PrometheusOption {
	return func(c *prometheusOptions) {
		if len(buckets) != 0 {
			c.durationBuckets = buckets
		}
	}
}

// WithPrometheusConstLabels sets constant labels that will be applied to all metrics.
func WithPrometheusConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *prometheusOptions) {
		c.constLabels = labels
	}
}

// PrometheusMetrics represents collector of metrics for outgoing gRPC calls.
type PrometheusMetrics struct {
	Durations *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetrics(opts ...PrometheusOption) *PrometheusMetrics {
	cfg := &prometheusOptions{durationBuckets: DefaultPrometheusDurationBuckets}
	for _, opt := range opts {
		opt(cfg)
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(cfg.constLabels)

	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "grpc_client_call_duration_seconds",
			Help:        "A histogram of the outgoing gRPC call durations.",
			Buckets:     cfg.durationBuckets,
			ConstLabels: constLabels,
		},
		[]string{
			callMetricsLabelService,
			callMetricsLabelMethod,
			callMetricsLabelMethodType,
			callMetricsLabelTarget,
			callMetricsLabelCode,
		},
	)

	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Name:        "grpc_client_calls_in_flight",
			Help:        "Current number of outgoing gRPC calls in flight.",
			ConstLabels: constLabels,
		},
		[]string{
			callMetricsLabelService,
			callMetricsLabelMethod,
			callMetricsLabelMethodType,
			callMetricsLabelTarget,
		},
	)

	return &PrometheusMetrics{Durations: durations, InFlight: inFlight}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Durations, pm.InFlight)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.InFlight)
	prometheus.Unregister(pm.Durations)
}

// IncInFlightCalls increments the counter of in-flight calls.
func (pm *PrometheusMetrics) IncInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType) {
	pm.InFlight.With(callInfo.labels(methodType)).Inc()
}

// DecInFlightCalls decrements the counter of in-flight calls.
func (pm *PrometheusMetrics) DecInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType) {
	pm.InFlight.With(callInfo.labels(methodType)).Dec()
}

// ObserveCallFinish observes the duration of the call and the status code.
func (pm *PrometheusMetrics) ObserveCallFinish(
	callInfo CallInfoMetrics, methodType CallMethodType, code codes.Code, startTime time.Time,
) {
	labels := callInfo.labels(methodType)
	labels[callMetricsLabelCode] = code.String()
	pm.Durations.With(labels).Observe(time.Since(startTime).Seconds())
}

func (c CallInfoMetrics) labels(methodType CallMethodType) prometheus.Labels {
	return prometheus.Labels{
		callMetricsLabelService:    c.Service,
		callMetricsLabelMethod:     c.Method,
		callMetricsLabelMethodType: string(methodType),
		callMetricsLabelTarget:     c.Target,
	}
}

// MetricsUnaryInterceptor is a gRPC unary client interceptor that collects metrics for outgoing calls.
func MetricsUnaryInterceptor(collector MetricsCollector) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		finish := startCallMetrics(collector, cc.Target(), method, CallMethodTypeUnary)
		err := invoker(ctx, method, req, reply, cc, callOpts...)
		finish(err)
		return err
	}
}

// MetricsStreamInterceptor is a gRPC stream client interceptor that collects metrics for outgoing streams.
// A stream is considered finished when RecvMsg returns an error (io.EOF included).
func MetricsStreamInterceptor(collector MetricsCollector) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer,
		callOpts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		finish := startCallMetrics(collector, cc.Target(), method, CallMethodTypeStream)
		stream, err := streamer(ctx, desc, cc, method, callOpts...)
		if err != nil {
			finish(err)
			return nil, err
		}
		return newFinishingClientStream(stream, finish), nil
	}
}

func startCallMetrics(
	collector MetricsCollector, target, fullMethod string, methodType CallMethodType,
) (finish func(err error)) {
	startTime := time.Now()
	service, method := splitFullMethodName(fullMethod)
	callInfo := CallInfoMetrics{Service: service, Method: method, Target: target}
	collector.IncInFlightCalls(callInfo, methodType)
	return func(err error) {
		collector.DecInFlightCalls(callInfo, methodType)
		collector.ObserveCallFinish(callInfo, methodType, status.Code(err), startTime)
	}
}
