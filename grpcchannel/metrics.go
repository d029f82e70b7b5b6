/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-grpcclient/internal/libinfo"
)

const buildMetricsLabelResult = "result"

// Values of the "result" label of the builds counter.
const (
	BuildResultHit         = "hit"
	BuildResultConstructed = "constructed"
	BuildResultFailed      = "failed"
	BuildResultRejected    = "rejected"
)

// MetricsCollector represents a collector of metrics for the channel cache.
type MetricsCollector interface {
	// SetChannelsAmount sets the number of channels currently stored in the cache.
	SetChannelsAmount(int)

	// IncBuilds increments the number of ChannelBuilder.Build calls with the given result.
	IncBuilds(result string)

	// IncShutdownFailures increments the number of channels that failed to close.
	IncShutdownFailures()
}

// ChannelsPrometheusMetrics represents Prometheus metrics for the channel cache.
type ChannelsPrometheusMetrics struct {
	ChannelsAmount        *prometheus.GaugeVec
	BuildsTotal           *prometheus.CounterVec
	ShutdownFailuresTotal *prometheus.CounterVec
}

// NewChannelsPrometheusMetrics creates a new instance of ChannelsPrometheusMetrics.
func NewChannelsPrometheusMetrics(namespace string, constLabels prometheus.Labels) *ChannelsPrometheusMetrics {
	constLabels = libinfo.AddPrometheusLibVersionLabel(constLabels)
	return &ChannelsPrometheusMetrics{
		ChannelsAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "grpc_client_channels_amount",
			Help:        "Number of gRPC client channels stored in the cache.",
			ConstLabels: constLabels,
		}, nil),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "grpc_client_channel_builds_total",
			Help:        "Number of gRPC client channel builds partitioned by result.",
			ConstLabels: constLabels,
		}, []string{buildMetricsLabelResult}),
		ShutdownFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "grpc_client_channel_shutdown_failures_total",
			Help:        "Number of gRPC client channels that failed to close.",
			ConstLabels: constLabels,
		}, nil),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *ChannelsPrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.ChannelsAmount, pm.BuildsTotal, pm.ShutdownFailuresTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *ChannelsPrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.ChannelsAmount)
	prometheus.Unregister(pm.BuildsTotal)
	prometheus.Unregister(pm.ShutdownFailuresTotal)
}

// SetChannelsAmount sets the number of channels currently stored in the cache.
func (pm *ChannelsPrometheusMetrics) SetChannelsAmount(amount int) {
	pm.ChannelsAmount.With(nil).Set(float64(amount))
}

// IncBuilds increments the number of builds with the given result.
func (pm *ChannelsPrometheusMetrics) IncBuilds(result string) {
	pm.BuildsTotal.With(prometheus.Labels{buildMetricsLabelResult: result}).Inc()
}

// IncShutdownFailures increments the number of channels that failed to close.
func (pm *ChannelsPrometheusMetrics) IncShutdownFailures() {
	pm.ShutdownFailuresTotal.With(nil).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetChannelsAmount(int) {}
func (disabledMetrics) IncBuilds(string)      {}
func (disabledMetrics) IncShutdownFailures()  {}
