/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "grpcClient"

const (
	cfgKeyUserAgent                  = "userAgent"
	cfgKeyTimeoutsIdle               = "timeouts.idle"
	cfgKeyKeepaliveTime              = "keepalive.time"
	cfgKeyKeepaliveTimeout           = "keepalive.timeout"
	cfgKeyKeepalivePermitWithoutStrm = "keepalive.permitWithoutStream"
	cfgKeyLimitsMaxRecvMessageSize   = "limits.maxRecvMessageSize"
	cfgKeyLimitsMaxSendMessageSize   = "limits.maxSendMessageSize"
	cfgKeyLogEnabled                 = "log.enabled"
	cfgKeyLogCallStart               = "log.callStart"
	cfgKeyLogExcludedMethods         = "log.excludedMethods"
	cfgKeyLogSlowCallThreshold       = "log.slowCallThreshold"
	cfgKeyMetricsEnabled             = "metrics.enabled"
	cfgKeyRateLimitsEnabled          = "rateLimits.enabled"
	cfgKeyRateLimitsLimit            = "rateLimits.limit"
	cfgKeyRateLimitsBurst            = "rateLimits.burst"
	cfgKeyRateLimitsWaitTimeout      = "rateLimits.waitTimeout"
	cfgKeyTLSEnabled                 = "tls.enabled"
	cfgKeyTLSCACert                  = "tls.caCert"
	cfgKeyTLSCert                    = "tls.cert"
	cfgKeyTLSKey                     = "tls.key"
	cfgKeyTLSServerName              = "tls.serverName"
	cfgKeyTLSInsecureSkipVerify      = "tls.insecureSkipVerify"
)

const (
	defaultIdleTimeout        = time.Minute * 30
	defaultKeepaliveTimeout   = time.Second * 20
	defaultMaxRecvMessageSize = 1024 * 1024 * 4 // 4MB
	defaultMaxSendMessageSize = 1024 * 1024 * 4 // 4MB
	defaultMaxMessageSizeStr  = "4M"
	defaultSlowCallThreshold  = time.Second
	defaultRateLimitBurst     = 1
	defaultRateLimitWait      = time.Second * 15
)

// Config represents a set of configuration parameters that are applied to every channel created by ChannelFactory.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader.
type Config struct {
	UserAgent  string           `mapstructure:"userAgent" yaml:"userAgent" json:"userAgent"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Keepalive  KeepaliveConfig  `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	Limits     LimitsConfig     `mapstructure:"limits" yaml:"limits" json:"limits"`
	Log        LogConfig        `mapstructure:"log" yaml:"log" json:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	RateLimits RateLimitsConfig `mapstructure:"rateLimits" yaml:"rateLimits" json:"rateLimits"`
	TLS        TLSConfig        `mapstructure:"tls" yaml:"tls" json:"tls"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Timeouts:  TimeoutsConfig{Idle: defaultIdleTimeout},
		Keepalive: KeepaliveConfig{Timeout: defaultKeepaliveTimeout},
		Limits: LimitsConfig{
			MaxRecvMessageSize: defaultMaxRecvMessageSize,
			MaxSendMessageSize: defaultMaxSendMessageSize,
		},
		Log: LogConfig{
			Enabled:           true,
			SlowCallThreshold: defaultSlowCallThreshold,
		},
		Metrics: MetricsConfig{Enabled: true},
		RateLimits: RateLimitsConfig{
			Burst:       defaultRateLimitBurst,
			WaitTimeout: defaultRateLimitWait,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for gRPC client channels in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTimeoutsIdle, defaultIdleTimeout)
	dp.SetDefault(cfgKeyKeepaliveTimeout, defaultKeepaliveTimeout)
	dp.SetDefault(cfgKeyLimitsMaxRecvMessageSize, defaultMaxMessageSizeStr)
	dp.SetDefault(cfgKeyLimitsMaxSendMessageSize, defaultMaxMessageSizeStr)
	dp.SetDefault(cfgKeyLogEnabled, true)
	dp.SetDefault(cfgKeyLogCallStart, false)
	dp.SetDefault(cfgKeyLogSlowCallThreshold, defaultSlowCallThreshold)
	dp.SetDefault(cfgKeyMetricsEnabled, true)
	dp.SetDefault(cfgKeyRateLimitsEnabled, false)
	dp.SetDefault(cfgKeyRateLimitsBurst, defaultRateLimitBurst)
	dp.SetDefault(cfgKeyRateLimitsWaitTimeout, defaultRateLimitWait)
}

// Set sets gRPC client configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.UserAgent, err = dp.GetString(cfgKeyUserAgent); err != nil {
		return err
	}

	setters := []func(dp config.DataProvider) error{
		c.Timeouts.Set,
		c.Keepalive.Set,
		c.Limits.Set,
		c.Log.Set,
		c.Metrics.Set,
		c.RateLimits.Set,
		c.TLS.Set,
	}
	for _, set := range setters {
		if err = set(dp); err != nil {
			return err
		}
	}
	return nil
}

// TimeoutsConfig represents a set of configuration parameters for gRPC client channels relating to timeouts.
type TimeoutsConfig struct {
	// Idle is the duration after which a channel without active calls goes idle and drops its transports.
	// The channel reconnects transparently on the next call. Zero keeps gRPC's own default.
	Idle time.Duration `mapstructure:"idle" yaml:"idle" json:"idle"`
}

// Set sets timeouts configuration values from config.DataProvider.
func (t *TimeoutsConfig) Set(dp config.DataProvider) error {
	dur, err := getNonNegativeDuration(dp, cfgKeyTimeoutsIdle)
	if err != nil {
		return err
	}
	t.Idle = dur
	return nil
}

// KeepaliveConfig represents a set of configuration parameters for gRPC client channels relating to keepalive.
type KeepaliveConfig struct {
	// Time is the interval of keepalive pings. Zero disables client keepalive.
	Time                time.Duration `mapstructure:"time" yaml:"time" json:"time"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	PermitWithoutStream bool          `mapstructure:"permitWithoutStream" yaml:"permitWithoutStream" json:"permitWithoutStream"`
}

// Set sets keepalive configuration values from config.DataProvider.
func (k *KeepaliveConfig) Set(dp config.DataProvider) error {
	var err error
	if k.Time, err = getNonNegativeDuration(dp, cfgKeyKeepaliveTime); err != nil {
		return err
	}
	if k.Timeout, err = getNonNegativeDuration(dp, cfgKeyKeepaliveTimeout); err != nil {
		return err
	}
	if k.PermitWithoutStream, err = dp.GetBool(cfgKeyKeepalivePermitWithoutStrm); err != nil {
		return err
	}
	return nil
}

// LimitsConfig represents a set of configuration parameters for gRPC client channels relating to limits.
type LimitsConfig struct {
	// MaxRecvMessageSize is the maximum size of a received message in bytes.
	MaxRecvMessageSize uint64 `mapstructure:"maxRecvMessageSize" yaml:"maxRecvMessageSize" json:"maxRecvMessageSize"`

	// MaxSendMessageSize is the maximum size of a sent message in bytes.
	MaxSendMessageSize uint64 `mapstructure:"maxSendMessageSize" yaml:"maxSendMessageSize" json:"maxSendMessageSize"`
}

// Set sets limits configuration values from config.DataProvider.
func (l *LimitsConfig) Set(dp config.DataProvider) error {
	maxRecv, err := dp.GetSizeInBytes(cfgKeyLimitsMaxRecvMessageSize)
	l.MaxRecvMessageSize = uint64(maxRecv)
	if err != nil {
		return err
	}
	maxSend, err := dp.GetSizeInBytes(cfgKeyLimitsMaxSendMessageSize)
	l.MaxSendMessageSize = uint64(maxSend)
	if err != nil {
		return err
	}
	return nil
}

// LogConfig represents a set of configuration parameters for logging of outgoing gRPC calls.
type LogConfig struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CallStart bool `mapstructure:"callStart" yaml:"callStart" json:"callStart"`

	// ExcludedMethods contains full method names (or glob patterns like "/grpc.health.v1.Health/*")
	// of calls that are logged only when they fail.
	ExcludedMethods   []string      `mapstructure:"excludedMethods" yaml:"excludedMethods" json:"excludedMethods"`
	SlowCallThreshold time.Duration `mapstructure:"slowCallThreshold" yaml:"slowCallThreshold" json:"slowCallThreshold"`
}

// Set sets logging configuration values from config.DataProvider.
func (l *LogConfig) Set(dp config.DataProvider) error {
	var err error
	if l.Enabled, err = dp.GetBool(cfgKeyLogEnabled); err != nil {
		return err
	}
	if l.CallStart, err = dp.GetBool(cfgKeyLogCallStart); err != nil {
		return err
	}
	if l.ExcludedMethods, err = dp.GetStringSlice(cfgKeyLogExcludedMethods); err != nil {
		return err
	}
	if l.SlowCallThreshold, err = getNonNegativeDuration(dp, cfgKeyLogSlowCallThreshold); err != nil {
		return err
	}
	return nil
}

// MetricsConfig represents a set of configuration parameters for Prometheus metrics of outgoing gRPC calls.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// Set sets metrics configuration values from config.DataProvider.
func (m *MetricsConfig) Set(dp config.DataProvider) error {
	var err error
	m.Enabled, err = dp.GetBool(cfgKeyMetricsEnabled)
	return err
}

// RateLimitsConfig represents a set of configuration parameters for client-side rate limiting.
// The limit is applied per channel.
type RateLimitsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Limit is the maximum number of calls per second.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`

	// Burst allows temporary spikes in call rate.
	Burst int `mapstructure:"burst" yaml:"burst" json:"burst"`

	// WaitTimeout is the maximum time a call waits for the rate limiter.
	WaitTimeout time.Duration `mapstructure:"waitTimeout" yaml:"waitTimeout" json:"waitTimeout"`
}

// Set sets rate limiting configuration values from config.DataProvider.
func (r *RateLimitsConfig) Set(dp config.DataProvider) error {
	var err error
	if r.Enabled, err = dp.GetBool(cfgKeyRateLimitsEnabled); err != nil {
		return err
	}
	if r.Limit, err = dp.GetInt(cfgKeyRateLimitsLimit); err != nil {
		return err
	}
	if r.Burst, err = dp.GetInt(cfgKeyRateLimitsBurst); err != nil {
		return err
	}
	if r.WaitTimeout, err = getNonNegativeDuration(dp, cfgKeyRateLimitsWaitTimeout); err != nil {
		return err
	}
	if !r.Enabled {
		return nil
	}
	if r.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsLimit, errors.New("must be positive"))
	}
	if r.Burst < 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsBurst, errors.New("cannot be negative"))
	}
	return nil
}

// TLSConfig contains configuration parameters needed to establish secure channels.
type TLSConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// CACertificate is a path to the PEM file with CA certificates. System roots are used when empty.
	CACertificate string `mapstructure:"caCert" yaml:"caCert" json:"caCert"`

	// Certificate and Key are paths to the client certificate and key for mutual TLS.
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`

	ServerName         string `mapstructure:"serverName" yaml:"serverName" json:"serverName"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify" yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
}

// Set sets TLS configuration values from config.DataProvider.
func (s *TLSConfig) Set(dp config.DataProvider) error {
	var err error
	if s.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if s.CACertificate, err = dp.GetString(cfgKeyTLSCACert); err != nil {
		return err
	}
	if s.Certificate, err = dp.GetString(cfgKeyTLSCert); err != nil {
		return err
	}
	if s.Key, err = dp.GetString(cfgKeyTLSKey); err != nil {
		return err
	}
	if (s.Certificate == "") != (s.Key == "") {
		return dp.WrapKeyErr(cfgKeyTLSCert, fmt.Errorf("client certificate and key must be set together"))
	}
	if s.ServerName, err = dp.GetString(cfgKeyTLSServerName); err != nil {
		return err
	}
	if s.InsecureSkipVerify, err = dp.GetBool(cfgKeyTLSInsecureSkipVerify); err != nil {
		return err
	}
	return nil
}

func getNonNegativeDuration(dp config.DataProvider, key string) (time.Duration, error) {
	dur, err := dp.GetDuration(key)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, dp.WrapKeyErr(key, errors.New("cannot be negative"))
	}
	return dur, nil
}
