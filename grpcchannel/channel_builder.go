/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ChannelBuilder accumulates configuration of a gRPC channel bound to a single authority.
// Configuration is applied only when Build constructs a new channel.
// If a channel for the authority is already cached, the configuration is discarded.
// ChannelBuilder is not safe for concurrent mutation, but Build may be called concurrently.
type ChannelBuilder struct {
	factory     *ChannelFactory
	authority   string
	dialOptions []grpc.DialOption
	callOptions []grpc.CallOption
}

// Authority returns the authority the builder is bound to.
func (b *ChannelBuilder) Authority() string {
	return b.authority
}

// WithTransportCredentials sets transport credentials of the channel.
func (b *ChannelBuilder) WithTransportCredentials(creds credentials.TransportCredentials) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithTransportCredentials(creds))
}

// UsePlaintext disables transport security of the channel.
func (b *ChannelBuilder) UsePlaintext() *ChannelBuilder {
	return b.WithTransportCredentials(insecure.NewCredentials())
}

// WithPerRPCCredentials sets credentials attached to every call made through the channel.
func (b *ChannelBuilder) WithPerRPCCredentials(creds credentials.PerRPCCredentials) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithPerRPCCredentials(creds))
}

// WithUserAgent sets the user agent of the channel.
func (b *ChannelBuilder) WithUserAgent(userAgent string) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithUserAgent(userAgent))
}

// WithAuthorityOverride sets the value of the :authority pseudo-header sent in calls.
func (b *ChannelBuilder) WithAuthorityOverride(authority string) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithAuthority(authority))
}

// WithKeepalive sets keepalive parameters of the channel.
func (b *ChannelBuilder) WithKeepalive(params keepalive.ClientParameters) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithKeepaliveParams(params))
}

// WithIdleTimeout sets the period of inactivity after which the channel enters idle mode.
func (b *ChannelBuilder) WithIdleTimeout(d time.Duration) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithIdleTimeout(d))
}

// WithMaxCallRecvMsgSize sets the maximum size of a message the channel can receive.
func (b *ChannelBuilder) WithMaxCallRecvMsgSize(bytes int) *ChannelBuilder {
	return b.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(bytes))
}

// WithMaxCallSendMsgSize sets the maximum size of a message the channel can send.
func (b *ChannelBuilder) WithMaxCallSendMsgSize(bytes int) *ChannelBuilder {
	return b.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(bytes))
}

// WithCompressor sets the name of the registered compressor used for calls.
func (b *ChannelBuilder) WithCompressor(name string) *ChannelBuilder {
	return b.WithDefaultCallOptions(grpc.UseCompressor(name))
}

// WithDefaultServiceConfig sets the service config in JSON used when the resolver provides none.
func (b *ChannelBuilder) WithDefaultServiceConfig(serviceConfigJSON string) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithDefaultServiceConfig(serviceConfigJSON))
}

// WithUnaryInterceptors adds unary interceptors called after the factory ones.
func (b *ChannelBuilder) WithUnaryInterceptors(interceptors ...grpc.UnaryClientInterceptor) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithChainUnaryInterceptor(interceptors...))
}

// WithStreamInterceptors adds stream interceptors called after the factory ones.
func (b *ChannelBuilder) WithStreamInterceptors(interceptors ...grpc.StreamClientInterceptor) *ChannelBuilder {
	return b.WithDialOptions(grpc.WithChainStreamInterceptor(interceptors...))
}

// WithDefaultCallOptions adds options applied to every call made through the channel.
func (b *ChannelBuilder) WithDefaultCallOptions(opts ...grpc.CallOption) *ChannelBuilder {
	b.callOptions = append(b.callOptions, opts...)
	return b
}

// WithDialOptions adds raw dial options.
func (b *ChannelBuilder) WithDialOptions(opts ...grpc.DialOption) *ChannelBuilder {
	b.dialOptions = append(b.dialOptions, opts...)
	return b
}

// Build returns the channel cached for the authority.
// If there is none, a new channel is constructed with the builder's configuration, cached and returned.
// Concurrent builds for the same authority construct at most one channel.
// Errors of the dial function are returned as is and nothing is cached, so a later Build tries again.
// After the factory is destroyed, ErrFactoryClosed is returned.
func (b *ChannelBuilder) Build() (*grpc.ClientConn, error) {
	return b.factory.getOrCreate(b.authority, b.construct)
}

func (b *ChannelBuilder) construct() (*grpc.ClientConn, error) {
	opts := make([]grpc.DialOption, 0, len(b.dialOptions)+3)
	opts = append(opts, b.dialOptions...)
	opts = append(opts, b.factory.perChannelDialOptions()...)
	if len(b.callOptions) != 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(b.callOptions...))
	}
	return b.factory.dial(b.authority, opts...)
}
