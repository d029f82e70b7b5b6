/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"

	"github.com/acronis/go-appkit/log/logtest"
	"github.com/acronis/go-appkit/service"

	"github.com/acronis/go-grpcclient/grpcchannel/interceptor"
)

type ChannelFactoryTestSuite struct {
	suite.Suite
	logger    *logtest.Recorder
	dialCalls *atomic.Int32
	factory   *ChannelFactory
}

func TestChannelFactory(t *testing.T) {
	suite.Run(t, new(ChannelFactoryTestSuite))
}

func (s *ChannelFactoryTestSuite) SetupTest() {
	s.logger = logtest.NewRecorder()
	s.dialCalls = atomic.NewInt32(0)
	s.factory = s.newFactory(nil, WithDialFunc(s.countingDial(grpc.NewClient)))
}

func (s *ChannelFactoryTestSuite) TearDownTest() {
	_ = s.factory.Destroy()
}

func (s *ChannelFactoryTestSuite) newFactory(cfg *Config, opts ...Option) *ChannelFactory {
	f, err := New(cfg, s.logger, opts...)
	s.Require().NoError(err)
	return f
}

func (s *ChannelFactoryTestSuite) countingDial(dial DialFunc) DialFunc {
	return func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		s.dialCalls.Inc()
		return dial(target, opts...)
	}
}

func (s *ChannelFactoryTestSuite) TestBuildReturnsCachedChannel() {
	conn1, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)
	conn2, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)

	s.Require().Same(conn1, conn2)
	s.Require().Equal(int32(1), s.dialCalls.Load())
	s.Require().Equal(1, s.factory.Len())

	_, found := s.logger.FindEntry("gRPC channel created")
	s.Require().True(found)
}

func (s *ChannelFactoryTestSuite) TestChannelsAreIsolatedByAuthority() {
	connA, err := s.factory.CreateChannel("localhost:5002").Build()
	s.Require().NoError(err)
	connB, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)

	s.Require().NotSame(connA, connB)
	s.Require().Equal("localhost:5002", connA.Target())
	s.Require().Equal("localhost:5001", connB.Target())
	s.Require().Equal(int32(2), s.dialCalls.Load())
	s.Require().Equal([]string{"localhost:5001", "localhost:5002"}, s.factory.Authorities())
}

func (s *ChannelFactoryTestSuite) TestConcurrentBuildsConstructOnce() {
	const callers = 50

	release := make(chan struct{})
	s.factory = s.newFactory(nil, WithDialFunc(s.countingDial(func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		<-release
		return grpc.NewClient(target, opts...)
	})))

	start := make(chan struct{})
	conns := make([]*grpc.ClientConn, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conns[i], errs[i] = s.factory.CreateChannel("localhost:5001").Build()
		}(i)
	}
	close(start)
	s.Require().Eventually(func() bool { return s.dialCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	s.Require().Equal(int32(1), s.dialCalls.Load())
	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Require().Same(conns[0], conns[i])
	}
	s.Require().Equal(1, s.factory.Len())
}

func (s *ChannelFactoryTestSuite) TestConstructionFailureIsNotCached() {
	dialErr := errors.New("dial error")
	failDial := atomic.NewBool(true)
	s.factory = s.newFactory(nil, WithDialFunc(s.countingDial(func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		if failDial.Load() {
			return nil, dialErr
		}
		return grpc.NewClient(target, opts...)
	})))

	conn, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().Same(dialErr, err)
	s.Require().Nil(conn)
	s.Require().Equal(0, s.factory.Len())
	_, found := s.logger.FindEntry("failed to construct gRPC channel")
	s.Require().True(found)

	failDial.Store(false)
	conn, err = s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)
	s.Require().NotNil(conn)
	s.Require().Equal(int32(2), s.dialCalls.Load())
	s.Require().Equal(1, s.factory.Len())
}

func (s *ChannelFactoryTestSuite) TestFirstConfigurationWins() {
	svc, addr, closeSrv := s.startTestServer()
	defer func() { s.Require().NoError(closeSrv()) }()

	builder1 := s.factory.CreateChannel(addr).WithUserAgent("first-builder")
	builder2 := s.factory.CreateChannel(addr).WithUserAgent("second-builder")

	conn1, err := builder1.Build()
	s.Require().NoError(err)
	conn2, err := builder2.Build()
	s.Require().NoError(err)
	s.Require().Same(conn1, conn2)
	s.Require().Equal(int32(1), s.dialCalls.Load())

	// The second builder's configuration is silently discarded.
	_, err = grpc_testing.NewTestServiceClient(conn2).UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
	s.Require().NoError(err)
	userAgent := svc.LastMetadata().Get("user-agent")
	s.Require().Len(userAgent, 1)
	s.Require().True(strings.HasPrefix(userAgent[0], "first-builder"))
}

func (s *ChannelFactoryTestSuite) TestDestroyClosesAllChannels() {
	var conns []*grpc.ClientConn
	for _, authority := range []string{"localhost:5001", "localhost:5002", "localhost:5003"} {
		conn, err := s.factory.CreateChannel(authority).Build()
		s.Require().NoError(err)
		conns = append(conns, conn)
	}

	s.Require().NoError(s.factory.Destroy())

	for _, conn := range conns {
		s.Require().Equal(connectivity.Shutdown, conn.GetState())
	}
	s.Require().Equal(0, s.factory.Len())
	s.Require().Len(s.logger.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
		return entry.Text == "gRPC channel closed"
	}), 3)
}

func (s *ChannelFactoryTestSuite) TestDestroyWithEmptyCache() {
	s.Require().NoError(s.factory.Destroy())
	s.Require().Equal(int32(0), s.dialCalls.Load())
}

func (s *ChannelFactoryTestSuite) TestDestroyIsIdempotent() {
	conn, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)

	s.Require().NoError(s.factory.Destroy())
	s.Require().NoError(s.factory.Destroy())
	s.Require().Equal(connectivity.Shutdown, conn.GetState())
}

func (s *ChannelFactoryTestSuite) TestDestroyContinuesAfterShutdownFailure() {
	connA, err := s.factory.CreateChannel("a.local:443").Build()
	s.Require().NoError(err)
	connB, err := s.factory.CreateChannel("b.local:443").Build()
	s.Require().NoError(err)
	connC, err := s.factory.CreateChannel("c.local:443").Build()
	s.Require().NoError(err)

	// Closing an already closed channel fails.
	s.Require().NoError(connB.Close())

	err = s.factory.Destroy()
	var shutdownErr *ChannelsShutdownError
	s.Require().ErrorAs(err, &shutdownErr)
	s.Require().Len(shutdownErr.ChannelErrors, 1)
	s.Require().Equal("b.local:443", shutdownErr.ChannelErrors[0].Authority)
	s.Require().ErrorIs(err, grpc.ErrClientConnClosing)
	s.Require().Contains(err.Error(), `"b.local:443"`)

	s.Require().Equal(connectivity.Shutdown, connA.GetState())
	s.Require().Equal(connectivity.Shutdown, connC.GetState())

	_, found := s.logger.FindEntry("failed to close gRPC channel")
	s.Require().True(found)
}

func (s *ChannelFactoryTestSuite) TestBuildAfterDestroy() {
	s.Require().NoError(s.factory.Destroy())

	conn, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().ErrorIs(err, ErrFactoryClosed)
	s.Require().Nil(conn)
	s.Require().Equal(int32(0), s.dialCalls.Load())
	s.Require().Equal(0, s.factory.Len())
}

func (s *ChannelFactoryTestSuite) TestConstructionRacingWithDestroy() {
	dialStarted := make(chan struct{})
	release := make(chan struct{})
	var dialedConn *grpc.ClientConn
	s.factory = s.newFactory(nil, WithDialFunc(func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		close(dialStarted)
		<-release
		conn, err := grpc.NewClient(target, opts...)
		dialedConn = conn
		return conn, err
	}))

	buildResult := make(chan error)
	go func() {
		_, err := s.factory.CreateChannel("localhost:5001").Build()
		buildResult <- err
	}()

	<-dialStarted
	s.Require().NoError(s.factory.Destroy())
	close(release)

	s.Require().ErrorIs(<-buildResult, ErrFactoryClosed)
	s.Require().NotNil(dialedConn)
	s.Require().Equal(connectivity.Shutdown, dialedConn.GetState())
	s.Require().Equal(0, s.factory.Len())
}

func (s *ChannelFactoryTestSuite) TestStopAsServiceUnit() {
	conn, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)

	var unit service.Unit = s.factory
	fatalErr := make(chan error, 1)
	unit.Start(fatalErr)
	s.Require().NoError(unit.Stop(true))
	s.Require().Equal(connectivity.Shutdown, conn.GetState())

	_, err = s.factory.CreateChannel("localhost:5001").Build()
	s.Require().ErrorIs(err, ErrFactoryClosed)
}

func (s *ChannelFactoryTestSuite) TestBuildMetrics() {
	dialErr := errors.New("dial error")
	s.factory = s.newFactory(nil, WithDialFunc(func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
		if target == "broken.local:443" {
			return nil, dialErr
		}
		return grpc.NewClient(target, opts...)
	}))
	s.Require().NotNil(s.factory.promMetrics)
	builds := func(result string) float64 {
		return promtestutil.ToFloat64(s.factory.promMetrics.BuildsTotal.WithLabelValues(result))
	}
	channelsAmount := func() float64 {
		return promtestutil.ToFloat64(s.factory.promMetrics.ChannelsAmount.WithLabelValues())
	}

	for i := 0; i < 3; i++ {
		_, err := s.factory.CreateChannel("localhost:5001").Build()
		s.Require().NoError(err)
	}
	_, err := s.factory.CreateChannel("localhost:5002").Build()
	s.Require().NoError(err)
	_, err = s.factory.CreateChannel("broken.local:443").Build()
	s.Require().ErrorIs(err, dialErr)

	s.Require().Equal(2.0, builds(BuildResultConstructed))
	s.Require().Equal(2.0, builds(BuildResultHit))
	s.Require().Equal(1.0, builds(BuildResultFailed))
	s.Require().Equal(2.0, channelsAmount())

	s.Require().NoError(s.factory.Destroy())
	_, err = s.factory.CreateChannel("localhost:5001").Build()
	s.Require().ErrorIs(err, ErrFactoryClosed)
	s.Require().Equal(1.0, builds(BuildResultRejected))
	s.Require().Equal(0.0, channelsAmount())
}

func (s *ChannelFactoryTestSuite) TestMetricsDisabled() {
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = false
	s.factory = s.newFactory(cfg)
	s.Require().Nil(s.factory.promMetrics)
	s.Require().Nil(s.factory.callPromMetric)

	// No-op for disabled metrics.
	s.factory.MustRegisterMetrics()
	s.factory.UnregisterMetrics()

	_, err := s.factory.CreateChannel("localhost:5001").Build()
	s.Require().NoError(err)
}

func (s *ChannelFactoryTestSuite) TestCallThroughBuiltChannel() {
	svc, addr, closeSrv := s.startTestServer()
	defer func() { s.Require().NoError(closeSrv()) }()

	cfg := NewDefaultConfig()
	cfg.UserAgent = "channel-factory-test"
	builderInterceptorCalls := atomic.NewInt32(0)
	s.factory = s.newFactory(cfg)

	conn, err := s.factory.CreateChannel(addr).
		WithUnaryInterceptors(func(
			ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker,
			opts ...grpc.CallOption,
		) error {
			builderInterceptorCalls.Inc()
			return invoker(ctx, method, req, reply, cc, opts...)
		}).
		Build()
	s.Require().NoError(err)

	ctx := interceptor.NewContextWithRequestID(context.Background(), "test-request-id")
	resp, err := grpc_testing.NewTestServiceClient(conn).UnaryCall(ctx, &grpc_testing.SimpleRequest{})
	s.Require().NoError(err)
	s.Require().Equal("test", string(resp.GetPayload().GetBody()))

	s.Require().Equal(int32(1), builderInterceptorCalls.Load())
	md := svc.LastMetadata()
	s.Require().Equal([]string{"test-request-id"}, md.Get("x-request-id"))
	s.Require().Len(md.Get("user-agent"), 1)
	s.Require().Contains(md.Get("user-agent")[0], "channel-factory-test")

	callEntry, found := s.logger.FindEntryByFilter(func(entry logtest.RecordedEntry) bool {
		return strings.HasPrefix(entry.Text, "gRPC client call finished")
	})
	s.Require().True(found)
	targetField, found := callEntry.FindField("grpc_target")
	s.Require().True(found)
	s.Require().Equal(addr, string(targetField.Bytes))

	inFlight := s.factory.callPromMetric.InFlight.WithLabelValues("grpc.testing.TestService", "UnaryCall", "unary", addr)
	s.Require().Equal(0.0, promtestutil.ToFloat64(inFlight))
}

func (s *ChannelFactoryTestSuite) TestRateLimitsPerChannel() {
	_, addr, closeSrv := s.startTestServer()
	defer func() { s.Require().NoError(closeSrv()) }()

	cfg := NewDefaultConfig()
	cfg.RateLimits = RateLimitsConfig{Enabled: true, Limit: 1, Burst: 1, WaitTimeout: 10 * time.Millisecond}
	s.factory = s.newFactory(cfg)

	conn, err := s.factory.CreateChannel(addr).Build()
	s.Require().NoError(err)
	client := grpc_testing.NewTestServiceClient(conn)

	_, err = client.UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
	s.Require().NoError(err)
	_, err = client.UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
	var waitErr *interceptor.RateLimitingWaitError
	s.Require().ErrorAs(err, &waitErr)
}

func (s *ChannelFactoryTestSuite) startTestServer() (svc *testService, addr string, closeFn func() error) {
	svc = &testService{}
	srv := grpc.NewServer()
	grpc_testing.RegisterTestServiceServer(srv, svc)
	ln, err := net.Listen("tcp", "localhost:0")
	s.Require().NoError(err)
	serveResult := make(chan error, 1)
	go func() {
		serveResult <- srv.Serve(ln)
	}()
	return svc, ln.Addr().String(), func() error {
		srv.GracefulStop()
		return <-serveResult
	}
}

type testService struct {
	grpc_testing.UnimplementedTestServiceServer
	mu     sync.Mutex
	lastMD metadata.MD
}

func (s *testService) UnaryCall(ctx context.Context, _ *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	s.lastMD = md
	s.mu.Unlock()
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
}

func (s *testService) LastMetadata() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMD
}

func TestNew(t *testing.T) {
	t.Run("nil config and logger", func(t *testing.T) {
		f, err := New(nil, nil)
		require.NoError(t, err)
		require.NotNil(t, f.promMetrics)
		require.NoError(t, f.Destroy())
	})

	t.Run("invalid rate limit", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.RateLimits = RateLimitsConfig{Enabled: true}
		_, err := New(cfg, nil)
		require.EqualError(t, err, "create rate limiter: rate limit must be positive")
	})

	t.Run("missing TLS CA certificate", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.TLS = TLSConfig{Enabled: true, CACertificate: filepath.Join(t.TempDir(), "missing.pem")}
		_, err := New(cfg, nil)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid TLS CA certificate", func(t *testing.T) {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caPath, []byte("not a certificate"), 0o600))
		cfg := NewDefaultConfig()
		cfg.TLS = TLSConfig{Enabled: true, CACertificate: caPath}
		_, err := New(cfg, nil)
		require.EqualError(t, err, "read TLS CA certificate: no valid PEM certificates found")
	})

	t.Run("invalid TLS key pair", func(t *testing.T) {
		dir := t.TempDir()
		certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
		require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0o600))
		require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
		cfg := NewDefaultConfig()
		cfg.TLS = TLSConfig{Enabled: true, Certificate: certPath, Key: keyPath}
		_, err := New(cfg, nil)
		require.ErrorContains(t, err, "load TLS certificates")
	})

	t.Run("TLS with system roots", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.TLS = TLSConfig{Enabled: true, ServerName: "backend.local"}
		f, err := New(cfg, nil)
		require.NoError(t, err)
		conn, err := f.CreateChannel("backend.local:443").Build()
		require.NoError(t, err)
		require.NotNil(t, conn)
		require.NoError(t, f.Destroy())
	})
}

func TestChannelsShutdownError(t *testing.T) {
	errA, errB := errors.New("error a"), errors.New("error b")
	err := &ChannelsShutdownError{ChannelErrors: []*ChannelShutdownError{
		{Authority: "a:1", Inner: errA},
		{Authority: "b:1", Inner: errB},
	}}
	require.Equal(t, `close gRPC channel for "a:1": error a; close gRPC channel for "b:1": error b`, err.Error())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.Len(t, err.Unwrap(), 2)
	require.ErrorIs(t, fmt.Errorf("destroy: %w", err), errB)
}
