/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"
)

type testService struct {
	grpc_testing.UnimplementedTestServiceServer

	mu                         sync.Mutex
	lastMD                     metadata.MD
	unaryCallHandler           func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error)
	streamingOutputCallHandler func(req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer) error
}

func (s *testService) UnaryCall(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	handler := s.remember(ctx)
	if handler.unary != nil {
		return handler.unary(ctx, req)
	}
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
}

func (s *testService) StreamingOutputCall(
	req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	handler := s.remember(stream.Context())
	if handler.stream != nil {
		return handler.stream(req, stream)
	}
	return stream.Send(&grpc_testing.StreamingOutputCallResponse{
		Payload: &grpc_testing.Payload{Body: []byte("test-stream")},
	})
}

type testHandlers struct {
	unary  func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error)
	stream func(req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer) error
}

func (s *testService) remember(ctx context.Context) testHandlers {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMD = md
	return testHandlers{unary: s.unaryCallHandler, stream: s.streamingOutputCallHandler}
}

func (s *testService) LastMetadata() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMD
}

func (s *testService) SwitchUnaryCallHandler(
	handler func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error),
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unaryCallHandler = handler
}

func (s *testService) SwitchStreamingOutputCallHandler(
	handler func(req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer) error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamingOutputCallHandler = handler
}

// testServiceClient wraps generated client and knows the target it is connected to.
type testServiceClient struct {
	grpc_testing.TestServiceClient
	target string
}

// startTestService starts the test gRPC service on a random localhost port
// and returns the client connected to it with the given (client interceptors, mostly) dial options.
func startTestService(
	dialOpts []grpc.DialOption,
) (svc *testService, client *testServiceClient, closeFn func() error, err error) {
	svc = &testService{}
	srv := grpc.NewServer()
	grpc_testing.RegisterTestServiceServer(srv, svc)

	ln, lnErr := net.Listen("tcp", "localhost:0")
	if lnErr != nil {
		return nil, nil, nil, fmt.Errorf("listen: %w", lnErr)
	}
	serveResult := make(chan error)
	go func() {
		serveResult <- srv.Serve(ln)
	}()
	defer func() {
		if err != nil {
			srv.Stop()
			if srvErr := <-serveResult; srvErr != nil {
				err = fmt.Errorf("serve: %w; %w", srvErr, err)
			}
		}
	}()

	target := ln.Addr().String()
	clientConn, dialErr := grpc.NewClient(target,
		append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))...)
	if dialErr != nil {
		return nil, nil, nil, fmt.Errorf("dial: %w", dialErr)
	}
	client = &testServiceClient{TestServiceClient: grpc_testing.NewTestServiceClient(clientConn), target: target}
	return svc, client, func() error {
		mErr := clientConn.Close()
		srv.GracefulStop()
		return errors.Join(mErr, <-serveResult)
	}, nil
}

// makeTestCall makes unary or server-streaming call and, in the latter case, reads the stream to the end.
func makeTestCall(ctx context.Context, client *testServiceClient, unary bool) error {
	if unary {
		_, err := client.UnaryCall(ctx, &grpc_testing.SimpleRequest{})
		return err
	}
	stream, err := client.StreamingOutputCall(ctx, &grpc_testing.StreamingOutputCallRequest{})
	if err != nil {
		return err
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func testMethodName(unary bool) string {
	if unary {
		return "UnaryCall"
	}
	return "StreamingOutputCall"
}

func testMethodType(unary bool) CallMethodType {
	if unary {
		return CallMethodTypeUnary
	}
	return CallMethodTypeStream
}
