package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/matheus3301/streakchat/internal/api"
	"github.com/matheus3301/streakchat/internal/lock"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/profile"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server serves the Conversations API on the profile's Unix socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer binds the profile's socket. It takes the profile lock so a
// second daemon never replaces a live socket.
func NewServer(p Params, _ *lock.Lock, m *metrics.Metrics, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Holding the lock means any socket file left here is from a dead daemon.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		metrics:    m,
		logger:     logger.Named("api"),
	}
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.observeUnary),
		grpc.ChainStreamInterceptor(s.observeStream),
	)
	api.Register(s.grpcServer, svc)
	return s, nil
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls and removes the socket file. Open
// WatchEvents streams are cut once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *Server) observeStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.observe(info.FullMethod, start, err)
	return err
}

func (s *Server) observe(fullMethod string, start time.Time, err error) {
	method := path.Base(fullMethod)
	elapsed := time.Since(start)
	code := status.Code(err)
	s.metrics.ObserveRPC(method, code.String(), elapsed)

	fields := []zap.Field{zap.String("method", method), zap.Stringer("code", code), zap.Duration("took", elapsed)}
	switch code {
	case codes.OK, codes.Canceled:
		s.logger.Debug("call", fields...)
	case codes.Internal, codes.Unknown:
		s.logger.Error("call failed", append(fields, zap.Error(err))...)
	default:
		s.logger.Info("call rejected", append(fields, zap.Error(err))...)
	}
}
