package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sameehj/aegix/pkg/backend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const shutdownReleaseTimeout = 30 * time.Second

// Server serves a local Backend to remote brokers. Instances still held when
// the server stops are released.
type Server struct {
	backend backend.Backend
	logger  *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

func NewServer(b backend.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: b, logger: logger, held: make(map[string]struct{})}
}

// Register attaches the sandbox service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer returns a grpc.Server speaking the JSON codec with s registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.logger.Info("sandbox_server_listening", "addr", lis.Addr().String(), "backend", s.backend.Name())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		s.ReleaseAll()
		return nil
	case err := <-errCh:
		s.ReleaseAll()
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve sandbox: %w", err)
		}
		return nil
	}
}

// ReleaseAll destroys every instance acquired through this server and not yet
// released.
func (s *Server) ReleaseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	s.held = make(map[string]struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownReleaseTimeout)
	defer cancel()
	for _, id := range ids {
		if err := s.backend.Release(ctx, id); err != nil {
			s.logger.Warn("sandbox_release_on_shutdown_failed", "instance_id", id, "error", err)
		}
	}
}

// Held returns the number of outstanding instances.
func (s *Server) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Server) acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	id, err := s.backend.Acquire(ctx, req.Spec)
	if err != nil {
		s.logger.Warn("sandbox_acquire_failed", "run_id", req.Spec.RunID, "error", err)
		return nil, toStatus(err)
	}
	s.mu.Lock()
	s.held[id] = struct{}{}
	s.mu.Unlock()
	return &AcquireResponse{InstanceID: id}, nil
}

func (s *Server) execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	res, err := s.backend.Execute(ctx, req.InstanceID, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecuteResponse{Result: res}, nil
}

func (s *Server) release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	s.mu.Lock()
	delete(s.held, req.InstanceID)
	s.mu.Unlock()
	if err := s.backend.Release(ctx, req.InstanceID); err != nil {
		return nil, toStatus(err)
	}
	return &ReleaseResponse{}, nil
}

func toStatus(err error) error {
	switch {
	case backend.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, backend.ErrUnknownInstance):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
