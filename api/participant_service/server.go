package participantservice

import (
	"context"
	"errors"
	"path"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
)

// Server exposes participants to remote coordinators. The backend is usually
// a transaction.LocalParticipants map.
type Server struct {
	backend transaction.ParticipantClient
	metrics *internaltelemetry.ParticipantRPCMetrics
	logger  *zap.Logger
}

var _ ParticipantServer = (*Server)(nil)

func NewServer(backend transaction.ParticipantClient, metrics *internaltelemetry.ParticipantRPCMetrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, metrics: metrics, logger: logger.Named("participant_server")}
}

func (s *Server) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	vote, err := s.backend.SendPrepare(ctx, req.Participant, transaction.PrepareRequest{Key: req.Key})
	if err != nil {
		return nil, toStatus(err)
	}
	return &PrepareResponse{Vote: vote}, nil
}

func (s *Server) Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	err := s.backend.SendDecision(ctx, req.Participant, transaction.DecisionRequest{Key: req.Key, Decision: req.Decision})
	if err != nil {
		return nil, toStatus(err)
	}
	return &DecisionResponse{Acknowledged: true}, nil
}

// NewGRPCServer builds a gRPC server carrying the participant service and the
// standard health service.
func (s *Server) NewGRPCServer(creds credentials.TransportCredentials) *grpc.Server {
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(s.unaryInterceptor)}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterParticipantServer(grpcServer, s)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return grpcServer
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	var participant string
	var key transaction.TxnKey
	switch r := req.(type) {
	case *PrepareRequest:
		participant, key = string(r.Participant), r.Key
	case *DecisionRequest:
		participant, key = string(r.Participant), r.Key
	}
	method := path.Base(info.FullMethod)
	done := s.metrics.Start(ctx, method, participant)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Participant RPC panicked", zap.String("method", method), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "panic in %s: %v", method, r)
		}
		code := status.Code(err)
		done(code.String())
		if err != nil && code != codes.NotFound {
			s.logger.Warn("Participant RPC failed",
				zap.String("method", method),
				zap.String("participant", participant),
				zap.Stringer("txn", key),
				zap.Error(err))
		}
	}()
	return handler(ctx, req)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, transaction.ErrNoSuchTransaction):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, transaction.ErrDecisionMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transaction.ErrUnknownParticipant):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, transaction.ErrRetryable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
