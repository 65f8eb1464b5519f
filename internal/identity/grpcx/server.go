package grpcx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
)

// Server adapts an identity.Dispatcher to IdentityServiceServer.
type Server struct {
	dispatcher identity.Dispatcher
	logger     *slog.Logger
}

var _ IdentityServiceServer = (*Server)(nil)

func NewServer(d identity.Dispatcher, logger *slog.Logger) *Server {
	return &Server{dispatcher: d, logger: logger}
}

func (s *Server) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	cmd, err := identity.NewCommand(req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, cmd); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", req.Command, err)
		}
	}

	res, err := s.dispatcher.Execute(ctx, cmd)
	if err != nil {
		s.logger.WarnContext(ctx, "identity command failed", "command", req.Command, "error", err)
		return nil, toStatus(err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s result: %v", req.Command, err)
	}
	return &CommandResponse{Result: raw}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, identity.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, identity.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
