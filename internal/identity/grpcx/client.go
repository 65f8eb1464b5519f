package grpcx

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
)

// Client implements identity.Dispatcher against a remote identity service.
type Client struct {
	cc grpc.ClientConnInterface
}

var _ identity.Dispatcher = (*Client)(nil)

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Execute sends cmd and decodes the typed result. Remote errors come back
// wrapping the matching identity sentinel so errors.Is keeps working.
func (c *Client) Execute(ctx context.Context, cmd identity.Command) (any, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("grpcx: encode %s: %w", cmd.CommandName(), err)
	}

	req := &CommandRequest{Command: cmd.CommandName(), Payload: payload}
	resp := new(CommandResponse)
	if err := c.cc.Invoke(ctx, executeMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fromStatus(cmd.CommandName(), err)
	}

	out, err := identity.NewResult(cmd.CommandName())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return nil, fmt.Errorf("grpcx: decode %s result: %w", cmd.CommandName(), err)
	}
	return out, nil
}

func fromStatus(command string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpcx: %s: %w", command, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", identity.ErrNotFound, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", identity.ErrAlreadyExists, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", identity.ErrInvalidArgument, st.Message())
	default:
		return fmt.Errorf("grpcx: %s: %w", command, err)
	}
}
