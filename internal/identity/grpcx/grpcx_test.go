package grpcx

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors/constants"
)

// recordingDispatcher remembers the metadata of the last call.
type recordingDispatcher struct {
	identity.Dispatcher
	lastRequestID string
}

func (r *recordingDispatcher) Execute(ctx context.Context, cmd identity.Command) (any, error) {
	r.lastRequestID = interceptors.RequestID(ctx)
	return r.Dispatcher.Execute(ctx, cmd)
}

func startServer(t *testing.T) (*Client, *identity.Service, *recordingDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := identity.NewService(identity.WithBcryptCost(bcrypt.MinCost))
	rec := &recordingDispatcher{Dispatcher: svc}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptors.TraceServerInterceptor(logger)))
	RegisterIdentityServiceServer(srv, NewServer(rec, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn), svc, rec
}

func TestClient_RoundTripsTypedResults(t *testing.T) {
	client, svc, _ := startServer(t)
	ctx := context.Background()

	res, err := client.Execute(ctx, identity.CreateUser{Email: "ada@example.com", DisplayName: "Ada"})
	require.NoError(t, err)
	user, ok := res.(*identity.User)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, "ada@example.com", user.Email)

	_, found := svc.User(user.ID)
	assert.True(t, found)

	res, err = client.Execute(ctx, identity.CreateAuth{UserID: user.ID, Email: user.Email, Password: "correct-horse"})
	require.NoError(t, err)
	auth := res.(*identity.AuthRecord)
	assert.Empty(t, auth.PasswordHash, "hash never leaves the service")

	res, err = client.Execute(ctx, identity.DeleteUser{UserID: user.ID})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.(*identity.Deleted).ID)
}

func TestClient_MapsStatusCodesToSentinels(t *testing.T) {
	client, _, _ := startServer(t)
	ctx := context.Background()

	_, err := client.Execute(ctx, identity.CreateUser{Email: "dup@example.com", DisplayName: "x"})
	require.NoError(t, err)

	_, err = client.Execute(ctx, identity.CreateUser{Email: "dup@example.com", DisplayName: "x"})
	assert.ErrorIs(t, err, identity.ErrAlreadyExists)

	_, err = client.Execute(ctx, identity.DeleteTenant{TenantID: "missing"})
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = client.Execute(ctx, identity.CreateUser{Email: "bad"})
	assert.ErrorIs(t, err, identity.ErrInvalidArgument)
}

func TestClient_PropagatesRequestID(t *testing.T) {
	client, _, rec := startServer(t)

	ctx := interceptors.WithRequestMetadata(context.Background(), "req-42", "idem-42")
	_, err := client.Execute(ctx, identity.CreateUser{Email: "trace@example.com", DisplayName: "t"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", rec.lastRequestID)
}

func TestServer_UnknownCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(identity.NewService(), logger)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(constants.HeaderXRequestId, "r"))
	_, err := srv.Execute(ctx, &CommandRequest{Command: "DropDatabase"})
	require.Error(t, err)
	assert.ErrorIs(t, fromStatus("DropDatabase", err), identity.ErrInvalidArgument)
}
