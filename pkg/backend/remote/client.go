package remote

import (
	"context"
	"fmt"

	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const Name = "remote"

// Client is a Backend whose sandboxes live behind a remote Server.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to a sandbox server at addr.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("sandbox server address is required")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to sandbox server: %w", err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c.own && c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Acquire(ctx context.Context, spec backend.Spec) (string, error) {
	var resp AcquireResponse
	if err := c.invoke(ctx, methodAcquire, &AcquireRequest{Spec: spec}, &resp); err != nil {
		return "", fromStatus("acquire", err)
	}
	return resp.InstanceID, nil
}

func (c *Client) Execute(ctx context.Context, id string, cmd backend.Command) (types.ExecutionResult, error) {
	var resp ExecuteResponse
	if err := c.invoke(ctx, methodExecute, &ExecuteRequest{InstanceID: id, Command: cmd}, &resp); err != nil {
		return types.ExecutionResult{}, fromStatus("execute", err)
	}
	return resp.Result, nil
}

func (c *Client) Release(ctx context.Context, id string) error {
	var resp ReleaseResponse
	if err := c.invoke(ctx, methodRelease, &ReleaseRequest{InstanceID: id}, &resp); err != nil {
		return fromStatus("release", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(Codec{}))
}

func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("remote %s: %w", op, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("remote %s: %w: %s", op, backend.ErrTimeout, st.Message())
	case codes.NotFound:
		return fmt.Errorf("remote %s: %w: %s", op, backend.ErrUnknownInstance, st.Message())
	default:
		return fmt.Errorf("remote %s: %w", op, err)
	}
}

var _ backend.Backend = (*Client)(nil)
