package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RemoteInvoker implements Invoker by delegating to a peer node's dispatcher
// over gRPC. This is the optional remote-invocation surface; a single-node
// deployment never constructs one.
type RemoteInvoker struct {
	conn   *grpc.ClientConn
	client rpc.NovaServiceClient
}

// NewRemoteInvoker connects to the given peer dispatcher address and
// returns an Invoker that forwards every call over the wire.
func NewRemoteInvoker(addr string) (*RemoteInvoker, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to remote dispatcher %s: %w", addr, err)
	}
	return &RemoteInvoker{
		conn:   conn,
		client: rpc.NewNovaServiceClient(conn),
	}, nil
}

// Invoke sends the invocation request to the peer dispatcher and maps the
// response back.
func (r *RemoteInvoker) Invoke(ctx context.Context, funcName string, payload json.RawMessage) (*domain.InvokeResponse, error) {
	resp, err := r.client.Invoke(ctx, &rpc.InvokeRequest{
		Function: funcName,
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("remote invoke %s: %w", funcName, err)
	}
	return &domain.InvokeResponse{
		RequestID:  resp.RequestId,
		Output:     resp.Output,
		Error:      resp.Error,
		DurationMs: resp.DurationMs,
		ColdStart:  resp.ColdStart,
	}, nil
}

// Close shuts down the underlying gRPC connection.
func (r *RemoteInvoker) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
