// Package grpccas serves a vault backend over gRPC and provides the
// matching client, which is itself a vault backend.
package grpccas

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"medscript.dev/mpaz/storage"
)

// MaxMessageBytes bounds a single archive on the wire, in both directions.
const MaxMessageBytes = 64 << 20

// Client is a storage.CAS backed by a remote vault server.
type Client struct {
	cc     *grpc.ClientConn
	client VaultClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

var (
	_ storage.CAS    = (*Client)(nil)
	_ storage.Lister = (*Client)(nil)
)

// DialOptions configures Dial.
type DialOptions struct {
	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
	// MaxMsgBytes overrides MaxMessageBytes when non-zero.
	MaxMsgBytes int
	// Extra options, e.g. a custom dialer in tests.
	Extra []grpc.DialOption
}

// Dial connects to target lazily; the first RPC establishes the connection.
func Dial(target string, opts DialOptions) (*Client, error) {
	limit := opts.MaxMsgBytes
	if limit <= 0 {
		limit = MaxMessageBytes
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(limit), grpc.MaxCallSendMsgSize(limit)),
	}, opts.Extra...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, client: NewVaultClient(cc), Timeout: opts.Timeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()
	reply, err := c.client.Put(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return cid.Undef, fromStatus(err)
	}
	id, err := storage.ParseCID(reply.GetValue())
	if err != nil {
		return cid.Undef, err
	}
	if err := storage.Verify(id, data); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (c *Client) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()
	reply, err := c.client.Get(ctx, wrapperspb.String(id.String()))
	if err != nil {
		return nil, fromStatus(err)
	}
	b := reply.GetValue()
	if err := storage.Verify(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Client) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()
	reply, err := c.client.Has(ctx, wrapperspb.String(id.String()))
	if err != nil {
		return false, fromStatus(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) List(ctx context.Context) ([]cid.Cid, error) {
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()
	reply, err := c.client.List(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fromStatus(err)
	}
	out := make([]cid.Cid, 0, len(reply.GetValues()))
	for _, v := range reply.GetValues() {
		id, err := storage.ParseCID(v.GetStringValue())
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Client) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
