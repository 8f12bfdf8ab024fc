package grpcapi

import (
	"context"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls rackd.v1.Lifecycle and decodes entities into models.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Ping(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("Ping"), &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) CreateRack(ctx context.Context, capacity int64) (*models.Rack, error) {
	return c.rack(ctx, "CreateRack", wrapperspb.Int64(capacity))
}

func (c *Client) GetRack(ctx context.Context, id int64) (*models.Rack, error) {
	return c.rack(ctx, "GetRack", wrapperspb.Int64(id))
}

func (c *Client) ListRacks(ctx context.Context, order models.Order) ([]*models.Rack, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListRacks"), wrapperspb.String(string(order)), out); err != nil {
		return nil, err
	}
	racks := make([]*models.Rack, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		r, err := RackFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		racks = append(racks, r)
	}
	return racks, nil
}

func (c *Client) DeleteRack(ctx context.Context, id int64) error {
	return c.cc.Invoke(ctx, fullMethod("DeleteRack"), wrapperspb.Int64(id), new(emptypb.Empty))
}

func (c *Client) CreateServer(ctx context.Context, rackID int64) (*models.Server, error) {
	return c.server(ctx, "CreateServer", wrapperspb.Int64(rackID))
}

func (c *Client) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	return c.server(ctx, "GetServer", wrapperspb.Int64(id))
}

func (c *Client) ListServers(ctx context.Context, order models.Order) ([]*models.Server, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListServers"), wrapperspb.String(string(order)), out); err != nil {
		return nil, err
	}
	servers := make([]*models.Server, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		m, err := ServerFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		servers = append(servers, m)
	}
	return servers, nil
}

func (c *Client) ChangeServerState(ctx context.Context, id int64, state models.State, months int) (*models.Server, error) {
	req, err := structpb.NewStruct(map[string]any{
		"id":     id,
		"state":  string(state),
		"months": months,
	})
	if err != nil {
		return nil, err
	}
	return c.server(ctx, "ChangeServerState", req)
}

func (c *Client) DeleteServer(ctx context.Context, id int64) (*models.Server, error) {
	return c.server(ctx, "DeleteServer", wrapperspb.Int64(id))
}

func (c *Client) rack(ctx context.Context, method string, in any) (*models.Rack, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return RackFromStruct(out)
}

func (c *Client) server(ctx context.Context, method string, in any) (*models.Server, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return ServerFromStruct(out)
}
