package runner

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"web/clustermap/cluster"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clustermap.IndexService"

// MaxLeaves caps the points returned by one Leaves call.
const MaxLeaves = 200

const codecName = "json"

// Service is implemented by Runner on the server side and by Client.
type Service interface {
	Build(context.Context, *BuildRequest) (*BuildResponse, error)
	Load(context.Context, *LoadRequest) (*LoadResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Clusters(context.Context, *ClustersRequest) (*ClustersResponse, error)
	Leaves(context.Context, *LeavesRequest) (*LeavesResponse, error)
}

type BuildRequest struct {
	// Source is a points file or URL; when empty NumPoints random points
	// are generated inside Bound.
	Source    string           `json:"source,omitempty"`
	NumPoints int              `json:"numPoints,omitempty"`
	Seed      int64            `json:"seed,omitempty"`
	Bound     *Bound           `json:"bound,omitempty"`
	Options   *cluster.Options `json:"options,omitempty"`
}

type BuildResponse struct {
	Index   IndexInfo `json:"index"`
	Invalid int       `json:"invalid"`
}

type LoadRequest struct {
	ID string `json:"id"`
}

type LoadResponse struct {
	Index IndexInfo `json:"index"`
}

type ListRequest struct{}

type ListResponse struct {
	Indexes []IndexInfo `json:"indexes"`
}

type ClustersRequest struct {
	ID    string  `json:"id"`
	Zoom  int     `json:"zoom"`
	Scale float64 `json:"scale,omitempty"`
	Bound Bound   `json:"bound"`
}

type ClustersResponse struct {
	Zoom     int       `json:"zoom"`
	Features []Feature `json:"features"`
}

type LeavesRequest struct {
	ID        string `json:"id"`
	ClusterID int64  `json:"clusterId"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type LeavesResponse struct {
	Points []cluster.Point `json:"points"`
}

// Feature is one query result on the wire.
type Feature struct {
	ID       int64            `json:"id"`
	Cluster  bool             `json:"cluster"`
	Lon      float64          `json:"lon"`
	Lat      float64          `json:"lat"`
	Count    uint32           `json:"count"`
	Counts   cluster.Counts   `json:"counts"`
	Dominant cluster.Category `json:"dominant"`
	Index    int32            `json:"index"`
}

func NewFeature(r cluster.Result) Feature {
	f := Feature{
		ID:       r.ID,
		Cluster:  r.Cluster,
		Lon:      r.Lon,
		Lat:      r.Lat,
		Count:    r.Count,
		Counts:   r.Counts,
		Dominant: r.Dominant(),
		Index:    -1,
	}
	if !r.Cluster {
		f.Index = r.Point.Index
	}
	return f
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIndexNotFound), errors.Is(err, cluster.ErrClusterNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func unary[Req, Resp any](name string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(Service), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Build", Service.Build),
		unary("Load", Service.Load),
		unary("List", Service.List),
		unary("Clusters", Service.Clusters),
		unary("Leaves", Service.Leaves),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clustermap/index_service",
}

// Register exposes srv on s.
func Register(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls a remote IndexService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Build(ctx context.Context, req *BuildRequest) (*BuildResponse, error) {
	return invoke[BuildResponse](ctx, c, "Build", req)
}

func (c *Client) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	return invoke[LoadResponse](ctx, c, "Load", req)
}

func (c *Client) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return invoke[ListResponse](ctx, c, "List", req)
}

func (c *Client) Clusters(ctx context.Context, req *ClustersRequest) (*ClustersResponse, error) {
	return invoke[ClustersResponse](ctx, c, "Clusters", req)
}

func (c *Client) Leaves(ctx context.Context, req *LeavesRequest) (*LeavesResponse, error) {
	return invoke[LeavesResponse](ctx, c, "Leaves", req)
}
