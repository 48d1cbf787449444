package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service
// The gateway speaks google.protobuf.Struct in both directions so no
// generated stubs are needed. Request fields: model, system, prompt, json,
// temperature. Response fields: text, model.
const (
	gatewayService = "emate.llm.v1.Gateway"
	completeMethod = "/" + gatewayService + "/Complete"
)

// GatewayServer is the server side of the gateway.
type GatewayServer interface {
	Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func completeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Complete(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: gatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Complete", Handler: completeHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGateway registers impl on s.
func RegisterGateway(s *grpc.Server, impl GatewayServer) {
	s.RegisterService(&gatewayDesc, impl)
}

// #endregion service

// #region client
// GRPCClient calls a completion gateway over gRPC.
type GRPCClient struct {
	conn  *grpc.ClientConn
	model string
}

// NewGRPCClient connects to the gateway.
func NewGRPCClient(addr, model string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, model: model}, nil
}

// Complete sends one completion request.
func (c *GRPCClient) Complete(ctx context.Context, req Request) (Response, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"model":       c.model,
		"system":      req.System,
		"prompt":      req.Prompt,
		"json":        req.JSON,
		"temperature": float64(req.Temperature),
	})
	if err != nil {
		return Response{}, fmt.Errorf("complete request: %w", err)
	}
	out := new(structpb.Struct)
	start := time.Now()
	if err := c.conn.Invoke(ctx, completeMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("complete rpc: %w", err)
	}
	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	model := out.GetFields()["model"].GetStringValue()
	if model == "" {
		model = c.model
	}
	return Response{Text: text, Model: model, Latency: time.Since(start)}, nil
}

// Name returns the provider name.
func (c *GRPCClient) Name() string {
	return fmt.Sprintf("grpc:%s", c.conn.Target())
}

// Close shuts down the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// #endregion client
