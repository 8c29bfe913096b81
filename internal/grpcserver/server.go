// Package grpcserver exposes the pipeline as the smartdip.v1.Processor gRPC service.
// Messages are protobuf well-known types, so no generated code is needed.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
	"smartdip/internal/transfer"
)

const (
	ServiceName          = "smartdip.v1.Processor"
	listOperationsMethod = "/" + ServiceName + "/ListOperations"
	processMethod        = "/" + ServiceName + "/Process"
	maxMessageSize       = 100 * 1024 * 1024
)

// ProcessorServer is the service implementation contract.
type ProcessorServer interface {
	ListOperations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Process(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes smartdip.v1.Processor for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProcessorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListOperations", Handler: listOperationsHandler},
		{MethodName: "Process", Handler: processHandler},
	},
	Metadata: "smartdip/v1/processor.proto",
}

func listOperationsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessorServer).ListOperations(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listOperationsMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ProcessorServer).ListOperations(ctx, req.(*emptypb.Empty))
	})
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessorServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: processMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ProcessorServer).Process(ctx, req.(*structpb.Struct))
	})
}

// Server implements ProcessorServer on top of an executor.
type Server struct {
	executor *pipeline.Executor
	codec    *transfer.Codec
	log      *slog.Logger
}

// New returns a Processor service.
func New(executor *pipeline.Executor, codec *transfer.Codec, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{executor: executor, codec: codec, log: logger}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", addr, "service", ServiceName)
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListOperations returns the operation catalogue.
func (s *Server) ListOperations(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(ops.Describe(s.executor.Registry()))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Process runs the operations named in req against its base64 image. Request
// problems are InvalidArgument; a failing stage is reported in the response
// together with the results of the stages before it.
func (s *Server) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	encoded := fields["image"].GetStringValue()
	if encoded == "" {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}
	stages, err := stagesFrom(fields["operations"])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := pipeline.Validate(s.executor.Registry(), stages); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	data, err := transfer.DecodeBase64(encoded)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	src, err := s.codec.Decode(data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	defer src.Close()

	ctx = pipeline.WithRun(ctx, pipeline.RunInfo{ID: uuid.NewString(), Source: "grpc"})
	res, runErr := s.executor.Run(ctx, src, stages)
	defer res.Close()

	results := make([]any, 0, len(res.Stages))
	for _, sr := range res.Stages {
		img, err := s.codec.EncodeBase64(sr.Image)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		results = append(results, map[string]any{
			"operation":   sr.Operation,
			"image":       img,
			"description": sr.Description,
			"width":       sr.Width,
			"height":      sr.Height,
			"channels":    sr.Channels,
		})
	}

	body := map[string]any{"success": runErr == nil, "results": results}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return nil, status.FromContextError(runErr).Err()
		}
		body["error"] = runErr.Error()
		var serr *pipeline.StageError
		if errors.As(runErr, &serr) {
			body["stage"] = serr.Index
			body["operation"] = serr.Operation
		}
	}
	out, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stagesFrom(v *structpb.Value) ([]pipeline.Stage, error) {
	if v == nil {
		return nil, pipeline.ErrNoStages
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var stages []pipeline.Stage
	if err := json.Unmarshal(raw, &stages); err != nil {
		return nil, fmt.Errorf("operations: %w", err)
	}
	return stages, nil
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return out, nil
}
