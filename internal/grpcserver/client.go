package grpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
)

// Client calls a remote Processor service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageSize), grpc.MaxCallSendMsgSize(maxMessageSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// ListOperations fetches the remote operation catalogue.
func (c *Client) ListOperations(ctx context.Context) (ops.Catalog, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, listOperationsMethod, &emptypb.Empty{}, out); err != nil {
		return ops.Catalog{}, err
	}
	var cat ops.Catalog
	if err := fromStruct(out, &cat); err != nil {
		return ops.Catalog{}, err
	}
	return cat, nil
}

// StageOutput is one stage returned by a remote Process call.
type StageOutput struct {
	Operation   string `json:"operation"`
	Image       string `json:"image"`
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Channels    int    `json:"channels"`
}

// ProcessReply is the decoded Process response.
type ProcessReply struct {
	Success   bool          `json:"success"`
	Results   []StageOutput `json:"results"`
	Error     string        `json:"error,omitempty"`
	Stage     *int          `json:"stage,omitempty"`
	Operation string        `json:"operation,omitempty"`
}

// Process sends image bytes and stages to the remote service.
func (c *Client) Process(ctx context.Context, image []byte, stages []pipeline.Stage) (ProcessReply, error) {
	req, err := toStruct(struct {
		Image      string           `json:"image"`
		Operations []pipeline.Stage `json:"operations"`
	}{base64.StdEncoding.EncodeToString(image), stages})
	if err != nil {
		return ProcessReply{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, processMethod, req, out); err != nil {
		return ProcessReply{}, err
	}
	var reply ProcessReply
	if err := fromStruct(out, &reply); err != nil {
		return ProcessReply{}, err
	}
	return reply, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
