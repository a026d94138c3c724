// Package participantservice is the RPC protocol between a coordinator and
// the participants of its transactions: prepare, then commit or abort. It
// runs on gRPC with JSON encoded messages.
package participantservice

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

const (
	ServiceName = "txncoord.Participant"

	prepareMethod  = "/" + ServiceName + "/Prepare"
	decisionMethod = "/" + ServiceName + "/Decide"

	codecName = "json"
)

// jsonCodec is selected per call through the "json" content subtype, so
// protobuf services such as health checking share the server.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PrepareRequest struct {
	Participant transaction.ParticipantID `json:"participant"`
	Key         transaction.TxnKey        `json:"key"`
}

type PrepareResponse struct {
	Vote transaction.Vote `json:"vote"`
}

type DecisionRequest struct {
	Participant transaction.ParticipantID `json:"participant"`
	Key         transaction.TxnKey        `json:"key"`
	Decision    transaction.Decision      `json:"decision"`
}

type DecisionResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ParticipantServer is the server API of the participant protocol.
type ParticipantServer interface {
	Prepare(context.Context, *PrepareRequest) (*PrepareResponse, error)
	Decide(context.Context, *DecisionRequest) (*DecisionResponse, error)
}

func RegisterParticipantServer(s grpc.ServiceRegistrar, srv ParticipantServer) {
	s.RegisterService(&participantServiceDesc, srv)
}

var participantServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: prepareHandler},
		{MethodName: "Decide", Handler: decideHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "participant_service",
}

func prepareHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PrepareRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParticipantServer).Prepare(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: prepareMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ParticipantServer).Prepare(ctx, req.(*PrepareRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func decideHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DecisionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParticipantServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: decisionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ParticipantServer).Decide(ctx, req.(*DecisionRequest))
	}
	return interceptor(ctx, in, info, handler)
}
