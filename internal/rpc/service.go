package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name for the session
// stream, used to register and dial it without a compiled .proto.
const ServiceName = "queuerunner.Session"

// SessionStream is the server-side view of one agent's bidirectional
// stream: the builder-session layer only ever needs Send/Recv/Context, so
// this is a minimal slice of grpc.ServerStream rather than an embedding of
// it (keeping this package's surface independent of a specific grpc
// version's ServerStream method set).
type SessionStream interface {
	Context() context.Context
	Send(*Envelope) error
	Recv() (*Envelope, error)
}

// SessionServer is implemented by whatever drives the per-agent state
// machine (internal/buildersession.Manager).
type SessionServer interface {
	Session(stream SessionStream) error
}

type serverStreamWrapper struct {
	grpc.ServerStream
}

func (w *serverStreamWrapper) Send(e *Envelope) error { return w.ServerStream.SendMsg(e) }

func (w *serverStreamWrapper) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := w.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SessionServer).Session(&serverStreamWrapper{stream})
}

// ServiceDesc is the hand-authored stand-in for a protoc-generated
// _ServiceDesc: one bidirectional-streaming method, "Session".
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "queuerunner/session.proto",
}

// RegisterSessionServer wires srv into s under ServiceDesc.
func RegisterSessionServer(s *grpc.Server, srv SessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ClientStream is the agent-side view of the same stream.
type ClientStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type clientStreamWrapper struct {
	grpc.ClientStream
}

func (w *clientStreamWrapper) Send(e *Envelope) error { return w.ClientStream.SendMsg(e) }

func (w *clientStreamWrapper) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := w.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// NewSessionClientStream opens the agent side of a Session stream on cc,
// using the JSON codec registered in codec.go instead of protobuf.
func NewSessionClientStream(ctx context.Context, cc grpc.ClientConnInterface) (ClientStream, error) {
	desc := &ServiceDesc.Streams[0]
	cs, err := cc.NewStream(ctx, desc, "/"+ServiceName+"/Session", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &clientStreamWrapper{cs}, nil
}
