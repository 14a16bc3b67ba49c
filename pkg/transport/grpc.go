package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// The protocol frames are already self-describing, so the gRPC leg moves
// opaque byte messages with a passthrough codec instead of protobuf.

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	p, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return *p, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	// gRPC may reuse data after we return.
	*p = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "fpsi-raw" }

const sessionMethod = "/fpsi.Session/Channel"

type sessionHandler interface {
	channel(grpc.ServerStream) error
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "fpsi.Session",
	HandlerType: (*sessionHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Channel",
		Handler:       sessionChannelHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

func sessionChannelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionHandler).channel(stream)
}

type messageStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// streamRWC adapts a bidirectional gRPC stream to the byte stream Conn
// expects: writes become messages, reads drain received messages.
type streamRWC struct {
	s       messageStream
	pending []byte
	closeFn func() error
}

// maxMessageSize keeps each stream message under gRPC's default receive
// limit; larger writes are split.
const maxMessageSize = 1 << 20

func (s *streamRWC) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := len(p)
		if n > maxMessageSize {
			n = maxMessageSize
		}
		msg := append([]byte(nil), p[:n]...)
		if err := s.s.SendMsg(&msg); err != nil {
			return total - len(p), err
		}
		p = p[n:]
	}
	return total, nil
}

func (s *streamRWC) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		var msg []byte
		if err := s.s.RecvMsg(&msg); err != nil {
			return 0, err
		}
		s.pending = msg
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *streamRWC) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

type grpcSession struct {
	fn   func(*Conn) error
	done chan error
}

func (g *grpcSession) channel(stream grpc.ServerStream) error {
	err := g.fn(NewConn(&streamRWC{s: stream}))
	g.done <- err
	return err
}

// ServeGRPC accepts a single protocol session as a bidirectional gRPC
// stream on lis and runs fn over it, then shuts the server down.
func ServeGRPC(lis net.Listener, fn func(*Conn) error) error {
	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	sess := &grpcSession{fn: fn, done: make(chan error, 1)}
	srv.RegisterService(&sessionServiceDesc, sess)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	select {
	case err := <-sess.done:
		srv.GracefulStop()
		return err
	case err := <-serveErr:
		return fmt.Errorf("grpc serve: %w", err)
	}
}

// DialGRPC connects to a ServeGRPC peer and returns the session channel.
func DialGRPC(target string) (*Conn, error) {
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	stream, err := cc.NewStream(context.Background(), &sessionServiceDesc.Streams[0], sessionMethod)
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("grpc open stream: %w", err)
	}
	rwc := &streamRWC{
		s: stream,
		closeFn: func() error {
			stream.CloseSend()
			return cc.Close()
		},
	}
	return NewConn(rwc), nil
}
