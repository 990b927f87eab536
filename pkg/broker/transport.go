package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tg-mesh/ctrl/pkg/codec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// serviceName and methodName address the single bidi-streaming RPC every
// channel (minion, HA peer, user/API) speaks. There is no .proto file:
// the pack this repo was grounded on never retrieved the teacher's own
// generated stub package, so the service is wired by hand against
// grpc-go's low-level ServiceDesc/StreamDesc API — the same API a
// protoc-gen-go-grpc output would call into.
const (
	serviceName = "meshctrl.Broker"
	methodName  = "Channel"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// serviceDesc registers the Channel stream against whatever value is
// passed as srv to grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*channelHandlerHost)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodName,
			Handler:       channelStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "meshctrl/broker.proto",
}

// channelHandlerHost is the nominal HandlerType grpc.ServiceDesc wants;
// Transport is registered directly as srv and asserted back out of the
// interface{} parameter inside channelStreamHandler.
type channelHandlerHost interface {
	serveChannel(stream grpc.ServerStream) error
}

func channelStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(channelHandlerHost).serveChannel(stream)
}

// msgStream is the subset of grpc.ServerStream/grpc.ClientStream the
// transport actually uses; keeping both sides of a connection behind one
// local interface lets sendTo treat server- and client-dialed streams
// identically.
type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// Transport runs the grpc server side of the broker (minion and user/API
// channels) and holds outbound streams dialed to HA peers / test
// harnesses. It implements sender and channelHandlerHost.
type Transport struct {
	broker *Broker
	server *grpc.Server

	mu      sync.RWMutex
	streams map[string]msgStream // destID -> live stream (either direction)
}

// NewTransport wires a Transport to b; call ListenAndServe to start
// accepting connections.
func NewTransport(b *Broker) *Transport {
	t := &Transport{broker: b, streams: make(map[string]msgStream)}
	b.bindTransport(t)
	return t
}

// ListenAndServe starts the grpc server on addr. tlsConfig may be nil in
// test harnesses; otherwise the server is created with it as its TLS
// credentials, matching the teacher's mTLS posture in pkg/api.
func (t *Transport) ListenAndServe(addr string, tlsConfig *tls.Config) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if c := encoding.GetCodec(codec.Name); c != nil {
		opts = append(opts, grpc.ForceServerCodec(c))
	}

	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&serviceDesc, t)

	return t.server.Serve(lis)
}

// Stop gracefully stops the grpc server.
func (t *Transport) Stop() {
	if t.server != nil {
		t.server.GracefulStop()
	}
}

// Dial opens an outbound Channel stream to addr — used for the HA peer
// connection (pkg/ha) and for minion/test-harness clients. id is the
// key the stream is stored under, which other code uses to address the
// peer via sendTo; it is not written into the envelopes sent over it.
func (t *Transport) Dial(ctx context.Context, addr, id string, tlsConfig *tls.Config, channel ChannelKind) error {
	creds := credentials.TransportCredentials(insecure.NewCredentials())
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", addr, err)
	}

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}, fullMethod, grpc.CallContentSubtype(codec.Name))
	if err != nil {
		return fmt.Errorf("broker: open stream to %s: %w", addr, err)
	}

	t.mu.Lock()
	t.streams[id] = stream
	t.mu.Unlock()

	go t.pump(stream, channel)
	return nil
}

// serveChannel is the server-side handler registered in serviceDesc. It
// reads the handshake envelope to learn the peer's identity, registers
// the stream, and then pumps inbound traffic into the broker.
func (t *Transport) serveChannel(stream grpc.ServerStream) error {
	var first Envelope
	if err := stream.RecvMsg(&first); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	peerID := first.SenderID
	t.mu.Lock()
	t.streams[peerID] = stream
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.streams, peerID)
		t.mu.Unlock()
	}()

	t.broker.dispatch(&first)

	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		t.broker.dispatch(&env)
	}
}

// pump reads from a client-dialed stream (HA peer, or a test harness
// acting as a minion) and feeds inbound envelopes to the broker.
func (t *Transport) pump(stream msgStream, channel ChannelKind) {
	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			return
		}
		env.Channel = channel
		t.broker.dispatch(&env)
	}
}

// sendTo implements sender: it writes env onto whatever live stream is
// registered for destID.
func (t *Transport) sendTo(destID string, env *Envelope) bool {
	t.mu.RLock()
	s, ok := t.streams[destID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return s.SendMsg(env) == nil
}
