package controlplane

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

const topologyService = "/controlplane.Topology/SubscribeNamespace"

var bidiStreamDesc = grpc.StreamDesc{
	StreamName:    "bidi",
	ServerStreams: true,
	ClientStreams: true,
}

// SubscribeNamespace opens the bidirectional topology stream against conn.
// No protoc-generated service client exists for this method — since the
// wire messages are plain JSON structs rather than protoc-generated types,
// the stream is opened directly against the method name with the custom
// codec selected via CallContentSubtype.
func SubscribeNamespace(ctx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, &bidiStreamDesc, topologyService, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return nil, fmt.Errorf("opening topology stream: %w", err)
	}
	return stream, nil
}
