package activity

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	_ "github.com/dbgateway/dbgateway/internal/controlplane" // registers the "json" grpc codec
)

// chunkSize bounds how many UserCom records travel in one
// ControlPlaneResponse message, matching the control plane's own
// pull cadence.
const chunkSize = 15

// UserCom mirrors controlplane.UserCom's wire shape; this package declares
// its own copy rather than using that type.
type UserCom struct {
	Cluster string   `json:"cluster"`
	User    string   `json:"user"`
	Com     []uint8  `json:"com"`
	ComTS   int64    `json:"com_ts"`
}

// ControlPlaneResponse carries one chunk of UserCom records.
type ControlPlaneResponse struct {
	Records []UserCom `json:"records"`
}

// maxConcurrentStreams bounds how many ActiveUsers stream handlers may run
// at once, in case more than one control-plane replica dials in concurrently.
const maxConcurrentStreams = 10

// Reporter hosts the optional ControlPlane.ActiveUsers gRPC service: the
// control plane dials in and sends one request per poll tick; each
// request produces one or more ControlPlaneResponse chunks drained from
// the current activity window (a single empty one when nothing was active).
type Reporter struct {
	window   *Window
	server   *grpc.Server
	sem      chan struct{}
	onFreeze func(records int)
}

// NewReporter wraps window for serving over gRPC.
func NewReporter(window *Window) *Reporter {
	return &Reporter{window: window, sem: make(chan struct{}, maxConcurrentStreams)}
}

// SetOnFreeze sets the callback invoked every time a trigger freezes the
// window, with the number of records drained.
func (r *Reporter) SetOnFreeze(cb func(records int)) {
	r.onFreeze = cb
}

var activeUsersStreamDesc = grpc.StreamDesc{
	StreamName:    "ActiveUsers",
	ServerStreams: true,
	ClientStreams: true,
}

// activeUsersHandler implements the bidi stream: every incoming trigger
// message freezes the window and replies with one ControlPlaneResponse per
// chunk of up to chunkSize records, or a single empty response if nothing
// was active.
func (r *Reporter) activeUsersHandler(_ interface{}, stream grpc.ServerStream) error {
	r.sem <- struct{}{} // acquire semaphore slot
	defer func() { <-r.sem }()

	for {
		var trigger struct{}
		if err := stream.RecvMsg(&trigger); err != nil {
			return err
		}

		frozen := r.window.Freeze()
		if r.onFreeze != nil {
			r.onFreeze(len(frozen))
		}
		if len(frozen) == 0 {
			if err := stream.SendMsg(ControlPlaneResponse{}); err != nil {
				return err
			}
			continue
		}

		for i := 0; i < len(frozen); i += chunkSize {
			end := i + chunkSize
			if end > len(frozen) {
				end = len(frozen)
			}
			batch := make([]UserCom, 0, end-i)
			for _, rec := range frozen[i:end] {
				batch = append(batch, UserCom{
					Cluster: rec.Key.String(),
					User:    rec.User,
					Com:     []uint8{rec.ComCode},
					ComTS:   rec.ComTS,
				})
			}
			if err := stream.SendMsg(ControlPlaneResponse{Records: batch}); err != nil {
				return err
			}
		}
	}
}

// Serve starts the gRPC server on addr and blocks until it stops.
func (r *Reporter) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("activity.Reporter: listening on %s: %w", addr, err)
	}

	r.server = grpc.NewServer()
	desc := &grpc.ServiceDesc{
		ServiceName: "controlplane.ControlPlane",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    activeUsersStreamDesc.StreamName,
				Handler:       r.activeUsersHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}
	r.server.RegisterService(desc, r)

	slog.Info("activity reporter listening", "addr", addr)
	return r.server.Serve(lis)
}

// Stop gracefully stops the reporter's gRPC server, if running.
func (r *Reporter) Stop() {
	if r.server != nil {
		r.server.GracefulStop()
	}
}
