// Package grpcstatus is the gRPC side of the spec §4.11/§6 read-only admin
// surface, grounded on the teacher's grpc_server.go (grpc.NewServer plus
// reflection.Register for debugging) but scoped down to what the new engine
// actually has to report: liveness per context, not a hand-rolled
// NodeInfo/Peers/ConsensusState RPC set the teacher's deleted blockchain
// stack backed.
//
// Rather than hand-author replacement .proto/.pb.go files for the
// teacher's bespoke RechainService (which this tree cannot regenerate
// without invoking protoc), this façade is built entirely on
// google.golang.org/grpc's own pre-generated health-checking service
// (google.golang.org/grpc/health, grpc_health_v1), which every grpc-go
// client tooling already understands: one HealthServer, one SetServingStatus
// call per context, keyed by the context's hex id as the health service
// name.
package grpcstatus

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// Server is the gRPC admin surface: a health.Server whose per-context
// serving status reflects whether that context has synced recently.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer builds a Server with gRPC reflection enabled, matching the
// teacher's "reflection.Register(s) // for debugging" choice.
func NewServer() *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{grpcServer: gs, health: hs}
}

// Serve blocks accepting connections on addr until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcstatus: listen on %s: %w", addr, err)
	}
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// MarkSynced reports contextID as SERVING: its last sync round completed
// without error within the scheduler's expected cadence.
func (s *Server) MarkSynced(contextID ids.ID) {
	s.health.SetServingStatus(contextID.Hex(), healthpb.HealthCheckResponse_SERVING)
}

// MarkStalled reports contextID as NOT_SERVING: it has gone longer than
// expected without a successful sync round, the gRPC-visible counterpart
// of httpstatus's pending-backlog fields.
func (s *Server) MarkStalled(contextID ids.ID) {
	s.health.SetServingStatus(contextID.Hex(), healthpb.HealthCheckResponse_NOT_SERVING)
}
