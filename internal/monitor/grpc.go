package monitor

import (
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the pipeline.
const ServiceName = "audit-core.Pipeline"

// GRPCHealth mirrors the degraded flag onto the standard gRPC health
// protocol. A degraded pipeline reports NOT_SERVING for ServiceName; the
// overall ("") status stays SERVING.
type GRPCHealth struct {
	hs     *health.Server
	server *grpc.Server
}

// NewGRPCHealth creates the health server and subscribes it to h.
func NewGRPCHealth(h *Health) *GRPCHealth {
	g := &GRPCHealth{
		hs:     health.NewServer(),
		server: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(g.server, g.hs)
	g.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if h != nil {
		h.Watch(g.SetDegraded)
	} else {
		g.SetDegraded(false)
	}
	return g
}

// SetDegraded updates the pipeline service status.
func (g *GRPCHealth) SetDegraded(degraded bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if degraded {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.hs.SetServingStatus(ServiceName, status)
}

// HealthServer exposes the underlying health implementation.
func (g *GRPCHealth) HealthServer() healthpb.HealthServer { return g.hs }

// Serve blocks serving gRPC health checks on lis.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	log.Printf("gRPC health listening on %s", lis.Addr())
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server.
func (g *GRPCHealth) Stop() {
	g.hs.Shutdown()
	g.server.GracefulStop()
}
