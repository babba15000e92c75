package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
)

// IngestionService is the service name probes ask the gRPC health server about.
const IngestionService = "agriedge.ingestion"

// NewGRPCServer returns a gRPC server exposing only the standard health
// service, and the health server to drive with RunHealthUpdater.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(IngestionService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// RunHealthUpdater keeps IngestionService SERVING while the broker
// connection is up, until ctx is done. The overall status ("") stays SERVING.
func RunHealthUpdater(ctx context.Context, hs *health.Server, ctrl *session.Controller,
	interval time.Duration, logger *zap.Logger) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	_ = session.NewScheduler(ctrl, interval).Run(ctx, func(snap session.Snapshot) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if snap.ConnectionStatus == ingestion.StatusConnected {
			st = healthpb.HealthCheckResponse_SERVING
		}
		if st != last {
			hs.SetServingStatus(IngestionService, st)
			logger.Debug("grpc health", zap.String("service", IngestionService), zap.Stringer("status", st))
			last = st
		}
	})
	hs.Shutdown()
}
