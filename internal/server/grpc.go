package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LoopService is the health service name that reflects the loop's state.
const LoopService = "kloop.Loop"

// NewHealthServer returns a health server with the overall status SERVING
// and LoopService NOT_SERVING until SetLoopServing says otherwise.
func NewHealthServer() *health.Server {
	h := health.NewServer()
	h.SetServingStatus(LoopService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetLoopServing updates LoopService's status.
func SetLoopServing(h *health.Server, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(LoopService, st)
}

// NewGRPCServer returns a gRPC server exposing h and reflection behind
// recovery, logging and bearer-token interceptors.
func NewGRPCServer(h *health.Server, authToken string, logger *slog.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			AuthInterceptor(authToken),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger),
			StreamAuthInterceptor(authToken),
		),
	)
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)
	return srv
}
