// Package grpcserver serves the authenticated realtime endpoint that clients
// drop and re-establish around a profile switch.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/goph-identity/internal/realtime"
)

// New builds the gRPC server with the health service registered and
// realtime.Service reported as SERVING. Every call requires an access token.
func New(v Verifier, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), AuthUnary(v, log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), AuthStream(v, log), LoggingStream(log)),
	)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(realtime.Service, healthpb.HealthCheckResponse_SERVING)
	return s, hs
}
