// Package grpcserver exposes the gRPC health surface of the dashboard service.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// IndexerService is the health service name that tracks the event indexer.
const IndexerService = "medledger.Indexer"

// Health reports serving status from indexer sync outcomes.
type Health struct{ srv *health.Server }

// Report marks the service SERVING after a successful sync and NOT_SERVING after a failed one.
func (h *Health) Report(err error) {
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(IndexerService, st)
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (h *Health) Shutdown() { h.srv.Shutdown() }

// Options configures New.
type Options struct {
	// Secret verifies bearer tokens on non-health methods.
	Secret []byte
	// Reflection registers the reflection service (dev mode).
	Reflection bool
	Logger     *zap.Logger
}

// New builds a gRPC server with logging, recovery and auth interceptors and the health
// service registered. Status starts NOT_SERVING until the first successful sync.
func New(opts Options) (*grpc.Server, *Health) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
			AuthUnary(opts.Secret, "/grpc.health.v1.Health/", "/grpc.reflection."),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.srv.SetServingStatus(IndexerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, h.srv)
	if opts.Reflection {
		reflection.Register(s)
	}
	return s, h
}
