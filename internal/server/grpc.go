package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the gRPC server and the gateway HTTP mux.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	handler    http.Handler
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	EventLog      EventLog                                 // nil without Postgres
	Rebuild       func(ctx context.Context) (int64, error) // nil without Postgres
	HealthChecker *observability.HealthChecker
	Gatherer      prometheus.Gatherer
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
// Serving status starts NOT_SERVING until SetServing(true).
func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	querySvc := &queryServiceImpl{qs: deps.QueryService}
	adminSvc := &adminServiceImpl{qs: deps.QueryService, eventLog: deps.EventLog, rebuild: deps.Rebuild}

	grpcServer.RegisterService(&QueryServiceDesc, querySvc)
	grpcServer.RegisterService(&AdminServiceDesc, adminSvc)
	if deps.IngestService != nil {
		grpcServer.RegisterService(&IngestServiceDesc, deps.IngestService)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		logger:     deps.Logger.With().Str("component", "server").Logger(),
	}
	s.SetServing(false)
	s.handler = s.buildHTTPHandler(querySvc, adminSvc, deps)
	return s
}

// SetServing flips the gRPC health status of every registered service
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	for _, name := range []string{QueryServiceName, IngestServiceName, AdminServiceName} {
		s.health.SetServingStatus(name, st)
	}
}

// Server exposes the underlying gRPC server, e.g. for serving on a custom listener
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// Handler is the HTTP handler: gateway routes plus /metrics, /healthz and /readyz
func (s *GRPCServer) Handler() http.Handler { return s.handler }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GRPCServer) buildHTTPHandler(querySvc QueryServer, adminSvc AdminServer, deps ServerDeps) http.Handler {
	gw := runtime.NewServeMux()
	registerGatewayRoutes(gw, querySvc, adminSvc, deps.IngestService, s.logger)

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", gw)
	return httpMux
}
