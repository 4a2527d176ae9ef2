// Package server exposes the ledger over gRPC and over an HTTP/JSON gateway.
// Both surfaces share one set of service implementations; messages are JSON
// on either transport.
package server

import (
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/query"
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	adminToken    string
	logger        zerolog.Logger

	commands *commandService
	queries  *queryService
	admin    *adminService
}

// ServerDeps holds all dependencies needed by the services. DB, SnapshotMgr
// and Snapshotter may be nil on a node without Postgres.
type ServerDeps struct {
	DB            *sql.DB
	Reader        query.CoreReader
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshotter   *persistence.Snapshotter
	HealthChecker *observability.HealthChecker
	// AdminToken, when set, is required as a bearer token on AdminService
	// calls and /v1/admin routes.
	AdminToken string
}

// NewGRPCServer creates a gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		adminToken:    deps.AdminToken,
		logger:        observability.NewLogger("server"),
		commands:      &commandService{svc: deps.IngestService},
		queries:       &queryService{qs: deps.QueryService},
		admin: &adminService{
			db:          deps.DB,
			reader:      deps.Reader,
			qs:          deps.QueryService,
			snapMgr:     deps.SnapshotMgr,
			snapshotter: deps.Snapshotter,
		},
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.authorize, s.logFailures))
	s.grpcServer.RegisterService(&commandServiceDesc, s.commands)
	s.grpcServer.RegisterService(&queryServiceDesc, s.queries)
	s.grpcServer.RegisterService(&adminServiceDesc, s.admin)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
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
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the gateway routes plus /healthz and /readyz.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux, err := s.gatewayMux()
	if err != nil {
		return nil, fmt.Errorf("register gateway routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// SetServing flips the gRPC health status, for example while draining.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
}

// ============================================================================
// Interceptors
// ============================================================================

func (s *GRPCServer) authorize(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.adminToken == "" || !strings.HasPrefix(info.FullMethod, "/"+adminServiceName+"/") {
		return handler(ctx, req)
	}
	var presented string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			presented = v[0]
		}
	}
	if !s.validToken(presented) {
		return nil, status.Error(codes.Unauthenticated, "admin token required")
	}
	return handler(ctx, req)
}

func (s *GRPCServer) validToken(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// logFailures logs infrastructure failures. Ledger rejections are normal
// traffic and are counted by the core instead.
func (s *GRPCServer) logFailures(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if code := status.Code(err); code == codes.Internal || code == codes.Unavailable {
		s.logger.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
	}
	return resp, err
}
