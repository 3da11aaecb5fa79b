package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/projection"
	"ProtectionLedger/internal/query"
	"ProtectionLedger/internal/server"
	. "ProtectionLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixture struct {
	srv    *server.GRPCServer
	cmds   *Commands
	health *observability.HealthChecker
}

// newFixture runs the funded pool scenario, seeds the read model from it and
// starts the core loop so the ingest routes can submit further commands
func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := core.NewProtocolCore(core.Config{Owner: Owner, DSMAddress: DSMAddress, Logger: zerolog.Nop()})
	cmds := NewCommands()
	for _, evt := range cmds.FundedPoolScenario() {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}
	store := projection.NewStore()
	store.Seed(c.Views(), c.GetSequence()-1)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	submit := make(chan core.Submission)
	go c.Run(ctx, submit)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	srv := server.NewGRPCServer("", "", server.ServerDeps{
		QueryService:  query.NewQueryService(store, nil, metrics),
		IngestService: ingestion.NewGRPCIngestService(submit),
		HealthChecker: health,
		Gatherer:      reg,
		Logger:        zerolog.Nop(),
	})
	return &fixture{srv: srv, cmds: cmds, health: health}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_QueryRoutes(t *testing.T) {
	f := newFixture(t)
	pool := PoolAddress.Hex()

	code, body := f.do(t, "GET", "/v1/pools", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["pools"], 1)
	require.EqualValues(t, 6, body["as_of_sequence"])

	code, body = f.do(t, "GET", "/v1/pools/"+pool, nil)
	require.Equal(t, http.StatusOK, code)
	summary := body["pool"].(map[string]interface{})["summary"].(map[string]interface{})
	require.Equal(t, "OpenToBuyers", summary["phase"])

	code, body = f.do(t, "GET", "/v1/pools/0x1234", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "InvalidArgument", body["code"])

	code, _ = f.do(t, "GET", "/v1/pools/"+Buyer.Hex(), nil)
	require.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, "GET", "/v1/pools/"+pool+"/sellers/"+Seller1.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, body["shares"])

	code, body = f.do(t, "GET", "/v1/sellers/"+Seller2.Hex()+"/positions", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["positions"], 1)

	code, body = f.do(t, "GET", "/v1/buyers/"+Buyer.Hex()+"/protections?active_only=true", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["protections"], 1)

	code, _ = f.do(t, "GET", "/v1/pools/"+pool+"/balances", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "GET", "/v1/pools/"+pool+"/loans", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, "GET", "/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body["state"])

	// Postgres-backed routes without a database
	code, _ = f.do(t, "GET", "/v1/pools/"+pool+"/journals?page_size=10", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = f.do(t, "GET", "/v1/pools/"+pool+"/journals?page_size=ten", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "POST", "/v1/admin/rebuild", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestGateway_SubmitCommand(t *testing.T) {
	f := newFixture(t)

	payload, err := event.Encode(f.cmds.Deposit(0, Seller1, USDC(1_000)))
	require.NoError(t, err)

	code, body := f.do(t, "POST", "/v1/commands/deposit_capital", payload)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 7, body["sequence"])

	code, body = f.do(t, "POST", "/v1/commands/deposit_capital", payload)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["duplicate"])

	code, _ = f.do(t, "POST", "/v1/commands/trade_fill", payload)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, "GET", "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	f.health.SetReady(true)
	code, _ = f.do(t, "GET", "/readyz", nil)
	require.Equal(t, http.StatusOK, code)

	f.do(t, "GET", "/v1/pools", nil)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "protection_query_requests_total")
}

// ============================================================================
// Test: gRPC with the JSON codec
// ============================================================================

func dial(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_QueryAndHealth(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f.srv)
	ctx := context.Background()
	jsonCall := grpc.CallContentSubtype(server.CodecName)

	var resp query.PoolResponse
	err := conn.Invoke(ctx, "/"+server.QueryServiceName+"/GetPool",
		&server.PoolRequest{Pool: PoolAddress.Hex()}, &resp, jsonCall)
	require.NoError(t, err)
	require.Equal(t, PoolAddress, resp.Pool.Summary.Address)
	require.Equal(t, int64(6), resp.AsOfSequence)

	err = conn.Invoke(ctx, "/"+server.QueryServiceName+"/GetPool",
		&server.PoolRequest{Pool: Buyer.Hex()}, &resp, jsonCall)
	require.Equal(t, codes.NotFound, status.Code(err))

	var positions query.SellerPositionsResponse
	err = conn.Invoke(ctx, "/"+server.QueryServiceName+"/ListSellerPositions",
		&server.SellerPositionsRequest{Seller: Seller1.Hex()}, &positions, jsonCall)
	require.NoError(t, err)
	require.Len(t, positions.Positions, 1)

	health := healthpb.NewHealthClient(conn)
	hc, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.QueryServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, hc.Status)

	f.srv.SetServing(true)
	hc, err = health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)
}
