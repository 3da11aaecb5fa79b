package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"ProtectionLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

// route is one HTTP binding of a service method
type route struct {
	method  string
	pattern string
	call    func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// registerGatewayRoutes binds the query, admin and ingest methods to REST
// paths on the gateway mux. Handlers call the services in-process.
func registerGatewayRoutes(gw *runtime.ServeMux, q QueryServer, a AdminServer, ingest *ingestion.GRPCIngestService, logger zerolog.Logger) {
	routes := []route{
		{"GET", "/v1/pools", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return q.ListPools(ctx, &Empty{})
		}},
		{"GET", "/v1/pools/{pool}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return q.GetPool(ctx, &PoolRequest{Pool: p["pool"]})
		}},
		{"GET", "/v1/pools/{pool}/balances", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return q.GetBalances(ctx, &PoolRequest{Pool: p["pool"]})
		}},
		{"GET", "/v1/pools/{pool}/loans", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return q.GetLoanStatuses(ctx, &PoolRequest{Pool: p["pool"]})
		}},
		{"GET", "/v1/pools/{pool}/journals", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &ListJournalsRequest{Pool: p["pool"]}
			var err error
			if req.PageSize, err = intParam(r, "page_size"); err != nil {
				return nil, err
			}
			before, err := intParam(r, "before_sequence")
			if err != nil {
				return nil, err
			}
			req.BeforeSequence = int64(before)
			return q.ListJournals(ctx, req)
		}},
		{"GET", "/v1/pools/{pool}/sellers/{seller}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return q.GetSellerPosition(ctx, &SellerRequest{Pool: p["pool"], Seller: p["seller"]})
		}},
		{"GET", "/v1/sellers/{seller}/positions", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return q.ListSellerPositions(ctx, &SellerPositionsRequest{Seller: p["seller"]})
		}},
		{"GET", "/v1/buyers/{buyer}/protections", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
			return q.ListProtections(ctx, &ProtectionsRequest{Buyer: p["buyer"], ActiveOnly: activeOnly})
		}},
		{"GET", "/v1/status", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return q.GetSystemStatus(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/rebuild", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.RebuildProjections(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/integrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.VerifyIntegrity(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/eventlog", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.GetEventLogInfo(ctx, &Empty{})
		}},
	}

	if ingest != nil {
		routes = append(routes, route{"POST", "/v1/commands/{type}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return ingest.SubmitCommand(ctx, &ingestion.SubmitCommandRequest{Type: p["type"], Payload: body})
		}})
	}

	for _, rt := range routes {
		call := rt.call
		if err := gw.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			resp, err := call(r.Context(), r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		}); err != nil {
			// patterns are static; a bad one is a programming error
			logger.Fatal().Err(err).Str("pattern", rt.pattern).Msg("register gateway route")
		}
	}
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, raw)
	}
	return v, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
