package server

import (
	"context"
	"encoding/hex"
	"errors"

	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/persistence"
	"ProtectionLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	QueryServiceName  = "protectionledger.v1.ProtectionQuery"
	IngestServiceName = "protectionledger.v1.Ingest"
	AdminServiceName  = "protectionledger.v1.Admin"

	defaultJournalPage = 100
	maxJournalPage     = 500
)

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

type PoolRequest struct {
	Pool string `json:"pool"`
}

type SellerRequest struct {
	Pool   string `json:"pool"`
	Seller string `json:"seller"`
}

type SellerPositionsRequest struct {
	Seller string `json:"seller"`
}

type ProtectionsRequest struct {
	Buyer      string `json:"buyer"`
	ActiveOnly bool   `json:"active_only"`
}

type ListJournalsRequest struct {
	Pool           string `json:"pool"`
	PageSize       int    `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type RebuildProjectionsResponse struct {
	Rebuilt      bool  `json:"rebuilt"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

type EventLogInfoResponse struct {
	LastSequence       int64  `json:"last_sequence"`
	CheckpointSequence int64  `json:"checkpoint_sequence"`
	CheckpointHash     string `json:"checkpoint_hash,omitempty"`
}

// ============================================================================
// Service contracts
// ============================================================================

// QueryServer is the read API over projected protocol state
type QueryServer interface {
	ListPools(context.Context, *Empty) (*query.PoolListResponse, error)
	GetPool(context.Context, *PoolRequest) (*query.PoolResponse, error)
	GetBalances(context.Context, *PoolRequest) (*query.BalanceResponse, error)
	GetLoanStatuses(context.Context, *PoolRequest) (*query.LoanStatusResponse, error)
	GetSellerPosition(context.Context, *SellerRequest) (*query.SellerPositionResponse, error)
	ListSellerPositions(context.Context, *SellerPositionsRequest) (*query.SellerPositionsResponse, error)
	ListProtections(context.Context, *ProtectionsRequest) (*query.ProtectionsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	GetSystemStatus(context.Context, *Empty) (*query.SystemStatus, error)
}

// IngestServer submits commands straight into the core
type IngestServer interface {
	SubmitCommand(context.Context, *ingestion.SubmitCommandRequest) (*ingestion.SubmitCommandResponse, error)
}

// AdminServer exposes operational endpoints
type AdminServer interface {
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

// unaryMethod adapts a typed service method to a grpc.MethodDesc
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(S), ctx, r.(*Req))
			})
		},
	}
}

var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(QueryServiceName, "ListPools", QueryServer.ListPools),
		unaryMethod(QueryServiceName, "GetPool", QueryServer.GetPool),
		unaryMethod(QueryServiceName, "GetBalances", QueryServer.GetBalances),
		unaryMethod(QueryServiceName, "GetLoanStatuses", QueryServer.GetLoanStatuses),
		unaryMethod(QueryServiceName, "GetSellerPosition", QueryServer.GetSellerPosition),
		unaryMethod(QueryServiceName, "ListSellerPositions", QueryServer.ListSellerPositions),
		unaryMethod(QueryServiceName, "ListProtections", QueryServer.ListProtections),
		unaryMethod(QueryServiceName, "ListJournals", QueryServer.ListJournals),
		unaryMethod(QueryServiceName, "GetSystemStatus", QueryServer.GetSystemStatus),
	},
	Metadata: "protectionledger/v1/query",
}

var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(IngestServiceName, "SubmitCommand", IngestServer.SubmitCommand),
	},
	Metadata: "protectionledger/v1/ingest",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "RebuildProjections", AdminServer.RebuildProjections),
		unaryMethod(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
		unaryMethod(AdminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
	},
	Metadata: "protectionledger/v1/admin",
}

// ============================================================================
// QueryServer implementation
// ============================================================================

type queryServiceImpl struct {
	qs *query.QueryService
}

func (s *queryServiceImpl) ListPools(ctx context.Context, _ *Empty) (*query.PoolListResponse, error) {
	return s.qs.ListPools(), nil
}

func (s *queryServiceImpl) GetPool(ctx context.Context, req *PoolRequest) (*query.PoolResponse, error) {
	pool, err := parseAddress("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetPool(pool)
	return resp, queryStatus(err)
}

func (s *queryServiceImpl) GetBalances(ctx context.Context, req *PoolRequest) (*query.BalanceResponse, error) {
	pool, err := parseAddress("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetBalances(pool)
	return resp, queryStatus(err)
}

func (s *queryServiceImpl) GetLoanStatuses(ctx context.Context, req *PoolRequest) (*query.LoanStatusResponse, error) {
	pool, err := parseAddress("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetLoanStatuses(pool)
	return resp, queryStatus(err)
}

func (s *queryServiceImpl) GetSellerPosition(ctx context.Context, req *SellerRequest) (*query.SellerPositionResponse, error) {
	pool, err := parseAddress("pool", req.Pool)
	if err != nil {
		return nil, err
	}
	seller, err := parseAddress("seller", req.Seller)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetSellerPosition(pool, seller)
	return resp, queryStatus(err)
}

func (s *queryServiceImpl) ListSellerPositions(ctx context.Context, req *SellerPositionsRequest) (*query.SellerPositionsResponse, error) {
	seller, err := parseAddress("seller", req.Seller)
	if err != nil {
		return nil, err
	}
	return s.qs.ListSellerPositions(seller), nil
}

func (s *queryServiceImpl) ListProtections(ctx context.Context, req *ProtectionsRequest) (*query.ProtectionsResponse, error) {
	buyer, err := parseAddress("buyer", req.Buyer)
	if err != nil {
		return nil, err
	}
	return s.qs.ListProtections(buyer, req.ActiveOnly), nil
}

func (s *queryServiceImpl) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	pool, err := parseAddress("pool", req.Pool)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxJournalPage {
		pageSize = defaultJournalPage
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	entries, err := s.qs.GetJournalHistory(ctx, pool, pageSize, before)
	if err != nil {
		return nil, queryStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (s *queryServiceImpl) GetSystemStatus(ctx context.Context, _ *Empty) (*query.SystemStatus, error) {
	return s.qs.GetSystemStatus(), nil
}

// ============================================================================
// AdminServer implementation
// ============================================================================

// EventLog is the slice of the checkpoint store the admin service reads
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
	LatestCheckpoint(ctx context.Context) (*persistence.Checkpoint, error)
}

type adminServiceImpl struct {
	qs       *query.QueryService
	eventLog EventLog
	rebuild  func(ctx context.Context) (int64, error)
}

func (s *adminServiceImpl) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unavailable, "projection tables not configured")
	}
	seq, err := s.rebuild(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Rebuilt: true, AsOfSequence: seq}, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, queryStatus(err)
	}
	return report, nil
}

func (s *adminServiceImpl) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	if s.eventLog == nil {
		return nil, status.Error(codes.Unavailable, "event log not configured")
	}
	latestSeq, err := s.eventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	resp := &EventLogInfoResponse{LastSequence: latestSeq}

	cp, err := s.eventLog.LatestCheckpoint(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "latest checkpoint: %v", err)
	}
	if cp != nil {
		resp.CheckpointSequence = cp.Sequence
		resp.CheckpointHash = hex.EncodeToString(cp.StateHash[:])
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// queryStatus maps query errors to gRPC status errors
func queryStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrPoolNotFound), errors.Is(err, query.ErrSellerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrNoDatabase):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
