package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrPoolNotFound   = errors.New("query: pool not found")
	ErrSellerNotFound = errors.New("query: seller has no position in pool")
	ErrNoDatabase     = errors.New("query: event log database not configured")
)

// QueryService provides read-only access to the projected state. Pool, seller
// and protection reads come from the in-memory store; journal history and
// integrity checks read Postgres. Every response carries as_of_sequence.
type QueryService struct {
	store   *projection.Store
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService creates a query service. db may be nil, which disables the
// journal and integrity endpoints.
func NewQueryService(store *projection.Store, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, db: db, metrics: metrics}
}

// track starts timing a request; the returned func records it. errp may be nil
// for endpoints that cannot fail.
func (qs *QueryService) track(endpoint string, errp *error) func() {
	start := time.Now()
	return func() {
		if qs.metrics == nil {
			return
		}
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// GetPool returns one pool's full view.
func (qs *QueryService) GetPool(pool common.Address) (resp *PoolResponse, err error) {
	defer qs.track("get_pool", &err)()

	view, ok := qs.store.Pool(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	return &PoolResponse{Pool: view, AsOfSequence: qs.store.LastSequence()}, nil
}

// ListPools returns the summary of every registered pool.
func (qs *QueryService) ListPools() *PoolListResponse {
	defer qs.track("list_pools", nil)()

	views := qs.store.Pools()
	pools := make([]PoolSummary, 0, len(views))
	for _, v := range views {
		pools = append(pools, PoolSummary{
			Address:         v.Summary.Address,
			Asset:           v.Asset,
			Phase:           v.Summary.Phase,
			CycleIndex:      v.Summary.CycleIndex,
			CycleState:      v.Summary.CycleState,
			TotalCapital:    v.Summary.TotalCapital,
			TotalProtection: v.Summary.TotalProtection,
			LeverageRatio:   v.Summary.LeverageRatio.String(),
		})
	}
	return &PoolListResponse{Pools: pools, AsOfSequence: qs.store.LastSequence()}
}

// GetSellerPosition returns one seller's shares, pending withdrawal request
// and claimable unlocked capital in a pool.
func (qs *QueryService) GetSellerPosition(pool, seller common.Address) (resp *SellerPositionResponse, err error) {
	defer qs.track("get_seller_position", &err)()

	if _, ok := qs.store.Pool(pool); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	sv, ok := qs.store.Seller(pool, seller)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSellerNotFound, seller.Hex())
	}
	return &SellerPositionResponse{
		Pool:                pool,
		Seller:              seller,
		Shares:              sv.Shares,
		RequestedWithdrawal: sv.RequestedWithdrawal,
		ClaimableUnlocked:   sv.ClaimableUnlocked,
		AsOfSequence:        qs.store.LastSequence(),
	}, nil
}

// ListSellerPositions returns a seller's positions in every pool, in pool
// registration order.
func (qs *QueryService) ListSellerPositions(seller common.Address) *SellerPositionsResponse {
	defer qs.track("list_seller_positions", nil)()

	asOf := qs.store.LastSequence()
	held := qs.store.SellerPositions(seller)
	positions := make([]SellerPositionResponse, 0, len(held))
	for _, view := range qs.store.Pools() {
		sv, ok := held[view.Summary.Address]
		if !ok {
			continue
		}
		positions = append(positions, SellerPositionResponse{
			Pool:                view.Summary.Address,
			Seller:              seller,
			Shares:              sv.Shares,
			RequestedWithdrawal: sv.RequestedWithdrawal,
			ClaimableUnlocked:   sv.ClaimableUnlocked,
			AsOfSequence:        asOf,
		})
	}
	return &SellerPositionsResponse{Seller: seller, Positions: positions, AsOfSequence: asOf}
}

// ListProtections returns a buyer's protections across pools.
func (qs *QueryService) ListProtections(buyer common.Address, activeOnly bool) *ProtectionsResponse {
	defer qs.track("list_protections", nil)()

	protections := qs.store.ProtectionsByBuyer(buyer, activeOnly)
	if protections == nil {
		protections = []projection.BuyerProtection{}
	}
	return &ProtectionsResponse{
		Buyer:        buyer,
		Protections:  protections,
		AsOfSequence: qs.store.LastSequence(),
	}
}

// GetLoanStatuses returns the default-state status and lock records of every
// loan in a pool's basket.
func (qs *QueryService) GetLoanStatuses(pool common.Address) (resp *LoanStatusResponse, err error) {
	defer qs.track("get_loan_statuses", &err)()

	view, ok := qs.store.Pool(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	return &LoanStatusResponse{
		Pool:         pool,
		Statuses:     view.LoanStatuses,
		Locks:        view.Locks,
		AsOfSequence: qs.store.LastSequence(),
	}, nil
}

// GetBalances returns a pool's ledger balances.
func (qs *QueryService) GetBalances(pool common.Address) (resp *BalanceResponse, err error) {
	defer qs.track("get_balances", &err)()

	balances, ok := qs.store.Balances(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	return &BalanceResponse{Pool: pool, Balances: balances, AsOfSequence: qs.store.LastSequence()}, nil
}

// GetSystemStatus reports the read model's watermark.
func (qs *QueryService) GetSystemStatus() *SystemStatus {
	st := &SystemStatus{
		State:         "ready",
		AsOfSequence:  qs.store.LastSequence(),
		MissedOutputs: qs.store.Missed(),
		Pools:         len(qs.store.Pools()),
	}
	if st.MissedOutputs > 0 {
		st.State = "degraded"
	}
	return st
}

// GetJournalHistory returns journal entries touching a pool's accounts, newest
// first. Pass beforeSequence to page backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	pool common.Address,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.track("journal_history", &err)()

	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	accountPattern := fmt.Sprintf("%%:%s:%%", pool.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPattern}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries = make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that the
// projected balances of each asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.track("verify_integrity", &err)()

	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text
		FROM projection.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}
