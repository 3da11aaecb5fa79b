package query

import (
	"math/big"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/projection"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// PoolResponse is one pool's projected state
type PoolResponse struct {
	Pool         core.PoolView `json:"pool"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// PoolListResponse lists pool summaries in registration order
type PoolListResponse struct {
	Pools        []PoolSummary `json:"pools"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// PoolSummary is the list form of a pool
type PoolSummary struct {
	Address         common.Address `json:"address"`
	Asset           string         `json:"asset"`
	Phase           string         `json:"phase"`
	CycleIndex      int64          `json:"cycle_index"`
	CycleState      string         `json:"cycle_state"`
	TotalCapital    *big.Int       `json:"total_capital"`
	TotalProtection *big.Int       `json:"total_protection"`
	LeverageRatio   string         `json:"leverage_ratio"`
}

// SellerPositionResponse represents a seller's position in one pool
type SellerPositionResponse struct {
	Pool                common.Address `json:"pool"`
	Seller              common.Address `json:"seller"`
	Shares              *big.Int       `json:"shares"`
	RequestedWithdrawal *big.Int       `json:"requested_withdrawal"`
	ClaimableUnlocked   *big.Int       `json:"claimable_unlocked"`
	AsOfSequence        int64          `json:"as_of_sequence"`
}

// SellerPositionsResponse lists a seller's positions across pools
type SellerPositionsResponse struct {
	Seller       common.Address           `json:"seller"`
	Positions    []SellerPositionResponse `json:"positions"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}

// ProtectionsResponse lists a buyer's protections across pools
type ProtectionsResponse struct {
	Buyer        common.Address               `json:"buyer"`
	Protections  []projection.BuyerProtection `json:"protections"`
	AsOfSequence int64                        `json:"as_of_sequence"`
}

// LoanStatusResponse reports the default-state status of each basket loan
type LoanStatusResponse struct {
	Pool         common.Address                           `json:"pool"`
	Statuses     map[common.Address]state.LoanStatus      `json:"statuses"`
	Locks        map[common.Address][]state.LockedCapital `json:"locks"`
	AsOfSequence int64                                    `json:"as_of_sequence"`
}

// BalanceResponse lists a pool's ledger balances by account path
type BalanceResponse struct {
	Pool         common.Address              `json:"pool"`
	Balances     []projection.AccountBalance `json:"balances"`
	AsOfSequence int64                       `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// SystemStatus reports how far the read model has caught up
type SystemStatus struct {
	State         string `json:"state"`
	AsOfSequence  int64  `json:"as_of_sequence"`
	MissedOutputs int64  `json:"missed_outputs"`
	Pools         int    `json:"pools"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
