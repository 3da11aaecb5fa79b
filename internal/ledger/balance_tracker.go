package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) account(key AccountKey) *big.Int {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	return bal
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.account(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.account(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		debit := bt.account(j.DebitAccount)
		debit.Sub(debit, j.Amount)
		credit := bt.account(j.CreditAccount)
		credit.Add(credit, j.Amount)
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if bal, ok := bt.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// === Pool Balance Queries ===

// PoolBalances is the value held inside one pool
type PoolBalances struct {
	Capital          *big.Int
	UnaccruedPremium *big.Int
	LockedCapital    *big.Int
	UnlockedCapital  *big.Int
}

func (bt *BalanceTracker) GetPoolBalances(pool common.Address, assetID AssetID) PoolBalances {
	return PoolBalances{
		Capital:          bt.GetBalance(NewPoolAccountKey(pool, SubTypePoolCapital, assetID)),
		UnaccruedPremium: bt.GetBalance(NewPoolAccountKey(pool, SubTypePoolUnaccruedPremium, assetID)),
		LockedCapital:    bt.GetBalance(NewPoolAccountKey(pool, SubTypePoolLockedCapital, assetID)),
		UnlockedCapital:  bt.GetBalance(NewPoolAccountKey(pool, SubTypePoolUnlockedCapital, assetID)),
	}
}

// GetPoolCapital returns seller capital (totalSTokenUnderlying)
func (bt *BalanceTracker) GetPoolCapital(pool common.Address, assetID AssetID) *big.Int {
	return bt.GetBalance(NewPoolAccountKey(pool, SubTypePoolCapital, assetID))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ValidateSufficient checks if an account holds at least required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *big.Int) error {
	balance := bt.GetBalance(key)
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s", key.AccountPath(), balance, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(big.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// ComputePoolBalance sums every account of one pool
func (bt *BalanceTracker) ComputePoolBalance(pool common.Address) *big.Int {
	total := new(big.Int)
	for key, balance := range bt.balances {
		if key.EntityID == pool {
			total.Add(total, balance)
		}
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
