package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolNonNegative checks that no value-holding pool account is overdrawn
func (v *InvariantValidator) ValidatePoolNonNegative(pool common.Address, assetID AssetID) error {
	for _, subType := range PoolSubTypes {
		if err := v.tracker.ValidateNonNegative(NewPoolAccountKey(pool, subType, assetID)); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePoolConservation verifies one pool's accounts sum to zero: every unit
// inside the pool entered through an external account.
func (v *InvariantValidator) ValidatePoolConservation(pool common.Address) error {
	if total := v.tracker.ComputePoolBalance(pool); total.Sign() != 0 {
		return fmt.Errorf("pool %s accounts sum to %s, want 0", pool.Hex(), total)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
