package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePool AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types
	SubTypePoolCapital AccountSubType = iota // seller capital, including accrued premium
	SubTypePoolUnaccruedPremium
	SubTypePoolLockedCapital
	SubTypePoolUnlockedCapital // released locks awaiting seller claims

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalPremiums
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"DAI":  3,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "DAI",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking. Every account belongs to a
// pool; external accounts are the pool's boundary with the outside world, so each
// pool's accounts sum to zero on their own.
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // pool address
	SubType  AccountSubType
	AssetID  AssetID
}

// NewPoolAccountKey creates a key for a pool-internal account
func NewPoolAccountKey(pool common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopePool,
		EntityID: pool,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for a pool's external boundary account
func NewExternalAccountKey(pool common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: pool,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:%s:%s", k.EntityID.Hex(), k.SubTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.EntityID.Hex(), k.SubTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) SubTypeName() string {
	switch k.SubType {
	case SubTypePoolCapital:
		return "capital"
	case SubTypePoolUnaccruedPremium:
		return "unaccrued_premium"
	case SubTypePoolLockedCapital:
		return "locked_capital"
	case SubTypePoolUnlockedCapital:
		return "unlocked_capital"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalPremiums:
		return "premiums"
	default:
		return "unknown"
	}
}

// PoolSubTypes are the accounts that hold real value and must never go negative
var PoolSubTypes = []AccountSubType{
	SubTypePoolCapital,
	SubTypePoolUnaccruedPremium,
	SubTypePoolLockedCapital,
	SubTypePoolUnlockedCapital,
}
