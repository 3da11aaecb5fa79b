package state

import (
	"math/big"

	"ProtectionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// PurchaseParams describe the protection a buyer asks for
type PurchaseParams struct {
	LendingPool       common.Address `json:"lending_pool"`
	PositionID        uint64         `json:"position_id"` // lender's position token id in the loan
	ProtectionAmount  *big.Int       `json:"protection_amount"`
	DurationInSeconds int64          `json:"duration_in_seconds"`
}

// PositionKey identifies a lender position in a loan
type PositionKey struct {
	LendingPool common.Address
	PositionID  uint64
}

func (p PurchaseParams) Key() PositionKey {
	return PositionKey{LendingPool: p.LendingPool, PositionID: p.PositionID}
}

// ProtectionInfo is one purchased protection. Everything except Expired and
// AccruedPremium is frozen at purchase time.
type ProtectionInfo struct {
	Index             uint64           `json:"index"`
	Buyer             common.Address   `json:"buyer"`
	PurchaseParams    PurchaseParams   `json:"purchase_params"`
	ProtectionPremium *big.Int         `json:"protection_premium"`
	StartTimestamp    int64            `json:"start_timestamp"`
	Decay             math.DecayParams `json:"decay"`
	IsMinPremium      bool             `json:"is_min_premium"`
	IsRenewal         bool             `json:"is_renewal"`
	AccruedPremium    *big.Int         `json:"accrued_premium"`
	Expired           bool             `json:"expired"`
}

func (p *ProtectionInfo) ExpirationTimestamp() int64 {
	return p.StartTimestamp + p.PurchaseParams.DurationInSeconds
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *ProtectionInfo) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)
	buf = appendUint64LE(buf, p.Index)
	buf = append(buf, p.Buyer[:]...)
	buf = append(buf, p.PurchaseParams.LendingPool[:]...)
	buf = appendUint64LE(buf, p.PurchaseParams.PositionID)
	buf = appendBigInt(buf, p.PurchaseParams.ProtectionAmount)
	buf = appendInt64LE(buf, p.PurchaseParams.DurationInSeconds)
	buf = appendBigInt(buf, p.ProtectionPremium)
	buf = appendInt64LE(buf, p.StartTimestamp)
	buf = appendBigInt(buf, p.Decay.K.Raw())
	buf = appendBigInt(buf, p.Decay.Lambda.Raw())
	buf = appendBigInt(buf, p.AccruedPremium)
	buf = append(buf, boolByte(p.IsMinPremium), boolByte(p.Expired))
	return buf
}

// LendingPoolDetail aggregates protections bought against one loan.
type LendingPoolDetail struct {
	LastPremiumAccrualTimestamp int64
	TotalPremium                *big.Int
	TotalProtection             *big.Int
	ActiveProtectionIndexes     *IndexSet
	// position id -> index of the most recently expired protection on that position
	ExpiredProtectionIndexByPosition map[uint64]uint64
}

func NewLendingPoolDetail(now int64) *LendingPoolDetail {
	return &LendingPoolDetail{
		LastPremiumAccrualTimestamp:      now,
		TotalPremium:                     new(big.Int),
		TotalProtection:                  new(big.Int),
		ActiveProtectionIndexes:          NewIndexSet(),
		ExpiredProtectionIndexByPosition: make(map[uint64]uint64),
	}
}

// ProtectionBuyerAccount tracks one buyer across loans.
type ProtectionBuyerAccount struct {
	PremiumByLoan                    map[common.Address]*big.Int
	ActiveProtectionIndexes          *IndexSet
	ActiveProtectionByPosition       map[PositionKey]uint64
	ExpiredProtectionIndexByPosition map[PositionKey]uint64
}

func NewProtectionBuyerAccount() *ProtectionBuyerAccount {
	return &ProtectionBuyerAccount{
		PremiumByLoan:                    make(map[common.Address]*big.Int),
		ActiveProtectionIndexes:          NewIndexSet(),
		ActiveProtectionByPosition:       make(map[PositionKey]uint64),
		ExpiredProtectionIndexByPosition: make(map[PositionKey]uint64),
	}
}

// AddPremium accumulates premium paid for a loan
func (a *ProtectionBuyerAccount) AddPremium(loan common.Address, premium *big.Int) {
	total, ok := a.PremiumByLoan[loan]
	if !ok {
		total = new(big.Int)
		a.PremiumByLoan[loan] = total
	}
	total.Add(total, premium)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return appendInt64LE(buf, int64(v))
}

// appendBigInt writes sign byte + length-prefixed magnitude
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0)
	}
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := v.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
