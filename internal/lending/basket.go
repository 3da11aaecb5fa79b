package lending

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrLoanAlreadyInBasket = errors.New("reference basket: loan already added")
	ErrInvalidBasketEntry  = errors.New("reference basket: invalid entry")
)

// Basket is the set of reference loans a pool sells protection on.
type Basket interface {
	GetLoans() []common.Address
	AssessState() ([]common.Address, []state.LoanStatus, error)
	CanBuyProtection(buyer common.Address, params state.PurchaseParams, isRenewal bool) (bool, error)
	GetLendingPoolStatus(loan common.Address) (state.LoanStatus, error)
	Adapter() Adapter
}

// BasketEntry is the per-loan purchase policy
type BasketEntry struct {
	Loan                          common.Address `toml:"loan" json:"loan"`
	AddedTimestamp                int64          `toml:"added_timestamp" json:"added_timestamp"`
	ProtectionPurchaseLimitInDays int64          `toml:"protection_purchase_limit_in_days" json:"protection_purchase_limit_in_days"`
	LatePaymentGracePeriodInDays  int64          `toml:"late_payment_grace_period_in_days" json:"late_payment_grace_period_in_days"`
}

// ReferenceBasket is the basket implementation backed by an Adapter.
type ReferenceBasket struct {
	address common.Address
	adapter Adapter
	clock   state.Clock
	loans   []common.Address
	entries map[common.Address]BasketEntry
}

func NewReferenceBasket(address common.Address, adapter Adapter, clock state.Clock) *ReferenceBasket {
	return &ReferenceBasket{
		address: address,
		adapter: adapter,
		clock:   clock,
		entries: make(map[common.Address]BasketEntry),
	}
}

func (b *ReferenceBasket) Address() common.Address { return b.address }

func (b *ReferenceBasket) Adapter() Adapter { return b.adapter }

// AddLoan admits a loan into the basket; purchases open for the configured window.
func (b *ReferenceBasket) AddLoan(entry BasketEntry) error {
	if _, ok := b.entries[entry.Loan]; ok {
		return fmt.Errorf("%w: %s", ErrLoanAlreadyInBasket, entry.Loan.Hex())
	}
	if entry.ProtectionPurchaseLimitInDays <= 0 || entry.LatePaymentGracePeriodInDays < 0 {
		return fmt.Errorf("%w: %s purchase_limit=%d grace=%d", ErrInvalidBasketEntry,
			entry.Loan.Hex(), entry.ProtectionPurchaseLimitInDays, entry.LatePaymentGracePeriodInDays)
	}
	if entry.AddedTimestamp == 0 {
		entry.AddedTimestamp = b.clock.Now()
	}
	b.entries[entry.Loan] = entry
	b.loans = append(b.loans, entry.Loan)
	return nil
}

func (b *ReferenceBasket) GetLoans() []common.Address {
	out := make([]common.Address, len(b.loans))
	copy(out, b.loans)
	return out
}

// AssessState returns the current status of every loan in insertion order.
func (b *ReferenceBasket) AssessState() ([]common.Address, []state.LoanStatus, error) {
	loans := b.GetLoans()
	statuses := make([]state.LoanStatus, len(loans))
	for i, loan := range loans {
		status, err := b.GetLendingPoolStatus(loan)
		if err != nil {
			return nil, nil, err
		}
		statuses[i] = status
	}
	return loans, statuses, nil
}

// GetLendingPoolStatus maps adapter answers onto the loan status enum.
func (b *ReferenceBasket) GetLendingPoolStatus(loan common.Address) (state.LoanStatus, error) {
	entry, ok := b.entries[loan]
	if !ok {
		return state.LoanStatusNotSupported, nil
	}

	expired, err := b.adapter.IsLoanExpired(loan)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	if expired {
		return state.LoanStatusExpired, nil
	}

	defaulted, err := b.adapter.IsLoanDefaulted(loan)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	if defaulted {
		return state.LoanStatusDefaulted, nil
	}

	late, err := b.adapter.IsLoanLate(loan)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	if !late {
		return state.LoanStatusActive, nil
	}

	lastPayment, err := b.adapter.GetLatestPaymentTimestamp(loan)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	period, err := b.adapter.GetPaymentPeriodInDays(loan)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	graceEnd := lastPayment + (period+entry.LatePaymentGracePeriodInDays)*math.SecondsPerDay
	if b.clock.Now() <= graceEnd {
		return state.LoanStatusLateWithinGracePeriod, nil
	}
	return state.LoanStatusLate, nil
}

// CanBuyProtection applies the basket's purchase policy. New purchases must land
// inside the loan's purchase window; renewals are exempt. The amount may not exceed
// what the buyer still has lent on the position.
func (b *ReferenceBasket) CanBuyProtection(buyer common.Address, params state.PurchaseParams, isRenewal bool) (bool, error) {
	entry, ok := b.entries[params.LendingPool]
	if !ok {
		return false, nil
	}

	if !isRenewal {
		limit := entry.AddedTimestamp + entry.ProtectionPurchaseLimitInDays*math.SecondsPerDay
		if b.clock.Now() > limit {
			return false, nil
		}
	}

	remaining, err := b.adapter.CalculateRemainingPrincipal(params.LendingPool, buyer, params.PositionID)
	if err != nil {
		return false, err
	}
	return params.ProtectionAmount.Cmp(remaining) <= 0, nil
}

// Entries returns the basket policy per loan in insertion order
func (b *ReferenceBasket) Entries() []BasketEntry {
	out := make([]BasketEntry, 0, len(b.loans))
	for _, loan := range b.loans {
		out = append(out, b.entries[loan])
	}
	return out
}

// CanonicalBytes returns deterministic serialization for hashing
func (b *ReferenceBasket) CanonicalBytes() []byte {
	buf := append([]byte(nil), b.address[:]...)
	for _, e := range b.Entries() {
		buf = append(buf, e.Loan[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.AddedTimestamp))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ProtectionPurchaseLimitInDays))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LatePaymentGracePeriodInDays))
	}
	return buf
}
