package core

import (
	"errors"
	"math/big"
	"strconv"
	"time"

	"ProtectionLedger/internal/defaultstate"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// PoolView is a self-contained copy of one pool's readable state, taken by the
// core after a command so projections never read live core state.
type PoolView struct {
	Summary      pool.Summary                             `json:"summary"`
	Asset        string                                   `json:"asset"`
	Decimals     int                                      `json:"decimals"`
	Protections  []state.ProtectionInfo                   `json:"protections"`
	Sellers      []SellerView                             `json:"sellers"`
	LoanStatuses map[common.Address]state.LoanStatus      `json:"loan_statuses"`
	Locks        map[common.Address][]state.LockedCapital `json:"locks"`
	Accounts     map[string]*big.Int                      `json:"accounts"` // ledger balances by account path
}

// SellerView is one seller's position in a pool
type SellerView struct {
	Seller              common.Address `json:"seller"`
	Shares              *big.Int       `json:"shares"`
	RequestedWithdrawal *big.Int       `json:"requested_withdrawal"`
	ClaimableUnlocked   *big.Int       `json:"claimable_unlocked"`
}

// poolViews snapshots the pools a command touched: its own pool, or every pool
// for global commands
func (c *ProtocolCore) poolViews(evt event.Event) []PoolView {
	pools := c.poolOrder
	if poolID := evt.PoolID(); poolID != nil {
		if _, ok := c.pools[*poolID]; !ok {
			return nil
		}
		pools = []common.Address{*poolID}
	}

	views := make([]PoolView, 0, len(pools))
	for _, addr := range pools {
		views = append(views, c.poolView(addr))
	}
	return views
}

// Views snapshots every registered pool in registration order. Not safe to
// call while Run is active.
func (c *ProtocolCore) Views() []PoolView {
	views := make([]PoolView, 0, len(c.poolOrder))
	for _, addr := range c.poolOrder {
		views = append(views, c.poolView(addr))
	}
	return views
}

func (c *ProtocolCore) poolView(addr common.Address) PoolView {
	entry := c.pools[addr]
	info := entry.pool.Info()

	sellers := make([]SellerView, 0)
	for _, seller := range entry.token.Holders() {
		claimable, err := c.dsm.CalculateClaimableUnlockedAmount(addr, seller)
		if err != nil {
			claimable = new(big.Int)
		}
		sellers = append(sellers, SellerView{
			Seller:              seller,
			Shares:              entry.token.BalanceOf(seller),
			RequestedWithdrawal: entry.pool.RequestedWithdrawalAmount(seller),
			ClaimableUnlocked:   claimable,
		})
	}

	statuses, _ := c.dsm.LoanStates(addr)
	locks := make(map[common.Address][]state.LockedCapital)
	for _, loan := range entry.basket.GetLoans() {
		if records, err := c.dsm.LockedCapitals(addr, loan); err == nil && len(records) > 0 {
			locks[loan] = records
		}
	}

	return PoolView{
		Accounts:     c.accountBalances(addr, entry.pool.AssetID()),
		Summary:      entry.pool.Summary(),
		Asset:        info.UnderlyingAsset,
		Decimals:     info.Decimals.DecimalPrecision,
		Protections:  entry.pool.ProtectionInfos(),
		Sellers:      sellers,
		LoanStatuses: statuses,
		Locks:        locks,
	}
}

var viewSubTypes = []ledger.AccountSubType{
	ledger.SubTypePoolCapital,
	ledger.SubTypePoolUnaccruedPremium,
	ledger.SubTypePoolLockedCapital,
	ledger.SubTypePoolUnlockedCapital,
}

var viewExternalSubTypes = []ledger.AccountSubType{
	ledger.SubTypeExternalDeposits,
	ledger.SubTypeExternalWithdrawals,
	ledger.SubTypeExternalPremiums,
}

func (c *ProtocolCore) accountBalances(addr common.Address, assetID ledger.AssetID) map[string]*big.Int {
	accounts := make(map[string]*big.Int, len(viewSubTypes)+len(viewExternalSubTypes))
	for _, sub := range viewSubTypes {
		key := ledger.NewPoolAccountKey(addr, sub, assetID)
		accounts[key.AccountPath()] = c.book.Balance(key)
	}
	for _, sub := range viewExternalSubTypes {
		key := ledger.NewExternalAccountKey(addr, sub, assetID)
		accounts[key.AccountPath()] = c.book.Balance(key)
	}
	return accounts
}

// --- Metrics ---

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, pool.ErrUnauthorized), errors.Is(err, defaultstate.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownPool), errors.Is(err, lending.ErrUnknownLoan):
		return "unknown_reference"
	case errors.Is(err, event.ErrUnknownEventType):
		return "unknown_type"
	default:
		return "precondition"
	}
}

// units converts a native-decimal amount to whole units for gauges
func units(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(scale)).Float64()
	return f
}

func (c *ProtocolCore) recordMetrics(evt event.Event, output *CoreOutput, dispatchErr error, start time.Time) {
	m := c.metrics
	if m == nil {
		return
	}
	eventType := evt.EventType().String()

	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence - 1))
	m.DedupLRUSize.Set(float64(c.idempotency.LRU().Size()))
	m.DedupLRUEvictions.Set(float64(c.idempotency.LRU().Evictions()))

	if dispatchErr != nil {
		m.CoreEventsRejected.WithLabelValues(eventType, rejectLabel(dispatchErr)).Inc()
		return
	}
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()

	for _, batch := range output.Batches {
		for _, j := range batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	decimals := make(map[common.Address]int, len(output.Pools))
	for _, view := range output.Pools {
		label := view.Summary.Address.Hex()
		decimals[view.Summary.Address] = view.Decimals
		ratio, _ := strconv.ParseFloat(view.Summary.LeverageRatio.String(), 64)
		m.PoolLeverageRatio.WithLabelValues(label).Set(ratio)
		m.PoolTotalCapital.WithLabelValues(label).Set(units(view.Summary.TotalCapital, view.Decimals))
		m.PoolTotalProtection.WithLabelValues(label).Set(units(view.Summary.TotalProtection, view.Decimals))
	}

	result := output.Result
	if result == nil {
		return
	}
	poolLabel := ""
	var poolAddr common.Address
	if poolID := evt.PoolID(); poolID != nil {
		poolAddr = *poolID
		poolLabel = poolID.Hex()
	}

	switch evt.(type) {
	case *event.BuyProtection:
		m.ProtectionsSold.WithLabelValues(poolLabel, "new").Inc()
	case *event.RenewProtection:
		m.ProtectionsSold.WithLabelValues(poolLabel, "renewal").Inc()
	case *event.AccruePremium:
		if result.Accrual != nil {
			m.ProtectionsExpired.WithLabelValues(poolLabel).Add(float64(len(result.Accrual.Expired)))
			m.PremiumAccrued.WithLabelValues(poolLabel).Add(units(result.Accrual.AccruedPremium, decimals[poolAddr]))
		}
	case *event.ClaimUnlockedCapital:
		if result.Amount != nil && result.Amount.Sign() > 0 {
			m.UnlockedClaims.WithLabelValues(poolLabel).Inc()
		}
	}

	for _, t := range result.Transitions {
		label := t.Pool.Hex()
		m.LoanTransitions.WithLabelValues(label, t.To.String()).Inc()
		if t.LockedAmount != nil {
			m.CapitalLocked.WithLabelValues(label, "lock").Inc()
		}
		if t.UnlockedAmount != nil {
			m.CapitalLocked.WithLabelValues(label, "unlock").Inc()
		}
	}
}
