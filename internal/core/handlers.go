package core

import (
	"fmt"

	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"
	"ProtectionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

func (c *ProtocolCore) dispatch(evt event.Event) (*Result, error) {
	switch e := evt.(type) {
	case *event.RegisterPool:
		return c.handleRegisterPool(e)
	case *event.AddBasketLoan:
		return c.handleAddBasketLoan(e)
	case *event.LoanUpdate:
		return c.handleLoanUpdate(e)
	case *event.MovePoolPhase:
		return c.handleMovePoolPhase(e)
	case *event.DepositCapital:
		return c.handleDepositCapital(e)
	case *event.RequestWithdrawal:
		return c.handleRequestWithdrawal(e)
	case *event.WithdrawCapital:
		return c.handleWithdrawCapital(e)
	case *event.BuyProtection:
		return c.handleBuyProtection(e)
	case *event.RenewProtection:
		return c.handleRenewProtection(e)
	case *event.AccruePremium:
		return c.handleAccruePremium(e)
	case *event.AssessStates:
		return c.handleAssessStates(e)
	case *event.ClaimUnlockedCapital:
		return c.handleClaimUnlockedCapital(e)
	default:
		return nil, fmt.Errorf("%w: %T", event.ErrUnknownEventType, evt)
	}
}

// --- Administration ---

// handleRegisterPool builds the pool with its basket and share token, starts its
// cycle schedule and hands it to the default state manager. Everything that can
// fail is checked before any shared component is touched.
func (c *ProtocolCore) handleRegisterPool(evt *event.RegisterPool) (*Result, error) {
	if evt.Caller != c.owner {
		return nil, ErrUnauthorized
	}
	if _, ok := c.pools[evt.Pool]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolAlreadyRegistered, evt.Pool.Hex())
	}
	if err := evt.Cycle.Validate(); err != nil {
		return nil, err
	}
	decimals, err := math.NewDecimalConfig(evt.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pool.ErrInvalidPoolInfo, err)
	}

	basket := lending.NewReferenceBasket(evt.Basket, c.adapter, c.clock)
	for _, entry := range evt.Loans {
		if _, ok := c.adapter.Loan(entry.Loan); !ok {
			return nil, fmt.Errorf("%w: %s", lending.ErrUnknownLoan, entry.Loan.Hex())
		}
		if err := basket.AddLoan(entry); err != nil {
			return nil, err
		}
	}
	if _, _, err := basket.AssessState(); err != nil {
		return nil, fmt.Errorf("assess basket: %w", err)
	}

	shares := token.NewSnapshotToken("sToken-" + evt.Pool.Hex())
	p, err := pool.New(pool.Deps{
		Info: state.PoolInfo{
			Address:         evt.Pool,
			Params:          evt.Params,
			UnderlyingAsset: evt.UnderlyingAsset,
			Decimals:        decimals,
			Basket:          evt.Basket,
			Phase:           state.PoolPhaseOpenToSellers,
		},
		Owner:               c.owner,
		Clock:               c.clock,
		Cycles:              c.cycles,
		Basket:              basket,
		Token:               shares,
		Ledger:              c.book,
		DefaultStateManager: c.dsm,
		Logger:              c.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := c.cycles.RegisterPool(evt.Pool, evt.Cycle, c.clock.Now()); err != nil {
		return nil, err
	}
	transitions, err := c.dsm.RegisterProtectionPool(c.owner, p)
	if err != nil {
		return nil, err
	}

	c.pools[evt.Pool] = &poolEntry{pool: p, basket: basket, token: shares}
	c.poolOrder = append(c.poolOrder, evt.Pool)

	c.logger.Info().
		Str("pool", evt.Pool.Hex()).
		Str("asset", evt.UnderlyingAsset).
		Int("loans", len(evt.Loans)).
		Msg("protection pool registered")

	return &Result{Phase: state.PoolPhaseOpenToSellers.String(), Transitions: transitions}, nil
}

func (c *ProtocolCore) handleAddBasketLoan(evt *event.AddBasketLoan) (*Result, error) {
	if evt.Caller != c.owner {
		return nil, ErrUnauthorized
	}
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	if _, ok := c.adapter.Loan(evt.Entry.Loan); !ok {
		return nil, fmt.Errorf("%w: %s", lending.ErrUnknownLoan, evt.Entry.Loan.Hex())
	}
	if err := entry.basket.AddLoan(evt.Entry); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (c *ProtocolCore) handleLoanUpdate(evt *event.LoanUpdate) (*Result, error) {
	if err := c.adapter.UpsertLoan(evt.Facts); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (c *ProtocolCore) handleMovePoolPhase(evt *event.MovePoolPhase) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	phase, err := entry.pool.MovePoolPhase(evt.Caller)
	if err != nil {
		return nil, err
	}
	return &Result{Phase: phase.String()}, nil
}

// --- Seller capital ---

func (c *ProtocolCore) handleDepositCapital(evt *event.DepositCapital) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	shares, err := entry.pool.Deposit(evt.Amount, evt.Seller)
	if err != nil {
		return nil, err
	}
	return &Result{Shares: shares, Amount: evt.Amount}, nil
}

func (c *ProtocolCore) handleRequestWithdrawal(evt *event.RequestWithdrawal) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	cycleIndex, err := entry.pool.RequestWithdrawal(evt.Seller, evt.Shares)
	if err != nil {
		return nil, err
	}
	return &Result{Shares: evt.Shares, CycleIndex: cycleIndex}, nil
}

func (c *ProtocolCore) handleWithdrawCapital(evt *event.WithdrawCapital) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	amount, err := entry.pool.Withdraw(evt.Seller, evt.Shares)
	if err != nil {
		return nil, err
	}
	return &Result{Shares: evt.Shares, Amount: amount}, nil
}

// --- Protection ---

func (c *ProtocolCore) handleBuyProtection(evt *event.BuyProtection) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	info, err := entry.pool.BuyProtection(evt.Buyer, evt.Params, evt.MaxPremium)
	if err != nil {
		return nil, err
	}
	return &Result{Protection: &info, Amount: info.ProtectionPremium}, nil
}

func (c *ProtocolCore) handleRenewProtection(evt *event.RenewProtection) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	info, err := entry.pool.RenewProtection(evt.Buyer, evt.Params, evt.MaxPremium)
	if err != nil {
		return nil, err
	}
	return &Result{Protection: &info, Amount: info.ProtectionPremium}, nil
}

// --- Keeper ---

func (c *ProtocolCore) handleAccruePremium(evt *event.AccruePremium) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	accrual, err := entry.pool.AccruePremiumAndExpireProtections(evt.Loans)
	if err != nil {
		return nil, err
	}
	return &Result{Accrual: &accrual, Amount: accrual.AccruedPremium}, nil
}

// handleAssessStates assesses pools one at a time. A pool that fails is
// reported in Failures and does not hold back the others; the loan transitions
// it applied before failing are kept, along with their ledger batches, and are
// reported like any other.
func (c *ProtocolCore) handleAssessStates(evt *event.AssessStates) (*Result, error) {
	pools := evt.Pools
	if len(pools) == 0 {
		pools = c.dsm.Pools()
	}
	for _, addr := range pools {
		if _, err := c.entry(addr); err != nil {
			return nil, err
		}
	}

	result := &Result{}
	for _, addr := range pools {
		transitions, err := c.dsm.AssessStateBatch([]common.Address{addr})
		result.Transitions = append(result.Transitions, transitions...)
		if err != nil {
			if result.Failures == nil {
				result.Failures = make(map[string]string)
			}
			result.Failures[addr.Hex()] = err.Error()
			c.logger.Warn().Str("pool", addr.Hex()).Err(err).Msg("assessment failed")
		}
	}
	return result, nil
}

func (c *ProtocolCore) handleClaimUnlockedCapital(evt *event.ClaimUnlockedCapital) (*Result, error) {
	entry, err := c.entry(evt.Pool)
	if err != nil {
		return nil, err
	}
	amount, err := entry.pool.ClaimUnlockedCapital(evt.Seller)
	if err != nil {
		return nil, err
	}
	return &Result{Amount: amount}, nil
}
