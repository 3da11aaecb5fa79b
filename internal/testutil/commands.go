package testutil

import (
	"math/big"

	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/lending"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Partitions of the default pool scenario
var (
	PoolPartition   = "pool:" + PoolAddress.Hex()
	GlobalPartition = "global"
)

// Commands builds protocol commands with per-partition source sequences the
// way an upstream producer numbers them
type Commands struct {
	seqs map[string]int64
}

func NewCommands() *Commands {
	return &Commands{seqs: make(map[string]int64)}
}

func (c *Commands) Header(partition string, offset int64) event.Header {
	seq := c.seqs[partition]
	c.seqs[partition]++
	return event.Header{CommandID: uuid.New(), Sequence: seq, Timestamp: StartTime + offset}
}

func (c *Commands) LoanUpdate(offset int64, facts lending.LoanFacts) *event.LoanUpdate {
	return &event.LoanUpdate{Header: c.Header(GlobalPartition, offset), Facts: facts}
}

func (c *Commands) RegisterPool(offset int64) *event.RegisterPool {
	return &event.RegisterPool{
		Header:          c.Header(PoolPartition, offset),
		Caller:          Owner,
		Pool:            PoolAddress,
		Basket:          BasketAddress,
		UnderlyingAsset: "USDC",
		Decimals:        6,
		Params:          DefaultPoolParams(),
		Cycle:           DefaultCycleParams(),
		Loans: []lending.BasketEntry{{
			Loan:                          Loan,
			ProtectionPurchaseLimitInDays: 90,
			LatePaymentGracePeriodInDays:  5,
		}},
	}
}

func (c *Commands) Deposit(offset int64, seller common.Address, amount *big.Int) *event.DepositCapital {
	return &event.DepositCapital{Header: c.Header(PoolPartition, offset), Pool: PoolAddress, Seller: seller, Amount: amount}
}

func (c *Commands) MovePoolPhase(offset int64) *event.MovePoolPhase {
	return &event.MovePoolPhase{Header: c.Header(PoolPartition, offset), Caller: Owner, Pool: PoolAddress}
}

func (c *Commands) Buy(offset int64, buyer common.Address, position uint64, amount *big.Int, days int64) *event.BuyProtection {
	return &event.BuyProtection{
		Header: c.Header(PoolPartition, offset),
		Pool:   PoolAddress,
		Buyer:  buyer,
		Params: Purchase(position, amount, days),
	}
}

func (c *Commands) Accrue(offset int64) *event.AccruePremium {
	return &event.AccruePremium{Header: c.Header(PoolPartition, offset), Pool: PoolAddress}
}

func (c *Commands) Assess(offset int64) *event.AssessStates {
	return &event.AssessStates{Header: c.Header(GlobalPartition, offset)}
}

// FundedPoolScenario registers the default pool, funds it 80k/20k, opens it
// to buyers and sells Buyer 50k of protection for 90 days
func (c *Commands) FundedPoolScenario() []event.Event {
	return []event.Event{
		c.LoanUpdate(0, DefaultLoan()),
		c.RegisterPool(0),
		c.Deposit(0, Seller1, USDC(80_000)),
		c.Deposit(0, Seller2, USDC(20_000)),
		c.MovePoolPhase(0),
		c.Buy(0, Buyer, BuyerPosition, USDC(50_000), 90),
	}
}
