package core_test

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"
	. "ProtectionLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var poolPartition = "pool:" + PoolAddress.Hex()

const globalPartition = "global"

// harness drives a core the way ingestion does: one source sequence per
// partition, every output collected as the event log
type harness struct {
	t       *testing.T
	core    *core.ProtocolCore
	persist chan *core.CoreOutput
	metrics *observability.Metrics
	seqs    map[string]int64
	log     []*event.EventEnvelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan *core.CoreOutput, 1024)
	projection := make(chan *core.CoreOutput, 1024)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := core.NewProtocolCore(core.Config{
		Owner:          Owner,
		DSMAddress:     DSMAddress,
		LRUCapacity:    1024,
		Metrics:        metrics,
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
		ProjectionChan: projection,
	})
	return &harness{
		t:       t,
		core:    c,
		persist: persist,
		metrics: metrics,
		seqs:    make(map[string]int64),
	}
}

func (h *harness) header(partition string, offset int64) event.Header {
	seq := h.seqs[partition]
	h.seqs[partition]++
	return event.Header{CommandID: uuid.New(), Sequence: seq, Timestamp: StartTime + offset}
}

func (h *harness) submit(evt event.Event) (*core.CoreOutput, error) {
	out, err := h.core.ProcessEvent(evt)
	if out != nil {
		h.log = append(h.log, out.Envelope)
	}
	return out, err
}

func (h *harness) mustSubmit(evt event.Event) *core.CoreOutput {
	h.t.Helper()
	out, err := h.submit(evt)
	require.NoError(h.t, err)
	require.NotNil(h.t, out)
	require.False(h.t, out.Envelope.Rejected)
	return out
}

func (h *harness) registerPool(offset int64) *core.CoreOutput {
	h.t.Helper()
	h.mustSubmit(&event.LoanUpdate{Header: h.header(globalPartition, offset), Facts: DefaultLoan()})
	return h.mustSubmit(registerPoolCommand(h.header(poolPartition, offset), Owner))
}

func registerPoolCommand(header event.Header, caller common.Address) *event.RegisterPool {
	return &event.RegisterPool{
		Header:          header,
		Caller:          caller,
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

func (h *harness) deposit(offset int64, seller common.Address, amount *big.Int) *core.CoreOutput {
	h.t.Helper()
	return h.mustSubmit(&event.DepositCapital{
		Header: h.header(poolPartition, offset),
		Pool:   PoolAddress,
		Seller: seller,
		Amount: amount,
	})
}

// fundedPool registers the pool, funds it 80/20 and opens it to buyers
func (h *harness) fundedPool() {
	h.t.Helper()
	h.registerPool(0)
	h.deposit(0, Seller1, USDC(80_000))
	h.deposit(0, Seller2, USDC(20_000))
	out := h.mustSubmit(&event.MovePoolPhase{Header: h.header(poolPartition, 0), Caller: Owner, Pool: PoolAddress})
	require.Equal(h.t, state.PoolPhaseOpenToBuyers.String(), out.Result.Phase)
}

func (h *harness) buy(offset int64, buyer common.Address, position uint64, amount *big.Int, days int64) (*core.CoreOutput, error) {
	return h.submit(&event.BuyProtection{
		Header: h.header(poolPartition, offset),
		Pool:   PoolAddress,
		Buyer:  buyer,
		Params: Purchase(position, amount, days),
	})
}

func (h *harness) balance(sub ledger.AccountSubType) *big.Int {
	assetID, _ := ledger.GetAssetID("USDC")
	return h.core.Book().Balance(ledger.NewPoolAccountKey(PoolAddress, sub, assetID))
}

// ============================================================================
// Test: Registration
// ============================================================================

func TestRegisterPool_CreatesPoolAndAssessesBasket(t *testing.T) {
	h := newHarness(t)
	out := h.registerPool(0)

	require.Equal(t, state.PoolPhaseOpenToSellers.String(), out.Result.Phase)
	require.Len(t, out.Result.Transitions, 1)
	require.Equal(t, state.LoanStatusActive, out.Result.Transitions[0].To)
	require.Equal(t, []common.Address{PoolAddress}, h.core.Pools())

	require.Len(t, out.Pools, 1)
	require.Equal(t, "USDC", out.Pools[0].Asset)
	require.Equal(t, 6, out.Pools[0].Decimals)
	require.Equal(t, state.LoanStatusActive, out.Pools[0].LoanStatuses[Loan])
}

func TestRegisterPool_Rejections(t *testing.T) {
	t.Run("non-owner", func(t *testing.T) {
		h := newHarness(t)
		h.mustSubmit(&event.LoanUpdate{Header: h.header(globalPartition, 0), Facts: DefaultLoan()})

		out, err := h.submit(registerPoolCommand(h.header(poolPartition, 0), Buyer))
		require.ErrorIs(t, err, core.ErrCommandRejected)
		require.ErrorIs(t, err, core.ErrUnauthorized)
		require.True(t, out.Envelope.Rejected)
		require.Empty(t, h.core.Pools())
	})

	t.Run("unknown loan", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.submit(registerPoolCommand(h.header(poolPartition, 0), Owner))
		require.ErrorIs(t, err, lending.ErrUnknownLoan)
		require.Empty(t, h.core.Pools())
	})

	t.Run("twice", func(t *testing.T) {
		h := newHarness(t)
		h.registerPool(0)
		_, err := h.submit(registerPoolCommand(h.header(poolPartition, 0), Owner))
		require.ErrorIs(t, err, core.ErrPoolAlreadyRegistered)
	})

	t.Run("invalid params leave no cycle behind", func(t *testing.T) {
		h := newHarness(t)
		h.mustSubmit(&event.LoanUpdate{Header: h.header(globalPartition, 0), Facts: DefaultLoan()})
		cmd := registerPoolCommand(h.header(poolPartition, 0), Owner)
		cmd.Params.Curvature = cmd.Params.Curvature.Neg()
		_, err := h.submit(cmd)
		require.ErrorIs(t, err, state.ErrInvalidPoolParams)

		// the same pool registers cleanly afterwards
		h.mustSubmit(registerPoolCommand(h.header(poolPartition, 0), Owner))
	})
}

func TestPoolCommand_UnknownPool(t *testing.T) {
	h := newHarness(t)
	_, err := h.submit(&event.DepositCapital{
		Header: h.header(poolPartition, 0),
		Pool:   PoolAddress,
		Seller: Seller1,
		Amount: USDC(1),
	})
	require.ErrorIs(t, err, core.ErrUnknownPool)
}

// ============================================================================
// Test: End-to-end lifecycle
// ============================================================================

func TestLifecycle_BuyAccrueLockRecover(t *testing.T) {
	h := newHarness(t)
	h.fundedPool()
	require.Equal(t, 0, USDC(100_000).Cmp(h.balance(ledger.SubTypePoolCapital)))

	out, err := h.buy(0, Buyer, BuyerPosition, USDC(50_000), 90)
	require.NoError(t, err)
	premium := out.Result.Protection.ProtectionPremium
	require.Positive(t, premium.Sign())
	require.Equal(t, 0, premium.Cmp(h.balance(ledger.SubTypePoolUnaccruedPremium)))

	// accrue 20 days in
	out = h.mustSubmit(&event.AccruePremium{Header: h.header(poolPartition, 20*Day), Pool: PoolAddress})
	accrued := out.Result.Accrual.AccruedPremium
	require.Positive(t, accrued.Sign())
	require.Less(t, accrued.Cmp(premium), 0)
	require.Equal(t, 0, new(big.Int).Sub(premium, accrued).Cmp(h.balance(ledger.SubTypePoolUnaccruedPremium)))

	// the loan misses its payment and the grace window: capital locks
	out = h.mustSubmit(&event.AssessStates{Header: h.header(globalPartition, 36*Day)})
	require.Len(t, out.Result.Transitions, 1)
	tr := out.Result.Transitions[0]
	require.Equal(t, state.LoanStatusLate, tr.To)
	require.Equal(t, 0, USDC(50_000).Cmp(tr.LockedAmount))
	require.Equal(t, 0, USDC(50_000).Cmp(h.balance(ledger.SubTypePoolLockedCapital)))

	// buyers cannot pile onto a late loan
	out, err = h.buy(36*Day, Buyer2, Buyer2Position, USDC(10_000), 20)
	require.ErrorIs(t, err, core.ErrCommandRejected)
	require.ErrorIs(t, err, pool.ErrLoanNotActive)
	require.True(t, out.Envelope.Rejected)
	require.Contains(t, out.Envelope.RejectReason, "loan is not active")
	require.Empty(t, out.Batches)

	// the borrower catches up; after two periods the loan recovers and unlocks
	facts := DefaultLoan()
	facts.LatestPaymentTimestamp = StartTime + 90*Day
	h.mustSubmit(&event.LoanUpdate{Header: h.header(globalPartition, 90*Day), Facts: facts})
	out = h.mustSubmit(&event.AssessStates{Header: h.header(globalPartition, 96*Day+1)})
	require.Len(t, out.Result.Transitions, 1)
	require.Equal(t, state.LoanStatusActive, out.Result.Transitions[0].To)
	require.Equal(t, 0, USDC(50_000).Cmp(out.Result.Transitions[0].UnlockedAmount))
	require.Zero(t, h.balance(ledger.SubTypePoolLockedCapital).Sign())

	out = h.mustSubmit(&event.ClaimUnlockedCapital{Header: h.header(poolPartition, 97*Day), Pool: PoolAddress, Seller: Seller1})
	require.Equal(t, 0, USDC(40_000).Cmp(out.Result.Amount))

	// the ledger stays conserved throughout
	require.NoError(t, h.core.Book().Validator().ValidatePoolConservation(PoolAddress))
	require.NoError(t, h.core.Book().Validator().ValidateGlobalBalance())

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ProtectionsSold.WithLabelValues(PoolAddress.Hex(), "new")))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CapitalLocked.WithLabelValues(PoolAddress.Hex(), "lock")))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CapitalLocked.WithLabelValues(PoolAddress.Hex(), "unlock")))
}

// ============================================================================
// Test: Idempotency and sequencing
// ============================================================================

func TestDuplicateCommand_Skipped(t *testing.T) {
	h := newHarness(t)
	h.registerPool(0)

	cmd := &event.DepositCapital{
		Header: h.header(poolPartition, 0),
		Pool:   PoolAddress,
		Seller: Seller1,
		Amount: USDC(60_000),
	}
	h.mustSubmit(cmd)
	next := h.core.GetSequence()
	hash := h.core.GetStateHash()

	out, err := h.submit(cmd)
	require.ErrorIs(t, err, core.ErrDuplicateCommand)
	require.Nil(t, out)
	require.Equal(t, next, h.core.GetSequence())
	require.Equal(t, hash, h.core.GetStateHash())
	require.Equal(t, 0, USDC(60_000).Cmp(h.balance(ledger.SubTypePoolCapital)))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.IdempotencyDuplicates.WithLabelValues("DepositCapital", core.TierLRU)))
}

func TestRejectedCommand_ConsumesSequenceAndIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.registerPool(0)
	before := h.core.GetSequence()

	cmd := &event.DepositCapital{
		Header: h.header(poolPartition, 0),
		Pool:   PoolAddress,
		Seller: Seller1,
		Amount: big.NewInt(0),
	}
	out, err := h.submit(cmd)
	require.ErrorIs(t, err, pool.ErrInvalidAmount)
	require.Equal(t, before, out.Envelope.Sequence)
	require.Equal(t, before+1, h.core.GetSequence())

	_, err = h.submit(cmd)
	require.ErrorIs(t, err, core.ErrDuplicateCommand)
}

func TestSequenceGap_NotProcessed(t *testing.T) {
	h := newHarness(t)
	h.registerPool(0)
	before := h.core.GetSequence()

	h.seqs[poolPartition] += 2
	out, err := h.submit(&event.DepositCapital{
		Header: h.header(poolPartition, 0),
		Pool:   PoolAddress,
		Seller: Seller1,
		Amount: USDC(1),
	})
	require.ErrorIs(t, err, core.ErrSequenceGap)
	require.Nil(t, out)
	require.Equal(t, before, h.core.GetSequence())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EventSequenceGap.WithLabelValues(poolPartition)))
}

// ============================================================================
// Test: Hash chain and replay
// ============================================================================

func TestHashChain_Links(t *testing.T) {
	h := newHarness(t)
	h.fundedPool()

	require.Equal(t, core.GenesisHash(), h.log[0].PrevHash)
	for i := 1; i < len(h.log); i++ {
		require.Equal(t, h.log[i-1].StateHash, h.log[i].PrevHash, "sequence %d", h.log[i].Sequence)
		require.Equal(t, h.log[i-1].Sequence+1, h.log[i].Sequence)
	}
}

func TestOutputs_PersistedInOrder(t *testing.T) {
	h := newHarness(t)
	h.fundedPool()

	require.Len(t, h.persist, len(h.log))
	for _, env := range h.log {
		out := <-h.persist
		require.Equal(t, env.Sequence, out.Envelope.Sequence)
	}
}

func TestReplay_ReproducesStateHash(t *testing.T) {
	h := newHarness(t)
	h.fundedPool()
	_, err := h.buy(0, Buyer, BuyerPosition, USDC(50_000), 90)
	require.NoError(t, err)
	_, err = h.buy(1, Buyer2, Buyer2Position, USDC(500_000), 30) // over principal: rejected
	require.ErrorIs(t, err, core.ErrCommandRejected)
	h.mustSubmit(&event.AccruePremium{Header: h.header(poolPartition, 20*Day), Pool: PoolAddress})
	h.mustSubmit(&event.AssessStates{Header: h.header(globalPartition, 36*Day)})

	replayed := core.NewProtocolCore(core.Config{Owner: Owner, DSMAddress: DSMAddress, Logger: zerolog.Nop()})
	require.NoError(t, replayed.Replay(h.log))
	require.Equal(t, h.core.GetStateHash(), replayed.GetStateHash())
	require.Equal(t, h.core.GetSequence(), replayed.GetSequence())

	last := h.log[len(h.log)-1]
	require.NoError(t, replayed.VerifyCheckpoint(last.Sequence, last.StateHash))

	// replayed keys are warm: resubmitting a logged command is a duplicate
	evt, err := event.Decode(last.EventType, last.Payload)
	require.NoError(t, err)
	_, err = replayed.ProcessEvent(evt)
	require.ErrorIs(t, err, core.ErrDuplicateCommand)
}

func TestReplay_DetectsTampering(t *testing.T) {
	h := newHarness(t)
	h.fundedPool()

	tampered := make([]*event.EventEnvelope, len(h.log))
	for i, env := range h.log {
		c := *env
		tampered[i] = &c
	}
	tampered[len(tampered)-1].StateHash[0] ^= 0xff

	replayed := core.NewProtocolCore(core.Config{Owner: Owner, DSMAddress: DSMAddress, Logger: zerolog.Nop()})
	require.ErrorIs(t, replayed.Replay(tampered), core.ErrReplayDiverged)
}

func TestKeeperCommands_ApplyOnFundedPool(t *testing.T) {
	c := core.NewProtocolCore(core.Config{Owner: Owner, DSMAddress: DSMAddress, Logger: zerolog.Nop()})
	cmds := NewCommands()
	for _, evt := range cmds.FundedPoolScenario() {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}

	for _, evt := range []event.Event{cmds.Accrue(10 * Day), cmds.Assess(10 * Day)} {
		out, err := c.ProcessEvent(evt)
		require.NoError(t, err, evt.EventType().String())
		require.False(t, out.Envelope.Rejected)
	}
	require.Equal(t, int64(9), c.GetSequence())
}
