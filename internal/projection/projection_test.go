package projection_test

import (
	"context"
	"testing"
	"time"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/projection"
	. "ProtectionLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// runScenario drives the funded pool scenario through a core and returns the
// core plus the closed projection channel holding its outputs
func runScenario(t *testing.T) (*core.ProtocolCore, chan *core.CoreOutput) {
	t.Helper()
	out := make(chan *core.CoreOutput, 16)
	c := core.NewProtocolCore(core.Config{
		Owner:          Owner,
		DSMAddress:     DSMAddress,
		Logger:         zerolog.Nop(),
		ProjectionChan: out,
	})
	for _, evt := range NewCommands().FundedPoolScenario() {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}
	close(out)
	return c, out
}

func capitalKey() ledger.AccountKey {
	assetID, _ := ledger.GetAssetID("USDC")
	return ledger.NewPoolAccountKey(PoolAddress, ledger.SubTypePoolCapital, assetID)
}

// ============================================================================
// Test: In-memory store
// ============================================================================

func TestProjectionWorker_MemoryStore(t *testing.T) {
	c, out := runScenario(t)
	store := projection.NewStore()
	worker := projection.NewProjectionWorker(store, nil, out, nil, zerolog.Nop())
	require.NoError(t, worker.Run(context.Background()))

	require.Equal(t, int64(6), store.LastSequence())
	require.Zero(t, store.Missed())

	view, ok := store.Pool(PoolAddress)
	require.True(t, ok)
	require.Equal(t, "OpenToBuyers", view.Summary.Phase)
	require.Equal(t, "USDC", view.Asset)
	require.Len(t, store.Pools(), 1)

	seller, ok := store.Seller(PoolAddress, Seller1)
	require.True(t, ok)
	require.Positive(t, seller.Shares.Sign())
	_, ok = store.Seller(PoolAddress, Buyer)
	require.False(t, ok)

	require.Len(t, store.SellerPositions(Seller2), 1)

	protections := store.ProtectionsByBuyer(Buyer, true)
	require.Len(t, protections, 1)
	require.Equal(t, PoolAddress, protections[0].Pool)
	require.Equal(t, 0, protections[0].Protection.PurchaseParams.ProtectionAmount.Cmp(USDC(50_000)))
	require.Empty(t, store.ProtectionsByBuyer(Seller1, false))

	balances, ok := store.Balances(PoolAddress)
	require.True(t, ok)
	var found bool
	for _, b := range balances {
		if b.AccountPath == capitalKey().AccountPath() {
			found = true
			require.Equal(t, 0, b.Balance.Cmp(c.Book().Balance(capitalKey())))
		}
	}
	require.True(t, found)
}

func TestStore_WatermarkAndMissedOutputs(t *testing.T) {
	store := projection.NewStore()
	at := func(seq int64) *core.CoreOutput {
		return &core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: seq}}
	}

	require.Zero(t, store.Apply(at(1)))
	require.Equal(t, int64(2), store.Apply(at(4)))
	require.Equal(t, int64(2), store.Missed())

	// late or repeated outputs never move the watermark back
	require.Zero(t, store.Apply(at(3)))
	require.Zero(t, store.Apply(at(4)))
	require.Equal(t, int64(4), store.LastSequence())
	require.Zero(t, store.Apply(nil))
}

func TestStore_SeedFromCore(t *testing.T) {
	c, _ := runScenario(t)
	store := projection.NewStore()
	store.Seed(c.Views(), c.GetSequence()-1)

	require.Equal(t, int64(6), store.LastSequence())
	view, ok := store.Pool(PoolAddress)
	require.True(t, ok)
	require.Equal(t, 0, view.Summary.TotalProtection.Cmp(USDC(50_000)))

	// outputs already covered by the seed are ignored
	require.Zero(t, store.Apply(&core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 5}}))
	require.Equal(t, int64(6), store.LastSequence())
}

// ============================================================================
// Test: Postgres tables (skipped without TEST_DATABASE_URL)
// ============================================================================

func TestProjectionWorker_WritesTables(t *testing.T) {
	db := SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, out := runScenario(t)
	store := projection.NewStore()
	worker := projection.NewProjectionWorker(store, db, out, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	var watermark int64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projection.watermark WHERE worker_id = 'main'`).Scan(&watermark))
	require.Equal(t, int64(6), watermark)

	var phase, capital string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT phase, total_capital::text FROM projection.pool_summaries WHERE pool = $1`,
		PoolAddress.Hex()).Scan(&phase, &capital))
	require.Equal(t, "OpenToBuyers", phase)

	var sellers, protections int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection.seller_positions WHERE pool = $1`, PoolAddress.Hex()).Scan(&sellers))
	require.Equal(t, 2, sellers)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection.protections WHERE buyer = $1`, Buyer.Hex()).Scan(&protections))
	require.Equal(t, 1, protections)

	want := c.Book().Balance(capitalKey()).String()
	var balance string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT balance::text FROM projection.balances WHERE account_path = $1`,
		capitalKey().AccountPath()).Scan(&balance))
	require.Equal(t, want, balance)

	require.NoError(t, projection.RebuildProjections(ctx, db, store))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection.seller_positions WHERE pool = $1`, PoolAddress.Hex()).Scan(&sellers))
	require.Equal(t, 2, sellers)
}
