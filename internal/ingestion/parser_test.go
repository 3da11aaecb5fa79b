package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ingestion"
	. "ProtectionLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func header(seq int64) map[string]interface{} {
	return map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"sequence":   seq,
		"timestamp":  StartTime,
	}
}

func with(base map[string]interface{}, fields map[string]interface{}) map[string]interface{} {
	for k, v := range fields {
		base[k] = v
	}
	return base
}

// ============================================================================
// Test: Subjects
// ============================================================================

func TestSubjects(t *testing.T) {
	require.Equal(t, "buy_protection", ingestion.SubjectToken(event.EventTypeBuyProtection))
	require.Equal(t, "protection.commands.claim_unlocked_capital", ingestion.CommandSubject(event.EventTypeClaimUnlockedCapital))
	require.Equal(t, "protection.ledger.events.loan_update", ingestion.OutboundSubject(event.EventTypeLoanUpdate))

	for et := event.EventTypeRegisterPool; et <= event.EventTypeClaimUnlockedCapital; et++ {
		require.Equal(t, et, ingestion.EventTypeFromSubject(ingestion.CommandSubject(et)))
	}
	require.Equal(t, event.EventTypeDepositCapital, ingestion.EventTypeFromSubject("protection.commands.deposit_capital.0xabc"))
	require.Equal(t, event.EventTypeUnknown, ingestion.EventTypeFromSubject("protection.commands.trade_fill"))
	require.Equal(t, event.EventTypeUnknown, ingestion.EventTypeFromSubject("perp.trades.deposit_capital"))
}

// ============================================================================
// Test: Parsing
// ============================================================================

func TestParseDepositCapital_StringAmount(t *testing.T) {
	raw := rawFromJSON(t, "protection.commands.deposit_capital", with(header(3), map[string]interface{}{
		"pool":   PoolAddress.Hex(),
		"seller": Seller1.Hex(),
		"amount": "123456789012345678901234567890",
	}))

	evt, err := ingestion.ParseRawEvent(raw)
	require.NoError(t, err)

	dep, ok := evt.(*event.DepositCapital)
	require.True(t, ok, "expected *event.DepositCapital, got %T", evt)
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.Equal(t, 0, dep.Amount.Cmp(want))
	require.Equal(t, PoolAddress, dep.Pool)
	require.Equal(t, Seller1, dep.Seller)
	require.Equal(t, int64(3), dep.SourceSequence())
	require.Equal(t, StartTime, dep.EventTimestamp())
	require.Equal(t, uuid.MustParse("550e8400-e29b-41d4-a716-446655440000").String(), dep.IdempotencyKey())
}

func TestParseBuyProtection_NumericAmountAndOptionalMax(t *testing.T) {
	payload := with(header(0), map[string]interface{}{
		"pool":  PoolAddress.Hex(),
		"buyer": Buyer.Hex(),
		"params": map[string]interface{}{
			"lending_pool":        Loan.Hex(),
			"position_id":         1,
			"protection_amount":   50_000_000_000,
			"duration_in_seconds": 90 * Day,
		},
	})

	evt, err := ingestion.ParseCommand(event.EventTypeBuyProtection, mustJSON(t, payload))
	require.NoError(t, err)
	buy := evt.(*event.BuyProtection)
	require.Equal(t, 0, buy.Params.ProtectionAmount.Cmp(USDC(50_000)))
	require.Equal(t, uint64(1), buy.Params.PositionID)
	require.Nil(t, buy.MaxPremium)

	payload["max_premium"] = "2500000000"
	evt, err = ingestion.ParseCommand(event.EventTypeRenewProtection, mustJSON(t, payload))
	require.NoError(t, err)
	renew := evt.(*event.RenewProtection)
	require.Equal(t, 0, renew.MaxPremium.Cmp(USDC(2_500)))
}

func TestParseRegisterPool(t *testing.T) {
	payload := with(header(0), map[string]interface{}{
		"caller":           Owner.Hex(),
		"pool":             PoolAddress.Hex(),
		"basket":           BasketAddress.Hex(),
		"underlying_asset": "USDC",
		"decimals":         6,
		"params": map[string]interface{}{
			"leverage_ratio_floor":                       "0.5",
			"leverage_ratio_ceiling":                     "1",
			"leverage_ratio_buffer":                      "0.05",
			"min_required_capital":                       "50000000000",
			"min_required_protection":                    "0",
			"curvature":                                  "0.05",
			"min_carapace_risk_premium_percent":          "0.02",
			"underlying_risk_premium_percent":            "0.1",
			"min_protection_duration_in_seconds":         10 * Day,
			"protection_renewal_grace_period_in_seconds": 14 * Day,
		},
		"cycle": map[string]interface{}{"open_cycle_duration": 10 * Day, "cycle_duration": 60 * Day},
		"loans": []map[string]interface{}{{
			"loan":                              Loan.Hex(),
			"protection_purchase_limit_in_days": 90,
			"late_payment_grace_period_in_days": 5,
		}},
	})

	evt, err := ingestion.ParseCommand(event.EventTypeRegisterPool, mustJSON(t, payload))
	require.NoError(t, err)
	reg := evt.(*event.RegisterPool)

	want := DefaultPoolParams()
	require.Equal(t, 0, reg.Params.MinRequiredCapital.Cmp(want.MinRequiredCapital))
	require.Equal(t, 0, reg.Params.Curvature.Cmp(want.Curvature))
	require.Equal(t, 0, reg.Params.LeverageRatioCeiling.Cmp(want.LeverageRatioCeiling))
	require.Equal(t, DefaultCycleParams(), reg.Cycle)
	require.Len(t, reg.Loans, 1)
	require.Equal(t, Loan, reg.Loans[0].Loan)
	require.Equal(t, int64(5), reg.Loans[0].LatePaymentGracePeriodInDays)
}

func TestParseLoanUpdate(t *testing.T) {
	payload := with(header(0), map[string]interface{}{
		"loan":                     Loan.Hex(),
		"term_end_timestamp":       StartTime + 365*Day,
		"payment_period_in_days":   30,
		"latest_payment_timestamp": StartTime,
		"buyer_apr":                "0.1",
		"positions": map[string]interface{}{
			"1": map[string]interface{}{"lender": Buyer.Hex(), "remaining_principal": "200000000000"},
		},
	})

	evt, err := ingestion.ParseCommand(event.EventTypeLoanUpdate, mustJSON(t, payload))
	require.NoError(t, err)
	update := evt.(*event.LoanUpdate)
	require.Nil(t, update.PoolID())
	require.Equal(t, Buyer, update.Facts.Positions[1].Lender)
	require.Equal(t, 0, update.Facts.Positions[1].RemainingPrincipal.Cmp(USDC(200_000)))
	require.Equal(t, "0.1", update.Facts.BuyerAPR.String())
}

func TestParseGlobalAndSimpleCommands(t *testing.T) {
	evt, err := ingestion.ParseCommand(event.EventTypeAssessStates, mustJSON(t, with(header(0), map[string]interface{}{
		"pools": []string{PoolAddress.Hex()},
	})))
	require.NoError(t, err)
	require.Equal(t, []common.Address{PoolAddress}, evt.(*event.AssessStates).Pools)

	payload := with(header(2), map[string]interface{}{"pool": PoolAddress.Hex(), "seller": Seller2.Hex()})
	payload["source"] = "keeper"
	evt, err = ingestion.ParseCommand(event.EventTypeClaimUnlockedCapital, mustJSON(t, payload))
	require.NoError(t, err)
	claim := evt.(*event.ClaimUnlockedCapital)
	require.Equal(t, Seller2, claim.Seller)
	require.Equal(t, "keeper", claim.SequenceSource())
	require.Equal(t, int64(2), claim.SourceSequence())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		et      event.EventType
		payload map[string]interface{}
	}{
		{
			name:    "missing command id",
			et:      event.EventTypeMovePoolPhase,
			payload: map[string]interface{}{"sequence": 0, "timestamp": StartTime, "pool": PoolAddress.Hex()},
		},
		{
			name:    "missing sequence",
			et:      event.EventTypeMovePoolPhase,
			payload: map[string]interface{}{"command_id": uuid.NewString(), "timestamp": StartTime},
		},
		{
			name:    "negative sequence",
			et:      event.EventTypeMovePoolPhase,
			payload: header(-1),
		},
		{
			name:    "missing amount",
			et:      event.EventTypeDepositCapital,
			payload: with(header(0), map[string]interface{}{"pool": PoolAddress.Hex(), "seller": Seller1.Hex()}),
		},
		{
			name:    "bad amount",
			et:      event.EventTypeDepositCapital,
			payload: with(header(0), map[string]interface{}{"pool": PoolAddress.Hex(), "seller": Seller1.Hex(), "amount": "12abc"}),
		},
		{
			name:    "bad address",
			et:      event.EventTypeWithdrawCapital,
			payload: with(header(0), map[string]interface{}{"pool": "0x1234", "seller": Seller1.Hex(), "shares": "1"}),
		},
		{
			name:    "missing protection amount",
			et:      event.EventTypeBuyProtection,
			payload: with(header(0), map[string]interface{}{"pool": PoolAddress.Hex(), "buyer": Buyer.Hex(), "params": map[string]interface{}{}}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.et, mustJSON(t, tc.payload))
			require.ErrorIs(t, err, ingestion.ErrMalformedCommand)
		})
	}
}

func TestParseRawEvent_UnknownSubject(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "protection.commands.trade_fill", header(0)))
	require.ErrorIs(t, err, event.ErrUnknownEventType)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
