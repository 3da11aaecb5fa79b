package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrMalformedCommand = errors.New("ingestion: malformed command")

// ParseRawEvent converts a raw NATS message into a typed command. The command
// type comes from the subject: protection.commands.<type>[.<anything>].
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et := EventTypeFromSubject(raw.Subject)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: subject %q", event.ErrUnknownEventType, raw.Subject)
	}
	return ParseCommand(et, raw.Data)
}

// ParseCommand decodes a JSON command payload. Integer amounts may be sent as
// JSON strings or bare numbers; fixed-point values are decimal strings.
func ParseCommand(et event.EventType, data []byte) (event.Event, error) {
	decode, ok := decoders[et]
	if !ok {
		return nil, fmt.Errorf("%w: %s", event.ErrUnknownEventType, et)
	}

	var wh wireHeader
	if err := json.Unmarshal(data, &wh); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, et, err)
	}
	header, err := wh.header()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, et, err)
	}

	evt, err := decode(header, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, et, err)
	}
	return evt, nil
}

// --- Wire primitives ---

type wireHeader struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source"`
	Sequence  *int64    `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (h wireHeader) header() (event.Header, error) {
	if h.CommandID == uuid.Nil {
		return event.Header{}, errors.New("command_id is required")
	}
	if h.Sequence == nil {
		return event.Header{}, errors.New("sequence is required")
	}
	if *h.Sequence < 0 {
		return event.Header{}, fmt.Errorf("sequence must be >= 0, got %d", *h.Sequence)
	}
	if h.Timestamp <= 0 {
		return event.Header{}, fmt.Errorf("timestamp must be > 0, got %d", h.Timestamp)
	}
	return event.Header{
		CommandID: h.CommandID,
		Source:    h.Source,
		Sequence:  *h.Sequence,
		Timestamp: h.Timestamp,
	}, nil
}

// wireInt accepts an integer as a JSON string or a bare number
type wireInt struct {
	*big.Int
}

func (w *wireInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	w.Int = v
	return nil
}

func required(name string, w wireInt) (*big.Int, error) {
	if w.Int == nil {
		return nil, fmt.Errorf("%s is required", name)
	}
	return w.Int, nil
}

// --- Per-type decoders ---

type decodeFunc func(event.Header, []byte) (event.Event, error)

var decoders = map[event.EventType]decodeFunc{
	event.EventTypeRegisterPool:         decodeRegisterPool,
	event.EventTypeAddBasketLoan:        decodeAddBasketLoan,
	event.EventTypeLoanUpdate:           decodeLoanUpdate,
	event.EventTypeMovePoolPhase:        decodeMovePoolPhase,
	event.EventTypeDepositCapital:       decodeDepositCapital,
	event.EventTypeRequestWithdrawal:    decodeRequestWithdrawal,
	event.EventTypeWithdrawCapital:      decodeWithdrawCapital,
	event.EventTypeBuyProtection:        decodeBuyProtection,
	event.EventTypeRenewProtection:      decodeRenewProtection,
	event.EventTypeAccruePremium:        decodeAccruePremium,
	event.EventTypeAssessStates:         decodeAssessStates,
	event.EventTypeClaimUnlockedCapital: decodeClaimUnlockedCapital,
}

type wirePoolParams struct {
	LeverageRatioFloor                    math.Fixed `json:"leverage_ratio_floor"`
	LeverageRatioCeiling                  math.Fixed `json:"leverage_ratio_ceiling"`
	LeverageRatioBuffer                   math.Fixed `json:"leverage_ratio_buffer"`
	MinRequiredCapital                    wireInt    `json:"min_required_capital"`
	MinRequiredProtection                 wireInt    `json:"min_required_protection"`
	Curvature                             math.Fixed `json:"curvature"`
	MinCarapaceRiskPremiumPercent         math.Fixed `json:"min_carapace_risk_premium_percent"`
	UnderlyingRiskPremiumPercent          math.Fixed `json:"underlying_risk_premium_percent"`
	MinProtectionDurationInSeconds        int64      `json:"min_protection_duration_in_seconds"`
	ProtectionRenewalGracePeriodInSeconds int64      `json:"protection_renewal_grace_period_in_seconds"`
}

func decodeRegisterPool(h event.Header, data []byte) (event.Event, error) {
	var w struct {
		Caller          common.Address        `json:"caller"`
		Pool            common.Address        `json:"pool"`
		Basket          common.Address        `json:"basket"`
		UnderlyingAsset string                `json:"underlying_asset"`
		Decimals        int                   `json:"decimals"`
		Params          wirePoolParams        `json:"params"`
		Cycle           state.CycleParams     `json:"cycle"`
		Loans           []lending.BasketEntry `json:"loans"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.UnderlyingAsset == "" {
		return nil, errors.New("underlying_asset is required")
	}
	minCapital, err := required("params.min_required_capital", w.Params.MinRequiredCapital)
	if err != nil {
		return nil, err
	}
	minProtection, err := required("params.min_required_protection", w.Params.MinRequiredProtection)
	if err != nil {
		return nil, err
	}

	return &event.RegisterPool{
		Header:          h,
		Caller:          w.Caller,
		Pool:            w.Pool,
		Basket:          w.Basket,
		UnderlyingAsset: w.UnderlyingAsset,
		Decimals:        w.Decimals,
		Params: state.PoolParams{
			LeverageRatioFloor:                    w.Params.LeverageRatioFloor,
			LeverageRatioCeiling:                  w.Params.LeverageRatioCeiling,
			LeverageRatioBuffer:                   w.Params.LeverageRatioBuffer,
			MinRequiredCapital:                    minCapital,
			MinRequiredProtection:                 minProtection,
			Curvature:                             w.Params.Curvature,
			MinCarapaceRiskPremiumPercent:         w.Params.MinCarapaceRiskPremiumPercent,
			UnderlyingRiskPremiumPercent:          w.Params.UnderlyingRiskPremiumPercent,
			MinProtectionDurationInSeconds:        w.Params.MinProtectionDurationInSeconds,
			ProtectionRenewalGracePeriodInSeconds: w.Params.ProtectionRenewalGracePeriodInSeconds,
		},
		Cycle: w.Cycle,
		Loans: w.Loans,
	}, nil
}

func decodeAddBasketLoan(h event.Header, data []byte) (event.Event, error) {
	evt := &event.AddBasketLoan{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	evt.Header = h
	return evt, nil
}

func decodeLoanUpdate(h event.Header, data []byte) (event.Event, error) {
	type wirePosition struct {
		Lender             common.Address `json:"lender"`
		RemainingPrincipal wireInt        `json:"remaining_principal"`
	}
	var w struct {
		Loan                   common.Address          `json:"loan"`
		TermEndTimestamp       int64                   `json:"term_end_timestamp"`
		PaymentPeriodInDays    int64                   `json:"payment_period_in_days"`
		LatestPaymentTimestamp int64                   `json:"latest_payment_timestamp"`
		BuyerAPR               math.Fixed              `json:"buyer_apr"`
		Defaulted              bool                    `json:"defaulted"`
		Repaid                 bool                    `json:"repaid"`
		Positions              map[uint64]wirePosition `json:"positions"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	positions := make(map[uint64]lending.LenderPosition, len(w.Positions))
	for id, p := range w.Positions {
		principal, err := required(fmt.Sprintf("positions[%d].remaining_principal", id), p.RemainingPrincipal)
		if err != nil {
			return nil, err
		}
		positions[id] = lending.LenderPosition{Lender: p.Lender, RemainingPrincipal: principal}
	}

	return &event.LoanUpdate{
		Header: h,
		Facts: lending.LoanFacts{
			Loan:                   w.Loan,
			TermEndTimestamp:       w.TermEndTimestamp,
			PaymentPeriodInDays:    w.PaymentPeriodInDays,
			LatestPaymentTimestamp: w.LatestPaymentTimestamp,
			BuyerAPR:               w.BuyerAPR,
			Defaulted:              w.Defaulted,
			Repaid:                 w.Repaid,
			Positions:              positions,
		},
	}, nil
}

func decodeMovePoolPhase(h event.Header, data []byte) (event.Event, error) {
	evt := &event.MovePoolPhase{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	evt.Header = h
	return evt, nil
}

func decodeDepositCapital(h event.Header, data []byte) (event.Event, error) {
	var w struct {
		Pool   common.Address `json:"pool"`
		Seller common.Address `json:"seller"`
		Amount wireInt        `json:"amount"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	amount, err := required("amount", w.Amount)
	if err != nil {
		return nil, err
	}
	return &event.DepositCapital{Header: h, Pool: w.Pool, Seller: w.Seller, Amount: amount}, nil
}

type wireShares struct {
	Pool   common.Address `json:"pool"`
	Seller common.Address `json:"seller"`
	Shares wireInt        `json:"shares"`
}

func decodeRequestWithdrawal(h event.Header, data []byte) (event.Event, error) {
	var w wireShares
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	shares, err := required("shares", w.Shares)
	if err != nil {
		return nil, err
	}
	return &event.RequestWithdrawal{Header: h, Pool: w.Pool, Seller: w.Seller, Shares: shares}, nil
}

func decodeWithdrawCapital(h event.Header, data []byte) (event.Event, error) {
	var w wireShares
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	shares, err := required("shares", w.Shares)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawCapital{Header: h, Pool: w.Pool, Seller: w.Seller, Shares: shares}, nil
}

type wirePurchase struct {
	Pool   common.Address `json:"pool"`
	Buyer  common.Address `json:"buyer"`
	Params struct {
		LendingPool       common.Address `json:"lending_pool"`
		PositionID        uint64         `json:"position_id"`
		ProtectionAmount  wireInt        `json:"protection_amount"`
		DurationInSeconds int64          `json:"duration_in_seconds"`
	} `json:"params"`
	MaxPremium wireInt `json:"max_premium"`
}

func (w *wirePurchase) params() (state.PurchaseParams, error) {
	amount, err := required("params.protection_amount", w.Params.ProtectionAmount)
	if err != nil {
		return state.PurchaseParams{}, err
	}
	return state.PurchaseParams{
		LendingPool:       w.Params.LendingPool,
		PositionID:        w.Params.PositionID,
		ProtectionAmount:  amount,
		DurationInSeconds: w.Params.DurationInSeconds,
	}, nil
}

func decodeBuyProtection(h event.Header, data []byte) (event.Event, error) {
	var w wirePurchase
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	params, err := w.params()
	if err != nil {
		return nil, err
	}
	return &event.BuyProtection{Header: h, Pool: w.Pool, Buyer: w.Buyer, Params: params, MaxPremium: w.MaxPremium.Int}, nil
}

func decodeRenewProtection(h event.Header, data []byte) (event.Event, error) {
	var w wirePurchase
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	params, err := w.params()
	if err != nil {
		return nil, err
	}
	return &event.RenewProtection{Header: h, Pool: w.Pool, Buyer: w.Buyer, Params: params, MaxPremium: w.MaxPremium.Int}, nil
}

func decodeAccruePremium(h event.Header, data []byte) (event.Event, error) {
	evt := &event.AccruePremium{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	evt.Header = h
	return evt, nil
}

func decodeAssessStates(h event.Header, data []byte) (event.Event, error) {
	evt := &event.AssessStates{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	evt.Header = h
	return evt, nil
}

func decodeClaimUnlockedCapital(h event.Header, data []byte) (event.Event, error) {
	evt := &event.ClaimUnlockedCapital{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	evt.Header = h
	return evt, nil
}
