package lending

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownLoan = errors.New("lending adapter: unknown loan")

// Adapter is the read-only oracle over a third-party lending protocol.
type Adapter interface {
	IsLoanDefaulted(loan common.Address) (bool, error)
	IsLoanLate(loan common.Address) (bool, error)
	IsLoanExpired(loan common.Address) (bool, error)
	GetTermEndTimestamp(loan common.Address) (int64, error)
	CalculateProtectionBuyerAPR(loan common.Address) (math.Fixed, error)
	CalculateRemainingPrincipal(loan, lender common.Address, positionID uint64) (*big.Int, error)
	GetPaymentPeriodInDays(loan common.Address) (int64, error)
	GetLatestPaymentTimestamp(loan common.Address) (int64, error)
}

// LenderPosition is one lender's stake in a loan
type LenderPosition struct {
	Lender             common.Address `json:"lender"`
	RemainingPrincipal *big.Int       `json:"remaining_principal"`
}

// LoanFacts is everything the oracle knows about a loan, as last reported.
type LoanFacts struct {
	Loan                   common.Address            `json:"loan"`
	TermEndTimestamp       int64                     `json:"term_end_timestamp"`
	PaymentPeriodInDays    int64                     `json:"payment_period_in_days"`
	LatestPaymentTimestamp int64                     `json:"latest_payment_timestamp"`
	BuyerAPR               math.Fixed                `json:"buyer_apr"`
	Defaulted              bool                      `json:"defaulted"`
	Repaid                 bool                      `json:"repaid"`
	Positions              map[uint64]LenderPosition `json:"positions"`
}

func (f *LoanFacts) clone() *LoanFacts {
	c := *f
	c.Positions = make(map[uint64]LenderPosition, len(f.Positions))
	for id, p := range f.Positions {
		c.Positions[id] = LenderPosition{Lender: p.Lender, RemainingPrincipal: new(big.Int).Set(p.RemainingPrincipal)}
	}
	return &c
}

// OracleAdapter answers Adapter queries from loan facts pushed in by loan-update
// commands. Time-dependent answers read the shared core clock.
type OracleAdapter struct {
	clock state.Clock
	loans map[common.Address]*LoanFacts
}

func NewOracleAdapter(clock state.Clock) *OracleAdapter {
	return &OracleAdapter{
		clock: clock,
		loans: make(map[common.Address]*LoanFacts),
	}
}

// UpsertLoan replaces the facts for a loan.
func (a *OracleAdapter) UpsertLoan(facts LoanFacts) error {
	if facts.PaymentPeriodInDays <= 0 {
		return fmt.Errorf("loan %s: payment period must be > 0", facts.Loan.Hex())
	}
	for id, p := range facts.Positions {
		if p.RemainingPrincipal == nil || p.RemainingPrincipal.Sign() < 0 {
			return fmt.Errorf("loan %s position %d: invalid remaining principal", facts.Loan.Hex(), id)
		}
	}
	a.loans[facts.Loan] = facts.clone()
	return nil
}

// Loan returns a copy of the stored facts
func (a *OracleAdapter) Loan(loan common.Address) (*LoanFacts, bool) {
	f, ok := a.loans[loan]
	if !ok {
		return nil, false
	}
	return f.clone(), true
}

func (a *OracleAdapter) facts(loan common.Address) (*LoanFacts, error) {
	f, ok := a.loans[loan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoan, loan.Hex())
	}
	return f, nil
}

func (a *OracleAdapter) IsLoanDefaulted(loan common.Address) (bool, error) {
	f, err := a.facts(loan)
	if err != nil {
		return false, err
	}
	return f.Defaulted, nil
}

// IsLoanLate reports a missed payment: a full payment period has passed since the
// latest payment.
func (a *OracleAdapter) IsLoanLate(loan common.Address) (bool, error) {
	f, err := a.facts(loan)
	if err != nil {
		return false, err
	}
	due := f.LatestPaymentTimestamp + f.PaymentPeriodInDays*math.SecondsPerDay
	return a.clock.Now() > due, nil
}

// IsLoanExpired reports a loan past its term or fully repaid.
func (a *OracleAdapter) IsLoanExpired(loan common.Address) (bool, error) {
	f, err := a.facts(loan)
	if err != nil {
		return false, err
	}
	return f.Repaid || a.clock.Now() >= f.TermEndTimestamp, nil
}

func (a *OracleAdapter) GetTermEndTimestamp(loan common.Address) (int64, error) {
	f, err := a.facts(loan)
	if err != nil {
		return 0, err
	}
	return f.TermEndTimestamp, nil
}

func (a *OracleAdapter) CalculateProtectionBuyerAPR(loan common.Address) (math.Fixed, error) {
	f, err := a.facts(loan)
	if err != nil {
		return math.Zero, err
	}
	return f.BuyerAPR, nil
}

// CalculateRemainingPrincipal is zero unless lender owns the position.
func (a *OracleAdapter) CalculateRemainingPrincipal(loan, lender common.Address, positionID uint64) (*big.Int, error) {
	f, err := a.facts(loan)
	if err != nil {
		return nil, err
	}
	p, ok := f.Positions[positionID]
	if !ok || p.Lender != lender {
		return new(big.Int), nil
	}
	return new(big.Int).Set(p.RemainingPrincipal), nil
}

func (a *OracleAdapter) GetPaymentPeriodInDays(loan common.Address) (int64, error) {
	f, err := a.facts(loan)
	if err != nil {
		return 0, err
	}
	return f.PaymentPeriodInDays, nil
}

func (a *OracleAdapter) GetLatestPaymentTimestamp(loan common.Address) (int64, error) {
	f, err := a.facts(loan)
	if err != nil {
		return 0, err
	}
	return f.LatestPaymentTimestamp, nil
}

// Loans returns every known loan in address order
func (a *OracleAdapter) Loans() []common.Address {
	loans := make([]common.Address, 0, len(a.loans))
	for loan := range a.loans {
		loans = append(loans, loan)
	}
	sort.Slice(loans, func(i, j int) bool { return bytes.Compare(loans[i][:], loans[j][:]) < 0 })
	return loans
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *OracleAdapter) CanonicalBytes() []byte {
	var buf []byte
	for _, loan := range a.Loans() {
		f := a.loans[loan]
		buf = append(buf, loan[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.TermEndTimestamp))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.PaymentPeriodInDays))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.LatestPaymentTimestamp))
		buf = append(buf, f.BuyerAPR.Raw().Bytes()...)
		buf = append(buf, flag(f.Defaulted), flag(f.Repaid))

		ids := make([]uint64, 0, len(f.Positions))
		for id := range f.Positions {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			p := f.Positions[id]
			buf = binary.LittleEndian.AppendUint64(buf, id)
			buf = append(buf, p.Lender[:]...)
			mag := p.RemainingPrincipal.Bytes()
			buf = append(buf, byte(len(mag)))
			buf = append(buf, mag...)
		}
	}
	return buf
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
