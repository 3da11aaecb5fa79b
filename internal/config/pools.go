package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BootstrapSource owns the sequence partitions of bootstrap commands
const BootstrapSource = "bootstrap"

var ErrInvalidPoolsFile = errors.New("config: invalid pools file")

// bootstrapNamespace derives command ids from command content, so loading the
// same file twice yields the same ids
var bootstrapNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("protectionledger/bootstrap"))

// PoolsFile describes the loans and pools a fresh deployment starts with.
//
//	timestamp = 1700000000
//
//	[[loans]]
//	loan = "0x...10a0"
//	term_end_timestamp = 1731536000
//	payment_period_in_days = 30
//	latest_payment_timestamp = 1700000000
//	buyer_apr = "0.1"
//	  [[loans.positions]]
//	  id = 1
//	  lender = "0x...b001"
//	  remaining_principal = "200000000000"
//
//	[[pools]]
//	address = "0x...0001"
//	basket = "0x...ba5e"
//	underlying_asset = "USDC"
//	decimals = 6
//	  [pools.params]
//	  leverage_ratio_floor = "0.5"
//	  ...
//	  [pools.cycle]
//	  open_cycle_duration = 864000
//	  cycle_duration = 5184000
//	  [[pools.loans]]
//	  loan = "0x...10a0"
//	  protection_purchase_limit_in_days = 90
//	  late_payment_grace_period_in_days = 5
type PoolsFile struct {
	Timestamp int64       `toml:"timestamp"`
	Loans     []LoanEntry `toml:"loans"`
	Pools     []PoolEntry `toml:"pools"`
}

type LoanEntry struct {
	Loan                   common.Address  `toml:"loan"`
	TermEndTimestamp       int64           `toml:"term_end_timestamp"`
	PaymentPeriodInDays    int64           `toml:"payment_period_in_days"`
	LatestPaymentTimestamp int64           `toml:"latest_payment_timestamp"`
	BuyerAPR               math.Fixed      `toml:"buyer_apr"`
	Defaulted              bool            `toml:"defaulted"`
	Repaid                 bool            `toml:"repaid"`
	Positions              []PositionEntry `toml:"positions"`
}

type PositionEntry struct {
	ID                 uint64         `toml:"id"`
	Lender             common.Address `toml:"lender"`
	RemainingPrincipal *big.Int       `toml:"remaining_principal"`
}

type PoolEntry struct {
	Address         common.Address        `toml:"address"`
	Basket          common.Address        `toml:"basket"`
	UnderlyingAsset string                `toml:"underlying_asset"`
	Decimals        int                   `toml:"decimals"`
	Params          state.PoolParams      `toml:"params"`
	Cycle           state.CycleParams     `toml:"cycle"`
	Loans           []lending.BasketEntry `toml:"loans"`
}

// LoadPoolsFile decodes and validates a pools file. Unknown keys are errors.
func LoadPoolsFile(path string) (*PoolsFile, error) {
	var f PoolsFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPoolsFile, path, err)
	}
	return &f, checkDecoded(path, meta, &f)
}

// ParsePools is LoadPoolsFile for in-memory content.
func ParsePools(data string) (*PoolsFile, error) {
	var f PoolsFile
	meta, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPoolsFile, err)
	}
	return &f, checkDecoded("<inline>", meta, &f)
}

func checkDecoded(path string, meta toml.MetaData, f *PoolsFile) error {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidPoolsFile, path, strings.Join(keys, ", "))
	}
	return f.Validate()
}

// Validate checks what the core would otherwise reject one command at a time.
func (f *PoolsFile) Validate() error {
	if f.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be set", ErrInvalidPoolsFile)
	}

	loans := make(map[common.Address]bool, len(f.Loans))
	for i, l := range f.Loans {
		if l.Loan == (common.Address{}) {
			return fmt.Errorf("%w: loans[%d]: loan address is required", ErrInvalidPoolsFile, i)
		}
		if loans[l.Loan] {
			return fmt.Errorf("%w: loan %s listed twice", ErrInvalidPoolsFile, l.Loan.Hex())
		}
		loans[l.Loan] = true
		if l.PaymentPeriodInDays <= 0 {
			return fmt.Errorf("%w: loan %s: payment_period_in_days must be > 0", ErrInvalidPoolsFile, l.Loan.Hex())
		}
		seen := make(map[uint64]bool, len(l.Positions))
		for _, p := range l.Positions {
			if seen[p.ID] {
				return fmt.Errorf("%w: loan %s: position %d listed twice", ErrInvalidPoolsFile, l.Loan.Hex(), p.ID)
			}
			seen[p.ID] = true
			if p.RemainingPrincipal == nil || p.RemainingPrincipal.Sign() < 0 {
				return fmt.Errorf("%w: loan %s: position %d needs a non-negative remaining_principal",
					ErrInvalidPoolsFile, l.Loan.Hex(), p.ID)
			}
		}
	}

	pools := make(map[common.Address]bool, len(f.Pools))
	for i := range f.Pools {
		p := &f.Pools[i]
		if p.Address == (common.Address{}) {
			return fmt.Errorf("%w: pools[%d]: address is required", ErrInvalidPoolsFile, i)
		}
		if pools[p.Address] {
			return fmt.Errorf("%w: pool %s listed twice", ErrInvalidPoolsFile, p.Address.Hex())
		}
		pools[p.Address] = true
		if p.Params.MinRequiredCapital == nil {
			p.Params.MinRequiredCapital = new(big.Int)
		}
		if p.Params.MinRequiredProtection == nil {
			p.Params.MinRequiredProtection = new(big.Int)
		}
		if err := state.ValidatePoolParams(&p.Params); err != nil {
			return fmt.Errorf("%w: pool %s: %w", ErrInvalidPoolsFile, p.Address.Hex(), err)
		}
		if err := p.Cycle.Validate(); err != nil {
			return fmt.Errorf("%w: pool %s: %w", ErrInvalidPoolsFile, p.Address.Hex(), err)
		}
		for _, entry := range p.Loans {
			if !loans[entry.Loan] {
				return fmt.Errorf("%w: pool %s: basket loan %s has no [[loans]] entry",
					ErrInvalidPoolsFile, p.Address.Hex(), entry.Loan.Hex())
			}
		}
	}
	return nil
}

// Commands renders the file as core commands: every loan update first, then
// one RegisterPool per pool, in file order. Ids are content hashes and
// sequences are left for the caller to assign.
func (f *PoolsFile) Commands(owner common.Address) ([]event.Event, error) {
	cmds := make([]event.Event, 0, len(f.Loans)+len(f.Pools))
	header := event.Header{Source: BootstrapSource, Timestamp: f.Timestamp}

	for _, l := range f.Loans {
		cmds = append(cmds, &event.LoanUpdate{Header: header, Facts: l.facts()})
	}
	for _, p := range f.Pools {
		cmds = append(cmds, &event.RegisterPool{
			Header:          header,
			Caller:          owner,
			Pool:            p.Address,
			Basket:          p.Basket,
			UnderlyingAsset: p.UnderlyingAsset,
			Decimals:        p.Decimals,
			Params:          p.Params,
			Cycle:           p.Cycle,
			Loans:           p.Loans,
		})
	}

	for _, cmd := range cmds {
		data, err := event.Encode(cmd)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", cmd.EventType(), err)
		}
		id := uuid.NewSHA1(bootstrapNamespace, data)
		switch c := cmd.(type) {
		case *event.LoanUpdate:
			c.CommandID = id
		case *event.RegisterPool:
			c.CommandID = id
		}
	}
	return cmds, nil
}

func (l LoanEntry) facts() lending.LoanFacts {
	positions := make(map[uint64]lending.LenderPosition, len(l.Positions))
	for _, p := range l.Positions {
		positions[p.ID] = lending.LenderPosition{Lender: p.Lender, RemainingPrincipal: new(big.Int).Set(p.RemainingPrincipal)}
	}
	return lending.LoanFacts{
		Loan:                   l.Loan,
		TermEndTimestamp:       l.TermEndTimestamp,
		PaymentPeriodInDays:    l.PaymentPeriodInDays,
		LatestPaymentTimestamp: l.LatestPaymentTimestamp,
		BuyerAPR:               l.BuyerAPR,
		Defaulted:              l.Defaulted,
		Repaid:                 l.Repaid,
		Positions:              positions,
	}
}
