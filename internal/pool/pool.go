// Package pool implements the protection pool accounting core: seller capital
// and shares, protection purchase and renewal, premium accrual and capital
// locking on behalf of the default state manager.
package pool

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ShareToken is the snapshot-capable seller share ledger
type ShareToken interface {
	BalanceOf(account common.Address) *big.Int
	TotalSupply() *big.Int
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
	Snapshot() uint64
	BalanceOfAt(account common.Address, id uint64) (*big.Int, error)
	TotalSupplyAt(id uint64) (*big.Int, error)
	CanonicalBytes() []byte
}

// CycleManager is the part of state.PoolCycleManager the pool reads
type CycleManager interface {
	CalculateAndSetPoolCycleState(pool common.Address, now int64) state.CycleState
	GetCurrentCycleIndex(pool common.Address) int64
	GetCurrentCycleState(pool common.Address) state.CycleState
	GetNextCycleEndTimestamp(pool common.Address) (int64, error)
}

// DefaultStateManager is the part of the default state manager the pool calls back into
type DefaultStateManager interface {
	Address() common.Address
	AssessLoanStatus(pool, loan common.Address) (state.LoanStatus, error)
	CalculateClaimableUnlockedAmount(pool, seller common.Address) (*big.Int, error)
	CalculateAndClaimUnlockedCapital(pool, seller common.Address) (*big.Int, error)
}

// Ledger is where capital movements are posted
type Ledger interface {
	Journals() *ledger.JournalGenerator
	Post(batch *ledger.Batch) error
	Balance(key ledger.AccountKey) *big.Int
}

// Deps are the collaborators resolved at construction time
type Deps struct {
	Info                state.PoolInfo
	Owner               common.Address
	Clock               state.Clock
	Cycles              CycleManager
	Basket              lending.Basket
	Token               ShareToken
	Ledger              Ledger
	DefaultStateManager DefaultStateManager
	Logger              zerolog.Logger
}

// ProtectionPool matches seller capital against buyer protection for the loans
// of one reference basket.
type ProtectionPool struct {
	info    state.PoolInfo
	assetID ledger.AssetID
	owner   common.Address

	clock  state.Clock
	cycles CycleManager
	basket lending.Basket
	token  ShareToken
	book   Ledger
	dsm    DefaultStateManager
	logger zerolog.Logger

	totalProtection     *big.Int
	totalPremium        *big.Int
	totalPremiumAccrued *big.Int

	// arena: a protection's index is its slot; expired entries are tombstoned
	protectionInfos    []*state.ProtectionInfo
	lendingPoolDetails map[common.Address]*state.LendingPoolDetail
	buyerAccounts      map[common.Address]*state.ProtectionBuyerAccount
	withdrawalCycles   map[int64]*state.WithdrawalCycleDetail
}

func New(deps Deps) (*ProtectionPool, error) {
	if deps.Clock == nil || deps.Cycles == nil || deps.Basket == nil || deps.Token == nil ||
		deps.Ledger == nil || deps.DefaultStateManager == nil {
		return nil, ErrMissingDeps
	}
	if err := state.ValidatePoolParams(&deps.Info.Params); err != nil {
		return nil, err
	}
	assetID, ok := ledger.GetAssetID(deps.Info.UnderlyingAsset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown underlying asset %q", ErrInvalidPoolInfo, deps.Info.UnderlyingAsset)
	}
	if deps.Info.Decimals.Scale == 0 {
		return nil, fmt.Errorf("%w: missing asset decimals", ErrInvalidPoolInfo)
	}

	return &ProtectionPool{
		info:                deps.Info,
		assetID:             assetID,
		owner:               deps.Owner,
		clock:               deps.Clock,
		cycles:              deps.Cycles,
		basket:              deps.Basket,
		token:               deps.Token,
		book:                deps.Ledger,
		dsm:                 deps.DefaultStateManager,
		logger:              deps.Logger.With().Str("pool", deps.Info.Address.Hex()).Logger(),
		totalProtection:     new(big.Int),
		totalPremium:        new(big.Int),
		totalPremiumAccrued: new(big.Int),
		lendingPoolDetails:  make(map[common.Address]*state.LendingPoolDetail),
		buyerAccounts:       make(map[common.Address]*state.ProtectionBuyerAccount),
		withdrawalCycles:    make(map[int64]*state.WithdrawalCycleDetail),
	}, nil
}

func (p *ProtectionPool) Address() common.Address { return p.info.Address }

func (p *ProtectionPool) Basket() lending.Basket { return p.basket }

func (p *ProtectionPool) AssetID() ledger.AssetID { return p.assetID }

// Info returns the pool's configuration and phase
func (p *ProtectionPool) Info() state.PoolInfo { return p.info }

// TotalCapital is the seller capital backing the shares (totalSTokenUnderlying)
func (p *ProtectionPool) TotalCapital() *big.Int {
	return p.book.Balance(ledger.NewPoolAccountKey(p.info.Address, ledger.SubTypePoolCapital, p.assetID))
}

func (p *ProtectionPool) TotalProtection() *big.Int { return new(big.Int).Set(p.totalProtection) }

// LeverageRatio = totalProtection / totalCapital, zero while the pool has no capital
func (p *ProtectionPool) LeverageRatio() math.Fixed {
	ratio, err := math.Ratio(p.totalProtection, p.TotalCapital())
	if err != nil {
		return math.Zero
	}
	return ratio
}

// leverageRatioAfter projects the ratio for the given totals. ok is false when
// protection is outstanding against zero capital.
func leverageRatioAfter(protection, capital *big.Int) (ratio math.Fixed, ok bool) {
	if capital.Sign() == 0 {
		return math.Zero, protection.Sign() == 0
	}
	ratio, err := math.Ratio(protection, capital)
	return ratio, err == nil
}

func (p *ProtectionPool) now() int64 { return p.clock.Now() }

func (p *ProtectionPool) cycleState() state.CycleState {
	return p.cycles.CalculateAndSetPoolCycleState(p.info.Address, p.now())
}

func (p *ProtectionPool) post(batch *ledger.Batch, err error) error {
	if err != nil {
		return err
	}
	return p.book.Post(batch)
}

// === Views ===

// Summary is a point-in-time view of the pool's totals
type Summary struct {
	Address             common.Address   `json:"address"`
	Phase               string           `json:"phase"`
	CycleIndex          int64            `json:"cycle_index"`
	CycleState          string           `json:"cycle_state"`
	TotalCapital        *big.Int         `json:"total_capital"`
	TotalProtection     *big.Int         `json:"total_protection"`
	TotalPremium        *big.Int         `json:"total_premium"`
	TotalPremiumAccrued *big.Int         `json:"total_premium_accrued"`
	LockedCapital       *big.Int         `json:"locked_capital"`
	UnlockedCapital     *big.Int         `json:"unlocked_capital"`
	ShareSupply         *big.Int         `json:"share_supply"`
	LeverageRatio       math.Fixed       `json:"leverage_ratio"`
	ActiveProtections   int              `json:"active_protections"`
	Loans               []common.Address `json:"loans"`
}

func (p *ProtectionPool) Summary() Summary {
	addr := p.info.Address
	active := 0
	for _, d := range p.lendingPoolDetails {
		active += d.ActiveProtectionIndexes.Len()
	}
	return Summary{
		Address:             addr,
		Phase:               p.info.Phase.String(),
		CycleIndex:          p.cycles.GetCurrentCycleIndex(addr),
		CycleState:          p.cycles.GetCurrentCycleState(addr).String(),
		TotalCapital:        p.TotalCapital(),
		TotalProtection:     p.TotalProtection(),
		TotalPremium:        new(big.Int).Set(p.totalPremium),
		TotalPremiumAccrued: new(big.Int).Set(p.totalPremiumAccrued),
		LockedCapital:       p.book.Balance(ledger.NewPoolAccountKey(addr, ledger.SubTypePoolLockedCapital, p.assetID)),
		UnlockedCapital:     p.book.Balance(ledger.NewPoolAccountKey(addr, ledger.SubTypePoolUnlockedCapital, p.assetID)),
		ShareSupply:         p.token.TotalSupply(),
		LeverageRatio:       p.LeverageRatio(),
		ActiveProtections:   active,
		Loans:               p.basket.GetLoans(),
	}
}

// ProtectionInfos returns copies of every protection ever sold, by index
func (p *ProtectionPool) ProtectionInfos() []state.ProtectionInfo {
	out := make([]state.ProtectionInfo, len(p.protectionInfos))
	for i, info := range p.protectionInfos {
		out[i] = copyProtection(info)
	}
	return out
}

func (p *ProtectionPool) ProtectionInfo(index uint64) (state.ProtectionInfo, error) {
	if index >= uint64(len(p.protectionInfos)) {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %d", ErrUnknownProtection, index)
	}
	return copyProtection(p.protectionInfos[index]), nil
}

// ActiveProtections returns the buyer's unexpired protections in index order
func (p *ProtectionPool) ActiveProtections(buyer common.Address) []state.ProtectionInfo {
	account, ok := p.buyerAccounts[buyer]
	if !ok {
		return nil
	}
	indexes := sortedIndexes(account.ActiveProtectionIndexes)
	out := make([]state.ProtectionInfo, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, copyProtection(p.protectionInfos[idx]))
	}
	return out
}

// LendingPoolDetail returns totals for one loan. ok is false if nothing was ever bought on it.
func (p *ProtectionPool) LendingPoolDetail(loan common.Address) (LendingPoolView, bool) {
	d, ok := p.lendingPoolDetails[loan]
	if !ok {
		return LendingPoolView{}, false
	}
	indexes := sortedIndexes(d.ActiveProtectionIndexes)
	return LendingPoolView{
		Loan:                        loan,
		LastPremiumAccrualTimestamp: d.LastPremiumAccrualTimestamp,
		TotalPremium:                new(big.Int).Set(d.TotalPremium),
		TotalProtection:             new(big.Int).Set(d.TotalProtection),
		ActiveProtectionIndexes:     indexes,
	}, true
}

// LendingPoolView is a read-only copy of state.LendingPoolDetail
type LendingPoolView struct {
	Loan                        common.Address `json:"loan"`
	LastPremiumAccrualTimestamp int64          `json:"last_premium_accrual_timestamp"`
	TotalPremium                *big.Int       `json:"total_premium"`
	TotalProtection             *big.Int       `json:"total_protection"`
	ActiveProtectionIndexes     []uint64       `json:"active_protection_indexes"`
}

// ShareBalance returns the seller's share-token balance
func (p *ProtectionPool) ShareBalance(seller common.Address) *big.Int {
	return p.token.BalanceOf(seller)
}

func (p *ProtectionPool) BalanceOfAt(seller common.Address, snapshotID uint64) (*big.Int, error) {
	return p.token.BalanceOfAt(seller, snapshotID)
}

func (p *ProtectionPool) TotalSupplyAt(snapshotID uint64) (*big.Int, error) {
	return p.token.TotalSupplyAt(snapshotID)
}

func copyProtection(info *state.ProtectionInfo) state.ProtectionInfo {
	c := *info
	c.PurchaseParams.ProtectionAmount = new(big.Int).Set(info.PurchaseParams.ProtectionAmount)
	c.ProtectionPremium = new(big.Int).Set(info.ProtectionPremium)
	c.AccruedPremium = new(big.Int).Set(info.AccruedPremium)
	return c
}

// CanonicalBytes returns deterministic serialization for state hashing
func (p *ProtectionPool) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.Write(p.info.Address[:])
	buf.WriteByte(byte(p.info.Phase))
	writeBig(&buf, p.totalProtection)
	writeBig(&buf, p.totalPremium)
	writeBig(&buf, p.totalPremiumAccrued)

	for _, info := range p.protectionInfos {
		buf.Write(info.CanonicalBytes())
	}

	loans := make([]common.Address, 0, len(p.lendingPoolDetails))
	for loan := range p.lendingPoolDetails {
		loans = append(loans, loan)
	}
	sortAddresses(loans)
	for _, loan := range loans {
		d := p.lendingPoolDetails[loan]
		buf.Write(loan[:])
		writeInt(&buf, d.LastPremiumAccrualTimestamp)
		writeBig(&buf, d.TotalPremium)
		writeBig(&buf, d.TotalProtection)
	}

	cycles := make([]int64, 0, len(p.withdrawalCycles))
	for idx := range p.withdrawalCycles {
		cycles = append(cycles, idx)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	for _, idx := range cycles {
		w := p.withdrawalCycles[idx]
		writeInt(&buf, idx)
		writeBig(&buf, w.TotalSTokenRequested)
		sellers := make([]common.Address, 0, len(w.Requests))
		for s := range w.Requests {
			sellers = append(sellers, s)
		}
		sortAddresses(sellers)
		for _, s := range sellers {
			buf.Write(s[:])
			writeBig(&buf, w.Requests[s])
		}
	}

	buf.Write(p.token.CanonicalBytes())
	return buf.Bytes()
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}

func writeInt(buf *bytes.Buffer, v int64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	buf.Write(b[:])
}

func writeBig(buf *bytes.Buffer, v *big.Int) {
	if v.Sign() < 0 {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	mag := v.Bytes()
	buf.WriteByte(byte(len(mag)))
	buf.Write(mag)
}
