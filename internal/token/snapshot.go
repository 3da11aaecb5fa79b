package token

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("share token: burn amount exceeds balance")
	ErrInvalidAmount       = errors.New("share token: amount must be non-negative and fit 256 bits")
	ErrSupplyOverflow      = errors.New("share token: total supply overflow")
	ErrInvalidSnapshotID   = errors.New("share token: nonexistent snapshot id")
)

// snapshotList records values as they were just before the first change after
// each snapshot id.
type snapshotList struct {
	ids    []uint64
	values []*uint256.Int
}

func (s *snapshotList) valueAt(id uint64) (*uint256.Int, bool) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i == len(s.ids) {
		return nil, false
	}
	return s.values[i], true
}

func (s *snapshotList) appendCanonical(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.ids)))
	for i, id := range s.ids {
		v := s.values[i].Bytes32()
		buf = binary.BigEndian.AppendUint64(buf, id)
		buf = append(buf, v[:]...)
	}
	return buf
}

func (s *snapshotList) update(currentID uint64, current *uint256.Int) {
	if currentID == 0 {
		return
	}
	if n := len(s.ids); n > 0 && s.ids[n-1] >= currentID {
		return
	}
	s.ids = append(s.ids, currentID)
	s.values = append(s.values, current.Clone())
}

// SnapshotToken is the pool's seller share ledger with point-in-time balance and
// supply queries.
type SnapshotToken struct {
	name        string
	balances    map[common.Address]*uint256.Int
	totalSupply *uint256.Int

	currentSnapshotID uint64
	accountSnapshots  map[common.Address]*snapshotList
	supplySnapshots   snapshotList
}

func NewSnapshotToken(name string) *SnapshotToken {
	return &SnapshotToken{
		name:             name,
		balances:         make(map[common.Address]*uint256.Int),
		totalSupply:      new(uint256.Int),
		accountSnapshots: make(map[common.Address]*snapshotList),
	}
}

func (t *SnapshotToken) Name() string { return t.name }

func (t *SnapshotToken) BalanceOf(account common.Address) *big.Int {
	if bal, ok := t.balances[account]; ok {
		return bal.ToBig()
	}
	return new(big.Int)
}

func (t *SnapshotToken) TotalSupply() *big.Int {
	return t.totalSupply.ToBig()
}

// Snapshot freezes current balances under a new id and returns it. Ids start at 1.
func (t *SnapshotToken) Snapshot() uint64 {
	t.currentSnapshotID++
	return t.currentSnapshotID
}

func (t *SnapshotToken) CurrentSnapshotID() uint64 {
	return t.currentSnapshotID
}

func (t *SnapshotToken) Mint(to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.totalSupply, amt)
	if overflow {
		return ErrSupplyOverflow
	}

	t.updateSnapshots(to)
	t.totalSupply = supply
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amt)
	return nil
}

func (t *SnapshotToken) Burn(from common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	bal := t.balanceOf(from)
	if bal.Lt(amt) {
		return fmt.Errorf("%w: have=%s, burn=%s", ErrInsufficientBalance, bal.Dec(), amt.Dec())
	}

	t.updateSnapshots(from)
	t.totalSupply = new(uint256.Int).Sub(t.totalSupply, amt)
	remaining := new(uint256.Int).Sub(bal, amt)
	if remaining.IsZero() {
		delete(t.balances, from)
	} else {
		t.balances[from] = remaining
	}
	return nil
}

// BalanceOfAt returns the account's balance when snapshot id was taken.
func (t *SnapshotToken) BalanceOfAt(account common.Address, id uint64) (*big.Int, error) {
	if err := t.checkSnapshotID(id); err != nil {
		return nil, err
	}
	if snaps, ok := t.accountSnapshots[account]; ok {
		if v, found := snaps.valueAt(id); found {
			return v.ToBig(), nil
		}
	}
	return t.BalanceOf(account), nil
}

// TotalSupplyAt returns total supply when snapshot id was taken.
func (t *SnapshotToken) TotalSupplyAt(id uint64) (*big.Int, error) {
	if err := t.checkSnapshotID(id); err != nil {
		return nil, err
	}
	if v, found := t.supplySnapshots.valueAt(id); found {
		return v.ToBig(), nil
	}
	return t.TotalSupply(), nil
}

// Holders returns accounts with a non-zero balance in address order
func (t *SnapshotToken) Holders() []common.Address {
	holders := make([]common.Address, 0, len(t.balances))
	for addr := range t.balances {
		holders = append(holders, addr)
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})
	return holders
}

// CanonicalBytes returns deterministic serialization for hashing. It covers the
// snapshot history too, since claims are paid from it.
func (t *SnapshotToken) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(t.balances)*52)
	supply := t.totalSupply.Bytes32()
	buf = append(buf, supply[:]...)
	buf = binary.BigEndian.AppendUint64(buf, t.currentSnapshotID)
	for _, addr := range t.Holders() {
		bal := t.balances[addr].Bytes32()
		buf = append(buf, addr[:]...)
		buf = append(buf, bal[:]...)
	}

	buf = t.supplySnapshots.appendCanonical(buf)
	accounts := make([]common.Address, 0, len(t.accountSnapshots))
	for addr := range t.accountSnapshots {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
	for _, addr := range accounts {
		buf = append(buf, addr[:]...)
		buf = t.accountSnapshots[addr].appendCanonical(buf)
	}
	return buf
}

func (t *SnapshotToken) balanceOf(account common.Address) *uint256.Int {
	if bal, ok := t.balances[account]; ok {
		return bal
	}
	return new(uint256.Int)
}

func (t *SnapshotToken) updateSnapshots(account common.Address) {
	snaps, ok := t.accountSnapshots[account]
	if !ok {
		snaps = &snapshotList{}
		t.accountSnapshots[account] = snaps
	}
	snaps.update(t.currentSnapshotID, t.balanceOf(account))
	t.supplySnapshots.update(t.currentSnapshotID, t.totalSupply)
}

func (t *SnapshotToken) checkSnapshotID(id uint64) error {
	if id == 0 || id > t.currentSnapshotID {
		return fmt.Errorf("%w: %d (current %d)", ErrInvalidSnapshotID, id, t.currentSnapshotID)
	}
	return nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
