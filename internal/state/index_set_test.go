package state_test

import (
	"math/big"
	"reflect"
	"testing"

	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func TestIndexSet_AddRemove(t *testing.T) {
	s := state.NewIndexSet()
	for _, idx := range []uint64{3, 7, 9, 11} {
		if !s.Add(idx) {
			t.Fatalf("Add(%d) reported duplicate", idx)
		}
	}
	if s.Add(7) {
		t.Fatal("Add(7) twice should report false")
	}

	if !s.Remove(7) {
		t.Fatal("Remove(7) should succeed")
	}
	if s.Remove(7) {
		t.Fatal("Remove(7) twice should report false")
	}
	if s.Contains(7) {
		t.Fatal("7 should be gone")
	}

	// last element swapped into the hole
	if got, want := s.Values(), []uint64{3, 11, 9}; !reflect.DeepEqual(got, want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
}

func TestIndexSet_ValuesIsCopy(t *testing.T) {
	s := state.NewIndexSet()
	s.Add(1)
	s.Add(2)

	for _, idx := range s.Values() {
		s.Remove(idx)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d after removing every value", s.Len())
	}
}

func TestWithdrawalCycleDetail_ReplaceRequest(t *testing.T) {
	seller := common.HexToAddress("0x5e11e5")
	w := state.NewWithdrawalCycleDetail()

	w.SetRequest(seller, big.NewInt(100))
	w.SetRequest(seller, big.NewInt(40))
	if w.TotalSTokenRequested.Int64() != 40 {
		t.Fatalf("total = %s, want 40", w.TotalSTokenRequested)
	}

	w.Consume(seller, big.NewInt(40))
	if w.TotalSTokenRequested.Sign() != 0 {
		t.Fatalf("total = %s, want 0", w.TotalSTokenRequested)
	}
	if _, ok := w.Requests[seller]; ok {
		t.Fatal("fully consumed request should be removed")
	}
}

func TestLoanState_ActiveLock(t *testing.T) {
	ls := &state.LoanState{Status: state.LoanStatusLate}
	if ls.ActiveLock() != nil {
		t.Fatal("no locks yet")
	}

	ls.LockedCapitals = append(ls.LockedCapitals,
		&state.LockedCapital{SnapshotID: 1, Amount: big.NewInt(10), Locked: false},
		&state.LockedCapital{SnapshotID: 2, Amount: big.NewInt(20), Locked: true},
	)
	if lock := ls.ActiveLock(); lock == nil || lock.SnapshotID != 2 {
		t.Fatalf("active lock = %+v, want snapshot 2", lock)
	}
	if !state.LoanStatusDefaulted.IsTerminal() || state.LoanStatusLate.IsTerminal() {
		t.Fatal("terminal statuses misreported")
	}
}
