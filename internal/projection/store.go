package projection

import (
	"math/big"
	"sort"
	"sync"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Store is the in-memory read model. It holds the latest PoolView the core
// emitted for every pool. Views are whole-pool copies, so a dropped output is
// healed by the next one touching the same pool.
type Store struct {
	mu           sync.RWMutex
	pools        map[common.Address]core.PoolView
	order        []common.Address
	lastSequence int64
	missed       int64
}

// BuyerProtection is one protection together with the pool that sold it
type BuyerProtection struct {
	Pool       common.Address       `json:"pool"`
	Protection state.ProtectionInfo `json:"protection"`
}

func NewStore() *Store {
	return &Store{pools: make(map[common.Address]core.PoolView)}
}

// Seed loads views taken directly from the core, typically right after
// replay, and sets the watermark to sequence.
func (s *Store) Seed(views []core.PoolView, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, view := range views {
		s.put(view)
	}
	if sequence > s.lastSequence {
		s.lastSequence = sequence
	}
}

// Apply folds one core output into the store. Outputs at or below the
// watermark are ignored. Returns the number of sequences skipped between the
// previous watermark and this output.
func (s *Store) Apply(output *core.CoreOutput) int64 {
	if output == nil || output.Envelope == nil {
		return 0
	}
	seq := output.Envelope.Sequence

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastSequence {
		return 0
	}
	var skipped int64
	if s.lastSequence > 0 && seq > s.lastSequence+1 {
		skipped = seq - s.lastSequence - 1
		s.missed += skipped
	}
	for _, view := range output.Pools {
		s.put(view)
	}
	s.lastSequence = seq
	return skipped
}

func (s *Store) put(view core.PoolView) {
	addr := view.Summary.Address
	if _, ok := s.pools[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.pools[addr] = view
}

// LastSequence is the highest sequence applied (the as-of watermark)
func (s *Store) LastSequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence
}

// Missed counts sequences the store never saw because the projection
// channel dropped them
func (s *Store) Missed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.missed
}

func (s *Store) Pool(addr common.Address) (core.PoolView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.pools[addr]
	return view, ok
}

// Pools returns every pool in registration order
func (s *Store) Pools() []core.PoolView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]core.PoolView, 0, len(s.order))
	for _, addr := range s.order {
		views = append(views, s.pools[addr])
	}
	return views
}

func (s *Store) Seller(pool, seller common.Address) (core.SellerView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.pools[pool]
	if !ok {
		return core.SellerView{}, false
	}
	for _, sv := range view.Sellers {
		if sv.Seller == seller {
			return sv, true
		}
	}
	return core.SellerView{}, false
}

// SellerPositions returns the seller's position in every pool holding shares
// for them
func (s *Store) SellerPositions(seller common.Address) map[common.Address]core.SellerView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := make(map[common.Address]core.SellerView)
	for addr, view := range s.pools {
		for _, sv := range view.Sellers {
			if sv.Seller == seller {
				positions[addr] = sv
			}
		}
	}
	return positions
}

// ProtectionsByBuyer returns the buyer's protections across pools, ordered by
// pool registration then protection index
func (s *Store) ProtectionsByBuyer(buyer common.Address, activeOnly bool) []BuyerProtection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BuyerProtection
	for _, addr := range s.order {
		for _, info := range s.pools[addr].Protections {
			if info.Buyer != buyer || (activeOnly && info.Expired) {
				continue
			}
			out = append(out, BuyerProtection{Pool: addr, Protection: info})
		}
	}
	return out
}

// Balances returns the pool's ledger balances by account path, sorted by path
func (s *Store) Balances(pool common.Address) ([]AccountBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.pools[pool]
	if !ok {
		return nil, false
	}
	return sortedBalances(view.Accounts), true
}

// AccountBalance is one ledger account's balance
type AccountBalance struct {
	AccountPath string   `json:"account_path"`
	Balance     *big.Int `json:"balance"`
}

func sortedBalances(accounts map[string]*big.Int) []AccountBalance {
	out := make([]AccountBalance, 0, len(accounts))
	for path, bal := range accounts {
		out = append(out, AccountBalance{AccountPath: path, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountPath < out[j].AccountPath })
	return out
}
