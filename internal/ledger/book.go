package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Book is the posting surface shared by the pools: it validates and applies
// batches, and keeps them pending until the core commits or rolls back the
// current command.
type Book struct {
	tracker   *BalanceTracker
	generator *JournalGenerator
	validator *InvariantValidator
	pending   []*Batch
}

func NewBook() *Book {
	tracker := NewBalanceTracker()
	return &Book{
		tracker:   tracker,
		generator: NewJournalGenerator(),
		validator: NewInvariantValidator(tracker),
	}
}

func (b *Book) Journals() *JournalGenerator { return b.generator }

func (b *Book) Tracker() *BalanceTracker { return b.tracker }

func (b *Book) Validator() *InvariantValidator { return b.validator }

// Post applies a batch. A batch that would overdraw a pool account is reverted
// and rejected.
func (b *Book) Post(batch *Batch) error {
	if err := b.tracker.ApplyBatch(batch); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope != AccountScopePool {
				continue
			}
			if err := b.tracker.ValidateNonNegative(key); err != nil {
				b.tracker.RevertBatch(batch)
				return fmt.Errorf("post %s: %w", j.JournalType, err)
			}
		}
	}

	b.pending = append(b.pending, batch)
	return nil
}

// Balance returns the balance of one account
func (b *Book) Balance(key AccountKey) *big.Int {
	return b.tracker.GetBalance(key)
}

// PoolCapital returns the capital account of a pool
func (b *Book) PoolCapital(pool common.Address, assetID AssetID) *big.Int {
	return b.tracker.GetPoolCapital(pool, assetID)
}

// Pending returns the number of uncommitted batches
func (b *Book) Pending() int { return len(b.pending) }

// Drain hands the batches posted for the current command to the caller
func (b *Book) Drain() []*Batch {
	out := b.pending
	b.pending = nil
	return out
}

// Rollback reverts every uncommitted batch, newest first
func (b *Book) Rollback() {
	for i := len(b.pending) - 1; i >= 0; i-- {
		b.tracker.RevertBatch(b.pending[i])
	}
	b.pending = nil
}

// Replay applies already committed batches without re-validating pool
// balances. Used when rebuilding from the journal store.
func (b *Book) Replay(batches []*Batch) error {
	for _, batch := range batches {
		if err := b.tracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay batch %s: %w", batch.BatchID, err)
		}
	}
	return nil
}

// CanonicalBytes serialises all non-zero balances in key order
func (b *Book) CanonicalBytes() []byte {
	snap := b.tracker.Snapshot()
	keys := make([]AccountKey, 0, len(snap))
	for k, v := range snap {
		if v.Sign() != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, c := keys[i], keys[j]
		if cmp := bytes.Compare(a.EntityID[:], c.EntityID[:]); cmp != 0 {
			return cmp < 0
		}
		if a.Scope != c.Scope {
			return a.Scope < c.Scope
		}
		if a.SubType != c.SubType {
			return a.SubType < c.SubType
		}
		return a.AssetID < c.AssetID
	})

	var buf bytes.Buffer
	for _, k := range keys {
		buf.Write(k.EntityID[:])
		buf.WriteByte(byte(k.Scope))
		buf.WriteByte(byte(k.SubType))
		_ = binary.Write(&buf, binary.LittleEndian, uint16(k.AssetID))
		v := snap[k]
		if v.Sign() < 0 {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		mag := v.Bytes()
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(mag)))
		buf.Write(mag)
	}
	return buf.Bytes()
}
