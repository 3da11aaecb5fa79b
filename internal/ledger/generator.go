package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// namespace for deterministic batch and journal ids: replaying the same command
// stream yields the same ids
var journalNamespace = uuid.MustParse("6f1c2b8e-4a53-5d4e-9b1f-0c7e2d9a3f10")

// JournalGenerator creates balanced journal batches for capital movements. The
// core sets the command context before dispatching each command.
type JournalGenerator struct {
	eventRef  string
	sequence  int64
	timestamp int64
	counter   int
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// SetContext binds subsequent batches to the command being processed
func (jg *JournalGenerator) SetContext(eventRef string, sequence, timestamp int64) {
	jg.eventRef = eventRef
	jg.sequence = sequence
	jg.timestamp = timestamp
	jg.counter = 0
}

func (jg *JournalGenerator) transfer(
	debit, credit AccountKey,
	amount *big.Int,
	journalType JournalType,
) (*Batch, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s journal requires a positive amount, got %v", journalType, amount)
	}

	batchID := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d:%d", jg.eventRef, jg.sequence, jg.counter)))
	jg.counter++

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  jg.eventRef,
		Sequence:  jg.sequence,
		Timestamp: jg.timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(batchID, []byte{0}),
		BatchID:       batchID,
		EventRef:      jg.eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        new(big.Int).Set(amount),
		JournalType:   journalType,
		Timestamp:     jg.timestamp,
	})

	return batch, nil
}

// GenerateDeposit moves seller funds: external:deposits → pool:capital
func (jg *JournalGenerator) GenerateDeposit(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewPoolAccountKey(pool, SubTypePoolCapital, assetID),
		NewExternalAccountKey(pool, SubTypeExternalDeposits, assetID),
		amount, JournalTypeDeposit)
}

// GenerateWithdrawal pays a seller out: pool:capital → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewExternalAccountKey(pool, SubTypeExternalWithdrawals, assetID),
		NewPoolAccountKey(pool, SubTypePoolCapital, assetID),
		amount, JournalTypeWithdrawal)
}

// GeneratePremiumPayment collects a buyer's premium: external:premiums → pool:unaccrued_premium
func (jg *JournalGenerator) GeneratePremiumPayment(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewPoolAccountKey(pool, SubTypePoolUnaccruedPremium, assetID),
		NewExternalAccountKey(pool, SubTypeExternalPremiums, assetID),
		amount, JournalTypePremiumPayment)
}

// GeneratePremiumAccrual recognises earned premium as seller capital:
// pool:unaccrued_premium → pool:capital
func (jg *JournalGenerator) GeneratePremiumAccrual(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewPoolAccountKey(pool, SubTypePoolCapital, assetID),
		NewPoolAccountKey(pool, SubTypePoolUnaccruedPremium, assetID),
		amount, JournalTypePremiumAccrual)
}

// GenerateCapitalLock sets capital aside for a late loan: pool:capital → pool:locked_capital
func (jg *JournalGenerator) GenerateCapitalLock(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewPoolAccountKey(pool, SubTypePoolLockedCapital, assetID),
		NewPoolAccountKey(pool, SubTypePoolCapital, assetID),
		amount, JournalTypeCapitalLock)
}

// GenerateCapitalUnlock releases a lock for seller claims:
// pool:locked_capital → pool:unlocked_capital
func (jg *JournalGenerator) GenerateCapitalUnlock(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewPoolAccountKey(pool, SubTypePoolUnlockedCapital, assetID),
		NewPoolAccountKey(pool, SubTypePoolLockedCapital, assetID),
		amount, JournalTypeCapitalUnlock)
}

// GenerateUnlockedCapitalClaim pays a seller's claim: pool:unlocked_capital → external:withdrawals
func (jg *JournalGenerator) GenerateUnlockedCapitalClaim(pool common.Address, assetID AssetID, amount *big.Int) (*Batch, error) {
	return jg.transfer(
		NewExternalAccountKey(pool, SubTypeExternalWithdrawals, assetID),
		NewPoolAccountKey(pool, SubTypePoolUnlockedCapital, assetID),
		amount, JournalTypeUnlockedCapitalClaim)
}
