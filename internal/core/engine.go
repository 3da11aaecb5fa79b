package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"ProtectionLedger/internal/defaultstate"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"
	"ProtectionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorized          = errors.New("core: caller not authorized")
	ErrUnknownPool           = errors.New("core: unknown pool")
	ErrPoolAlreadyRegistered = errors.New("core: pool already registered")
	ErrDuplicateCommand      = errors.New("core: duplicate command")
	ErrCommandRejected       = errors.New("core: command rejected")
	ErrReplayDiverged        = errors.New("core: replay diverged from event log")
)

// globalBalanceInterval is how often (in sequences) the full ledger is checked
// for zero-sum, on top of the per-pool checks after every command
const globalBalanceInterval = 1000

const defaultLRUCapacity = 1_000_000

// Config wires the core. Channels may be nil (tests, replay tooling).
type Config struct {
	Owner          common.Address
	DSMAddress     common.Address
	LRUCapacity    int
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- *CoreOutput
	ProjectionChan chan<- *CoreOutput
}

type poolEntry struct {
	pool   *pool.ProtectionPool
	basket *lending.ReferenceBasket
	token  *token.SnapshotToken
}

// ProtocolCore is the single-threaded command processor. It owns every piece of
// protocol state: pools, their baskets and share tokens, the cycle manager, the
// default state manager, the oracle adapter and the capital ledger.
type ProtocolCore struct {
	sequence int64
	owner    common.Address
	hasher   *StateHasher
	clock    *state.ManualClock
	book     *ledger.Book
	cycles   *state.PoolCycleManager
	adapter  *lending.OracleAdapter
	dsm      *defaultstate.Manager

	pools     map[common.Address]*poolEntry
	poolOrder []common.Address // registration order

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	replaying bool

	persistChan    chan<- *CoreOutput
	projectionChan chan<- *CoreOutput
}

// CoreOutput is everything one command produced
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batches  []*ledger.Batch
	Result   *Result
	Pools    []PoolView // post-command views of the pools the command touched
}

// Result is the command-specific answer returned to the submitter
type Result struct {
	Phase       string                    `json:"phase,omitempty"`
	Shares      *big.Int                  `json:"shares,omitempty"`
	Amount      *big.Int                  `json:"amount,omitempty"`
	CycleIndex  int64                     `json:"cycle_index,omitempty"`
	Protection  *state.ProtectionInfo     `json:"protection,omitempty"`
	Accrual     *pool.AccrualResult       `json:"accrual,omitempty"`
	Transitions []defaultstate.Transition `json:"transitions,omitempty"`
	Failures    map[string]string         `json:"failures,omitempty"` // pool -> assessment error
}

func NewProtocolCore(cfg Config) *ProtocolCore {
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	logger := cfg.Logger.With().Str("component", "core").Logger()
	clock := state.NewManualClock(0)

	return &ProtocolCore{
		sequence:          1,
		owner:             cfg.Owner,
		hasher:            NewStateHasher(),
		clock:             clock,
		book:              ledger.NewBook(),
		cycles:            state.NewPoolCycleManager(),
		adapter:           lending.NewOracleAdapter(clock),
		dsm:               defaultstate.New(cfg.DSMAddress, cfg.Owner, clock, logger),
		pools:             make(map[common.Address]*poolEntry),
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           cfg.Metrics,
		logger:            logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A command that fails its
// preconditions still consumes a sequence: the returned output carries the
// rejection and the error wraps ErrCommandRejected and the cause.
func (c *ProtocolCore) ProcessEvent(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 1: Idempotency check (two-tier; LRU only while replaying)
	var isDuplicate bool
	tier := TierLRU
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateLRU(eventType, idempotencyKey)
	} else {
		var dedupErr error
		isDuplicate, tier, dedupErr = c.idempotency.IsDuplicate(eventType, idempotencyKey)
		if dedupErr != nil {
			c.logger.Warn().Err(dedupErr).Str("event_type", eventType).Msg("event log dedup lookup failed")
			if c.metrics != nil {
				c.metrics.DedupStoreErrors.Inc()
			}
		}
	}

	// Step 2: Sequence validation
	partition := PartitionOf(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
		c.recordSequenceError(partition, err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCommand, eventType, idempotencyKey)
	}

	// Step 3: Bind time and journal context
	seq := c.sequence
	now := c.clock.Advance(evt.EventTimestamp())
	c.book.Journals().SetContext(idempotencyKey, seq, now)

	// Step 4: Dispatch
	result, dispatchErr := c.dispatch(evt)

	var batches []*ledger.Batch
	if dispatchErr != nil {
		c.book.Rollback()
	} else {
		batches = c.book.Drain()
		for _, batch := range batches {
			if err := c.book.Validator().ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
		}
		if err := c.postCheckInvariants(evt, seq); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 5: Chain the state hash
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, c.computeStateDigest())
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Timestamp:      now,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if dispatchErr != nil {
		envelope.Rejected = true
		envelope.RejectReason = dispatchErr.Error()
	}

	output := &CoreOutput{
		Envelope: envelope,
		Batches:  batches,
		Result:   result,
	}
	if dispatchErr == nil {
		output.Pools = c.poolViews(evt)
	}
	c.sequence++

	// Step 6: Emit outputs
	c.emit(output)

	// Step 7: Mark as processed (rejected commands too: resubmitting one is a duplicate)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordMetrics(evt, output, dispatchErr, start)

	if dispatchErr != nil {
		c.logger.Info().
			Int64("sequence", seq).
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Err(dispatchErr).
			Msg("command rejected")
		return output, fmt.Errorf("%w: %w", ErrCommandRejected, dispatchErr)
	}
	return output, nil
}

// PartitionOf determines the partition key for sequence validation:
// "pool:<addr>" or "global", prefixed with "<source>/" for secondary producers
func PartitionOf(evt event.Event) string {
	partition := "global"
	if poolID := evt.PoolID(); poolID != nil {
		partition = fmt.Sprintf("pool:%s", poolID.Hex())
	}
	if source := evt.SequenceSource(); source != "" {
		return source + "/" + partition
	}
	return partition
}

// emit hands the output to persistence (blocking: the core stalls until the
// writer drains, so nothing is lost) and to projections (non-blocking: a slow
// projection drops and rebuilds from the log).
func (c *ProtocolCore) emit(output *CoreOutput) {
	if c.replaying {
		return
	}
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// postCheckInvariants validates ledger invariants after a command is applied
func (c *ProtocolCore) postCheckInvariants(evt event.Event, seq int64) error {
	pools := c.poolOrder
	if poolID := evt.PoolID(); poolID != nil {
		if _, ok := c.pools[*poolID]; ok {
			pools = []common.Address{*poolID}
		} else {
			pools = nil
		}
	}
	for _, addr := range pools {
		entry := c.pools[addr]
		if err := c.book.Validator().ValidatePoolNonNegative(addr, entry.pool.AssetID()); err != nil {
			return err
		}
		if err := c.book.Validator().ValidatePoolConservation(addr); err != nil {
			return err
		}
	}
	if seq%globalBalanceInterval == 0 {
		return c.book.Validator().ValidateGlobalBalance()
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash
func (c *ProtocolCore) computeStateDigest() []byte {
	digest := make([]byte, 0, 4096)
	digest = appendInt64LE(digest, c.clock.Now())
	digest = append(digest, c.book.CanonicalBytes()...)
	digest = append(digest, c.adapter.CanonicalBytes()...)
	for _, addr := range c.poolOrder {
		entry := c.pools[addr]
		digest = append(digest, entry.pool.CanonicalBytes()...)
		digest = append(digest, entry.basket.CanonicalBytes()...)
		if cycle, ok := c.cycles.GetCurrentPoolCycle(addr); ok {
			digest = append(digest, cycle.CanonicalBytes()...)
		}
	}
	digest = append(digest, c.dsm.CanonicalBytes()...)
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (c *ProtocolCore) recordSequenceError(partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}

// --- Run loop ---

// Submission is one command handed to the core goroutine. Reply, if set, gets
// exactly one Reply and must be buffered.
type Submission struct {
	Event    event.Event
	Received time.Time
	Reply    chan<- Reply
}

type Reply struct {
	Output *CoreOutput
	Err    error
}

// Run processes submissions until ctx is cancelled or in is closed. It is the
// only goroutine that touches core state.
func (c *ProtocolCore) Run(ctx context.Context, in <-chan Submission) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-in:
			if !ok {
				return
			}
			output, err := c.ProcessEvent(sub.Event)
			if err != nil && !errors.Is(err, ErrCommandRejected) && !errors.Is(err, ErrDuplicateCommand) {
				c.logger.Error().
					Err(err).
					Str("event_type", sub.Event.EventType().String()).
					Str("key", sub.Event.IdempotencyKey()).
					Msg("process command failed")
			}
			if c.metrics != nil && !sub.Received.IsZero() && output != nil {
				c.metrics.IngestToApply.WithLabelValues(sub.Event.EventType().String()).
					Observe(time.Since(sub.Received).Seconds())
			}
			if sub.Reply != nil {
				sub.Reply <- Reply{Output: output, Err: err}
			}
		}
	}
}

// --- Replay ---

// Replay rebuilds state by re-executing logged commands in order. Every
// re-executed command must land on the logged sequence and state hash; the
// first divergence aborts the replay. Nothing is emitted while replaying.
func (c *ProtocolCore) Replay(envelopes []*event.EventEnvelope) error {
	c.replaying = true
	defer func() { c.replaying = false }()

	start := time.Now()
	for _, env := range envelopes {
		if env.Sequence != c.sequence {
			return fmt.Errorf("%w: expected sequence %d, log has %d", ErrReplayDiverged, c.sequence, env.Sequence)
		}
		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		output, err := c.ProcessEvent(evt)
		if output == nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if output.Envelope.Rejected != env.Rejected {
			return fmt.Errorf("%w: sequence %d rejected=%t, log has rejected=%t (%s)",
				ErrReplayDiverged, env.Sequence, output.Envelope.Rejected, env.Rejected, output.Envelope.RejectReason)
		}
		if output.Envelope.StateHash != env.StateHash {
			return fmt.Errorf("%w: state hash mismatch at sequence %d", ErrReplayDiverged, env.Sequence)
		}
		if c.metrics != nil {
			c.metrics.ReplayEventsTotal.Inc()
		}
	}
	if c.metrics != nil {
		c.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	c.logger.Info().
		Int("events", len(envelopes)).
		Int64("next_sequence", c.sequence).
		Dur("took", time.Since(start)).
		Msg("replay complete")
	return nil
}

// VerifyCheckpoint compares the chain tip against a stored checkpoint. Call it
// right after replaying up to and including the checkpoint's sequence.
func (c *ProtocolCore) VerifyCheckpoint(sequence int64, stateHash [32]byte) error {
	if c.sequence-1 != sequence {
		return fmt.Errorf("%w: checkpoint at %d, core at %d", ErrReplayDiverged, sequence, c.sequence-1)
	}
	if c.hasher.GetPrevHash() != stateHash {
		return fmt.Errorf("%w: checkpoint hash mismatch at sequence %d", ErrReplayDiverged, sequence)
	}
	return nil
}

// --- Accessors (core goroutine only, or before Run starts) ---

// Applied reports whether evt's idempotency key was already processed, in
// memory or in the event log
func (c *ProtocolCore) Applied(evt event.Event) bool {
	dup, _, _ := c.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey())
	return dup
}

// GetSequence returns the next sequence to assign
func (c *ProtocolCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip)
func (c *ProtocolCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *ProtocolCore) Now() int64 { return c.clock.Now() }

func (c *ProtocolCore) Book() *ledger.Book { return c.book }

func (c *ProtocolCore) DefaultStateManager() *defaultstate.Manager { return c.dsm }

func (c *ProtocolCore) Adapter() *lending.OracleAdapter { return c.adapter }

func (c *ProtocolCore) SequenceValidator() *SequenceValidator { return c.sequenceValidator }

// Pool returns a registered pool
func (c *ProtocolCore) Pool(addr common.Address) (*pool.ProtectionPool, error) {
	entry, err := c.entry(addr)
	if err != nil {
		return nil, err
	}
	return entry.pool, nil
}

// Pools returns registered pool addresses in registration order
func (c *ProtocolCore) Pools() []common.Address {
	out := make([]common.Address, len(c.poolOrder))
	copy(out, c.poolOrder)
	return out
}

func (c *ProtocolCore) entry(addr common.Address) (*poolEntry, error) {
	entry, ok := c.pools[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, addr.Hex())
	}
	return entry, nil
}
