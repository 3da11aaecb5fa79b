package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ProtectionLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint is a chain tip recorded after its events were committed
type Checkpoint struct {
	Sequence  int64
	StateHash [32]byte
}

// CheckpointStore records chain tips and reads the event log back for replay.
// Recovery re-executes the log; a checkpoint is the hash the re-execution must
// reproduce at its sequence.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// SaveCheckpoint records a tip inside the transaction that committed it
func (cs *CheckpointStore) SaveCheckpoint(ctx context.Context, tx *sql.Tx, cp Checkpoint) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_log.checkpoints (sequence, state_hash)
		VALUES ($1, $2)
		ON CONFLICT (sequence) DO NOTHING
	`, cp.Sequence, cp.StateHash[:])
	return err
}

// LatestCheckpoint returns the newest checkpoint, or nil on a fresh log
func (cs *CheckpointStore) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cp   Checkpoint
		hash []byte
	)
	err := cs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.checkpoints
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&cp.Sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(hash) != len(cp.StateHash) {
		return nil, fmt.Errorf("checkpoint %d: state hash is %d bytes", cp.Sequence, len(hash))
	}
	copy(cp.StateHash[:], hash)
	return &cp, nil
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence
func (cs *CheckpointStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := cs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload, rejected,
		       COALESCE(reject_reason, ''), state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			env                 event.EventEnvelope
			eventType           string
			poolID              sql.NullString
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &poolID, &env.Payload, &env.Rejected,
			&env.RejectReason, &stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, err
		}
		env.EventType = event.ParseEventType(eventType)
		if env.EventType == event.EventTypeUnknown {
			return nil, fmt.Errorf("sequence %d: %w: %s", env.Sequence, event.ErrUnknownEventType, eventType)
		}
		if poolID.Valid {
			addr := common.HexToAddress(poolID.String)
			env.PoolID = &addr
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log
func (cs *CheckpointStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := cs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
