package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ProtectionLedger/internal/core"
)

// EventLogWriter writes sequenced commands and their journals to Postgres with
// multi-row INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded command
	Rejected       bool
	RejectReason   *string
	Result         []byte // JSON-encoded core.Result, nil when rejected
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// Rows is one core output flattened for storage
type Rows struct {
	Event    EventRow
	Journals []JournalRow
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens a core output into its event and journal rows
func RowsFromOutput(output *core.CoreOutput) (Rows, error) {
	env := output.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Rejected:       env.Rejected,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.PoolID != nil {
		poolID := env.PoolID.Hex()
		row.PoolID = &poolID
	}
	if env.Rejected {
		reason := env.RejectReason
		row.RejectReason = &reason
	}
	if output.Result != nil && !env.Rejected {
		result, err := json.Marshal(output.Result)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal result seq=%d: %w", env.Sequence, err)
		}
		row.Result = result
	}

	var journals []JournalRow
	for _, batch := range output.Batches {
		for _, j := range batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return Rows{Event: row, Journals: journals}, nil
}

// WriteEventBatch writes a batch of events to event_log.events
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, pool_id, payload, rejected, reject_reason,
		 result, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		// lib/pq sends []byte as bytea; JSONB columns take text
		var result interface{}
		if e.Result != nil {
			result = string(e.Result)
		}
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PoolID, string(e.Payload), e.Rejected, e.RejectReason,
			result, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)"
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
