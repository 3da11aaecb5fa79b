package persistence

import (
	"context"
	"database/sql"
	"time"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerConfig tunes batching and checkpointing
type WorkerConfig struct {
	BatchSize          int
	FlushTimeout       time.Duration
	CheckpointInterval int64 // record a checkpoint every N sequences; 0 disables
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it blocking, so if this worker falls behind the core
// stalls and no output is lost. Committed outputs are forwarded to the
// outbound publisher.
type PersistenceWorker struct {
	db          *sql.DB
	writer      *EventLogWriter
	checkpoints *CheckpointStore
	inputChan   <-chan *core.CoreOutput
	publishChan chan<- *core.CoreOutput
	cfg         WorkerConfig
	metrics     *observability.Metrics
	logger      zerolog.Logger

	lastCheckpoint int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *core.CoreOutput,
	publishChan chan<- *core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	return &PersistenceWorker{
		db:          db,
		writer:      NewEventLogWriter(db),
		checkpoints: NewCheckpointStore(db),
		inputChan:   inputChan,
		publishChan: publishChan,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With().Str("component", "persistence").Logger(),
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*core.CoreOutput, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush what we have
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			batch = append(batch, output)
			if len(batch) >= pw.cfg.BatchSize {
				flush(ctx)
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled; on cancellation it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []*core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(outputs)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), outputs)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []*core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(outputs))
	var journals []JournalRow
	for _, output := range outputs {
		rows, err := RowsFromOutput(output)
		if err != nil {
			pw.recordError("encode")
			return err
		}
		events = append(events, rows.Event)
		journals = append(journals, rows.Journals...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}

	last := outputs[len(outputs)-1].Envelope
	checkpoint := pw.cfg.CheckpointInterval > 0 && last.Sequence-pw.lastCheckpoint >= pw.cfg.CheckpointInterval
	if checkpoint {
		if err := pw.checkpoints.SaveCheckpoint(ctx, tx, Checkpoint{Sequence: last.Sequence, StateHash: last.StateHash}); err != nil {
			pw.recordError("checkpoint")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}
	if checkpoint {
		pw.lastCheckpoint = last.Sequence
		if pw.metrics != nil {
			pw.metrics.CheckpointsWritten.Inc()
		}
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last.Sequence))
	}

	pw.forward(outputs)
	return nil
}

// forward hands committed outputs to the publisher without blocking
func (pw *PersistenceWorker) forward(outputs []*core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	for _, output := range outputs {
		select {
		case pw.publishChan <- output:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
