package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/observability"

	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionWorker folds core outputs into the in-memory store and, when a
// database is configured, mirrors them into the projection.* tables.
// The projection channel is lossy; the store heals on the next view of a pool
// and the tables can be rebuilt with RebuildProjections.
type ProjectionWorker struct {
	store     *Store
	db        *sql.DB
	inputChan <-chan *core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewProjectionWorker creates a worker. db may be nil for a memory-only read model.
func NewProjectionWorker(store *Store, db *sql.DB, inputChan <-chan *core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, output *core.CoreOutput) {
	start := time.Now()
	if skipped := pw.store.Apply(output); skipped > 0 {
		pw.logger.Warn().
			Int64("sequence", output.Envelope.Sequence).
			Int64("skipped", skipped).
			Msg("projection missed outputs")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("memory").Add(float64(skipped))
		}
	}
	pw.observe("memory", start)

	if pw.db == nil {
		return
	}
	start = time.Now()
	if err := pw.writeTables(ctx, output.Envelope.Sequence, output.Pools); err != nil {
		// eventually consistent; RebuildProjections restores the tables
		pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
		return
	}
	pw.observe("postgres", start)
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

func (pw *ProjectionWorker) writeTables(ctx context.Context, sequence int64, views []core.PoolView) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, view := range views {
		if err := writePoolView(ctx, tx, sequence, view); err != nil {
			return fmt.Errorf("pool %s: %w", view.Summary.Address.Hex(), err)
		}
	}
	if err := writeWatermark(ctx, tx, sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// writePoolView replaces one pool's rows with the view's contents
func writePoolView(ctx context.Context, tx *sql.Tx, sequence int64, view core.PoolView) error {
	pool := view.Summary.Address.Hex()

	summary, err := json.Marshal(view.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.pool_summaries
			(pool, asset, decimals, phase, total_capital, total_protection, total_premium,
			 leverage_ratio, summary, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (pool) DO UPDATE SET
			phase = EXCLUDED.phase,
			total_capital = EXCLUDED.total_capital,
			total_protection = EXCLUDED.total_protection,
			total_premium = EXCLUDED.total_premium,
			leverage_ratio = EXCLUDED.leverage_ratio,
			summary = EXCLUDED.summary,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`, pool, view.Asset, view.Decimals, view.Summary.Phase,
		numeric(view.Summary.TotalCapital), numeric(view.Summary.TotalProtection), numeric(view.Summary.TotalPremium),
		view.Summary.LeverageRatio.String(), string(summary), sequence); err != nil {
		return fmt.Errorf("pool summary: %w", err)
	}

	// holders that burned every share drop out of the view
	if _, err := tx.ExecContext(ctx, `DELETE FROM projection.seller_positions WHERE pool = $1`, pool); err != nil {
		return fmt.Errorf("clear sellers: %w", err)
	}
	for _, sv := range view.Sellers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projection.seller_positions
				(pool, seller, shares, requested_withdrawal, claimable_unlocked, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, pool, sv.Seller.Hex(), numeric(sv.Shares), numeric(sv.RequestedWithdrawal),
			numeric(sv.ClaimableUnlocked), sequence); err != nil {
			return fmt.Errorf("seller %s: %w", sv.Seller.Hex(), err)
		}
	}

	for _, info := range view.Protections {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal protection %d: %w", info.Index, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projection.protections (pool, protection_id, buyer, info, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pool, protection_id) DO UPDATE SET
				info = EXCLUDED.info,
				last_sequence = EXCLUDED.last_sequence
		`, pool, int64(info.Index), info.Buyer.Hex(), string(data), sequence); err != nil {
			return fmt.Errorf("protection %d: %w", info.Index, err)
		}
	}

	assetID, _ := ledger.GetAssetID(view.Asset)
	for path, bal := range view.Accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projection.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
		`, path, int16(assetID), numeric(bal), sequence); err != nil {
			return fmt.Errorf("balance %s: %w", path, err)
		}
	}
	return nil
}

func writeWatermark(ctx context.Context, tx *sql.Tx, sequence int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			last_sequence = GREATEST(projection.watermark.last_sequence, EXCLUDED.last_sequence),
			updated_at = NOW()
	`, watermarkID, sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rewrites every projection table from the store's current
// views. Run it after startup replay has seeded the store.
func RebuildProjections(ctx context.Context, db *sql.DB, store *Store) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"projection.pool_summaries",
		"projection.seller_positions",
		"projection.protections",
		"projection.balances",
		"projection.watermark",
	} {
		if _, err := tx.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}

	sequence := store.LastSequence()
	for _, view := range store.Pools() {
		if err := writePoolView(ctx, tx, sequence, view); err != nil {
			return fmt.Errorf("pool %s: %w", view.Summary.Address.Hex(), err)
		}
	}
	if err := writeWatermark(ctx, tx, sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// RebuildBalances recomputes projection.balances from the journal alone.
// Debits increase an account, credits decrease it.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projection.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence
			FROM event_log.journal
		) entries
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	return tx.Commit()
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
