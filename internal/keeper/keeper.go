package keeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Source owns the sequence partitions of keeper commands
const Source = "keeper"

const (
	JobAssess = "assess_states"
	JobAccrue = "accrue_premium"
)

var ErrPublish = errors.New("keeper: publish failed")

// PoolLister lists the pools the keeper accrues premium for
type PoolLister interface {
	Pools() []core.PoolView
}

type Config struct {
	AssessSchedule string
	AccrueSchedule string
	PublishTimeout time.Duration
	MaxAttempts    int
	Now            func() time.Time // command timestamps; nil is time.Now
}

// Keeper fires the periodic protocol commands on a cron schedule: one global
// AssessStates and one AccruePremium per registered pool. Commands go through
// NATS like any upstream command and are numbered on keeper/ partitions.
type Keeper struct {
	cfg     Config
	js      ingestion.StreamPublisher
	pools   PoolLister
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu   sync.Mutex
	seqs map[string]int64 // partition -> next sequence to publish
}

// New builds a keeper. seqs are the core's expected sequences after
// recovery; only keeper/ partitions are used.
func New(cfg Config, js ingestion.StreamPublisher, pools PoolLister, seqs map[string]int64, metrics *observability.Metrics, logger zerolog.Logger) (*Keeper, error) {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	k := &Keeper{
		cfg:     cfg,
		js:      js,
		pools:   pools,
		metrics: metrics,
		logger:  logger.With().Str("component", "keeper").Logger(),
		seqs:    make(map[string]int64),
	}
	for partition, next := range seqs {
		if strings.HasPrefix(partition, Source+"/") {
			k.seqs[partition] = next
		}
	}

	cl := cronLogger{k.logger}
	k.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := k.cron.AddFunc(cfg.AssessSchedule, func() { k.runJob(JobAssess, k.AssessStates) }); err != nil {
		return nil, fmt.Errorf("assess schedule %q: %w", cfg.AssessSchedule, err)
	}
	if _, err := k.cron.AddFunc(cfg.AccrueSchedule, func() { k.runJob(JobAccrue, k.AccruePremium) }); err != nil {
		return nil, fmt.Errorf("accrue schedule %q: %w", cfg.AccrueSchedule, err)
	}
	return k, nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs.
func (k *Keeper) Run(ctx context.Context) error {
	k.cron.Start()
	k.logger.Info().
		Str("assess", k.cfg.AssessSchedule).
		Str("accrue", k.cfg.AccrueSchedule).
		Msg("keeper started")

	<-ctx.Done()
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
	return nil
}

func (k *Keeper) runJob(job string, fn func(ctx context.Context) error) {
	ctx := context.Background()
	status := "ok"
	if err := fn(ctx); err != nil {
		status = "error"
		k.logger.Error().Err(err).Str("job", job).Msg("keeper job failed")
	}
	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(job, status).Inc()
	}
}

// AssessStates publishes one global AssessStates command.
func (k *Keeper) AssessStates(ctx context.Context) error {
	cmd := &event.AssessStates{}
	return k.publish(ctx, cmd, func(h event.Header) { cmd.Header = h })
}

// AccruePremium publishes one AccruePremium per pool. A failed pool does not
// stop the others; the errors are joined.
func (k *Keeper) AccruePremium(ctx context.Context) error {
	var errs []error
	for _, view := range k.pools.Pools() {
		addr := view.Summary.Address
		cmd := &event.AccruePremium{Pool: addr}
		if err := k.publish(ctx, cmd, func(h event.Header) { cmd.Header = h }); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", addr.Hex(), err))
		}
	}
	return errors.Join(errs...)
}

// publish stamps cmd with the next keeper sequence of its partition and a
// fresh command id, then publishes with retries. Every attempt carries the
// same message id, so the stream keeps at most one copy. The sequence is only
// consumed once the stream acknowledged the command.
func (k *Keeper) publish(ctx context.Context, cmd event.Event, stamp func(event.Header)) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	h := event.Header{CommandID: uuid.New(), Source: Source, Timestamp: k.cfg.Now().Unix()}
	stamp(h)
	partition := core.PartitionOf(cmd)
	seq := k.seqs[partition]
	h.Sequence = seq
	stamp(h)

	data, err := event.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.EventType(), err)
	}
	subject := ingestion.CommandSubject(cmd.EventType())

	var lastErr error
	for attempt := 1; attempt <= k.cfg.MaxAttempts; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, k.cfg.PublishTimeout)
		_, lastErr = k.js.Publish(pubCtx, subject, data, jetstream.WithMsgID(cmd.IdempotencyKey()))
		cancel()
		if lastErr == nil {
			k.seqs[partition] = seq + 1
			k.logger.Debug().
				Str("subject", subject).
				Str("partition", partition).
				Int64("sequence", seq).
				Msg("keeper command published")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		k.logger.Warn().Err(lastErr).Int("attempt", attempt).Str("subject", subject).Msg("keeper publish retry")
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrPublish, subject, k.cfg.MaxAttempts, lastErr)
}

// NextSequence is the sequence the next command on partition will carry
func (k *Keeper) NextSequence(partition string) int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.seqs[partition]
}

// PoolPartition names the keeper partition of a pool's commands
func PoolPartition(pool common.Address) string {
	return Source + "/pool:" + pool.Hex()
}

// GlobalPartition names the keeper partition of global commands
const GlobalPartition = Source + "/global"

// cronLogger routes scheduler logs to zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(fields(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(fields(keysAndValues)).Msg(msg)
}

func fields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = strconv.Itoa(i)
		}
		out[key] = kv[i+1]
	}
	return out
}
