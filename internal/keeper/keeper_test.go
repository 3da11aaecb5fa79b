package keeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"
	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/keeper"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/projection"
	. "ProtectionLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

// fakeStream records publishes and fails the first failures of them
type fakeStream struct {
	mu       sync.Mutex
	msgs     []published
	attempts int
	failures int
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, errors.New("nats: no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: ingestion.CommandStream}, nil
}

func (f *fakeStream) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

// scenarioCore runs the funded pool scenario and returns the core with a
// projection store seeded from it
func scenarioCore(t *testing.T) (*core.ProtocolCore, *projection.Store) {
	t.Helper()
	c := core.NewProtocolCore(core.Config{Owner: Owner, DSMAddress: DSMAddress, Logger: zerolog.Nop()})
	for _, evt := range NewCommands().FundedPoolScenario() {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}
	store := projection.NewStore()
	store.Seed(c.Views(), c.GetSequence()-1)
	return c, store
}

func testConfig() keeper.Config {
	return keeper.Config{
		AssessSchedule: "@every 1h",
		AccrueSchedule: "@every 1h",
		PublishTimeout: time.Second,
		MaxAttempts:    2,
		Now:            func() time.Time { return time.Unix(StartTime+20*Day, 0) },
	}
}

// ============================================================================
// Test: Published commands
// ============================================================================

func TestKeeper_CommandsApplyToCore(t *testing.T) {
	c, store := scenarioCore(t)
	js := &fakeStream{}
	k, err := keeper.New(testConfig(), js, store, c.SequenceValidator().Partitions(), nil, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, k.AccruePremium(ctx))
	require.NoError(t, k.AssessStates(ctx))

	msgs := js.published()
	require.Len(t, msgs, 2)
	require.Equal(t, "protection.commands.accrue_premium", msgs[0].subject)
	require.Equal(t, "protection.commands.assess_states", msgs[1].subject)

	// the subscriber side: resolve the type from the subject and apply
	for i, m := range msgs {
		et := ingestion.EventTypeFromSubject(m.subject)
		evt, err := event.Decode(et, m.data)
		require.NoError(t, err)
		require.Equal(t, keeper.Source, evt.SequenceSource())
		require.Equal(t, int64(0), evt.SourceSequence())

		out, err := c.ProcessEvent(evt)
		require.NoError(t, err, "message %d", i)
		require.False(t, out.Envelope.Rejected)
	}

	require.Equal(t, int64(1), k.NextSequence(keeper.GlobalPartition))
	require.Equal(t, int64(1), k.NextSequence(keeper.PoolPartition(PoolAddress)))
	require.Equal(t, int64(1), c.SequenceValidator().GetExpectedSequence(keeper.GlobalPartition))
}

func TestKeeper_SeedsFromRecoveredSequences(t *testing.T) {
	_, store := scenarioCore(t)
	js := &fakeStream{}
	seqs := map[string]int64{
		"global":                    9,
		keeper.GlobalPartition:      4,
		"pool:" + PoolAddress.Hex(): 7,
	}
	k, err := keeper.New(testConfig(), js, store, seqs, nil, zerolog.Nop())
	require.NoError(t, err)

	require.Equal(t, int64(4), k.NextSequence(keeper.GlobalPartition))
	require.Equal(t, int64(0), k.NextSequence(keeper.PoolPartition(PoolAddress)))

	require.NoError(t, k.AssessStates(context.Background()))
	evt, err := event.Decode(event.EventTypeAssessStates, js.published()[0].data)
	require.NoError(t, err)
	require.Equal(t, int64(4), evt.SourceSequence())
	require.Equal(t, int64(5), k.NextSequence(keeper.GlobalPartition))
}

func TestKeeper_PublishRetries(t *testing.T) {
	_, store := scenarioCore(t)

	// one failure, then success within MaxAttempts
	js := &fakeStream{failures: 1}
	k, err := keeper.New(testConfig(), js, store, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, k.AssessStates(context.Background()))
	require.Equal(t, 2, js.attempts)
	require.Len(t, js.published(), 1)

	// never succeeds: the sequence is not consumed
	js = &fakeStream{failures: -1}
	k, err = keeper.New(testConfig(), js, store, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	err = k.AssessStates(context.Background())
	require.ErrorIs(t, err, keeper.ErrPublish)
	require.Equal(t, 2, js.attempts)
	require.Equal(t, int64(0), k.NextSequence(keeper.GlobalPartition))
}

func TestKeeper_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.AccrueSchedule = "every hour"
	_, err := keeper.New(cfg, &fakeStream{}, projection.NewStore(), nil, nil, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "accrue schedule")
}

// ============================================================================
// Test: Scheduler
// ============================================================================

func TestKeeper_RunFiresJobs(t *testing.T) {
	_, store := scenarioCore(t)
	js := &fakeStream{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := testConfig()
	cfg.AssessSchedule = "@every 1s"
	k, err := keeper.New(cfg, js, store, nil, metrics, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(keeper.JobAssess, "ok")) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop")
	}
	require.NotEmpty(t, js.published())
	require.Zero(t, testutil.ToFloat64(metrics.KeeperRuns.WithLabelValues(keeper.JobAccrue, "ok")))
}
