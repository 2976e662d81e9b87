package reconciliation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audit-core/internal/events"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
)

type fixture struct {
	journal *persistence.Journal
	index   *persistence.Index
	day     string
	batch   []events.AuditEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	j, err := persistence.OpenJournal(filepath.Join(dir, "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	ix, err := persistence.OpenIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	var batch []events.AuditEvent
	for i := 0; i < 3; i++ {
		corr := fmt.Sprintf("corr-%d", i)
		ev, err := events.New(corr, 1, "BTCUSDT", events.TypeSignalGenerated, ts, events.SignalGenerated{Strategy: "breakout"})
		require.NoError(t, err)
		batch = append(batch, ev)
		ev, err = events.New(corr, 4, "BTCUSDT", events.TypeDecision, ts, events.DecisionRecorded{Approved: i%2 == 0})
		require.NoError(t, err)
		batch = append(batch, ev)
	}
	return &fixture{journal: j, index: ix, day: "2026-03-14", batch: batch}
}

func TestConsistentDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.journal.WriteBatch(ctx, f.batch))
	require.NoError(t, f.index.WriteBatch(ctx, f.batch))

	svc := NewService(f.journal, f.index, nil, "")
	r, err := svc.Reconcile(ctx, f.day)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Equal(t, 6, r.JournalCount)
	assert.Equal(t, 6, r.IndexCount)
	assert.Empty(t, r.MissingInIndex)
}

func TestRepairReplaysMissingEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.journal.WriteBatch(ctx, f.batch))
	require.NoError(t, f.index.WriteBatch(ctx, f.batch[:2]))

	svc := NewService(f.journal, f.index, nil, "")
	r, err := svc.Reconcile(ctx, f.day)
	require.NoError(t, err)
	assert.False(t, r.Consistent)
	assert.Len(t, r.MissingInIndex, 4)
	assert.Equal(t, 2, r.IndexCount)

	r, err = svc.Repair(ctx, f.day)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Equal(t, 4, r.Repaired)
	assert.Equal(t, 6, r.IndexCount)

	r, err = svc.Repair(ctx, f.day)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.Zero(t, r.Repaired)
}

func TestRunDayReportsMismatchThenRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.journal.WriteBatch(ctx, f.batch))

	bus := events.NewBus()
	faults, unsub := bus.Subscribe(events.TopicFault, 4)
	defer unsub()

	health := monitor.NewHealth(bus)
	svc := NewService(f.journal, f.index, health, "")
	r := svc.RunDay(ctx, f.day)

	assert.True(t, r.Consistent)
	assert.Equal(t, 6, r.Repaired)
	assert.Equal(t, uint64(1), health.Count(monitor.ReconciliationMismatch))
	assert.False(t, health.Degraded())

	select {
	case p := <-faults:
		fault, ok := p.(monitor.Fault)
		require.True(t, ok)
		assert.Equal(t, monitor.ReconciliationMismatch, fault.Kind)
		assert.Contains(t, fault.Message, "missing=6")
	default:
		t.Fatal("mismatch was not published")
	}

	last, ok := svc.LastReport(f.day)
	require.True(t, ok)
	assert.True(t, last.Consistent)
}

func TestMismatchLatchesWithoutAutoRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.journal.WriteBatch(ctx, f.batch))

	health := monitor.NewHealth(nil)
	svc := NewService(f.journal, f.index, health, "")
	svc.SetAutoRepair(false)

	r := svc.RunDay(ctx, f.day)
	assert.False(t, r.Consistent)
	assert.True(t, health.Degraded())

	// A clean day does not clear a mismatch still open on another day.
	svc.RunDay(ctx, "2026-03-15")
	assert.True(t, health.Degraded())

	require.NoError(t, f.index.WriteBatch(ctx, f.batch))
	r = svc.RunDay(ctx, f.day)
	assert.True(t, r.Consistent)
	assert.False(t, health.Degraded())
}

func TestReconcileRejectsBadDay(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.journal, f.index, nil, "")
	_, err := svc.Reconcile(context.Background(), "14/03/2026")
	assert.ErrorIs(t, err, persistence.ErrInvalidDate)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.journal, f.index, nil, "not a schedule")
	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a schedule")
}
