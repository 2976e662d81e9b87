package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audit-core/internal/events"
)

func mustEvent(t *testing.T, corr string, seq int, typ events.Type, ts time.Time, payload any) events.AuditEvent {
	t.Helper()
	ev, err := events.New(corr, seq, "BTCUSDT", typ, ts, payload)
	require.NoError(t, err)
	return ev
}

func TestJournalPartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	d1 := time.Date(2026, 4, 30, 23, 59, 59, 0, time.UTC)
	d2 := d1.Add(2 * time.Second)
	batch := []events.AuditEvent{
		mustEvent(t, "c1", 1, events.TypeSignalGenerated, d1, events.SignalGenerated{Strategy: "ema"}),
		mustEvent(t, "c1", 2, events.TypeRiskChecked, d2, events.RiskChecked{OverallPass: true}),
		mustEvent(t, "c2", 1, events.TypeSignalGenerated, d1, events.SignalGenerated{Strategy: "rsi"}),
	}
	require.NoError(t, j.WriteBatch(context.Background(), batch))

	assert.FileExists(t, filepath.Join(dir, "20260430.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "20260501.jsonl"))

	days, err := j.Days()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-04-30", "2026-05-01"}, days)

	first, err := j.ReadDay("2026-04-30")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, batch[0].ID, first[0].ID)
	assert.Equal(t, batch[2].ID, first[1].ID)

	n, err := j.CountDay("2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)

	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.WriteBatch(context.Background(), []events.AuditEvent{
		mustEvent(t, "c1", 1, events.TypeSignalGenerated, ts, nil),
	}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.WriteBatch(context.Background(), []events.AuditEvent{
		mustEvent(t, "c1", 2, events.TypeDecision, ts.Add(time.Second), events.DecisionRecorded{Approved: true}),
	}))

	evs, err := j.ReadDay("2026-04-30")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, 1, evs[0].Seq)
	assert.Equal(t, 2, evs[1].Seq)
}

func TestJournalSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	ts := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.WriteBatch(context.Background(), []events.AuditEvent{
		mustEvent(t, "c1", 1, events.TypeSignalGenerated, ts, nil),
	}))

	f, err := os.OpenFile(filepath.Join(dir, "20260430.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"01J`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := j.CountDay("2026-04-30")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournalReadsLongLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	ts := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)
	small := mustEvent(t, "c1", 1, events.TypeSignalGenerated, ts, nil)
	big := small
	big.ID = "01JBIGPAYLOAD"
	big.Seq = 2
	big.Payload = json.RawMessage(`{"strategy":"` + strings.Repeat("x", 1100<<10) + `"}`)
	tail := mustEvent(t, "c1", 3, events.TypeDecision, ts, nil)
	require.NoError(t, j.WriteBatch(context.Background(), []events.AuditEvent{small, big, tail}))

	evs, err := j.ReadDay("2026-04-30")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, big.ID, evs[1].ID)
	assert.Len(t, evs[1].Payload, len(big.Payload))
	assert.Equal(t, tail.ID, evs[2].ID)
}

func TestJournalRejectsBadDay(t *testing.T) {
	j, err := OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	_, err = j.ReadDay("30/04/2026")
	assert.ErrorIs(t, err, ErrInvalidDate)

	evs, err := j.ReadDay("2020-01-01")
	require.NoError(t, err)
	assert.Empty(t, evs)
}
