package backlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(t.TempDir(), ".forge")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_AppendAndRecords(t *testing.T) {
	h := newTestHistory(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, h.Append(IterationRecord{
		Number:        1,
		Timestamp:     now,
		Attempted:     []string{"feat-a"},
		PassedDelta:   1,
		PassedTotal:   1,
		TotalFeatures: 2,
		GateOK:        true,
		ContextChars:  1200,
		Notes:         "Iteration 1 passed on feat-a",
	}))
	require.NoError(t, h.Append(IterationRecord{
		Number: 2, Timestamp: now.Add(time.Minute), Attempted: []string{"feat-b"},
		PassedTotal: 1, TotalFeatures: 2, GateOK: true,
	}))

	records, err := h.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Number)
	assert.Equal(t, []string{"feat-a"}, records[0].Attempted)
	assert.True(t, records[0].GateOK)
	assert.Equal(t, 1200, records[0].ContextChars)
	assert.Equal(t, now, records[0].Timestamp)
	assert.Equal(t, 0, records[1].PassedDelta)
}

func TestHistory_DuplicateNumberRejected(t *testing.T) {
	h := newTestHistory(t)

	rec := IterationRecord{Number: 1, Timestamp: time.Now(), Attempted: []string{}}
	require.NoError(t, h.Append(rec))
	assert.Error(t, h.Append(rec))
}

func TestHistory_TailAndLastNumber(t *testing.T) {
	h := newTestHistory(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Append(IterationRecord{
			Number: i, Timestamp: time.Now(), Attempted: []string{}, GateOK: true,
		}))
	}

	tail, err := h.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 4, tail[0].Number)
	assert.Equal(t, 5, tail[1].Number)

	last, err := h.LastNumber()
	require.NoError(t, err)
	assert.Equal(t, 5, last)
}

func TestHistory_MarkStopAnnotatesRow(t *testing.T) {
	h := newTestHistory(t)

	require.NoError(t, h.Append(IterationRecord{
		Number: 1, Timestamp: time.Now(), Attempted: []string{"feat-a"}, GateOK: true,
	}))
	require.NoError(t, h.MarkStop(1, "all_features_passed"))

	records, err := h.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "all_features_passed", records[0].StopReason)
}

func TestHistory_EmptyLastNumberIsZero(t *testing.T) {
	h := newTestHistory(t)
	last, err := h.LastNumber()
	require.NoError(t, err)
	assert.Equal(t, 0, last)
}
