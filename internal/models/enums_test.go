package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnumsRejectUnknown(t *testing.T) {
	_, err := ParseEntityType("warehouse")
	require.ErrorIs(t, err, ErrInvalidEnum)

	_, err = ParseSourceType("EXTERNAL_SYSTEM")
	require.ErrorIs(t, err, ErrInvalidEnum)

	_, err = ParseEventStatus("")
	require.ErrorIs(t, err, ErrInvalidEnum)
}

func TestParseEnumsAcceptClosedSet(t *testing.T) {
	for _, e := range AllEntityTypes {
		got, err := ParseEntityType(string(e))
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	for _, s := range AllStatuses {
		got, err := ParseEventStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseSourceType("reconciliation")
	require.NoError(t, err)
	assert.Equal(t, SourceReconciliation, got)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]EventStatus{
		{StatusPending, StatusProcessing},
		{StatusRetry, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusFailed, StatusRetry},
		{StatusFailed, StatusDeadLetter},
	}
	for _, edge := range allowed {
		assert.Truef(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	for _, to := range AllStatuses {
		assert.Falsef(t, CanTransition(StatusDeadLetter, to), "dead_letter -> %s", to)
		assert.Falsef(t, CanTransition(StatusCompleted, to), "completed -> %s", to)
		assert.Falsef(t, CanTransition(to, StatusPending), "%s -> pending", to)
	}
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityFor(SourceManual))
	assert.Equal(t, PriorityNormal, PriorityFor(SourceExternalSystem))
	assert.Equal(t, PriorityLow, PriorityFor(SourceScheduled))
	assert.Equal(t, PriorityLow, PriorityFor(SourceReconciliation))
}

func TestBreakdownBacklog(t *testing.T) {
	b := Breakdown{ByStatus: map[EventStatus]int64{
		StatusPending: 3, StatusRetry: 2, StatusProcessing: 7,
	}}
	assert.EqualValues(t, 5, b.Backlog())
}
