package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSessionSource struct {
	stats    SessionStats
	failures []Failure
	err      error
}

func (s *stubSessionSource) Stats(context.Context) (SessionStats, error) {
	return s.stats, s.err
}

func (s *stubSessionSource) FailureSummaries(_ context.Context, limit int) ([]Failure, error) {
	if len(s.failures) > limit {
		return s.failures[:limit], nil
	}
	return s.failures, nil
}

type stubOutboxSource struct {
	stats OutboxStats
	err   error
}

func (s *stubOutboxSource) Stats(context.Context) (OutboxStats, error) {
	return s.stats, s.err
}

func TestNewAggregatorValidation(t *testing.T) {
	_, err := NewAggregator(nil, &stubOutboxSource{}, NewCounters(), zap.NewNop())
	assert.Error(t, err)
	_, err = NewAggregator(&stubSessionSource{}, nil, NewCounters(), zap.NewNop())
	assert.Error(t, err)
	_, err = NewAggregator(&stubSessionSource{}, &stubOutboxSource{}, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewAggregator(&stubSessionSource{}, &stubOutboxSource{}, NewCounters(), nil)
	assert.NoError(t, err)
}

func TestSnapshotProjection(t *testing.T) {
	next := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	sessions := &stubSessionSource{
		stats: SessionStats{Active: 3, Provisional: 1, Completed: 7, Failed: 2, FailedFinal: 1},
		failures: []Failure{
			{SessionID: "s1", Stage: "extracting", Reason: "timeout", RetryCount: 2},
		},
	}
	outboxSrc := &stubOutboxSource{
		stats: OutboxStats{Pending: 4, Processing: 1, DeadLetters: 2, NextAttemptAt: &next},
	}
	counters := NewCounters()
	counters.IncProcessed()
	counters.IncDeadLetter()
	counters.IncDegradation("stall")

	agg, err := NewAggregator(sessions, outboxSrc, counters, zap.NewNop())
	require.NoError(t, err)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, snap.ActiveSessions)
	assert.Equal(t, 1, snap.ProvisionalSessions)
	assert.Equal(t, 7, snap.CompletedSessions)
	assert.Equal(t, 2, snap.FailedSessions)
	assert.Equal(t, 1, snap.FailedFinalSessions)
	assert.Equal(t, 4, snap.PendingOutbox)
	assert.Equal(t, 1, snap.ProcessingOutbox)
	assert.Equal(t, 2, snap.DeadLetters)
	require.NotNil(t, snap.NextAttemptAt)
	assert.Equal(t, next, *snap.NextAttemptAt)
	require.Len(t, snap.RecentFailures, 1)
	assert.Equal(t, "s1", snap.RecentFailures[0].SessionID)
	assert.Equal(t, int64(1), snap.Counters.ProcessedTotal)
	assert.Equal(t, int64(1), snap.Counters.DegradationCauses["stall"])
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestSnapshotEmptyFailuresSerializable(t *testing.T) {
	agg, err := NewAggregator(&stubSessionSource{}, &stubOutboxSource{}, NewCounters(), zap.NewNop())
	require.NoError(t, err)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.RecentFailures)
	assert.Empty(t, snap.RecentFailures)
}

func TestSnapshotPropagatesSourceErrors(t *testing.T) {
	boom := errors.New("store unavailable")
	agg, err := NewAggregator(&stubSessionSource{err: boom}, &stubOutboxSource{}, NewCounters(), zap.NewNop())
	require.NoError(t, err)

	_, err = agg.Snapshot(context.Background())
	assert.ErrorIs(t, err, boom)
}
