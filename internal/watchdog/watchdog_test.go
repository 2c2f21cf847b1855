package watchdog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/session"
	"github.com/fernhealth/scribed/internal/storage"
)

type fakeAuditor struct {
	events   []string
	payloads []json.RawMessage
}

func (f *fakeAuditor) Enqueue(_ context.Context, eventType string, payload json.RawMessage) (*outbox.Item, error) {
	f.events = append(f.events, eventType)
	f.payloads = append(f.payloads, payload)
	return &outbox.Item{ID: "fake", EventType: eventType}, nil
}

type fixture struct {
	store    storage.Store
	sessions *session.Service
	watchdog *Watchdog
	auditor  *fakeAuditor
	counters *health.Counters
}

// setClock moves both the session service and the watchdog to the
// same instant.
func (f *fixture) setClock(now time.Time) {
	f.sessions.SetClock(func() time.Time { return now })
	f.watchdog.now = func() time.Time { return now }
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	counters := health.NewCounters()
	sessions, err := session.NewService(session.DefaultConfig(), store, counters, zap.NewNop())
	require.NoError(t, err)

	auditor := &fakeAuditor{}
	wd, err := New(cfg, sessions, auditor, counters, zap.NewNop())
	require.NoError(t, err)
	return &fixture{store: store, sessions: sessions, watchdog: wd, auditor: auditor, counters: counters}
}

func TestSweepRequeuesStalledSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	f.setClock(base)

	sess, err := f.sessions.CreateSession(ctx, "key-1", "Doe, Jane")
	require.NoError(t, err)
	_, err = f.sessions.AdvanceStatus(ctx, sess.SessionID, session.StatusPreflight, session.StatusRecording)
	require.NoError(t, err)

	// Recording stalls past its 120s threshold.
	f.setClock(base.Add(3 * time.Minute))
	require.NoError(t, f.watchdog.Sweep(ctx))

	require.Equal(t, []string{outbox.EventSLABreach}, f.auditor.events)
	var breach slaBreach
	require.NoError(t, json.Unmarshal(f.auditor.payloads[0], &breach))
	assert.Equal(t, sess.SessionID, breach.SessionID)
	assert.Equal(t, string(session.StatusRecording), breach.Stage)
	assert.Equal(t, int64(180000), breach.LatencyMS)
	assert.Equal(t, int64(120000), breach.ThresholdMS)

	assert.Equal(t, int64(1), f.counters.Totals().DegradationCauses["stall"])

	// Requeue refreshed updated_at: an immediate second sweep is a
	// no-op for the same stall window.
	require.NoError(t, f.watchdog.Sweep(ctx))
	assert.Len(t, f.auditor.events, 1)
}

func TestSweepFlagsForeignStage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallThresholds["hardening"] = 180 * time.Second
	f := newFixture(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	f.setClock(now)

	// A session parked in a stage this build does not model, written
	// as external pipeline code would leave it.
	row := map[string]any{
		"session_id": "sess-hardening",
		"status":     "hardening",
		"updated_at": now.Add(-200 * time.Second),
		"created_at": now.Add(-200 * time.Second),
	}
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	_, err = f.store.Insert(ctx, storage.CollectionSessions, "sess-hardening", raw)
	require.NoError(t, err)

	require.NoError(t, f.watchdog.Sweep(ctx))

	require.Equal(t, []string{outbox.EventSLABreach}, f.auditor.events)
	var breach slaBreach
	require.NoError(t, json.Unmarshal(f.auditor.payloads[0], &breach))
	assert.Equal(t, "hardening", breach.Stage)
	assert.Equal(t, int64(200000), breach.LatencyMS)
	assert.Equal(t, int64(180000), breach.ThresholdMS)

	// The session was pulled back onto a known stage.
	got, err := f.sessions.Get(ctx, "sess-hardening")
	require.NoError(t, err)
	assert.NotEqual(t, session.Status("hardening"), got.Status)
}

func TestThresholdFloorsClampMisconfiguration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallThresholds[string(session.StatusRecording)] = time.Second
	f := newFixture(t, cfg)

	assert.Equal(t, 30*time.Second, f.watchdog.thresholdFor(string(session.StatusRecording)))
	assert.Equal(t, 300*time.Second, f.watchdog.thresholdFor("unknown_stage"))
}

func TestSweepRequeuesDueFailedSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	f.setClock(base)

	sess, err := f.sessions.CreateSession(ctx, "key-2", "Roe, Sam")
	require.NoError(t, err)
	_, err = f.sessions.AdvanceStatus(ctx, sess.SessionID, session.StatusPreflight, session.StatusRecording)
	require.NoError(t, err)
	_, err = f.sessions.AdvanceStatus(ctx, sess.SessionID, session.StatusRecording, session.StatusFailed)
	require.NoError(t, err)

	// Before the backoff elapses nothing moves.
	require.NoError(t, f.watchdog.Sweep(ctx))
	got, err := f.sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)

	f.setClock(base.Add(2 * time.Minute))
	require.NoError(t, f.watchdog.Sweep(ctx))

	got, err = f.sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRecording, got.Status)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, int64(1), f.counters.Totals().RetriesScheduled)
	// Scheduled retries are not SLA breaches.
	assert.Empty(t, f.auditor.events)
}

func TestSweepPurgesExpiredSessions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	f.setClock(base)

	sess, err := f.sessions.CreateSession(ctx, "key-3", "Poe, Ada")
	require.NoError(t, err)

	f.setClock(base.Add(73 * time.Hour))
	require.NoError(t, f.watchdog.Sweep(ctx))

	require.Equal(t, []string{outbox.EventSessionPurged}, f.auditor.events)
	var purged sessionPurged
	require.NoError(t, json.Unmarshal(f.auditor.payloads[0], &purged))
	assert.Equal(t, sess.SessionID, purged.SessionID)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.watchdog.Start())
	assert.Error(t, f.watchdog.Start())

	f.watchdog.Stop()
	f.watchdog.Stop()

	require.NoError(t, f.watchdog.Start())
	f.watchdog.Stop()
}
