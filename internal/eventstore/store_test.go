package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	tl, err := NewTimeline(ctx, es, "chart")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if err := tl.Record(ctx, "chart", "selection.commit", map[string]int{"seq": 1}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := tl.Events(ctx, "", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "gdp"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Actor: "audio", Kind: "audio.play", Payload: []byte(`{"mode":"beginning"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, "", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != `{"mode":"beginning"}` || events[0].Actor != "audio" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if err := es.AppendEvent(context.Background(), Event{Kind: "audio.play"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestTimelineRecordsInOrder(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	es.clock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	tl, err := NewTimeline(ctx, es, "gdp")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if tl.SessionID() == "" {
		t.Fatalf("expected generated session id")
	}
	steps := []struct{ actor, kind string }{
		{"chart", "selection.commit"},
		{"audio", "audio.play"},
		{"tree-filter", "selection.commit"},
	}
	for i, step := range steps {
		if err := tl.Record(ctx, step.actor, step.kind, map[string]int{"step": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := tl.Events(ctx, "", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i, e := range all {
		if e.Actor != steps[i].actor {
			t.Fatalf("event %d: expected actor %s, got %s", i, steps[i].actor, e.Actor)
		}
	}

	commits, err := tl.Events(ctx, "selection.commit", 10)
	if err != nil {
		t.Fatalf("events by kind: %v", err)
	}
	if len(commits) != 2 || commits[1].Actor != "tree-filter" {
		t.Fatalf("unexpected commits: %+v", commits)
	}
}

func TestRecordRejectsUnencodablePayload(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	tl, err := NewTimeline(ctx, es, "gdp")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if err := tl.Record(ctx, "audio", "audio.play", make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "gdp"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Kind: "selection.commit"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "gdp"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	stats, err := es.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stats.Events != 1 || stats.Sessions != 1 {
		t.Fatalf("unexpected prune stats: %+v", stats)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", "", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestListSessionsCountsEvents(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	es.clock = func() time.Time { return time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC) }
	first, err := NewTimeline(ctx, es, "gdp.yaml")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := first.Record(ctx, "audio", "audio.play", nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	es.clock = func() time.Time { return time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC) }
	second, err := NewTimeline(ctx, es, "stocks.yaml")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != second.SessionID() || sessions[0].Events != 0 || sessions[0].SpecName != "stocks.yaml" {
		t.Fatalf("unexpected newest session: %+v", sessions[0])
	}
	if sessions[1].ID != first.SessionID() || sessions[1].Events != 2 {
		t.Fatalf("unexpected oldest session: %+v", sessions[1])
	}
}
