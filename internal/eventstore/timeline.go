package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Timeline appends events to a single session. It satisfies the recorder
// interfaces of the selection controller and the audio session.
type Timeline struct {
	store     *Store
	sessionID string
}

// NewTimeline registers a fresh session for specName and returns its
// timeline.
func NewTimeline(ctx context.Context, store *Store, specName string) (*Timeline, error) {
	id := uuid.NewString()
	if err := store.AppendSession(ctx, id, specName); err != nil {
		return nil, err
	}
	return &Timeline{store: store, sessionID: id}, nil
}

// SessionID identifies the session the timeline writes to.
func (t *Timeline) SessionID() string { return t.sessionID }

// Record marshals payload to JSON and appends it as a kind event by actor.
func (t *Timeline) Record(ctx context.Context, actor, kind string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return t.store.AppendEvent(ctx, Event{SessionID: t.sessionID, Actor: actor, Kind: kind, Payload: raw})
}

// Events lists the session's events, optionally restricted to one kind.
func (t *Timeline) Events(ctx context.Context, kind string, limit int) ([]Event, error) {
	return t.store.ListSessionEvents(ctx, t.sessionID, kind, limit)
}
