package bridge

import (
	"context"

	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
)

// Engine forwards scheduler commands to the external audio engine.
type Engine struct {
	bus       *bus.Client
	sessionID string
}

func NewEngine(busClient *bus.Client, sessionID string) *Engine {
	return &Engine{bus: busClient, sessionID: sessionID}
}

func (e *Engine) Send(_ context.Context, cmd scheduler.Command) error {
	return e.bus.PublishJSON(protocol.SubjectAudioEngine, protocol.EngineCommand{
		SessionID: e.sessionID,
		Kind:      string(cmd.Kind),
		Voice:     string(cmd.Voice),
		Pitch:     cmd.Pitch,
		Volume:    cmd.Volume,
		Duration:  cmd.Duration,
		Ramp:      cmd.Ramp,
		Transport: string(cmd.Transport),
		Position:  cmd.Position,
		Muted:     cmd.Muted,
	})
}
