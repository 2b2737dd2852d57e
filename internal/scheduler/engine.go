package scheduler

import "context"

// CommandKind names an audio engine operation.
type CommandKind string

const (
	CmdAttack        CommandKind = "attack"
	CmdAttackRelease CommandKind = "attack_release"
	CmdUpdate        CommandKind = "update"
	CmdRelease       CommandKind = "release"
	CmdTransport     CommandKind = "transport"
	CmdMute          CommandKind = "mute"
)

// Voice is one of the engine's two sound sources.
type Voice string

const (
	VoiceTone  Voice = "tone"
	VoiceNoise Voice = "noise"
)

// TransportState is the transport action of a CmdTransport command.
type TransportState string

const (
	TransportStart TransportState = "start"
	TransportPause TransportState = "pause"
	TransportStop  TransportState = "stop"
)

// Command is a single instruction to the external audio engine. Pitch is a
// MIDI note number, volume is in decibels and times are in seconds.
type Command struct {
	Kind      CommandKind    `json:"kind"`
	Voice     Voice          `json:"voice,omitempty"`
	Pitch     float64        `json:"pitch,omitempty"`
	Volume    float64        `json:"volume,omitempty"`
	Duration  float64        `json:"duration,omitempty"`
	Ramp      bool           `json:"ramp,omitempty"`
	Transport TransportState `json:"transport,omitempty"`
	Position  float64        `json:"position,omitempty"`
	Muted     bool           `json:"muted,omitempty"`
}

// Engine renders commands as sound.
type Engine interface {
	Send(ctx context.Context, cmd Command) error
}

// NoopEngine discards every command.
type NoopEngine struct{}

func (NoopEngine) Send(context.Context, Command) error { return nil }

// Speaker reads narration aloud. Speak blocks until the utterance finishes or
// ctx is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string, rate float64) error
}

// SilentSpeaker completes every utterance immediately.
type SilentSpeaker struct{}

func (SilentSpeaker) Speak(ctx context.Context, _ string, _ float64) error { return ctx.Err() }
