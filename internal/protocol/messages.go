package protocol

import (
	"encoding/json"
	"time"
)

// EngineCommand is an instruction for the external audio engine.
type EngineCommand struct {
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	Voice     string  `json:"voice,omitempty"`
	Pitch     float64 `json:"pitch,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Ramp      bool    `json:"ramp,omitempty"`
	Transport string  `json:"transport,omitempty"`
	Position  float64 `json:"position,omitempty"`
	Muted     bool    `json:"muted,omitempty"`
}

// SpeechRequest asks the speech service to read text aloud.
type SpeechRequest struct {
	SessionID   string  `json:"session_id"`
	UtteranceID string  `json:"utterance_id"`
	Text        string  `json:"text"`
	Rate        float64 `json:"rate,omitempty"`
	Voice       string  `json:"voice,omitempty"`
}

// SpeechAudio is one chunk of synthesized narration.
type SpeechAudio struct {
	SessionID   string `json:"session_id"`
	UtteranceID string `json:"utterance_id"`
	Sequence    int    `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// SpeechDone reports the end of an utterance.
type SpeechDone struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Audio control actions.
const (
	ActionPlay         = "play"
	ActionPause        = "pause"
	ActionToggle       = "toggle"
	ActionPlaybackMode = "playback_mode"
	ActionSetIndex     = "set_index"
	ActionStep         = "step"
	ActionMute         = "mute"
	ActionSpeechRate   = "speech_rate"
	ActionPlaybackRate = "playback_rate"
	ActionReadAxis     = "read_axis"
	ActionActivate     = "activate"
)

// AudioControl drives the audio session from an outside control surface.
type AudioControl struct {
	Action string  `json:"action"`
	Unit   string  `json:"unit,omitempty"`
	Mode   string  `json:"mode,omitempty"`
	Field  string  `json:"field,omitempty"`
	Index  int     `json:"index,omitempty"`
	Delta  int     `json:"delta,omitempty"`
	Value  float64 `json:"value,omitempty"`
	Flag   bool    `json:"flag,omitempty"`
}

// ChartSelection carries a selection store to or from the chart renderer.
type ChartSelection struct {
	Store json.RawMessage `json:"store"`
}

// AxisTicks reports the ticks the chart drew on one positional axis.
type AxisTicks struct {
	Axis  string    `json:"axis"`
	Ticks []float64 `json:"ticks"`
}

// TreePredicate carries a predicate to or from the accessible tree.
type TreePredicate struct {
	Predicate json.RawMessage `json:"predicate"`
}

// SelectionCommitted is published for observers after every commit.
type SelectionCommitted struct {
	Seq       uint64          `json:"seq"`
	Authority string          `json:"authority"`
	Predicate json.RawMessage `json:"predicate"`
	Timestamp time.Time       `json:"timestamp"`
}

// DescribeRequest asks for a prose description of the current selection.
type DescribeRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

// DescribeResponse answers a DescribeRequest.
type DescribeResponse struct {
	SessionID   string    `json:"session_id"`
	RequestID   string    `json:"request_id"`
	Description string    `json:"description"`
	Cached      bool      `json:"cached,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ModalityAnnouncement registers a renderer with the runtime.
type ModalityAnnouncement struct {
	ID       string            `json:"id"`
	Modality string            `json:"modality"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ModalityHeartbeat keeps a registered renderer alive.
type ModalityHeartbeat struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChartSelection = "umwelt.chart.selection"
	SubjectChartTicks     = "umwelt.chart.ticks"
	SubjectChartExternal  = "umwelt.chart.external"

	SubjectTreeFocus    = "umwelt.tree.focus"
	SubjectTreeFilter   = "umwelt.tree.filter"
	SubjectTreeExternal = "umwelt.tree.external"

	SubjectAudioControl = "umwelt.audio.control"
	SubjectAudioEngine  = "umwelt.audio.engine"

	SubjectSelectionCommitted = "umwelt.selection.committed"

	SubjectSpeechRequest = "umwelt.speech.request"
	SubjectSpeechAudio   = "umwelt.speech.audio"
	SubjectSpeechDone    = "umwelt.speech.done"

	SubjectDescribeRequest  = "umwelt.describe.request"
	SubjectDescribeResponse = "umwelt.describe.response"

	SubjectModalityAnnounce        = "ctrl.modality.announce"
	SubjectModalityHeartbeatPrefix = "ctrl.modality.heartbeat"
)
