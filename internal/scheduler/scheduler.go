// Package scheduler plays note sequences against an external audio engine.
// All transport, voice and speech state is owned by a single goroutine that
// processes commands in order; timer and speech callbacks carry generation
// numbers and are dropped once superseded.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the playback mode of the scheduler.
type State string

const (
	StateIdle        State = "idle"
	StateInteraction State = "interaction"
	StateSequence    State = "sequence"
	StateExternal    State = "externally-driven"
)

// Mode selects what Play sounds.
type Mode string

const (
	ModeCurrent   Mode = "current"
	ModeBeginning Mode = "beginning"
	ModeOnward    Mode = "onward"
	ModeSubset    Mode = "subset"
	ModeCount     Mode = "count"
)

const (
	emptyNoiseDuration = 0.5
	positionEpsilon    = 1e-6
	queueSize          = 256
	shutdownTimeout    = time.Second

	DefaultSpeechRate = 3.5
	MinSpeechRate     = 0.1
	MaxSpeechRate     = 10
)

type eventKind int

const (
	evNote eventKind = iota
	evRelease
	evEnd
	evEmpty
)

type event struct {
	at   float64
	kind eventKind
	note int
}

// buildEvents lays notes out on the transport. Each note sounds at its start;
// notes followed by a pause release the voices when they end and the last
// note ends the sequence. An empty sequence plays a short noise burst.
func buildEvents(notes []sequence.Note) []event {
	if len(notes) == 0 {
		return []event{{at: 0, kind: evEmpty}, {at: emptyNoiseDuration, kind: evEnd}}
	}
	events := make([]event, 0, len(notes)*2)
	for i, n := range notes {
		events = append(events, event{at: n.Elapsed, kind: evNote, note: i})
		switch {
		case i == len(notes)-1:
			events = append(events, event{at: n.End(), kind: evEnd, note: i})
		case n.PauseAfter > 0:
			events = append(events, event{at: n.End(), kind: evRelease, note: i})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })
	return events
}

// firstEvent returns the index of the first event at or after pos, or
// strictly after it when events at pos already fired.
func firstEvent(events []event, pos float64, strict bool) int {
	return sort.Search(len(events), func(i int) bool {
		if strict {
			return events[i].at > pos+positionEpsilon
		}
		return events[i].at >= pos-positionEpsilon
	})
}

// Options configures a Scheduler.
type Options struct {
	Clock   Clock
	Speaker Speaker
	// OnIndices is called on the scheduler goroutine whenever a sequence note
	// sounds. It must not call back into the Scheduler.
	OnIndices  func(sequence.Indices)
	SpeechRate float64
	// Unvoiced disables narration.
	Unvoiced bool
}

type splice struct {
	notes    []sequence.Note
	position float64
}

// Scheduler owns the transport clock and the two voices of one audio
// engine. A closed Scheduler ignores every call.
type Scheduler struct {
	engine    Engine
	speaker   Speaker
	clock     Clock
	onIndices func(sequence.Indices)
	logger    *slog.Logger
	commands  metric.Int64Counter

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	state      State
	notes      []sequence.Note
	events     []event
	cursor     int
	fired      bool
	running    bool
	base       float64
	startedAt  time.Time
	timer      Timer
	timerGen   uint64
	cmdGen     uint64
	speechGen  uint64
	speaking   bool
	stopSpeech context.CancelFunc
	voices     map[Voice]bool
	muted      bool
	readAxis   bool
	speechRate float64
	splice     *splice
}

// New starts a scheduler driving engine.
func New(parent context.Context, engine Engine, opts Options, log *slog.Logger) *Scheduler {
	if engine == nil {
		engine = NoopEngine{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Speaker == nil {
		opts.Speaker = SilentSpeaker{}
	}
	if opts.SpeechRate <= 0 {
		opts.SpeechRate = DefaultSpeechRate
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		engine:     engine,
		speaker:    opts.Speaker,
		clock:      opts.Clock,
		onIndices:  opts.OnIndices,
		logger:     log.With(slog.String("component", "scheduler")),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan func(), queueSize),
		done:       make(chan struct{}),
		state:      StateIdle,
		voices:     map[Voice]bool{},
		readAxis:   !opts.Unvoiced,
		speechRate: clamp(opts.SpeechRate, MinSpeechRate, MaxSpeechRate),
	}
	s.events = buildEvents(nil)
	counter, err := otel.Meter("github.com/loqalabs/loqa-umwelt/runtime").Int64Counter(
		"umwelt.playback.commands",
		metric.WithDescription("Playback commands issued to the scheduler"),
	)
	if err != nil {
		s.logger.Warn("failed to create playback counter", slogError(err))
	} else {
		s.commands = counter
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Scheduler) shutdown() {
	s.invalidateTimer()
	s.cancelSpeech()
	s.running = false
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, cmd := range []Command{
		{Kind: CmdRelease, Voice: VoiceTone},
		{Kind: CmdRelease, Voice: VoiceNoise},
		{Kind: CmdTransport, Transport: TransportStop},
	} {
		if err := s.engine.Send(ctx, cmd); err != nil {
			s.logger.Warn("failed to release audio engine", slogError(err))
		}
	}
}

// Close stops playback and releases the engine.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.wg.Wait()
	})
}

func (s *Scheduler) post(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.queue <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Scheduler) call(fn func()) bool {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

// Load installs a regenerated sequence. The transport keeps its position and
// events that already fired are not fired again.
func (s *Scheduler) Load(notes []sequence.Note) {
	notes = sequence.Clone(notes)
	s.call(func() {
		if s.splice != nil {
			s.splice.notes = notes
			return
		}
		pos := s.position()
		s.notes = notes
		s.events = buildEvents(notes)
		s.cursor = firstEvent(s.events, pos, s.fired)
		if s.running {
			s.schedule()
		}
	})
}

// PlayCurrent sounds the note at indices once.
func (s *Scheduler) PlayCurrent(indices sequence.Indices) {
	indices = indices.Clone()
	s.call(func() {
		s.record(ModeCurrent)
		s.beforePlay(indices)
		if i := sequence.Find(s.notes, indices); i >= 0 {
			s.trigger(s.notes[i], true)
		}
	})
}

// PlayFromBeginning plays the whole sequence from its first note.
func (s *Scheduler) PlayFromBeginning() {
	s.call(func() {
		s.record(ModeBeginning)
		s.beforePlay(nil)
		s.state = StateSequence
		s.seek(0)
		s.start()
	})
}

// PlayOnward plays from the note at indices to the end. A sequence that has
// already run past its last note, with nothing sounding, restarts from the top.
func (s *Scheduler) PlayOnward(indices sequence.Indices) {
	indices = indices.Clone()
	s.call(func() {
		s.record(ModeOnward)
		past := len(s.notes) > 0 && !s.running && !s.speaking &&
			s.position() > s.notes[len(s.notes)-1].Elapsed+positionEpsilon
		s.beforePlay(indices)
		s.state = StateSequence
		if past {
			s.seek(0)
		}
		s.start()
	})
}

// PlaySubset temporarily replaces the sequence with sub. When sub finishes the
// full sequence is restored, parked at resumeAt, and playback pauses.
func (s *Scheduler) PlaySubset(sub []sequence.Note, resumeAt float64) {
	sub = sequence.Clone(sub)
	s.call(func() {
		s.record(ModeSubset)
		s.beforePlay(nil)
		if len(sub) == 0 {
			return
		}
		full := s.notes
		s.loadTransport(sub)
		s.splice = &splice{notes: full, position: resumeAt}
		s.state = StateSequence
		s.seek(0)
		s.start()
	})
}

// PlayNote sounds a single one-shot note, such as a count summary.
func (s *Scheduler) PlayNote(note sequence.Note) {
	note = note.Clone()
	s.call(func() {
		s.record(ModeCount)
		s.beforePlay(note.Indices)
		s.trigger(note, true)
	})
}

// Pause stops the transport, releases both voices and cancels narration.
func (s *Scheduler) Pause() {
	s.call(s.pause)
}

// PauseIfPlaying pauses when the transport is running or narration is being
// spoken, and reports whether it did.
func (s *Scheduler) PauseIfPlaying() bool {
	var paused bool
	s.call(func() {
		if s.running || s.speaking {
			s.pause()
			paused = true
		}
	})
	return paused
}

// Interact marks the user as scrubbing by hand. The transport pauses and
// notes no longer autoplay.
func (s *Scheduler) Interact() {
	s.call(func() {
		s.state = StateInteraction
		s.pauseTransport()
	})
}

// Externalize marks index changes as driven by another modality.
func (s *Scheduler) Externalize() {
	s.call(func() { s.state = StateExternal })
}

// State returns the current playback state.
func (s *Scheduler) State() State {
	st := StateIdle
	s.call(func() { st = s.state })
	return st
}

// Playing reports whether the transport is running or narration is in progress.
func (s *Scheduler) Playing() bool {
	var playing bool
	s.call(func() { playing = s.running || s.speaking })
	return playing
}

// Position returns the transport position in seconds.
func (s *Scheduler) Position() float64 {
	var pos float64
	s.call(func() { pos = s.position() })
	return pos
}

// SetMuted mutes the engine. Narration is skipped while muted.
func (s *Scheduler) SetMuted(muted bool) {
	s.call(func() {
		s.muted = muted
		s.send(Command{Kind: CmdMute, Muted: muted})
	})
}

// SetSpeechRate sets the narration rate multiplier, clamped to [0.1, 10].
func (s *Scheduler) SetSpeechRate(rate float64) {
	s.call(func() { s.speechRate = clamp(rate, MinSpeechRate, MaxSpeechRate) })
}

// SetReadAxis enables or disables narration.
func (s *Scheduler) SetReadAxis(enabled bool) {
	s.call(func() { s.readAxis = enabled })
}

func (s *Scheduler) record(mode Mode) {
	if s.commands != nil {
		s.commands.Add(s.ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}
}

// beforePlay resets the transport to the loaded sequence, parked on the note
// at indices or at the start. Any pending narration callback is invalidated.
func (s *Scheduler) beforePlay(indices sequence.Indices) {
	s.cmdGen++
	s.cancelSpeech()
	if s.splice != nil {
		s.notes = s.splice.notes
		s.splice = nil
	}
	s.loadTransport(s.notes)
	pos := 0.0
	if indices != nil {
		if i := sequence.Find(s.notes, indices); i >= 0 {
			pos = s.notes[i].Elapsed
		}
	}
	s.seek(pos)
}

func (s *Scheduler) pause() {
	s.cmdGen++
	s.state = StateInteraction
	s.pauseTransport()
	s.releaseVoices()
	s.cancelSpeech()
}

func (s *Scheduler) loadTransport(notes []sequence.Note) {
	s.invalidateTimer()
	s.running = false
	s.base = 0
	s.send(Command{Kind: CmdTransport, Transport: TransportStop})
	s.releaseVoices()
	s.notes = notes
	s.events = buildEvents(notes)
	s.cursor = 0
	s.fired = false
}

func (s *Scheduler) position() float64 {
	if !s.running {
		return s.base
	}
	return s.base + s.clock.Now().Sub(s.startedAt).Seconds()
}

func (s *Scheduler) seek(pos float64) {
	s.base = pos
	s.cursor = firstEvent(s.events, pos, false)
	s.fired = false
	if s.running {
		s.startedAt = s.clock.Now()
		s.schedule()
	}
}

func (s *Scheduler) start() {
	if s.running {
		return
	}
	s.running = true
	s.startedAt = s.clock.Now()
	s.send(Command{Kind: CmdTransport, Transport: TransportStart, Position: s.base})
	s.schedule()
}

func (s *Scheduler) pauseTransport() {
	if !s.running {
		return
	}
	s.base = s.position()
	s.running = false
	s.invalidateTimer()
	s.send(Command{Kind: CmdTransport, Transport: TransportPause, Position: s.base})
}

func (s *Scheduler) invalidateTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) schedule() {
	s.invalidateTimer()
	if !s.running || s.cursor >= len(s.events) {
		return
	}
	delay := max(s.events[s.cursor].at-s.position(), 0)
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(toDuration(delay), func() {
		s.post(func() {
			if gen != s.timerGen {
				return
			}
			s.timer = nil
			s.advance()
		})
	})
}

func (s *Scheduler) advance() {
	for s.running && s.cursor < len(s.events) && s.events[s.cursor].at <= s.position()+positionEpsilon {
		ev := s.events[s.cursor]
		s.cursor++
		s.fired = true
		s.fire(ev)
	}
	s.schedule()
}

func (s *Scheduler) fire(ev event) {
	switch ev.kind {
	case evEmpty:
		if s.state == StateSequence {
			s.trigger(sequence.Note{Noise: true, Duration: emptyNoiseDuration}, true)
		}
	case evNote:
		if s.state != StateSequence {
			return
		}
		note := s.notes[ev.note]
		if note.SpeakBefore != "" && s.readAxis && !s.muted {
			s.pauseTransport()
			s.emitIndices(note.Indices)
			s.releaseVoices()
			s.speak(note)
			return
		}
		s.trigger(note, false)
		s.emitIndices(note.Indices)
	case evRelease:
		s.releaseVoices()
	case evEnd:
		if sp := s.splice; sp != nil {
			s.splice = nil
			s.loadTransport(sp.notes)
			s.seek(sp.position)
		}
		s.pause()
	}
}

func (s *Scheduler) speak(note sequence.Note) {
	s.cancelSpeech()
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopSpeech = cancel
	s.speaking = true
	gen, cmd := s.speechGen, s.cmdGen
	text, rate := note.SpeakBefore, s.speechRate
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.speaker.Speak(ctx, text, rate)
		s.post(func() { s.speechDone(gen, cmd, note, err) })
	}()
}

// speechDone resumes the transport and sounds the narrated note, unless the
// utterance was superseded or a newer command has been issued since.
func (s *Scheduler) speechDone(gen, cmd uint64, note sequence.Note, err error) {
	if gen != s.speechGen {
		return
	}
	s.speaking = false
	if s.stopSpeech != nil {
		s.stopSpeech()
		s.stopSpeech = nil
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		s.logger.Warn("narration failed", slogError(err))
	}
	if cmd != s.cmdGen || s.state != StateSequence {
		return
	}
	if i := sequence.Find(s.notes, note.Indices); i >= 0 {
		note = s.notes[i]
	}
	s.start()
	s.trigger(note, false)
	s.emitIndices(note.Indices)
}

func (s *Scheduler) cancelSpeech() {
	s.speechGen++
	s.speaking = false
	if s.stopSpeech != nil {
		s.stopSpeech()
		s.stopSpeech = nil
	}
}

// trigger sounds note on its voice after silencing the other one. A voice
// that is already sustaining glides or jumps to the new parameters.
func (s *Scheduler) trigger(note sequence.Note, withRelease bool) {
	voice, other := VoiceTone, VoiceNoise
	if note.Noise {
		voice, other = VoiceNoise, VoiceTone
	}
	s.send(Command{Kind: CmdRelease, Voice: other})
	s.voices[other] = false

	cmd := Command{Voice: voice, Pitch: note.Pitch, Volume: note.Volume, Duration: note.Duration, Ramp: note.Ramp}
	switch {
	case s.voices[voice]:
		cmd.Kind = CmdUpdate
		cmd.Duration = 0
	case withRelease:
		cmd.Kind = CmdAttackRelease
	default:
		cmd.Kind = CmdAttack
		s.voices[voice] = true
	}
	s.send(cmd)
}

func (s *Scheduler) releaseVoices() {
	for _, v := range []Voice{VoiceTone, VoiceNoise} {
		s.send(Command{Kind: CmdRelease, Voice: v})
		s.voices[v] = false
	}
}

func (s *Scheduler) emitIndices(ix sequence.Indices) {
	if s.onIndices != nil {
		s.onIndices(ix.Clone())
	}
}

func (s *Scheduler) send(cmd Command) {
	if err := s.engine.Send(s.ctx, cmd); err != nil {
		s.logger.Warn("audio engine command failed", slog.String("kind", string(cmd.Kind)), slogError(err))
	}
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
