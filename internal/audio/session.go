package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultEmitDelay    = 250 * time.Millisecond
	DefaultPlaybackRate = 1.0
	MinPlaybackRate     = 0.1
	MaxPlaybackRate     = 2.0
)

// Recorder appends session events to a timeline.
type Recorder interface {
	Record(ctx context.Context, actor, kind string, payload any) error
}

// Options configures a Session.
type Options struct {
	Clock        scheduler.Clock
	Speaker      scheduler.Speaker
	SpeechRate   float64
	PlaybackRate float64
	Unvoiced     bool
	// EmitDelay debounces position changes before they are offered as a
	// selection.
	EmitDelay time.Duration
	// OnSelection receives the predicate of the current position after the
	// user moves through the sequence. It is not called for moves caused by
	// an external filter.
	OnSelection func(predicate.Predicate)
	Recorder    Recorder
}

// Session owns the audio units of one document and the scheduler that plays
// the active unit.
type Session struct {
	gen         *sequence.Generator
	resolver    *domain.Resolver
	sched       *scheduler.Scheduler
	recorder    Recorder
	onSelection func(predicate.Predicate)
	emitDelay   time.Duration
	notesMade   metric.Int64Counter
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	fields    spec.Fields
	ds        *data.Dataset
	view      *data.Dataset
	filter    predicate.Predicate
	units     []*Unit
	active    int
	rate      float64
	mode      scheduler.Mode
	modeField string
	external  bool
	emitGen   uint64
	emitTimer *time.Timer

	pendingMu sync.Mutex
	pending   sequence.Indices
	pendingCh chan struct{}
}

// NewSession starts a session playing through engine.
func NewSession(parent context.Context, gen *sequence.Generator, resolver *domain.Resolver, engine scheduler.Engine, opts Options, log *slog.Logger) *Session {
	if opts.EmitDelay <= 0 {
		opts.EmitDelay = DefaultEmitDelay
	}
	if opts.PlaybackRate <= 0 {
		opts.PlaybackRate = DefaultPlaybackRate
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		gen:         gen,
		resolver:    resolver,
		recorder:    opts.Recorder,
		onSelection: opts.OnSelection,
		emitDelay:   opts.EmitDelay,
		logger:      log.With(slog.String("component", "audio")),
		ctx:         ctx,
		cancel:      cancel,
		rate:        clamp(opts.PlaybackRate, MinPlaybackRate, MaxPlaybackRate),
		mode:        scheduler.ModeBeginning,
		pendingCh:   make(chan struct{}, 1),
	}
	s.sched = scheduler.New(ctx, engine, scheduler.Options{
		Clock:      opts.Clock,
		Speaker:    opts.Speaker,
		OnIndices:  s.offerIndices,
		SpeechRate: opts.SpeechRate,
		Unvoiced:   opts.Unvoiced,
	}, log)

	counter, err := otel.Meter("github.com/loqalabs/loqa-umwelt/runtime").Int64Counter(
		"umwelt.sequence.notes",
		metric.WithDescription("Notes generated for audio units"),
	)
	if err != nil {
		s.logger.Warn("failed to create notes counter", slogError(err))
	} else {
		s.notesMade = counter
	}

	s.wg.Add(1)
	go s.drainIndices()
	return s
}

// Close stops playback and releases the scheduler.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	if s.emitTimer != nil {
		s.emitTimer.Stop()
	}
	s.emitGen++
	s.mu.Unlock()
	s.sched.Close()
	s.wg.Wait()
}

// Load installs a document and dataset. Positions reset to the start of every
// unit and an external filter that no longer fits the fields is dropped.
func (s *Session) Load(doc spec.Document, ds *data.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds == nil {
		ds = data.New(nil)
	}
	s.fields = doc.Fields
	s.ds = ds
	if s.filter != nil && predicate.Validate(s.filter, s.fields) != nil {
		s.logger.Warn("dropping filter on undeclared fields", slog.String("filter", predicate.Key(s.filter)))
		s.filter = nil
	}
	s.refreshView()

	playable := doc.Audio.Playable()
	s.units = make([]*Unit, 0, len(playable))
	for _, u := range playable {
		s.units = append(s.units, newUnit(u))
	}
	s.active = 0
	s.external = false
	s.rebuild(true)
	s.sched.Pause()
	s.loadActive()
}

// UpdateFields replaces the field list while keeping the units. Units that
// reference a removed field become stale and positions reset.
func (s *Session) UpdateFields(fields spec.Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = fields
	if s.filter != nil && predicate.Validate(s.filter, fields) != nil {
		s.filter = nil
		s.refreshView()
	}
	s.rebuild(true)
	s.sched.Pause()
	s.loadActive()
}

// ApplyFilter narrows every unit to the rows matching p, as selected in
// another modality. Positions are remapped, not reset, and the resulting
// position changes are not echoed back as a selection. A nil predicate or
// the empty selection clears the filter.
func (s *Session) ApplyFilter(p predicate.Predicate) {
	if predicate.IsEmptySelection(p) {
		p = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p != nil && s.fields != nil {
		p = predicate.Coerce(p, s.fields)
		if err := predicate.Validate(p, s.fields); err != nil {
			s.logger.Warn("ignoring filter", slogError(err))
			return
		}
	}
	s.filter = p
	s.external = true
	s.cancelEmit()
	s.refreshView()
	s.sched.PauseIfPlaying()
	s.sched.Externalize()
	s.rebuild(false)
	s.loadActive()
}

// Filter returns the external filter in effect.
func (s *Session) Filter() predicate.Predicate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// SetActive switches playback to the named unit.
func (s *Session) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.units {
		if u.Name() == name {
			if i != s.active {
				s.active = i
				s.sched.Pause()
				s.loadActive()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownUnit, name)
}

// Active returns the name of the unit being played.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.activeUnit(); u != nil {
		return u.Name()
	}
	return ""
}

// Notes returns a copy of the named unit's sequence.
func (s *Session) Notes(name string) ([]sequence.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.unit(name)
	if err != nil {
		return nil, err
	}
	return sequence.Clone(u.notes), u.err
}

// Indices returns the current position of the named unit.
func (s *Session) Indices(name string) (sequence.Indices, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.unit(name)
	if err != nil {
		return nil, err
	}
	return u.indices.Clone(), u.err
}

// Play starts playback of the active unit. field names the traversal level
// for ModeSubset. An empty mode plays the selected playback order.
func (s *Session) Play(mode scheduler.Mode, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == "" {
		mode, field = s.mode, s.modeField
	}
	u := s.activeUnit()
	if u == nil {
		return ErrNoUnits
	}
	if u.err != nil && u.notes == nil {
		s.logger.Warn("audio unit renders nothing", slog.String("unit", u.Name()), slogError(u.err))
		return u.err
	}
	s.external = false

	switch mode {
	case scheduler.ModeCurrent:
		s.sched.PlayCurrent(u.indices)
	case scheduler.ModeBeginning:
		s.sched.PlayFromBeginning()
	case scheduler.ModeOnward:
		s.sched.PlayOnward(u.indices)
	case scheduler.ModeSubset:
		idx, ok := u.indices[field]
		if !ok {
			return fmt.Errorf("subset field %q is not traversed by %s", field, u.Name())
		}
		sub := s.gen.Subsequence(u.notes, field, idx, u.Spec, u.domains, s.fields, s.view, s.rate)
		if len(sub) == 0 {
			return fmt.Errorf("subset %s=%d is empty", field, idx)
		}
		resumeAt := 0.0
		for _, n := range u.notes {
			if n.Indices[field] == idx {
				resumeAt = n.Elapsed
			}
		}
		s.sched.PlaySubset(sub, resumeAt)
	case scheduler.ModeCount:
		// How much of the whole dataset the external selection covers.
		rows := predicate.Filter(s.ds.Rows, s.filter)
		s.sched.PlayNote(sequence.CountNote(len(rows), s.ds.Len(), u.indices))
	default:
		return fmt.Errorf("unknown playback mode %q", mode)
	}
	s.record("audio.play", map[string]any{"unit": u.Name(), "mode": mode, "field": field, "indices": u.indices})
	return nil
}

// Toggle pauses when playing and otherwise plays the selected playback order.
func (s *Session) Toggle() error {
	if s.sched.PauseIfPlaying() {
		s.record("audio.pause", map[string]any{"unit": s.Active()})
		return nil
	}
	return s.Play("", "")
}

// SetPlaybackMode selects the playback order used by Toggle and by Play
// without a mode. field names the traversal level for ModeSubset.
func (s *Session) SetPlaybackMode(mode scheduler.Mode, field string) error {
	switch mode {
	case scheduler.ModeCurrent, scheduler.ModeBeginning, scheduler.ModeOnward, scheduler.ModeCount:
		field = ""
	case scheduler.ModeSubset:
		if field == "" {
			return errors.New("subset playback needs a field")
		}
	default:
		return fmt.Errorf("unknown playback mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode, s.modeField = mode, field
	return nil
}

// PlaybackMode returns the selected playback order and its subset field.
func (s *Session) PlaybackMode() (scheduler.Mode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.modeField
}

// Pause stops playback.
func (s *Session) Pause() {
	s.sched.Pause()
	s.record("audio.pause", map[string]any{"unit": s.Active()})
}

// SetIndex moves the active unit to index along field, sounds the note there
// and offers the new position as a selection.
func (s *Session) SetIndex(field string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.activeUnit()
	if u == nil {
		return ErrNoUnits
	}
	if u.err != nil && u.notes == nil {
		return u.err
	}
	d, ok := u.domains[field]
	if !ok {
		return fmt.Errorf("field %q is not traversed by %s", field, u.Name())
	}
	if index < 0 || index >= d.Len() {
		return fmt.Errorf("%w: %s=%d", ErrBadIndex, field, index)
	}
	u.indices[field] = index
	s.external = false
	s.sched.Interact()
	s.sched.PlayCurrent(u.indices)
	s.scheduleEmit()
	return nil
}

// Step moves delta entries along field, stopping at either end.
func (s *Session) Step(field string, delta int) error {
	s.mu.Lock()
	u := s.activeUnit()
	if u == nil {
		s.mu.Unlock()
		return ErrNoUnits
	}
	n := u.domains[field].Len()
	idx := min(max(u.indices[field]+delta, 0), max(n-1, 0))
	s.mu.Unlock()
	return s.SetIndex(field, idx)
}

// SetPlaybackRate changes the tempo, clamped to [0.1, 2], and regenerates
// every unit in place.
func (s *Session) SetPlaybackRate(rate float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = clamp(rate, MinPlaybackRate, MaxPlaybackRate)
	s.rebuild(false)
	s.loadActive()
	return s.rate
}

// Refresh regenerates every unit in place, keeping positions. The chart
// reporting new axis ticks is the usual cause.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuild(false)
	s.loadActive()
}

// PlaybackRate returns the current tempo multiplier.
func (s *Session) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SetMuted mutes the audio engine.
func (s *Session) SetMuted(muted bool) { s.sched.SetMuted(muted) }

// SetSpeechRate sets the narration rate.
func (s *Session) SetSpeechRate(rate float64) { s.sched.SetSpeechRate(rate) }

// SetReadAxis toggles narration.
func (s *Session) SetReadAxis(enabled bool) { s.sched.SetReadAxis(enabled) }

// State returns the scheduler state.
func (s *Session) State() scheduler.State { return s.sched.State() }

// Playing reports whether audio or narration is running.
func (s *Session) Playing() bool { return s.sched.Playing() }

func (s *Session) unit(name string) (*Unit, error) {
	for _, u := range s.units {
		if u.Name() == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
}

func (s *Session) activeUnit() *Unit {
	if s.active < 0 || s.active >= len(s.units) {
		return nil
	}
	return s.units[s.active]
}

func (s *Session) loadActive() {
	if u := s.activeUnit(); u != nil {
		s.sched.Load(u.notes)
		return
	}
	s.sched.Load(nil)
}

// refreshView derives the filtered dataset. Its identity is a function of
// the source identity and the filter, so equal filters share cache entries.
func (s *Session) refreshView() {
	if s.ds == nil {
		s.ds = data.New(nil)
	}
	if s.filter == nil {
		s.view = s.ds
		return
	}
	s.view = &data.Dataset{
		ID:   uuid.NewSHA1(s.ds.ID, []byte(predicate.Key(s.filter))),
		Rows: predicate.Filter(s.ds.Rows, s.filter),
	}
}

func (s *Session) rebuild(reset bool) {
	for _, u := range s.units {
		s.build(u, reset)
	}
}

// build regenerates one unit. A failed generation keeps the unit's last good
// sequence.
func (s *Session) build(u *Unit, reset bool) {
	if err := u.Stale(s.fields); err != nil {
		s.logger.Warn("audio unit is stale", slog.String("unit", u.Name()), slogError(err))
		u.domains, u.indices, u.notes, u.err = nil, nil, nil, err
		return
	}
	domains, empty, err := domainsFor(u.Spec, func(entry spec.TraversalEntry) (domain.FieldDomain, error) {
		return s.resolver.ForTraversal(entry, s.fields, s.view, nil)
	})
	if err != nil {
		s.logger.Warn("failed to resolve traversal domains", slog.String("unit", u.Name()), slogError(err))
		u.err = err
		return
	}
	if len(empty) > 0 {
		s.logger.Warn("audio unit has an empty domain", slog.String("unit", u.Name()), slog.Any("fields", empty))
	}

	var indices sequence.Indices
	if reset || u.indices == nil {
		indices = resetIndices(u.Spec.TraversalFields())
	} else {
		indices = Remap(u.indices, u.domains, domains, u.timeUnits(s.fields))
	}

	notes, err := s.gen.Generate(u.Spec, domains, s.fields, s.view, s.rate)
	if err != nil {
		s.logger.Warn("sequence generation failed", slog.String("unit", u.Name()), slogError(err))
		u.err = err
		return
	}
	u.domains, u.indices, u.notes, u.err = domains, indices, notes, nil
	if s.notesMade != nil {
		s.notesMade.Add(s.ctx, int64(len(notes)), metric.WithAttributes(attribute.String("unit", u.Name())))
	}
}

// offerIndices runs on the scheduler goroutine. Only the latest position is
// kept; drainIndices applies it under the session lock.
func (s *Session) offerIndices(ix sequence.Indices) {
	s.pendingMu.Lock()
	s.pending = ix
	s.pendingMu.Unlock()
	select {
	case s.pendingCh <- struct{}{}:
	default:
	}
}

func (s *Session) drainIndices() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pendingCh:
		}
		s.pendingMu.Lock()
		ix := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if ix == nil {
			continue
		}
		s.mu.Lock()
		if u := s.activeUnit(); u != nil && u.accepts(ix) && !u.indices.Equal(ix) {
			u.indices = ix
			s.scheduleEmit()
		}
		s.mu.Unlock()
	}
}

// scheduleEmit offers the current position as a selection once it has been
// stable for the emit delay. Caller holds s.mu.
func (s *Session) scheduleEmit() {
	if s.external || s.onSelection == nil {
		return
	}
	s.cancelEmit()
	gen := s.emitGen
	s.emitTimer = time.AfterFunc(s.emitDelay, func() {
		s.mu.Lock()
		if gen != s.emitGen || s.external {
			s.mu.Unlock()
			return
		}
		var p predicate.Predicate
		if u := s.activeUnit(); u != nil {
			p = u.Predicate()
		}
		emit := s.onSelection
		s.mu.Unlock()
		if p != nil {
			emit(p)
		}
	})
}

func (s *Session) cancelEmit() {
	s.emitGen++
	if s.emitTimer != nil {
		s.emitTimer.Stop()
		s.emitTimer = nil
	}
}

func (s *Session) record(kind string, payload any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(s.ctx, "audio", kind, payload); err != nil {
		s.logger.Warn("failed to record playback event", slog.String("kind", kind), slogError(err))
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
