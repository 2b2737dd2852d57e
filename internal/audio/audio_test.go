package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineLog struct {
	mu   sync.Mutex
	cmds []scheduler.Command
}

func (e *engineLog) Send(_ context.Context, cmd scheduler.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	return nil
}

func (e *engineLog) last(kind scheduler.CommandKind) (scheduler.Command, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.cmds) - 1; i >= 0; i-- {
		if e.cmds[i].Kind == kind {
			return e.cmds[i], true
		}
	}
	return scheduler.Command{}, false
}

type recorderLog struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorderLog) Record(_ context.Context, actor, kind string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, actor+":"+kind)
	return nil
}

type selections struct {
	mu  sync.Mutex
	all []predicate.Predicate
}

func (s *selections) add(p predicate.Predicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, p)
}

func (s *selections) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func (s *selections) last() predicate.Predicate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return nil
	}
	return s.all[len(s.all)-1]
}

var testFields = spec.Fields{
	{Name: "year", Type: spec.Quantitative},
	{Name: "country", Type: spec.Nominal},
	{Name: "gdp", Type: spec.Quantitative},
}

func testDoc(fields spec.Fields) spec.Document {
	return spec.Document{
		Fields: fields,
		Audio: spec.AudioSpec{Units: []spec.AudioUnitSpec{
			{
				Name:      "trend",
				Encoding:  map[spec.AudioProperty]spec.EncodingFieldDef{spec.Pitch: {Field: "gdp"}},
				Traversal: []spec.TraversalEntry{{Field: "year"}, {Field: "country"}},
			},
			{
				Name:      "totals",
				Encoding:  map[spec.AudioProperty]spec.EncodingFieldDef{spec.Volume: {Field: "year", Aggregate: spec.AggregateCount}},
				Traversal: []spec.TraversalEntry{{Field: "country"}},
			},
		}},
	}
}

func testData() *data.Dataset {
	var rows []data.Row
	for y := 2000; y <= 2004; y++ {
		for i, c := range []string{"USA", "France"} {
			rows = append(rows, data.Row{"year": float64(y), "country": c, "gdp": float64((y-2000)*10 + i)})
		}
	}
	return data.New(rows)
}

type fixture struct {
	session *Session
	clock   *scheduler.FakeClock
	engine  *engineLog
	emitted *selections
	records *recorderLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	resolver, err := domain.NewResolver(64)
	require.NoError(t, err)
	f := &fixture{
		clock:   scheduler.NewFakeClock(time.Unix(0, 0)),
		engine:  &engineLog{},
		emitted: &selections{},
		records: &recorderLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.session = NewSession(context.Background(), sequence.NewGenerator(resolver, sequence.DefaultOptions()), resolver, f.engine, Options{
		Clock:       f.clock,
		Unvoiced:    true,
		EmitDelay:   10 * time.Millisecond,
		OnSelection: f.emitted.add,
		Recorder:    f.records,
	}, logger)
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) step(d time.Duration) {
	f.clock.Advance(d)
	f.session.State()
}

func TestLoadGeneratesActiveUnit(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())

	assert.Equal(t, "trend", f.session.Active())
	notes, err := f.session.Notes("trend")
	require.NoError(t, err)
	require.Len(t, notes, 10)
	assert.Equal(t, sequence.Indices{"year": 0, "country": 0}, notes[0].Indices)

	totals, err := f.session.Notes("totals")
	require.NoError(t, err)
	assert.Len(t, totals, 2)

	_, err = f.session.Notes("missing")
	assert.ErrorIs(t, err, ErrUnknownUnit)
	assert.ErrorIs(t, f.session.SetActive("missing"), ErrUnknownUnit)
}

func TestApplyFilterRemapsIndices(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.SetIndex("year", 3))

	f.session.ApplyFilter(predicate.Range("year", 2002.0, 2004.0, true))
	ix, err := f.session.Indices("trend")
	require.NoError(t, err)
	assert.Equal(t, sequence.Indices{"year": 1, "country": 0}, ix)
	assert.Equal(t, scheduler.StateExternal, f.session.State())
	notes, _ := f.session.Notes("trend")
	assert.Len(t, notes, 6)

	f.session.ApplyFilter(predicate.OneOf("year", 2000.0, 2001.0))
	ix, _ = f.session.Indices("trend")
	assert.Equal(t, 0, ix["year"])

	f.session.ApplyFilter(predicate.And{})
	assert.Nil(t, f.session.Filter())
	notes, _ = f.session.Notes("trend")
	assert.Len(t, notes, 10)
}

func TestSetIndexEmitsSelection(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.SetIndex("year", 2))

	require.Eventually(t, func() bool { return f.emitted.len() == 1 }, time.Second, 5*time.Millisecond)
	want := predicate.And{predicate.Equal("year", 2002.0), predicate.Equal("country", "France")}
	assert.Equal(t, predicate.Key(want), predicate.Key(f.emitted.last()))

	oneShot, ok := f.engine.last(scheduler.CmdAttackRelease)
	require.True(t, ok)
	assert.Equal(t, scheduler.VoiceTone, oneShot.Voice)
	assert.Equal(t, scheduler.StateInteraction, f.session.State())
}

func TestSetIndexBounds(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	assert.ErrorIs(t, f.session.SetIndex("year", 5), ErrBadIndex)
	assert.Error(t, f.session.SetIndex("gdp", 0))

	require.NoError(t, f.session.Step("year", 10))
	ix, _ := f.session.Indices("trend")
	assert.Equal(t, 4, ix["year"])
	require.NoError(t, f.session.Step("year", -1))
	ix, _ = f.session.Indices("trend")
	assert.Equal(t, 3, ix["year"])
}

func TestExternalFilterSuppressesEmit(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.SetIndex("year", 1))
	f.session.ApplyFilter(predicate.Range("year", 2001.0, 2004.0, true))

	assert.Never(t, func() bool { return f.emitted.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestPlaybackPositionIsEmitted(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.Play(scheduler.ModeBeginning, ""))

	f.step(0)
	f.step(500 * time.Millisecond)
	require.Eventually(t, func() bool { return f.emitted.len() == 1 }, time.Second, 5*time.Millisecond)
	want := predicate.And{predicate.Equal("year", 2000.0), predicate.Equal("country", "USA")}
	assert.Equal(t, predicate.Key(want), predicate.Key(f.emitted.last()))
	assert.Contains(t, f.records.kinds, "audio:audio.play")
}

func TestStaleUnitRendersNothing(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	f.session.UpdateFields(spec.Fields{testFields[0], testFields[1]})

	notes, err := f.session.Notes("trend")
	assert.ErrorIs(t, err, ErrStaleSpec)
	assert.Empty(t, notes)
	assert.ErrorIs(t, f.session.Play(scheduler.ModeBeginning, ""), ErrStaleSpec)

	totals, err := f.session.Notes("totals")
	require.NoError(t, err)
	assert.Len(t, totals, 2)
	require.NoError(t, f.session.SetActive("totals"))
	assert.NoError(t, f.session.Play(scheduler.ModeBeginning, ""))
}

func TestEmptyDomainPlaysNoiseMarker(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	f.session.ApplyFilter(predicate.Equal("year", 1999.0))

	notes, err := f.session.Notes("trend")
	require.NoError(t, err)
	assert.Empty(t, notes)
	totals, err := f.session.Notes("totals")
	require.NoError(t, err)
	assert.Empty(t, totals)

	require.NoError(t, f.session.Play(scheduler.ModeBeginning, ""))
	f.step(0)
	noise, ok := f.engine.last(scheduler.CmdAttackRelease)
	require.True(t, ok)
	assert.Equal(t, scheduler.VoiceNoise, noise.Voice)
}

func TestUnknownAggregateRendersNothing(t *testing.T) {
	f := newFixture(t)
	doc := testDoc(testFields)
	doc.Audio.Units[0].Encoding[spec.Pitch] = spec.EncodingFieldDef{Field: "gdp", Aggregate: "mode"}
	f.session.Load(doc, testData())

	_, err := f.session.Notes("trend")
	assert.ErrorIs(t, err, sequence.ErrUnknownAggregate)
	assert.Error(t, f.session.Play(scheduler.ModeBeginning, ""))
	totals, err := f.session.Notes("totals")
	require.NoError(t, err)
	assert.Len(t, totals, 2)
}

func TestPlayCountScalesVolume(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.Play(scheduler.ModeCount, ""))

	// Everything is selected, which is past half the dataset.
	oneShot, ok := f.engine.last(scheduler.CmdAttackRelease)
	require.True(t, ok)
	assert.InDelta(t, -5.0, oneShot.Volume, 1e-9)
	assert.Equal(t, 0.5, oneShot.Duration)

	// Two of ten rows against a half-dataset extent of five.
	f.session.ApplyFilter(predicate.Equal("year", 2000.0))
	require.NoError(t, f.session.Play(scheduler.ModeCount, ""))
	oneShot, _ = f.engine.last(scheduler.CmdAttackRelease)
	assert.InDelta(t, -29.0, oneShot.Volume, 1e-9)
}

func TestToggleFollowsPlaybackMode(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	mode, _ := f.session.PlaybackMode()
	assert.Equal(t, scheduler.ModeBeginning, mode)

	require.NoError(t, f.session.SetIndex("year", 3))
	require.Eventually(t, func() bool { return f.emitted.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Toggle())
	assert.True(t, f.session.Playing())
	f.step(0)
	f.step(500 * time.Millisecond)
	want := predicate.And{predicate.Equal("year", 2000.0), predicate.Equal("country", "USA")}
	require.Eventually(t, func() bool { return predicate.Key(f.emitted.last()) == predicate.Key(want) }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Toggle())
	assert.False(t, f.session.Playing())

	require.NoError(t, f.session.SetPlaybackMode(scheduler.ModeCount, ""))
	require.NoError(t, f.session.Toggle())
	oneShot, ok := f.engine.last(scheduler.CmdAttackRelease)
	require.True(t, ok)
	assert.InDelta(t, -5.0, oneShot.Volume, 1e-9)
	assert.False(t, f.session.Playing())

	assert.Error(t, f.session.SetPlaybackMode(scheduler.ModeSubset, ""))
	assert.Error(t, f.session.SetPlaybackMode("sideways", ""))
	mode, _ = f.session.PlaybackMode()
	assert.Equal(t, scheduler.ModeCount, mode)
}

func TestPlaySubsetReturnsToInteraction(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.Play(scheduler.ModeSubset, "country"))
	assert.Equal(t, scheduler.StateSequence, f.session.State())

	f.step(0)
	for i := 0; i < 5; i++ {
		f.step(500 * time.Millisecond)
	}
	assert.Equal(t, scheduler.StateInteraction, f.session.State())
	assert.Error(t, f.session.Play(scheduler.ModeSubset, "gdp"))
}

func TestPlaybackRateRegenerates(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())
	require.NoError(t, f.session.SetIndex("year", 2))

	assert.Equal(t, MaxPlaybackRate, f.session.SetPlaybackRate(5))
	notes, _ := f.session.Notes("trend")
	assert.InDelta(t, 0.25, notes[0].Duration, 1e-9)
	ix, _ := f.session.Indices("trend")
	assert.Equal(t, 2, ix["year"])

	assert.Equal(t, MinPlaybackRate, f.session.SetPlaybackRate(0))
}

func TestPlaybackOptionLabels(t *testing.T) {
	f := newFixture(t)
	f.session.Load(testDoc(testFields), testData())

	opts := f.session.PlaybackOptions()
	require.Len(t, opts, 3)
	assert.Equal(t, PlaybackOption{Mode: scheduler.ModeBeginning, Label: "2000 to 2004 by country"}, opts[0])
	assert.Equal(t, PlaybackOption{Mode: scheduler.ModeSubset, Field: "year", Label: "2000 by country"}, opts[1])
	assert.Equal(t, PlaybackOption{Mode: scheduler.ModeSubset, Field: "country", Label: "France by year"}, opts[2])

	f.session.ApplyFilter(predicate.Range("year", 2002.0, 2004.0, true))
	opts = f.session.PlaybackOptions()
	assert.Equal(t, "2002 to 2004 by country, year between 2002 and 2004", opts[0].Label)

	require.NoError(t, f.session.SetActive("totals"))
	opts = f.session.PlaybackOptions()
	require.Len(t, opts, 1)
	assert.Equal(t, "France to USA by year between 2002 and 2004", opts[0].Label)
}

func TestRemap(t *testing.T) {
	old := sequence.Domains{
		"a": {Values: []any{"x", "y", "z"}},
		"b": {Bins: []domain.Bin{{Lo: 0, Hi: 10}, {Lo: 10, Hi: 20}}},
	}
	next := sequence.Domains{
		"a": {Values: []any{"y", "z"}},
		"b": {Bins: []domain.Bin{{Lo: 0, Hi: 5}, {Lo: 5, Hi: 10}}},
		"c": {Values: []any{1.0}},
	}
	got := Remap(sequence.Indices{"a": 2, "b": 1}, old, next, nil)
	assert.Equal(t, sequence.Indices{"a": 1, "b": 0, "c": 0}, got)
}

func TestRemapMatchesTimeBuckets(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	old := sequence.Domains{"date": {Values: []any{day(2001, 3, 1), day(2002, 6, 1)}}}
	// The filter dropped the instants that stood for each year.
	next := sequence.Domains{"date": {Values: []any{day(2001, 7, 15), day(2002, 2, 1)}}}

	got := Remap(sequence.Indices{"date": 1}, old, next, map[string]string{"date": "year"})
	assert.Equal(t, sequence.Indices{"date": 1}, got)
	got = Remap(sequence.Indices{"date": 1}, old, next, nil)
	assert.Equal(t, sequence.Indices{"date": 0}, got)

	u := newUnit(spec.AudioUnitSpec{Traversal: []spec.TraversalEntry{{Field: "date", TimeUnit: "year"}, {Field: "country"}}})
	fields := spec.Fields{{Name: "date", Type: spec.Temporal}, {Name: "country", Type: spec.Nominal}}
	assert.Equal(t, map[string]string{"date": "year"}, u.timeUnits(fields))
}
