package selection

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkLog struct {
	mu      sync.Mutex
	updates []Update
	err     error
}

func (s *sinkLog) Apply(_ context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *sinkLog) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *sinkLog) last() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return Update{}
	}
	return s.updates[len(s.updates)-1]
}

type commitLog struct {
	mu      sync.Mutex
	commits []Update
}

func (l *commitLog) add(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = append(l.commits, u)
}

func (l *commitLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.commits)
}

type timeline struct {
	mu     sync.Mutex
	actors []string
}

func (t *timeline) Record(_ context.Context, actor, kind string, payload any) error {
	if _, err := json.Marshal(payload); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actors = append(t.actors, actor+":"+kind)
	return nil
}

func (t *timeline) recorded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.actors...)
}

type rig struct {
	ctrl    *Controller
	chart   *sinkLog
	tree    *sinkLog
	audio   *sinkLog
	commits *commitLog
	events  *timeline
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	r := &rig{chart: &sinkLog{}, tree: &sinkLog{}, audio: &sinkLog{}, commits: &commitLog{}, events: &timeline{}}
	if opts.Debounce == 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	if opts.EchoWindow == 0 {
		opts.EchoWindow = 2 * time.Second
	}
	opts.OnCommit = r.commits.add
	opts.Recorder = r.events
	r.ctrl = New(context.Background(), opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.ctrl.Close)
	r.ctrl.Register(ModalityChart, r.chart)
	r.ctrl.Register(ModalityTree, r.tree)
	r.ctrl.Register(ModalityAudio, r.audio)
	return r
}

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

func TestChartSelectionSkipsChart(t *testing.T) {
	r := newRig(t, Options{})
	p := predicate.Equal("country", "USA")
	r.ctrl.Submit(AuthorityChart, p)

	require.Eventually(t, func() bool {
		return r.tree.len() == 1 && r.audio.len() == 1 && r.commits.len() == 1
	}, wait, tick)
	assert.Never(t, func() bool { return r.chart.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	cur := r.ctrl.Current()
	assert.Equal(t, uint64(1), cur.Seq)
	assert.Equal(t, AuthorityChart, cur.Authority)
	assert.Equal(t, predicate.Key(p), predicate.Key(cur.Predicate))
	assert.Equal(t, AuthorityChart, r.tree.last().Authority)
	assert.Equal(t, []string{"chart:selection.commit"}, r.events.recorded())
}

func TestBurstIsCoalesced(t *testing.T) {
	r := newRig(t, Options{Debounce: 60 * time.Millisecond})
	for _, y := range []float64{2000, 2001, 2002} {
		r.ctrl.Submit(AuthorityAudio, predicate.Equal("year", y))
	}

	require.Eventually(t, func() bool { return r.commits.len() == 1 }, wait, tick)
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, predicate.Key(predicate.Equal("year", 2002.0)), predicate.Key(r.ctrl.Current().Predicate))
	require.Eventually(t, func() bool { return r.chart.len() == 1 }, wait, tick)
	assert.Equal(t, 0, r.audio.len())
}

func TestRacingModalitiesConverge(t *testing.T) {
	r := newRig(t, Options{Debounce: 60 * time.Millisecond})
	chartPick := predicate.Range("year", 2000.0, 2005.0, false)
	audioPick := predicate.Equal("year", 2003.0)
	r.ctrl.Submit(AuthorityChart, chartPick)
	r.ctrl.Submit(AuthorityAudio, audioPick)

	require.Eventually(t, func() bool { return r.commits.len() == 1 }, wait, tick)
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 150*time.Millisecond, 10*time.Millisecond)

	cur := r.ctrl.Current()
	assert.Equal(t, AuthorityAudio, cur.Authority)
	assert.Equal(t, predicate.Key(audioPick), predicate.Key(cur.Predicate))

	// The losing modality is brought in line with the winner.
	require.Eventually(t, func() bool { return r.chart.len() == 1 && r.tree.len() == 1 }, wait, tick)
	assert.Equal(t, predicate.Key(audioPick), predicate.Key(r.chart.last().Predicate))
	assert.Equal(t, 0, r.audio.len())
}

func TestEchoFromFannedOutModalityIsDropped(t *testing.T) {
	r := newRig(t, Options{})
	p := predicate.Equal("country", "France")
	r.ctrl.Submit(AuthorityChart, p)
	require.Eventually(t, func() bool { return r.tree.len() == 1 }, wait, tick)

	r.ctrl.Submit(AuthorityTreeNavigation, predicate.Equal("country", "France"))
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, AuthorityChart, r.ctrl.Current().Authority)

	q := predicate.Equal("country", "USA")
	r.ctrl.Submit(AuthorityTreeNavigation, q)
	require.Eventually(t, func() bool { return r.commits.len() == 2 }, wait, tick)
	assert.Equal(t, AuthorityTreeNavigation, r.ctrl.Current().Authority)
	require.Eventually(t, func() bool { return r.chart.len() == 1 }, wait, tick)
	assert.Equal(t, predicate.Key(q), predicate.Key(r.chart.last().Predicate))
	assert.Equal(t, 1, r.tree.len())
}

func TestTreeRefocusAfterChartSelectionIsAbsorbed(t *testing.T) {
	r := newRig(t, Options{})
	brush := predicate.Range("year", 2000.0, 2005.0, false)
	r.ctrl.Submit(AuthorityChart, brush)
	require.Eventually(t, func() bool { return r.tree.len() == 1 }, wait, tick)

	// The focused node carries more than the brush.
	r.ctrl.Submit(AuthorityTreeNavigation, predicate.And{brush, predicate.Equal("country", "USA")})
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, AuthorityChart, r.ctrl.Current().Authority)
	assert.Equal(t, 0, r.chart.len())

	r.ctrl.Submit(AuthorityTreeNavigation, predicate.Equal("country", "France"))
	require.Eventually(t, func() bool { return r.commits.len() == 2 }, wait, tick)
	require.Eventually(t, func() bool { return r.chart.len() == 1 }, wait, tick)
	assert.Equal(t, AuthorityTreeNavigation, r.chart.last().Authority)
}

func TestTreeEchoWrappedInConjunctionIsDropped(t *testing.T) {
	r := newRig(t, Options{})
	brush := predicate.Range("year", 2000.0, 2005.0, false)
	r.ctrl.Submit(AuthorityAudio, brush)
	require.Eventually(t, func() bool { return r.tree.len() == 1 }, wait, tick)

	r.ctrl.Submit(AuthorityTreeFilter, predicate.And{brush})
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, AuthorityAudio, r.ctrl.Current().Authority)
	assert.Equal(t, 0, r.audio.len())
}

func TestTreeFilterSettlesFollowingNavigation(t *testing.T) {
	r := newRig(t, Options{})
	filter := predicate.Range("year", 2001.0, 2003.0, true)
	r.ctrl.Submit(AuthorityTreeFilter, filter)
	require.Eventually(t, func() bool { return r.commits.len() == 1 }, wait, tick)

	r.ctrl.Submit(AuthorityTreeNavigation, predicate.Equal("year", 2001.0))
	assert.Never(t, func() bool { return r.commits.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	cur := r.ctrl.Current()
	assert.Equal(t, AuthorityTreeFilter, cur.Authority)
	assert.Equal(t, predicate.Key(filter), predicate.Key(cur.Predicate))

	// Only one navigation is absorbed.
	r.ctrl.Submit(AuthorityTreeNavigation, predicate.Equal("year", 2002.0))
	require.Eventually(t, func() bool { return r.commits.len() == 2 }, wait, tick)
	assert.Equal(t, AuthorityTreeNavigation, r.ctrl.Current().Authority)
}

func TestResolveWindowIsBounded(t *testing.T) {
	r := newRig(t, Options{Debounce: 20 * time.Millisecond, EchoWindow: 40 * time.Millisecond})
	r.ctrl.Submit(AuthorityTreeFilter, predicate.Equal("year", 2001.0))
	require.Eventually(t, func() bool { return r.commits.len() == 1 }, wait, tick)

	time.Sleep(100 * time.Millisecond)
	r.ctrl.Submit(AuthorityTreeNavigation, predicate.Equal("year", 2002.0))
	require.Eventually(t, func() bool { return r.commits.len() == 2 }, wait, tick)
	assert.Equal(t, AuthorityTreeNavigation, r.ctrl.Current().Authority)
}

func TestSpecAuthorityReachesEveryModality(t *testing.T) {
	r := newRig(t, Options{})
	r.ctrl.Submit(AuthoritySpec, predicate.And{})
	require.Eventually(t, func() bool {
		return r.chart.len() == 1 && r.tree.len() == 1 && r.audio.len() == 1
	}, wait, tick)
	assert.True(t, predicate.IsEmptySelection(r.audio.last().Predicate))
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	r := newRig(t, Options{})
	r.chart.err = predicate.ErrUnsupportedPredicate
	p := predicate.Or{predicate.Equal("country", "USA"), predicate.Equal("country", "France")}
	r.ctrl.Submit(AuthorityAudio, p)

	require.Eventually(t, func() bool { return r.chart.len() == 1 && r.tree.len() == 1 }, wait, tick)
	r.ctrl.Submit(AuthorityAudio, predicate.Equal("country", "USA"))
	require.Eventually(t, func() bool { return r.chart.len() == 2 }, wait, tick)
}

func TestInvalidSubmissionsAreIgnored(t *testing.T) {
	r := newRig(t, Options{})
	r.ctrl.SetFields(spec.Fields{{Name: "year", Type: spec.Temporal}})
	r.ctrl.Submit(Authority("keyboard"), predicate.Equal("year", 2001.0))
	r.ctrl.Submit(AuthorityChart, predicate.Equal("country", "USA"))
	assert.Never(t, func() bool { return r.commits.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	r.ctrl.Submit(AuthorityChart, predicate.Equal("year", "2001-01-01T00:00:00Z"))
	require.Eventually(t, func() bool { return r.commits.len() == 1 }, wait, tick)
	leaf := r.ctrl.Current().Predicate.(*predicate.Field)
	assert.IsType(t, time.Time{}, leaf.Value)
}

func TestReplacedSinkStopsReceiving(t *testing.T) {
	r := newRig(t, Options{})
	replacement := &sinkLog{}
	r.ctrl.Register(ModalityTree, replacement)
	r.ctrl.Submit(AuthorityChart, predicate.Equal("country", "USA"))
	require.Eventually(t, func() bool { return replacement.len() == 1 }, wait, tick)
	assert.Equal(t, 0, r.tree.len())
}

func TestClosedControllerIgnoresCalls(t *testing.T) {
	r := newRig(t, Options{})
	r.ctrl.Close()
	r.ctrl.Submit(AuthorityChart, predicate.Equal("country", "USA"))
	r.ctrl.Register(ModalityChart, &sinkLog{})
	assert.Equal(t, Update{}, r.ctrl.Current())
	assert.Equal(t, 0, r.commits.len())
}

func TestUpdateJSON(t *testing.T) {
	raw, err := json.Marshal(Update{Seq: 3, Authority: AuthorityAudio, Predicate: predicate.Equal("year", 2001.0)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":3,"authority":"audio","predicate":{"field":"year","equal":2001}}`, string(raw))
}

func TestAuthorityModality(t *testing.T) {
	assert.Equal(t, ModalityTree, AuthorityTreeFilter.Modality())
	assert.Equal(t, ModalityTree, AuthorityTreeNavigation.Modality())
	assert.Equal(t, Modality(""), AuthoritySpec.Modality())
	assert.False(t, Authority("x").Valid())
}
