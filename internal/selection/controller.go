// Package selection keeps one canonical selection shared by the chart, the
// accessible tree and the audio units. Every change names the authority that
// produced it; the controller commits it after a short debounce and fans it
// out to every other modality.
package selection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Authority identifies who produced the current selection.
type Authority string

const (
	AuthorityChart          Authority = "chart"
	AuthorityAudio          Authority = "audio"
	AuthorityTreeNavigation Authority = "tree-navigation"
	AuthorityTreeFilter     Authority = "tree-filter"
	AuthoritySpec           Authority = "spec"
)

// Valid reports whether a is a known authority.
func (a Authority) Valid() bool {
	switch a {
	case AuthorityChart, AuthorityAudio, AuthorityTreeNavigation, AuthorityTreeFilter, AuthoritySpec:
		return true
	}
	return false
}

// Modality is a rendering of the document that consumes selections.
type Modality string

const (
	ModalityChart Modality = "chart"
	ModalityAudio Modality = "audio"
	ModalityTree  Modality = "tree"
)

// Modality returns the modality an authority speaks for. The spec authority
// belongs to none, so its selections reach every modality.
func (a Authority) Modality() Modality {
	switch a {
	case AuthorityChart:
		return ModalityChart
	case AuthorityAudio:
		return ModalityAudio
	case AuthorityTreeNavigation, AuthorityTreeFilter:
		return ModalityTree
	}
	return ""
}

const (
	DefaultDebounce   = 50 * time.Millisecond
	DefaultEchoWindow = 300 * time.Millisecond
	queueSize         = 256
)

// Update is a committed selection.
type Update struct {
	Seq       uint64
	Authority Authority
	Predicate predicate.Predicate
}

// MarshalJSON renders the predicate in its wire form.
func (u Update) MarshalJSON() ([]byte, error) {
	raw, err := predicate.Marshal(u.Predicate)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Seq       uint64          `json:"seq"`
		Authority Authority       `json:"authority,omitempty"`
		Predicate json.RawMessage `json:"predicate"`
	}{u.Seq, u.Authority, raw})
}

// Sink receives selections committed by other modalities.
type Sink interface {
	Apply(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Apply(ctx context.Context, u Update) error { return f(ctx, u) }

// Recorder appends session events to a timeline.
type Recorder interface {
	Record(ctx context.Context, actor, kind string, payload any) error
}

// Options configures a Controller.
type Options struct {
	Debounce time.Duration
	// EchoWindow bounds how long a modality's reply to a fanned-out
	// selection is recognised as an echo.
	EchoWindow time.Duration
	OnCommit   func(Update)
	Recorder   Recorder
}

type pending struct {
	authority Authority
	predicate predicate.Predicate
}

type echo struct {
	key   string
	until time.Time
}

// Controller arbitrates selection authority. Its state is owned by a single
// goroutine; sinks are called from one worker goroutine each, which only ever
// sees the latest update.
type Controller struct {
	debounce   time.Duration
	echoWindow time.Duration
	onCommit   func(Update)
	recorder   Recorder
	logger     *slog.Logger
	commits    metric.Int64Counter
	echoes     metric.Int64Counter

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	fields       spec.Fields
	current      Update
	pending      *pending
	timer        *time.Timer
	timerGen     uint64
	resolve      Authority
	resolveUntil time.Time
	expect       map[Modality]echo
	sinks        map[Modality]*sinkWorker
}

// New starts a controller. The initial selection is nil, owned by AuthoritySpec.
func New(parent context.Context, opts Options, log *slog.Logger) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		debounce:   opts.Debounce,
		echoWindow: opts.EchoWindow,
		onCommit:   opts.OnCommit,
		recorder:   opts.Recorder,
		logger:     log.With(slog.String("component", "selection")),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan func(), queueSize),
		done:       make(chan struct{}),
		current:    Update{Authority: AuthoritySpec},
		expect:     make(map[Modality]echo),
		sinks:      make(map[Modality]*sinkWorker),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-umwelt/runtime")
	if counter, err := meter.Int64Counter("umwelt.selection.commits",
		metric.WithDescription("Selections committed by authority")); err != nil {
		c.logger.Warn("failed to create commits counter", slogError(err))
	} else {
		c.commits = counter
	}
	if counter, err := meter.Int64Counter("umwelt.selection.echoes",
		metric.WithDescription("Selection changes dropped as echoes of a fan-out")); err != nil {
		c.logger.Warn("failed to create echoes counter", slogError(err))
	} else {
		c.echoes = counter
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.ctx.Done():
			c.timerGen++
			if c.timer != nil {
				c.timer.Stop()
			}
			return
		}
	}
}

// Close stops the controller and its sink workers.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.wg.Wait()
	})
}

func (c *Controller) post(fn func()) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.queue <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// Register routes committed selections to sink, replacing any sink already
// registered for the modality.
func (c *Controller) Register(m Modality, sink Sink) {
	c.call(func() {
		if old, ok := c.sinks[m]; ok {
			old.stop()
		}
		w := newSinkWorker(c.ctx, m, sink, c.logger)
		c.sinks[m] = w
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.run()
		}()
	})
}

// SetFields sets the field list used to canonicalize incoming predicates.
func (c *Controller) SetFields(fields spec.Fields) {
	c.call(func() { c.fields = fields })
}

// Submit proposes a selection on behalf of authority. Rapid proposals are
// coalesced and the last one within the debounce window wins.
func (c *Controller) Submit(authority Authority, p predicate.Predicate) {
	c.post(func() { c.submit(authority, p) })
}

// Current returns the last committed selection.
func (c *Controller) Current() Update {
	var u Update
	c.call(func() { u = c.current })
	return u
}

func (c *Controller) submit(authority Authority, p predicate.Predicate) {
	if !authority.Valid() {
		c.logger.Warn("ignoring selection from unknown authority", slog.String("authority", string(authority)))
		return
	}
	if p != nil && c.fields != nil {
		if err := predicate.Validate(p, c.fields); err != nil {
			c.logger.Warn("ignoring selection", slog.String("authority", string(authority)), slogError(err))
			return
		}
		p = predicate.Coerce(p, c.fields)
	}
	now := time.Now()

	// The tree refocuses after it receives a selection, whether its own filter
	// or one fanned out to it, and reports the focused node's full predicate.
	// That first refocus settles the selection rather than starting a new one.
	if authority == AuthorityTreeNavigation && c.resolve != "" {
		resolved := c.resolve
		c.resolve = ""
		if now.Before(c.resolveUntil) {
			delete(c.expect, ModalityTree)
			if c.pending == nil {
				c.current.Authority = resolved
			}
			c.countEcho(authority)
			return
		}
	}

	if m := authority.Modality(); m != "" {
		if e, ok := c.expect[m]; ok {
			delete(c.expect, m)
			if e.key == predicate.Key(p) && now.Before(e.until) {
				c.countEcho(authority)
				return
			}
		}
	}

	c.pending = &pending{authority: authority, predicate: p}
	if authority == AuthorityTreeFilter {
		c.resolve = authority
		c.resolveUntil = now.Add(c.debounce + c.echoWindow)
	}
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.post(func() {
			if gen == c.timerGen {
				c.commit()
			}
		})
	})
}

func (c *Controller) commit() {
	p := c.pending
	c.pending = nil
	c.timer = nil
	if p == nil {
		return
	}
	c.current = Update{Seq: c.current.Seq + 1, Authority: p.authority, Predicate: p.predicate}
	u := c.current

	origin := p.authority.Modality()
	key := predicate.Key(p.predicate)
	until := time.Now().Add(c.echoWindow)
	for m, w := range c.sinks {
		if m == origin {
			continue
		}
		c.expect[m] = echo{key: key, until: until}
		if m == ModalityTree {
			c.resolve = u.Authority
			c.resolveUntil = until
		}
		w.offer(u)
	}

	c.logger.Debug("selection committed",
		slog.Uint64("seq", u.Seq),
		slog.String("authority", string(u.Authority)),
		slog.String("predicate", key),
	)
	if c.commits != nil {
		c.commits.Add(c.ctx, 1, metric.WithAttributes(attribute.String("authority", string(u.Authority))))
	}
	if c.recorder != nil {
		if err := c.recorder.Record(c.ctx, string(u.Authority), "selection.commit", u); err != nil {
			c.logger.Warn("failed to record selection", slogError(err))
		}
	}
	if c.onCommit != nil {
		c.onCommit(u)
	}
}

func (c *Controller) countEcho(authority Authority) {
	if c.echoes != nil {
		c.echoes.Add(c.ctx, 1, metric.WithAttributes(attribute.String("authority", string(authority))))
	}
}

type sinkWorker struct {
	modality Modality
	sink     Sink
	ch       chan Update
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

func newSinkWorker(parent context.Context, m Modality, sink Sink, log *slog.Logger) *sinkWorker {
	ctx, cancel := context.WithCancel(parent)
	return &sinkWorker{
		modality: m,
		sink:     sink,
		ch:       make(chan Update, 1),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("modality", string(m))),
	}
}

// offer replaces any update the worker has not picked up yet. Only the
// controller goroutine sends.
func (w *sinkWorker) offer(u Update) {
	for {
		select {
		case w.ch <- u:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}

func (w *sinkWorker) stop() { w.cancel() }

func (w *sinkWorker) run() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case u := <-w.ch:
			err := w.sink.Apply(w.ctx, u)
			switch {
			case errors.Is(err, predicate.ErrUnsupportedPredicate):
				w.logger.Warn("selection cannot be expressed by modality", slog.Uint64("seq", u.Seq), slogError(err))
			case err != nil:
				w.logger.Warn("failed to apply selection", slog.Uint64("seq", u.Seq), slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
