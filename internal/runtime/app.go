package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/audio"
	"github.com/loqalabs/loqa-umwelt/internal/bridge"
	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/capability"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/describe"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/eventstore"
	"github.com/loqalabs/loqa-umwelt/internal/natsserver"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/selection"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/loqalabs/loqa-umwelt/internal/speech"
)

// App holds the services of one loaded document.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	doc spec.Document
	ds  *data.Dataset

	server   *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	timeline *eventstore.Timeline
	ctrl     *selection.Controller
	session  *audio.Session
	bridge   *bridge.Service
	speech   *speech.Service
	describe *describe.Service
	registry *capability.Registry
}

// NewApp loads the configured document and starts every service around it.
// On error everything started so far is closed again.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.doc, err = spec.Load(cfg.Spec.Path)
	if err != nil {
		return nil, fmt.Errorf("load spec: %w", err)
	}
	a.ds, err = data.FromDocument(a.doc, cfg.Spec.DataPath)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	if a.ds.Len() == 0 {
		logger.Warn("dataset is empty", slog.String("spec", cfg.Spec.Path))
	}

	busCfg := cfg.Bus
	if cfg.Bus.Embedded {
		a.server, err = natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded bus: %w", err)
		}
		if len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{a.server.ClientURL()}
		}
	}
	a.bus, err = bus.Connect(ctx, cfg.RuntimeName, busCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	a.store, err = eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	a.timeline, err = eventstore.NewTimeline(ctx, a.store, filepath.Base(cfg.Spec.Path))
	if err != nil {
		return nil, fmt.Errorf("start timeline: %w", err)
	}
	sessionID := a.timeline.SessionID()

	a.speech, err = newSpeech(ctx, cfg.Speech, a.bus, logger)
	if err != nil {
		return nil, err
	}
	if err := a.speech.Start(); err != nil {
		return nil, fmt.Errorf("start speech: %w", err)
	}

	resolver, err := domain.NewResolver(cfg.Cache.DomainEntries)
	if err != nil {
		return nil, fmt.Errorf("create domain resolver: %w", err)
	}
	gen := sequence.NewGenerator(resolver, sequence.Options{
		SequenceBudget: cfg.Audio.SequenceBudget,
		PauseUnit:      cfg.Audio.PauseUnit,
	})

	a.ctrl = selection.New(ctx, selection.Options{
		Debounce:   time.Duration(cfg.Selection.DebounceMS) * time.Millisecond,
		EchoWindow: time.Duration(cfg.Selection.EchoWindowMS) * time.Millisecond,
		OnCommit:   bridge.CommitPublisher(a.bus, logger),
		Recorder:   a.timeline,
	}, logger)
	a.ctrl.SetFields(a.doc.Fields)

	a.session = audio.NewSession(ctx, gen, resolver, bridge.NewEngine(a.bus, sessionID), audio.Options{
		Speaker:      a.speech.Speaker(sessionID),
		SpeechRate:   cfg.Audio.SpeechRate,
		PlaybackRate: cfg.Audio.PlaybackRate,
		Unvoiced:     !cfg.Speech.Enabled,
		EmitDelay:    time.Duration(cfg.Audio.EmitDelayMS) * time.Millisecond,
		OnSelection:  func(p predicate.Predicate) { a.ctrl.Submit(selection.AuthorityAudio, p) },
		Recorder:     a.timeline,
	}, logger)
	a.session.SetMuted(cfg.Audio.Muted)
	a.session.SetReadAxis(cfg.Audio.ReadAxis)
	a.session.Load(a.doc, a.ds)

	a.bridge = bridge.NewService(cfg.Spec, a.bus, a.ctrl, a.session, resolver, logger)
	a.bridge.SetFields(a.doc.Fields)
	if err := a.bridge.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	generator, err := newGenerator(cfg.Describe)
	if err != nil {
		return nil, err
	}
	a.describe, err = describe.NewService(ctx, cfg.Describe, cfg.Cache.DescriptionEntries, a.bus, generator, describe.SourceFunc(a.selection), logger)
	if err != nil {
		return nil, err
	}
	if err := a.describe.Start(); err != nil {
		return nil, fmt.Errorf("start describe: %w", err)
	}

	a.registry, err = capability.NewRegistry(ctx, cfg.Node, a.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("start modality registry: %w", err)
	}

	logger.Info("document loaded",
		slog.String("spec", cfg.Spec.Path),
		slog.Int("rows", a.ds.Len()),
		slog.Int("units", len(a.doc.Audio.Playable())),
		slog.String("session_id", sessionID),
	)
	return a, nil
}

// selection returns the rows matched by the committed selection.
func (a *App) selection() ([]data.Row, spec.Fields) {
	return predicate.Filter(a.ds.Rows, a.ctrl.Current().Predicate), a.doc.Fields
}

// Health reports each bus-facing service by name.
func (a *App) Health(ctx context.Context) map[string]bool {
	return map[string]bool{
		"bus":        a.bus != nil && a.bus.Healthy(),
		"eventstore": a.store != nil && a.store.Ping(ctx) == nil,
		"bridge":     a.bridge != nil && a.bridge.Healthy(),
		"speech":     a.speech != nil && a.speech.Healthy(),
		"describe":   a.describe != nil && a.describe.Healthy(),
		"modalities": a.registry != nil && a.registry.Healthy(),
	}
}

// Healthy reports whether every service in Health is up.
func (a *App) Healthy() bool {
	for _, ok := range a.Health(context.Background()) {
		if !ok {
			return false
		}
	}
	return true
}

// Close stops the services in reverse start order.
func (a *App) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.describe != nil {
		a.describe.Close()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.session != nil {
		a.session.Close()
	}
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.speech != nil {
		a.speech.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("event store close failed", slogError(err))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.server != nil {
		a.server.Shutdown()
	}
}

func newSpeech(ctx context.Context, cfg config.SpeechConfig, busClient *bus.Client, logger *slog.Logger) (*speech.Service, error) {
	var synth speech.Synthesizer
	switch cfg.Mode {
	case "exec":
		s, err := speech.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("create speech synthesizer: %w", err)
		}
		synth = s
	default:
		synth = speech.NewMockSynth(cfg.SampleRate, cfg.Channels, 10*time.Millisecond)
	}
	return speech.NewService(ctx, cfg, busClient, synth, logger), nil
}

func newGenerator(cfg config.DescribeConfig) (describe.Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return describe.NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		g, err := describe.NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("create describe generator: %w", err)
		}
		return g, nil
	case "mock", "":
		return describe.NewMockGenerator(), nil
	default:
		return nil, errors.New("describe.mode must be mock, ollama or exec")
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
