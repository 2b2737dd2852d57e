// Package bridge connects the selection controller and the audio session to
// the renderers on the bus. Inbound subjects become selection submissions and
// playback commands; committed selections are published back to the chart and
// the accessible tree in their native forms.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/audio"
	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/domain"
	"github.com/loqalabs/loqa-umwelt/internal/predicate"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/selection"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg      config.SpecConfig
	bus      *bus.Client
	ctrl     *selection.Controller
	audio    *audio.Session
	resolver *domain.Resolver
	logger   *slog.Logger
	subs     []*nats.Subscription

	mu     sync.RWMutex
	fields spec.Fields
}

func NewService(cfg config.SpecConfig, busClient *bus.Client, ctrl *selection.Controller, session *audio.Session, resolver *domain.Resolver, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		ctrl:     ctrl,
		audio:    session,
		resolver: resolver,
		logger:   log.With(slog.String("component", "bridge")),
	}
}

// Start subscribes to the renderer subjects and registers the chart, tree and
// audio sinks with the controller.
func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectChartSelection, bus.Decode(s.logger, s.handleChartSelection)},
		{protocol.SubjectChartTicks, bus.Decode(s.logger, s.handleTicks)},
		{protocol.SubjectTreeFocus, bus.Decode(s.logger, s.handleTree(selection.AuthorityTreeNavigation))},
		{protocol.SubjectTreeFilter, bus.Decode(s.logger, s.handleTree(selection.AuthorityTreeFilter))},
		{protocol.SubjectAudioControl, bus.Decode(s.logger, s.handleAudioControl)},
	}
	for _, h := range handlers {
		sub, err := s.bus.Subscribe(h.subject, h.handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.ctrl.Register(selection.ModalityChart, selection.SinkFunc(s.applyChart))
	s.ctrl.Register(selection.ModalityTree, selection.SinkFunc(s.applyTree))
	s.ctrl.Register(selection.ModalityAudio, selection.SinkFunc(s.applyAudio))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy() && len(s.subs) > 0
}

// SetFields sets the declared fields used to map tree field names back.
func (s *Service) SetFields(fields spec.Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = fields
}

// CommitPublisher returns a commit observer that mirrors every committed
// selection on the bus.
func CommitPublisher(busClient *bus.Client, log *slog.Logger) func(selection.Update) {
	log = log.With(slog.String("component", "bridge"))
	return func(u selection.Update) {
		raw, err := predicate.Marshal(u.Predicate)
		if err != nil {
			log.Warn("failed to encode committed selection", slogError(err))
			return
		}
		msg := protocol.SelectionCommitted{
			Seq:       u.Seq,
			Authority: string(u.Authority),
			Predicate: raw,
			Timestamp: time.Now().UTC(),
		}
		if err := busClient.PublishJSON(protocol.SubjectSelectionCommitted, msg); err != nil {
			log.Warn("failed to publish committed selection", slogError(err))
		}
	}
}

func (s *Service) handleChartSelection(sel protocol.ChartSelection, _ *nats.Msg) {
	var store predicate.Store
	if len(sel.Store) > 0 {
		if err := json.Unmarshal(sel.Store, &store); err != nil {
			s.logger.Warn("failed to decode selection store", slogError(err))
			return
		}
	}
	p, err := predicate.FromStore(store)
	if err != nil {
		s.logger.Warn("chart selection cannot be expressed as a predicate", slogError(err))
		return
	}
	s.ctrl.Submit(selection.AuthorityChart, p)
}

func (s *Service) handleTicks(ticks protocol.AxisTicks, _ *nats.Msg) {
	if ticks.Axis != "x" && ticks.Axis != "y" {
		s.logger.Warn("ignoring ticks for unknown axis", slog.String("axis", ticks.Axis))
		return
	}
	s.resolver.SetAxisTicks(ticks.Axis, ticks.Ticks)
	s.audio.Refresh()
}

func (s *Service) handleTree(authority selection.Authority) func(protocol.TreePredicate, *nats.Msg) {
	return func(tp protocol.TreePredicate, _ *nats.Msg) {
		p, err := predicate.Parse(tp.Predicate)
		if err != nil {
			s.logger.Warn("invalid tree predicate", slogError(err))
			return
		}
		s.ctrl.Submit(authority, predicate.MapFields(p, s.fromTree))
	}
}

func (s *Service) handleAudioControl(ctl protocol.AudioControl, _ *nats.Msg) {
	if err := s.control(ctl); err != nil {
		s.logger.Warn("audio control failed", slog.String("action", ctl.Action), slogError(err))
	}
}

func (s *Service) control(ctl protocol.AudioControl) error {
	switch ctl.Action {
	case protocol.ActionPlay:
		if ctl.Unit != "" {
			if err := s.audio.SetActive(ctl.Unit); err != nil {
				return err
			}
		}
		return s.audio.Play(scheduler.Mode(ctl.Mode), ctl.Field)
	case protocol.ActionPause:
		s.audio.Pause()
	case protocol.ActionToggle:
		return s.audio.Toggle()
	case protocol.ActionPlaybackMode:
		return s.audio.SetPlaybackMode(scheduler.Mode(ctl.Mode), ctl.Field)
	case protocol.ActionSetIndex:
		return s.audio.SetIndex(ctl.Field, ctl.Index)
	case protocol.ActionStep:
		return s.audio.Step(ctl.Field, ctl.Delta)
	case protocol.ActionMute:
		s.audio.SetMuted(ctl.Flag)
	case protocol.ActionSpeechRate:
		s.audio.SetSpeechRate(ctl.Value)
	case protocol.ActionPlaybackRate:
		s.audio.SetPlaybackRate(ctl.Value)
	case protocol.ActionReadAxis:
		s.audio.SetReadAxis(ctl.Flag)
	case protocol.ActionActivate:
		return s.audio.SetActive(ctl.Unit)
	default:
		return fmt.Errorf("unknown action %q", ctl.Action)
	}
	return nil
}

// applyChart publishes the selection as a chart store. Predicates the chart
// cannot express are reported to the controller and nothing is published.
func (s *Service) applyChart(_ context.Context, u selection.Update) error {
	store, err := predicate.ToStore(u.Predicate)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("encode selection store: %w", err)
	}
	return s.bus.PublishJSON(protocol.SubjectChartExternal, protocol.ChartSelection{Store: raw})
}

func (s *Service) applyTree(_ context.Context, u selection.Update) error {
	raw, err := predicate.Marshal(predicate.MapFields(u.Predicate, s.toTree))
	if err != nil {
		return fmt.Errorf("encode tree predicate: %w", err)
	}
	return s.bus.PublishJSON(protocol.SubjectTreeExternal, protocol.TreePredicate{Predicate: raw})
}

func (s *Service) applyAudio(ctx context.Context, u selection.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.audio.ApplyFilter(u.Predicate)
	return nil
}

func (s *Service) toTree(field string) string {
	if s.cfg.TreeStripSuffix == "" {
		return field
	}
	return strings.TrimSuffix(field, s.cfg.TreeStripSuffix)
}

// fromTree restores a suffix the tree never saw. Names the tree reports
// verbatim are kept.
func (s *Service) fromTree(field string) string {
	suffix := s.cfg.TreeStripSuffix
	if suffix == "" {
		return field
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fields.Has(field) {
		return field
	}
	if s.fields.Has(field + suffix) {
		return field + suffix
	}
	return field
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
