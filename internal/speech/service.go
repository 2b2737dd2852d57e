package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrNoFinalChunk is returned when a synthesizer finishes without marking any
// chunk final.
var ErrNoFinalChunk = errors.New("synthesizer ended without a final chunk")

type Service struct {
	cfg    config.SpeechConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService builds a speech service. busClient may be nil, in which case
// audio is synthesized but not published.
func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "speech-service")),
	}
}

// Start listens for speech requests from other renderers, such as the
// accessible tree reading a node aloud.
func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectSpeechRequest, bus.Decode(s.logger, s.handleRequest))
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.bus == nil || s.sub != nil }

// Speaker returns a narration reader bound to sessionID.
func (s *Service) Speaker(sessionID string) *Speaker {
	return &Speaker{svc: s, sessionID: sessionID}
}

func (s *Service) handleRequest(req protocol.SpeechRequest, _ *nats.Msg) {
	if req.UtteranceID == "" {
		req.UtteranceID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.speak(s.ctx, req); err != nil {
			s.logger.Warn("speech synthesis error", slogError(err), slog.String("utterance_id", req.UtteranceID))
		}
	}()
}

// speak synthesizes req, publishing each chunk, and returns once the final
// chunk has been published or ctx ends.
func (s *Service) speak(ctx context.Context, req protocol.SpeechRequest) error {
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, Request{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		Text:        req.Text,
		Voice:       req.Voice,
		Rate:        req.Rate,
	})
	final := false
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.publishChunk(req, chunk)
			final = final || chunk.Final
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			s.publishDone(req, true, ctx.Err())
			return ctx.Err()
		}
	}
	if synthErr != nil {
		if ctx.Err() != nil {
			s.publishDone(req, true, ctx.Err())
			return ctx.Err()
		}
		s.publishDone(req, false, synthErr)
		return synthErr
	}
	if !final {
		s.publishDone(req, false, ErrNoFinalChunk)
		return ErrNoFinalChunk
	}
	s.publishDone(req, false, nil)
	return nil
}

func (s *Service) publishChunk(req protocol.SpeechRequest, chunk Chunk) {
	if s.bus == nil {
		return
	}
	packet := protocol.SpeechAudio{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechAudio, packet); err != nil {
		s.logger.Warn("failed to publish speech chunk", slogError(err))
	}
}

func (s *Service) publishDone(req protocol.SpeechRequest, cancelled bool, err error) {
	if s.bus == nil {
		return
	}
	done := protocol.SpeechDone{
		SessionID:   req.SessionID,
		UtteranceID: req.UtteranceID,
		Cancelled:   cancelled,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil && !cancelled {
		done.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechDone, done); err != nil {
		s.logger.Warn("failed to publish speech status", slogError(err))
	}
}

// Speaker reads narration for the scheduler.
type Speaker struct {
	svc       *Service
	sessionID string
}

// Speak blocks until text has been synthesized or ctx is cancelled.
func (sp *Speaker) Speak(ctx context.Context, text string, rate float64) error {
	return sp.svc.speak(ctx, protocol.SpeechRequest{
		SessionID:   sp.sessionID,
		UtteranceID: uuid.NewString(),
		Text:        text,
		Rate:        rate,
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
