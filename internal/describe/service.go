package describe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptySelection is returned when the selection matches no rows.
var ErrEmptySelection = errors.New("selection matches no rows")

// Source supplies the rows matched by the current selection.
type Source interface {
	Selection() ([]data.Row, spec.Fields)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]data.Row, spec.Fields)

func (f SourceFunc) Selection() ([]data.Row, spec.Fields) { return f() }

type Service struct {
	cfg       config.DescribeConfig
	bus       *bus.Client
	generator Generator
	source    Source
	cache     *lru.Cache[string, string]
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.DescribeConfig, cacheSize int, busClient *bus.Client, generator Generator, source Source, logger *slog.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create description cache: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		source:    source,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "describe-service")),
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectDescribeRequest, bus.Decode(s.logger, s.handleRequest))
	if err != nil {
		return err
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus == nil || s.ready
}

// Describe returns a description of the current selection. Identical row
// tables share one cached description.
func (s *Service) Describe(ctx context.Context) (string, bool, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-umwelt/describe").Start(ctx, "describe.selection")
	defer span.End()

	rows, fields := s.source.Selection()
	span.SetAttributes(attribute.Int("rows", len(rows)))
	if len(rows) == 0 {
		return "", false, ErrEmptySelection
	}
	table, err := Table(rows, fields, s.cfg.MaxRows)
	if err != nil {
		return "", false, err
	}
	sum := sha256.Sum256([]byte(table))
	key := hex.EncodeToString(sum[:])
	if desc, ok := s.cache.Get(key); ok {
		span.AddEvent("cache hit")
		return desc, true, nil
	}

	var out strings.Builder
	req := Request{
		Prompt:      Prompt(table),
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	start := time.Now()
	err = s.generator.Generate(ctx, req, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		span.RecordError(err, trace.WithStackTrace(false))
		span.SetStatus(codes.Error, "generation failed")
		return "", false, fmt.Errorf("generate description: %w", err)
	}
	desc := strings.TrimSpace(out.String())
	s.cache.Add(key, desc)
	s.logger.Debug("description generated", slog.Int("rows", len(rows)), slog.Duration("latency", time.Since(start)))
	return desc, false, nil
}

func (s *Service) handleRequest(req protocol.DescribeRequest, msg *nats.Msg) {

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		resp := protocol.DescribeResponse{SessionID: req.SessionID, RequestID: req.RequestID}
		desc, cached, err := s.Describe(ctx)
		if err != nil {
			s.logger.Warn("description failed", slogError(err))
			resp.Error = err.Error()
		}
		resp.Description = desc
		resp.Cached = cached
		resp.Timestamp = time.Now().UTC()

		payload, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn("failed to marshal description", slogError(err))
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(payload); err != nil {
				s.logger.Warn("failed to reply with description", slogError(err))
			}
		}
		if err := s.bus.Conn().Publish(protocol.SubjectDescribeResponse, payload); err != nil {
			s.logger.Warn("failed to publish description", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
