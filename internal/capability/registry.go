// Package capability tracks the renderers attached to the runtime over the
// bus. Each renderer announces the modality it draws and then heartbeats; a
// renderer that stops heartbeating is marked unhealthy.
package capability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ModalityRuntime is what the runtime announces itself as.
const ModalityRuntime = "runtime"

const evictAfter = 10

type Renderer struct {
	ID       string            `json:"id"`
	Modality string            `json:"modality"`
	Metadata map[string]string `json:"metadata,omitempty"`
	LastSeen time.Time         `json:"last_seen"`
	Healthy  bool              `json:"healthy"`
}

type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	now       func() time.Time
	mu        sync.RWMutex
	renderers map[string]*Renderer
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		log:       log.With(slog.String("component", "modality-registry")),
		bus:       busClient,
		now:       time.Now,
		renderers: make(map[string]*Renderer),
		meter:     otel.Meter("github.com/loqalabs/loqa-umwelt/runtime"),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce runtime", slogError(err))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(protocol.SubjectModalityAnnounce, bus.Decode(r.log, r.handleAnnounce))
	if err != nil {
		return err
	}
	heartbeatSub, err := r.bus.Subscribe(protocol.SubjectModalityHeartbeatPrefix+".*", bus.Decode(r.log, r.handleHeartbeat))
	if err != nil {
		_ = announceSub.Unsubscribe()
		return err
	}
	r.subs = append(r.subs, announceSub, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.ModalityAnnouncement{ID: r.cfg.ID, Modality: ModalityRuntime}
	if err := r.bus.PublishJSON(protocol.SubjectModalityAnnounce, msg); err != nil {
		return err
	}
	r.update(msg.ID, msg.Modality, nil, r.now().UTC())
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.ModalityHeartbeat{ID: r.cfg.ID, Timestamp: r.now().UTC()}
	return r.bus.PublishJSON(protocol.SubjectModalityHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(announcement protocol.ModalityAnnouncement, _ *nats.Msg) {
	if announcement.ID == "" || announcement.Modality == "" {
		r.log.Warn("announce message missing id or modality")
		return
	}
	r.update(announcement.ID, announcement.Modality, announcement.Metadata, r.now().UTC())
}

func (r *Registry) handleHeartbeat(hb protocol.ModalityHeartbeat, _ *nats.Msg) {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Heartbeats from renderers that never announced carry no modality.
	if rd, ok := r.renderers[hb.ID]; ok {
		rd.LastSeen = hb.Timestamp
		rd.Healthy = true
	}
}

func (r *Registry) update(id, modality string, metadata map[string]string, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rd, ok := r.renderers[id]
	if !ok {
		rd = &Renderer{ID: id}
		r.renderers[id] = rd
	}
	rd.Modality = modality
	if len(metadata) > 0 {
		rd.Metadata = metadata
	}
	rd.LastSeen = seen
	rd.Healthy = true
}

// evaluateHealth marks renderers unhealthy once their heartbeat is older
// than the timeout and forgets them after evictAfter timeouts of silence.
func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for id, rd := range r.renderers {
		silent := now.Sub(rd.LastSeen)
		switch {
		case id != r.cfg.ID && silent > evictAfter*timeout:
			delete(r.renderers, id)
			r.log.Info("renderer forgotten", slog.String("id", id), slog.String("modality", rd.Modality))
		case silent > timeout && rd.Healthy:
			rd.Healthy = false
			r.log.Warn("renderer stopped heartbeating", slog.String("id", id), slog.String("modality", rd.Modality), slog.Duration("silent", silent))
		}
	}
}

// Healthy reports whether the runtime's own heartbeat is reaching the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, ok := r.renderers[r.cfg.ID]
	if !ok {
		return false
	}
	return rd.Healthy
}

// Query returns the renderers accepted by filter, ordered by id.
func (r *Registry) Query(filter func(Renderer) bool) []Renderer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Renderer
	for _, rd := range r.renderers {
		cp := *rd
		if filter == nil || filter(cp) {
			results = append(results, cp)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("umwelt.modalities.known", metric.WithDescription("Healthy renderers by modality"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for modality, n := range r.snapshotCounts() {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("modality", modality)))
		}
		return nil
	}, gauge)
	return err
}

func (r *Registry) snapshotCounts() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int64)
	for _, rd := range r.renderers {
		if rd.Healthy {
			counts[rd.Modality]++
		}
	}
	return counts
}

func WithModality(modality string) func(Renderer) bool {
	return func(rd Renderer) bool { return rd.Modality == modality }
}

func HealthyOnly(rd Renderer) bool { return rd.Healthy }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
