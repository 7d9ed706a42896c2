// Package poller detects new matches for the tracked players and publishes
// them to the detection queue.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/matchwatch/internal/cache"
	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime"
	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/matchwatch/internal/poller"

const (
	DefaultRecentWindow  = 15 * time.Minute
	DefaultEntityDelay   = time.Second
	DefaultCycleInterval = 15 * time.Second
	// KeyTTL bounds the lifetime of cached identities and last-seen markers.
	KeyTTL = 24 * time.Hour
)

// Registry yields the tracked players.
type Registry interface {
	Snapshot(ctx context.Context) ([]model.TrackedEntity, error)
}

// Stats is the subset of the statistics API the poller uses.
type Stats interface {
	ResolveIdentity(ctx context.Context, name, tagline string) (string, error)
	ListRecentEventIDs(ctx context.Context, stableID string, since time.Time, limit int) ([]string, error)
	GetEventDetails(ctx context.Context, eventID string) (json.RawMessage, error)
}

type Config struct {
	// Queue is the detection queue RawEventRecords are published to.
	Queue         string
	RecentWindow  time.Duration
	EntityDelay   time.Duration
	CycleInterval time.Duration
}

type Dependencies struct {
	Registry Registry
	Stats    Stats
	Cache    *cache.Cache
	Producer runtime.Producer
	Logger   loggingpkg.ServiceLogger
	Metrics  *Metrics

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poller runs the detection loop. It is not safe to Run concurrently.
type Poller struct {
	cfg      Config
	registry Registry
	stats    Stats
	cache    *cache.Cache
	producer runtime.Producer
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Dependencies) (*Poller, error) {
	if cfg.Queue == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if deps.Registry == nil || deps.Stats == nil {
		return nil, errors.New("poller: registry and stats clients are required")
	}
	if deps.Producer == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.EntityDelay < 0 {
		cfg.EntityDelay = 0
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	p := &Poller{
		cfg:      cfg,
		registry: deps.Registry,
		stats:    deps.Stats,
		cache:    deps.Cache,
		producer: deps.Producer,
		logger:   logger.With(loggingpkg.LogFields{"component": "poller"}),
		metrics:  deps.Metrics,
		tracer:   otel.Tracer(tracerName),
		now:      deps.Now,
		sleep:    deps.Sleep,
	}
	if p.cache == nil {
		p.cache = cache.New(nil, logger)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p, nil
}

// Run polls until ctx is cancelled. Cancellation is observed between
// players, so a player in progress is always finished.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started", loggingpkg.LogFields{
		"queue":          p.cfg.Queue,
		"recent_window":  p.cfg.RecentWindow.String(),
		"cycle_interval": p.cfg.CycleInterval.String(),
	})
	for {
		if err := p.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("Poll cycle failed", err, nil)
		}
		if err := p.sleep(ctx, p.cfg.CycleInterval); err != nil {
			break
		}
	}
	p.logger.Info("Poller stopped", nil)
	return nil
}

// RunCycle walks the registry snapshot once. Failures for a single player are
// logged and skipped. The returned error is a snapshot failure or the
// context error when the cycle was cut short.
func (p *Poller) RunCycle(ctx context.Context) error {
	p.metrics.cycle()

	entities, err := p.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch registry snapshot: %w", err)
	}
	if len(entities) == 0 {
		p.logger.Debug("No tracked players", nil)
		return nil
	}

	for i, entity := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.checkEntity(ctx, entity)

		if i < len(entities)-1 && p.cfg.EntityDelay > 0 {
			if err := p.sleep(ctx, p.cfg.EntityDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsNew reports whether latest differs from the last-seen marker. With no
// marker every event is new.
func IsNew(latest, marker string, hasMarker bool) bool {
	if latest == "" {
		return false
	}
	return !hasMarker || latest != marker
}

func identityKey(entityKey string) string { return "puuid:" + entityKey }

func markerKey(entityKey string) string { return "match:" + entityKey }

func (p *Poller) checkEntity(ctx context.Context, entity model.TrackedEntity) {
	// The span context is not handed to the stats calls: an entity in
	// progress always finishes even if shutdown starts.
	_, span := p.tracer.Start(ctx, "poll entity", trace.WithAttributes(
		attribute.String("matchwatch.entity", entity.Key()),
		attribute.String("matchwatch.group_id", entity.GroupID),
	))
	defer span.End()

	work := context.WithoutCancel(ctx)
	log := p.logger.With(loggingpkg.LogFields{"entity": entity.String(), "group_id": entity.GroupID})

	stableID, err := p.resolveIdentity(work, entity)
	if err != nil {
		p.metrics.identityFailure()
		log.Error("Resolving player identity failed", err, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity")
		return
	}

	since := p.now().Add(-p.cfg.RecentWindow)
	ids, err := p.stats.ListRecentEventIDs(work, stableID, since, 1)
	if err != nil {
		log.Error("Listing recent matches failed", err, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list")
		return
	}
	if len(ids) == 0 {
		p.metrics.skip("no_recent")
		log.Debug("No recent matches", nil)
		return
	}
	latest := ids[0]
	span.SetAttributes(attribute.String("matchwatch.event_id", latest))

	marker, hasMarker := p.cache.Get(work, markerKey(entity.Key()))
	if !IsNew(latest, marker, hasMarker) {
		p.metrics.skip("seen")
		log.Debug("Latest match already announced", loggingpkg.LogFields{"event_id": latest})
		return
	}

	if err := p.announce(work, entity, latest, log); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "announce")
	}
}

func (p *Poller) resolveIdentity(ctx context.Context, entity model.TrackedEntity) (string, error) {
	key := identityKey(entity.Key())
	if id, ok := p.cache.Get(ctx, key); ok && id != "" {
		return id, nil
	}
	id, err := p.stats.ResolveIdentity(ctx, entity.Name, entity.Tagline)
	if err != nil {
		return "", err
	}
	p.cache.Set(ctx, key, id, KeyTTL)
	return id, nil
}

// announce fetches, publishes and then marks. The marker only moves once the
// broker has confirmed the publish.
func (p *Poller) announce(ctx context.Context, entity model.TrackedEntity, eventID string, log loggingpkg.ServiceLogger) error {
	log = log.With(loggingpkg.LogFields{"event_id": eventID})

	details, err := p.stats.GetEventDetails(ctx, eventID)
	if err != nil {
		log.Error("Fetching match details failed", err, nil)
		return err
	}

	record := &model.RawEventRecord{
		EventID:   eventID,
		Payload:   details,
		EntityKey: entity.Key(),
		GroupID:   entity.GroupID,
	}
	md := metadatapkg.New(
		metadatapkg.KeyEntityKey, entity.Key(),
		metadatapkg.KeyGroupID, entity.GroupID,
		metadatapkg.KeyEventID, eventID,
	)
	if err := p.producer.PublishJSON(ctx, p.cfg.Queue, record, md); err != nil {
		p.metrics.publishFailure()
		log.Error("Publishing match failed, will retry next cycle", err, nil)
		return err
	}
	p.metrics.published()

	p.cache.Set(ctx, markerKey(entity.Key()), eventID, KeyTTL)
	log.Info("Published new match", nil)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
