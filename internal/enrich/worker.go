package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime"
	errspkg "github.com/drblury/matchwatch/internal/runtime/errors"
	handlerpkg "github.com/drblury/matchwatch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/matchwatch/internal/runtime/metadata"
)

const HandlerName = "enrich_matches"

// Worker consumes RawEventRecords and emits one EnrichmentArtifact per
// record. The input is acked only after the artifact is published.
type Worker struct {
	generator Generator
	grace     time.Duration
	logger    loggingpkg.ServiceLogger
}

// NewWorker builds a worker. A generator call that has started may run for
// shutdownGrace after shutdown begins; zero uses runtime.DefaultShutdownGrace.
func NewWorker(generator Generator, shutdownGrace time.Duration, logger loggingpkg.ServiceLogger) (*Worker, error) {
	if generator == nil {
		return nil, errors.New("enrich: generator is required")
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Worker{generator: generator, grace: shutdownGrace, logger: logger.With(loggingpkg.LogFields{"component": "enricher"})}, nil
}

// Register attaches the worker to svc between the two queues.
func (w *Worker) Register(svc *runtime.Service, consumeQueue, publishQueue string) error {
	return runtime.RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*model.RawEventRecord, *model.EnrichmentArtifact]{
		Name:         HandlerName,
		ConsumeQueue: consumeQueue,
		PublishQueue: publishQueue,
		Handler:      w.Handle,
	})
}

// Handle generates the artifact for one record. Any error nacks the input.
func (w *Worker) Handle(ctx context.Context, evt handlerpkg.JSONMessageContext[*model.RawEventRecord]) ([]handlerpkg.JSONMessageOutput[*model.EnrichmentArtifact], error) {
	record := evt.Payload
	if record.EntityKey == "" || len(record.Payload) == 0 {
		return nil, errspkg.NewUnprocessableEventError(record.Payload, errors.New("record has no target player or match data"))
	}

	log := w.logger.With(loggingpkg.LogFields{
		"entity":   record.EntityKey,
		"group_id": record.GroupID,
		"event_id": record.EventID,
	})
	log.Info("Received match", nil)

	genCtx, cancel := runtime.WithShutdownGrace(ctx, w.grace)
	defer cancel()
	text, err := w.generator.GenerateArtifact(genCtx, record.Payload, record.EntityKey)
	if err != nil {
		log.Error("Generating zinger failed", err, nil)
		return nil, fmt.Errorf("generate artifact for %s: %w", record.EventID, err)
	}
	log.Info("Generated zinger", loggingpkg.LogFields{"zinger": text})

	md := evt.CloneMetadata().With(metadatapkg.KeyGroupID, record.GroupID)
	return []handlerpkg.JSONMessageOutput[*model.EnrichmentArtifact]{{
		Message:  &model.EnrichmentArtifact{Text: text, GroupID: record.GroupID},
		Metadata: md,
	}}, nil
}
