package speech

import (
	"context"
	"fmt"

	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime"
	handlerpkg "github.com/drblury/matchwatch/internal/runtime/handlers"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

const StageHandlerName = "render_artifacts"

// TextRenderer is satisfied by *Renderer.
type TextRenderer interface {
	Render(ctx context.Context, text string) (string, error)
}

// Stage renders artifacts ahead of delivery so the voice consumer only
// streams files.
type Stage struct {
	renderer TextRenderer
	logger   loggingpkg.ServiceLogger
}

func NewStage(renderer TextRenderer, logger loggingpkg.ServiceLogger) *Stage {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Stage{renderer: renderer, logger: logger.With(loggingpkg.LogFields{"component": "renderer"})}
}

func (s *Stage) Register(svc *runtime.Service, consumeQueue, publishQueue string) error {
	return runtime.RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[*model.EnrichmentArtifact, *model.EnrichmentArtifact]{
		Name:         StageHandlerName,
		ConsumeQueue: consumeQueue,
		PublishQueue: publishQueue,
		Handler:      s.Handle,
	})
}

// Handle renders one artifact and forwards it with its audio path set.
func (s *Stage) Handle(ctx context.Context, evt handlerpkg.JSONMessageContext[*model.EnrichmentArtifact]) ([]handlerpkg.JSONMessageOutput[*model.EnrichmentArtifact], error) {
	artifact := *evt.Payload
	if artifact.AudioPath != "" {
		return []handlerpkg.JSONMessageOutput[*model.EnrichmentArtifact]{{Message: &artifact}}, nil
	}

	path, err := s.renderer.Render(ctx, artifact.Text)
	if err != nil {
		s.logger.Error("Rendering artifact failed", err, loggingpkg.LogFields{"group_id": artifact.GroupID})
		return nil, fmt.Errorf("render artifact for %s: %w", artifact.GroupID, err)
	}
	artifact.AudioPath = path
	s.logger.Info("Rendered artifact", loggingpkg.LogFields{"group_id": artifact.GroupID, "audio_path": path})

	return []handlerpkg.JSONMessageOutput[*model.EnrichmentArtifact]{{Message: &artifact}}, nil
}
