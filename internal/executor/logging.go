package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
)

// Logging records commands without delivering them. It is used when no engine
// url is configured.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a Logging executor. A nil logger defaults to stderr.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Logging{logger: logger}
}

func (l *Logging) StartNewOrchestrationInstance(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error {
	ctx = logging.WithInstanceID(ctx, inst.ID().String())
	logging.LogWith(ctx, l.logger).Info("start command",
		slog.String("description", desc.UniqueName.String()),
		slog.String("function_name", desc.FunctionName))
	return nil
}

func (l *Logging) NotifyOrchestrationInstance(ctx context.Context, id uuid.UUID, eventName string, eventData json.RawMessage) error {
	ctx = logging.WithInstanceID(ctx, id.String())
	logging.LogWith(ctx, l.logger).Info("notify command",
		slog.String("event_name", eventName),
		slog.Int("event_data_bytes", len(eventData)))
	return nil
}
