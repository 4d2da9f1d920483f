package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/rendis/procman/internal/expressions"
	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/internal/streaming"
	"github.com/rendis/procman/internal/telemetry"
	"github.com/rendis/procman/internal/validation"
	"github.com/rendis/procman/pkg/schema"
)

// CoordinatorDeps holds the coordinator's collaborators. Store and Executor are
// required; every other field has a default.
type CoordinatorDeps struct {
	Store     store.Store
	Executor  Executor
	Clock     orchestration.Clock
	Validator validation.Validator
	Queries   *expressions.QueryEvaluator
	// Hub receives lifecycle events after they are committed. Optional.
	Hub       streaming.EventHub
	Telemetry *telemetry.Instrumentation
	Logger    *slog.Logger
}

// Coordinator implements the command surface of procman: start, schedule,
// cancel and notify orchestration instances, register descriptions, and accept
// progress callbacks from the executor. It holds no per-request state.
type Coordinator struct {
	store     store.Store
	executor  Executor
	clock     orchestration.Clock
	validator validation.Validator
	queries   *expressions.QueryEvaluator
	hub       streaming.EventHub
	telemetry *telemetry.Instrumentation
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator from deps.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("coordinator: executor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if deps.Clock == nil {
		deps.Clock = orchestration.SystemClock{}
	}
	if deps.Validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}
	if deps.Queries == nil {
		q, err := expressions.NewQueryEvaluator(deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Queries = q
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.New()
	}

	return &Coordinator{
		store:     deps.Store,
		executor:  deps.Executor,
		clock:     deps.Clock,
		validator: deps.Validator,
		queries:   deps.Queries,
		hub:       deps.Hub,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
	}, nil
}

// publish forwards committed events to the hub. Delivery is best effort.
func (c *Coordinator) publish(ctx context.Context, events []orchestration.Event) {
	if c.hub == nil {
		return
	}
	if err := streaming.PublishAll(ctx, c.hub, events); err != nil {
		c.log(ctx).Warn("publish lifecycle events failed",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()))
	}
}

func withIdentity(ctx context.Context, who identity.OperatingIdentity) context.Context {
	if who == nil {
		return ctx
	}
	return logging.WithIdentity(ctx, who.String())
}

func (c *Coordinator) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, c.logger)
}

// executorError wraps a failed executor call.
func executorError(op string, err error) error {
	var se *schema.Error
	if errors.As(err, &se) && se.Code == schema.ErrCodeExecutor {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExecutor, "executor %s failed: %s", op, err).WithCause(err)
}
