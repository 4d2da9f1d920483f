package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/telemetry"
	"github.com/rendis/procman/pkg/schema"
)

// SyncResult summarizes a host synchronization.
type SyncResult struct {
	Registered []orchestration.UniqueName `json:"registered"`
	Disabled   int64                      `json:"disabled"`
}

// RegisterOrUpdateDescription validates desc and upserts it by (name, version)
// for hostName. An existing description keeps its id; instances already created
// from it are unaffected since they carry their own step copies. Registering
// enables the description.
func (c *Coordinator) RegisterOrUpdateDescription(ctx context.Context, desc *orchestration.Description, hostName string) (err error) {
	ctx, end := c.telemetry.Track(ctx, "register")
	defer func() { end(err) }()

	if desc == nil {
		return schema.NewError(schema.ErrCodeInvalidRequest, "description is required")
	}
	telemetry.Annotate(ctx, telemetry.AttrDescription.String(desc.UniqueName.String()))
	if hostName == "" {
		return schema.NewError(schema.ErrCodeInvalidRequest, "host name is required")
	}
	if err := c.validator.ValidateDescription(desc).ToError(); err != nil {
		return err
	}

	desc.HostName = hostName
	desc.IsEnabled = true
	if err := c.store.UpsertDescription(ctx, desc); err != nil {
		return err
	}
	c.log(ctx).Info("description registered",
		slog.String("description", desc.UniqueName.String()),
		slog.String("description_id", desc.ID.String()),
		slog.String("host", hostName))
	return nil
}

// SynchronizeHost registers every description of hostName and disables, without
// deleting, any other description the host registered before. All descriptions
// are validated before anything is written.
func (c *Coordinator) SynchronizeHost(ctx context.Context, hostName string, descs []*orchestration.Description) (result SyncResult, err error) {
	ctx, end := c.telemetry.Track(ctx, "synchronize_host")
	defer func() { end(err) }()

	if hostName == "" {
		return SyncResult{}, schema.NewError(schema.ErrCodeInvalidRequest, "host name is required")
	}
	seen := make(map[orchestration.UniqueName]bool, len(descs))
	for _, d := range descs {
		if d == nil {
			return SyncResult{}, schema.NewError(schema.ErrCodeInvalidRequest, "description is required")
		}
		if seen[d.UniqueName] {
			return SyncResult{}, schema.NewErrorf(schema.ErrCodeInvalidRequest,
				"description %s is listed twice", d.UniqueName)
		}
		seen[d.UniqueName] = true
		if err := c.validator.ValidateDescription(d).ToError(); err != nil {
			return SyncResult{}, err
		}
	}

	for _, d := range descs {
		if err := c.RegisterOrUpdateDescription(ctx, d, hostName); err != nil {
			return result, err
		}
		result.Registered = append(result.Registered, d.UniqueName)
	}

	disabled, err := c.store.DisableDescriptionsExcept(ctx, hostName, result.Registered)
	if err != nil {
		return result, err
	}
	result.Disabled = disabled
	if disabled > 0 {
		c.log(ctx).Info("descriptions disabled", slog.String("host", hostName), slog.Int64("count", disabled))
	}
	return result, nil
}
