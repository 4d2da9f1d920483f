package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/pkg/schema"
)

func measurementsRequest(t *testing.T, key string) SendMeasurementsRequest {
	t.Helper()
	input, err := orchestration.NewBox(map[string]any{"quantity": 12.5, "unit": "kWh"})
	require.NoError(t, err)
	return SendMeasurementsRequest{
		Identity:        actorID(),
		IdempotencyKey:  key,
		TransactionID:   "tx-" + key,
		MeteringPointID: "571313180000000005",
		Input:           input,
	}
}

func TestSendMeasurements_Milestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)

	sm, err := f.coord.GetSendMeasurements(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.MilestoneCreated, sm.Milestone)
	assert.Equal(t, testNow, sm.CreatedAt)

	require.NoError(t, f.coord.MarkSendMeasurementsValidated(ctx, id))
	require.NoError(t, f.coord.MarkSendMeasurementsSent(ctx, id))

	err = f.coord.MarkSendMeasurementsValidated(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "milestones only move forward")

	require.NoError(t, f.coord.MarkSendMeasurementsReceived(ctx, id))
	require.NoError(t, f.coord.MarkSendMeasurementsTerminated(ctx, id))

	sm, err = f.coord.GetSendMeasurements(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.MilestoneTerminated, sm.Milestone)
	assert.True(t, sm.IsTerminal())
	for _, ts := range []any{sm.ValidatedAt, sm.SentAt, sm.ReceivedAt, sm.TerminatedAt} {
		assert.NotNil(t, ts)
	}
	assert.Nil(t, sm.FailedAt)

	err = f.coord.MarkSendMeasurementsFailed(ctx, id, "late")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestSendMeasurements_Failed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)
	require.NoError(t, f.coord.MarkSendMeasurementsValidated(ctx, id))
	require.NoError(t, f.coord.MarkSendMeasurementsFailed(ctx, id, "rejected by datahub"))

	sm, err := f.coord.GetSendMeasurements(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.MilestoneFailed, sm.Milestone)
	assert.Equal(t, "rejected by datahub", sm.FailureReason)

	_, err = f.coord.AdvanceSendMeasurements(ctx, id, schema.SendMeasurementsMilestone("archived"), "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))
}

func TestSendMeasurements_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)
	second, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	byKey, err := f.coord.GetSendMeasurementsByIdempotencyKey(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, first, byKey.ID)

	none, err := f.coord.GetSendMeasurementsByIdempotencyKey(ctx, "m-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSendMeasurements_LostRaceReturnsWinner(t *testing.T) {
	blind := &blindKeyStore{missed: true}
	f := newFixture(t, func(s store.Store) store.Store {
		blind.Store = s
		return blind
	})
	ctx := context.Background()

	winner, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)

	blind.missed = false
	loser, err := f.coord.StartSendMeasurements(ctx, measurementsRequest(t, "m-1"))
	require.NoError(t, err)
	assert.Equal(t, winner, loser)
}

func TestSendMeasurements_RequiresTransaction(t *testing.T) {
	f := newFixture(t)
	req := measurementsRequest(t, "m-1")
	req.TransactionID = ""
	_, err := f.coord.StartSendMeasurements(context.Background(), req)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))
}
