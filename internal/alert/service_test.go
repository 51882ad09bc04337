package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/logger"
	"github.com/tableside/floor-core/internal/repository/repotest"
)

func newService(t *testing.T) (*Service, *eventbus.Bus) {
	store := repotest.NewStore(t)
	bus := eventbus.New(10)
	return NewService(store.Alerts, bus, logger.Discard()), bus
}

func TestCreateAcknowledge(t *testing.T) {
	svc, bus := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "t1", CreateInput{TableID: "T3", Kind: KindWaiterCall, Message: "need napkins"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertActive, a.Status)

	active, err := svc.ListActive(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	acked, err := svc.Acknowledge(ctx, "t1", a.ID, "staff-7")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.Status)
	assert.Equal(t, "staff-7", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	again, err := svc.Acknowledge(ctx, "t1", a.ID, "staff-8")
	require.NoError(t, err)
	assert.Equal(t, "staff-7", again.AcknowledgedBy)

	assert.Len(t, bus.History(eventbus.TopicAlertCreated), 1)
	assert.Len(t, bus.History(eventbus.TopicAlertAcknowledged), 1)
}

func TestCreate_Validation(t *testing.T) {
	svc, bus := newService(t)

	_, err := svc.Create(context.Background(), "t1", CreateInput{Kind: KindWaiterCall})
	ae := apperr.Destruct(err)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Equal(t, "message", ae.Field)
	assert.Empty(t, bus.History(eventbus.TopicAlertCreated))
}

func TestAcknowledge_NotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Acknowledge(context.Background(), "t1", "nope", "staff")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}
