// Package alert handles staff alerts raised from tables, dashboards or the
// payment pipeline.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/validate"
)

var ErrAlertNotFound = apperr.NotFound("alert_not_found", "alert not found")

const (
	KindWaiterCall       = "waiter_call"
	KindPaymentAnomaly   = "payment_anomaly"
	KindUnknownReference = "payment_unknown_reference"
)

type CreateInput struct {
	TableID string `json:"tableId" validate:"max=64"`
	Kind    string `json:"kind" validate:"required,max=64"`
	Message string `json:"message" validate:"required,max=280"`
}

type Service struct {
	repo *repository.AlertRepository
	bus  eventbus.Publisher
	log  *logrus.Logger
	now  func() time.Time
}

func NewService(repo *repository.AlertRepository, bus eventbus.Publisher, log *logrus.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log, now: time.Now}
}

func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (*domain.Alert, error) {
	if err := validate.Struct(ctx, in); err != nil {
		return nil, err
	}

	a := &domain.Alert{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		TableID:   in.TableID,
		Kind:      in.Kind,
		Message:   in.Message,
		Status:    domain.AlertActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, a); err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	s.publish(ctx, eventbus.TopicAlertCreated, a)
	return a, nil
}

// Acknowledge is idempotent: acknowledging twice returns the alert as it is
// and publishes only once.
func (s *Service) Acknowledge(ctx context.Context, tenantID, alertID, by string) (*domain.Alert, error) {
	changed, err := s.repo.Acknowledge(ctx, tenantID, alertID, by, s.now().UTC())
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	a, err := s.repo.FindByID(ctx, tenantID, alertID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAlertNotFound.WithMessage("alert %q not found", alertID)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	if changed {
		s.publish(ctx, eventbus.TopicAlertAcknowledged, a)
	}
	return a, nil
}

func (s *Service) ListActive(ctx context.Context, tenantID string) ([]*domain.Alert, error) {
	alerts, err := s.repo.ListActive(ctx, tenantID)
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return alerts, nil
}

func (s *Service) publish(ctx context.Context, topic string, a *domain.Alert) {
	if _, err := s.bus.Publish(topic, a.TenantID, a); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("alert_id", a.ID).Error("failed to publish alert event")
	}
}
