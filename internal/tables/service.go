// Package tables is the floor directory: the tenant's table roster and the
// occupancy status dashboards display.
package tables

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/repository"
)

var (
	ErrTableNotFound = apperr.NotFound("table_not_found", "table not found")
	ErrInvalidStatus = apperr.Validation("invalid_table_status", "status", "must be one of [libre ocupada reservada]")
)

type Service struct {
	repo *repository.TableRepository
	bus  eventbus.Publisher
	log  *logrus.Logger
	now  func() time.Time
}

func NewService(repo *repository.TableRepository, bus eventbus.Publisher, log *logrus.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log, now: time.Now}
}

func (s *Service) Layout(ctx context.Context, tenantID string) ([]*domain.Table, error) {
	tables, err := s.repo.List(ctx, tenantID)
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return tables, nil
}

func (s *Service) Get(ctx context.Context, tenantID, tableID string) (*domain.Table, error) {
	t, err := s.repo.FindByID(ctx, nil, tenantID, tableID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTableNotFound.WithMessage("table %q not found", tableID)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return t, nil
}

// SetStatus changes a table's status and publishes table.updated when it
// actually changed.
func (s *Service) SetStatus(ctx context.Context, tenantID, tableID string, status domain.TableStatus) (*domain.Table, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if _, err := s.Get(ctx, tenantID, tableID); err != nil {
		return nil, err
	}

	changed, err := s.repo.SetStatus(ctx, nil, tenantID, tableID, status, s.now().UTC())
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	t, err := s.Get(ctx, tenantID, tableID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.Announce(ctx, t)
	}
	return t, nil
}

// Announce publishes the table's current state.
func (s *Service) Announce(ctx context.Context, t *domain.Table) {
	if _, err := s.bus.Publish(eventbus.TopicTableUpdated, t.TenantID, t); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("table_id", t.ID).Error("failed to publish table update")
	}
}
