package realtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/repository"
)

// Snapshot is the first message of every connection.
type Snapshot struct {
	ConnectionID string                  `json:"connectionId"`
	Orders       ledger.Summary          `json:"orders"`
	Tables       []*domain.Table         `json:"tables"`
	Alerts       []*domain.Alert         `json:"alerts"`
	Version      repository.StoreVersion `json:"version"`
	// Degraded names the parts that fell back to defaults.
	Degraded []string `json:"degraded,omitempty"`
}

// snapshot queries every source concurrently. A source that errors or panics
// leaves its default in place; the group itself never fails.
func (g *Gateway) snapshot(ctx context.Context, connID, tenantID string) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, g.opts.SnapshotTimeout)
	defer cancel()

	s := Snapshot{
		ConnectionID: connID,
		Orders:       emptySummary(),
		Tables:       []*domain.Table{},
		Alerts:       []*domain.Alert{},
	}
	var (
		eg       errgroup.Group
		orders   ledger.Summary
		tables   []*domain.Table
		alerts   []*domain.Alert
		version  repository.StoreVersion
		failures [4]error
	)

	part := func(i int, fn func() error) {
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			failures[i] = fn()
			return nil
		})
	}
	part(0, func() (err error) {
		orders, err = g.orders.GetSummary(ctx, tenantID, ledger.Filter{})
		return err
	})
	part(1, func() (err error) {
		tables, err = g.tables.Layout(ctx, tenantID)
		return err
	})
	part(2, func() (err error) {
		alerts, err = g.alerts.ListActive(ctx, tenantID)
		return err
	})
	part(3, func() (err error) {
		version, err = g.orders.StoreVersion(ctx, tenantID)
		return err
	})
	_ = eg.Wait()

	names := [4]string{"orders", "tables", "alerts", "version"}
	for i, err := range failures {
		if err == nil {
			continue
		}
		s.Degraded = append(s.Degraded, names[i])
		g.log.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": connID,
			"part":          names[i],
		}).Warn("snapshot part degraded to default")
	}

	if failures[0] == nil {
		s.Orders = orders
	}
	if failures[1] == nil && tables != nil {
		s.Tables = tables
	}
	if failures[2] == nil && alerts != nil {
		s.Alerts = alerts
	}
	if failures[3] == nil {
		s.Version = version
	}
	return s
}

func emptySummary() ledger.Summary {
	return ledger.Summary{
		OrderSummary: repository.OrderSummary{
			ByStatus:        map[domain.OrderStatus]int{},
			ByPaymentStatus: map[domain.OrderPaymentStatus]int{},
		},
		Trend: ledger.TrendStable,
	}
}
