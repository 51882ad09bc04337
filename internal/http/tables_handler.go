package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/domain"
)

type TablesHandler struct {
	tables TableService
	log    *logrus.Logger
}

func NewTablesHandler(tables TableService, log *logrus.Logger) *TablesHandler {
	return &TablesHandler{tables: tables, log: log}
}

type TableStatusRequestDTO struct {
	Status domain.TableStatus `json:"status"`
}

// GET /api/v1/tables
func (h *TablesHandler) Layout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tables, err := h.tables.Layout(ctx, tenantFrom(ctx))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if tables == nil {
		tables = []*domain.Table{}
	}
	respondJSON(w, http.StatusOK, tables)
}

// PATCH /api/v1/tables/{table_id}/status
func (h *TablesHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TableStatusRequestDTO
	if !decodeJSON(w, r, h.log, &req) {
		return
	}

	t, err := h.tables.SetStatus(ctx, tenantFrom(ctx), chi.URLParam(r, "table_id"), req.Status)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}
