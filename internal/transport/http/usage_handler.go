package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"rslserver/internal/audit"
	apierrors "rslserver/internal/errors"
	"rslserver/internal/exporter"
	"rslserver/internal/store"
)

// UsageHandler serves usage statistics derived from the audit log.
type UsageHandler struct {
	auditLog    *audit.Log
	store       store.Store
	logger      *slog.Logger
	development bool
}

// NewUsageHandler creates a usage statistics handler.
func NewUsageHandler(auditLog *audit.Log, st store.Store, logger *slog.Logger, development bool) *UsageHandler {
	return &UsageHandler{
		auditLog:    auditLog,
		store:       st,
		logger:      logger.With(slog.String("handler", "usage")),
		development: development,
	}
}

// Routes returns a chi router for usage endpoints.
func (h *UsageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)
	return r
}

// Stats handles GET /api/usage/stats.
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.auditLog.Stats(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err, h.development)
		return
	}
	render.JSON(w, r, stats)
}

// Export handles GET /api/usage/export?format=xlsx|csv. The xlsx report
// aggregates; the csv export is the raw audit ledger.
func (h *UsageHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stamp := time.Now().UTC().Format("20060102-150405")

	switch format := r.URL.Query().Get("format"); format {
	case "", "xlsx":
		stats, err := h.auditLog.Stats(ctx)
		if err != nil {
			respondError(w, r, h.logger, err, h.development)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="usage-report-`+stamp+`.xlsx"`)
		if err := exporter.WriteUsageXLSX(stats, w); err != nil {
			h.logger.ErrorContext(ctx, "usage report export failed",
				slog.String("error", err.Error()))
		}
	case "csv":
		entries, err := h.store.ListAllAudit(ctx)
		if err != nil {
			respondError(w, r, h.logger, err, h.development)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-log-`+stamp+`.csv"`)
		if err := exporter.WriteAuditCSV(entries, w); err != nil {
			h.logger.ErrorContext(ctx, "audit csv export failed",
				slog.String("error", err.Error()))
		}
	default:
		respondError(w, r, h.logger,
			apierrors.ErrValidation("format", "format must be xlsx or csv"),
			h.development)
	}
}
