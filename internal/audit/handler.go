package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/cardledger/cardledger/internal/platform/httpx"
	"github.com/cardledger/cardledger/internal/shared"
)

const (
	exportRateLimit  = 10
	exportRateWindow = time.Minute
	maxRange         = 90 * 24 * time.Hour
	dateLayout       = "2006-01-02"
)

// Handler serves the audit trail.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the timeline and its CSV export.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleTimeline)
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.Limit(exportRateLimit, exportRateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
		gr.Get("/export.csv", h.handleExport)
	})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	payload, err := WriteCSV(rows)
	if err != nil {
		h.logger.Error("encode audit csv", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-trail.csv"`)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	var filters TimelineFilters
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		from, err := time.Parse(dateLayout, v)
		if err != nil {
			return TimelineFilters{}, shared.Invalid("from", "must be YYYY-MM-DD")
		}
		filters.From = from
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		to, err := time.Parse(dateLayout, v)
		if err != nil {
			return TimelineFilters{}, shared.Invalid("to", "must be YYYY-MM-DD")
		}
		filters.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if !filters.From.IsZero() && !filters.To.IsZero() {
		if filters.From.After(filters.To) {
			return TimelineFilters{}, shared.Invalid("from", "must not be after to")
		}
		if filters.To.Sub(filters.From) > maxRange {
			return TimelineFilters{}, shared.Invalid("to", "range must not exceed 90 days")
		}
	}
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return TimelineFilters{}, shared.Invalid("actor_id", "must be a positive integer")
		}
		filters.ActorID = id
	}
	for name, dst := range map[string]*int{"page": &filters.Page, "page_size": &filters.PageSize} {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return TimelineFilters{}, shared.Invalid(name, "must be a positive integer")
		}
		*dst = n
	}
	filters.Entity = strings.TrimSpace(q.Get("entity"))
	filters.EntityID = strings.TrimSpace(q.Get("entity_id"))
	filters.Action = strings.TrimSpace(q.Get("action"))
	return filters, nil
}
