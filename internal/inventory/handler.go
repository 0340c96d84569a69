package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cardledger/cardledger/internal/platform/httpx"
	"github.com/cardledger/cardledger/internal/shared"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/summary", h.handleSummary)
	r.Route("/lines/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetLine)
		r.Get("/movements", h.handleMovements)
		r.Post("/adjust", h.handleAdjust)
	})
}

type identityResponse struct {
	Identity
	Key string `json:"key"`
}

type lineResponse struct {
	ID             int64            `json:"id"`
	Identity       identityResponse `json:"identity"`
	Quantity       int64            `json:"quantity"`
	TotalCostBasis string           `json:"total_cost_basis"`
	UnitCost       *string          `json:"unit_cost,omitempty"`
	Version        int64            `json:"version"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewLineResponse renders a line for API consumers.
func NewLineResponse(l Line) any {
	resp := lineResponse{
		ID:             l.ID,
		Identity:       identityResponse{Identity: l.Identity, Key: l.Identity.Key()},
		Quantity:       l.Quantity,
		TotalCostBasis: l.TotalCostBasis.StringFixed(2),
		Version:        l.Version,
		UpdatedAt:      l.UpdatedAt,
	}
	if unit, ok := l.UnitCost(); ok {
		s := unit.StringFixed(4)
		resp.UnitCost = &s
	}
	return resp
}

type movementResponse struct {
	ID          int64        `json:"id"`
	Kind        MovementKind `json:"kind"`
	QtyDelta    int64        `json:"qty_delta"`
	CostDelta   string       `json:"cost_delta"`
	BalanceQty  int64        `json:"balance_qty"`
	BalanceCost string       `json:"balance_cost"`
	RefModule   string       `json:"ref_module"`
	RefID       int64        `json:"ref_id"`
	Note        string       `json:"note,omitempty"`
	PostedAt    time.Time    `json:"posted_at"`
}

type adjustRequest struct {
	Delta   int64  `json:"delta" validate:"required"`
	Note    string `json:"note" validate:"required,max=500"`
	ActorID int64  `json:"actor_id"`
}

func (h *Handler) handleGetLine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.service.GetLine(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewLineResponse(line))
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{LineID: id}
	q := r.URL.Query()
	if filter.From, err = parseDate(q.Get("from"), "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to"), "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, shared.Invalid("limit", "must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	movements, err := h.service.Movements(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementResponse{
			ID:          m.ID,
			Kind:        m.Kind,
			QtyDelta:    m.QtyDelta,
			CostDelta:   m.CostDelta.StringFixed(2),
			BalanceQty:  m.BalanceQty,
			BalanceCost: m.BalanceCost.StringFixed(2),
			RefModule:   m.RefModule,
			RefID:       m.RefID,
			Note:        m.Note,
			PostedAt:    m.PostedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.service.AdjustInventory(r.Context(), AdjustInput{LineID: id, Delta: req.Delta, Note: req.Note, ActorID: req.ActorID})
	if err != nil {
		h.logger.Warn("inventory adjust rejected", slog.Int64("line_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewLineResponse(line))
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func parseDate(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, shared.Invalid(field, "must be YYYY-MM-DD")
	}
	return t, nil
}
