package consignment

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/httpx"
)

// Handler wires HTTP endpoints for consignments.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the consignment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers consignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/returns", h.handleReturn)
		r.Post("/fee-paid", h.handleFeePaid)
		r.Post("/cancel", h.handleCancel)
	})
}

type createRequest struct {
	ConsignerID int64     `json:"consigner_id" validate:"required,gt=0"`
	DateSent    time.Time `json:"date_sent"`
	Items       []struct {
		SourceLineID int64           `json:"source_line_id" validate:"required,gt=0"`
		Quantity     int64           `json:"quantity" validate:"required,gt=0"`
		FeePerCard   decimal.Decimal `json:"fee_per_card"`
	} `json:"items" validate:"required,min=1,dive"`
	ActorID int64 `json:"actor_id"`
}

type returnRequest struct {
	Resolutions []struct {
		ItemID int64      `json:"item_id" validate:"required,gt=0"`
		Status ItemStatus `json:"status" validate:"required,oneof=signed refused lost"`
	} `json:"resolutions" validate:"required,min=1,dive"`
	ActorID int64 `json:"actor_id"`
}

type actorRequest struct {
	ActorID int64 `json:"actor_id"`
}

type itemResponse struct {
	ID             int64              `json:"id"`
	SourceLineID   int64              `json:"source_line_id"`
	SourceIdentity inventory.Identity `json:"source_identity"`
	Quantity       int64              `json:"quantity"`
	FeePerCard     string             `json:"fee_per_card"`
	CostBasis      string             `json:"cost_basis"`
	Status         ItemStatus         `json:"status"`
	SignedLineID   *int64             `json:"signed_line_id,omitempty"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

type consignmentResponse struct {
	ID          int64          `json:"id"`
	Number      string         `json:"number"`
	ConsignerID int64          `json:"consigner_id"`
	DateSent    time.Time      `json:"date_sent"`
	Status      Status         `json:"status"`
	FeePolicy   FeePolicy      `json:"fee_policy"`
	FeePaid     bool           `json:"fee_paid"`
	FeePaidAt   *time.Time     `json:"fee_paid_at,omitempty"`
	TotalFee    string         `json:"total_fee"`
	FeeOwed     string         `json:"fee_owed"`
	WrittenOff  string         `json:"written_off"`
	Items       []itemResponse `json:"items"`
}

func newConsignmentResponse(c Consignment) consignmentResponse {
	items := make([]itemResponse, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, itemResponse{
			ID:             it.ID,
			SourceLineID:   it.SourceLineID,
			SourceIdentity: it.SourceIdentity,
			Quantity:       it.Quantity,
			FeePerCard:     it.FeePerCard.StringFixed(2),
			CostBasis:      it.CostBasis.StringFixed(2),
			Status:         it.Status,
			SignedLineID:   it.SignedLineID,
			ResolvedAt:     it.ResolvedAt,
		})
	}
	return consignmentResponse{
		ID:          c.ID,
		Number:      c.Number,
		ConsignerID: c.ConsignerID,
		DateSent:    c.DateSent,
		Status:      c.Status,
		FeePolicy:   c.FeePolicy,
		FeePaid:     c.FeePaid,
		FeePaidAt:   c.FeePaidAt,
		TotalFee:    c.TotalFee().StringFixed(2),
		FeeOwed:     c.FeeOwed().StringFixed(2),
		WrittenOff:  c.WrittenOff().StringFixed(2),
		Items:       items,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateInput{ConsignerID: req.ConsignerID, DateSent: req.DateSent, ActorID: req.ActorID}
	for _, it := range req.Items {
		input.Items = append(input.Items, ItemInput{SourceLineID: it.SourceLineID, Quantity: it.Quantity, FeePerCard: it.FeePerCard})
	}
	record, err := h.service.CreateConsignment(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newConsignmentResponse(record))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	record, err := h.service.GetConsignment(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newConsignmentResponse(record))
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req returnRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	resolutions := make([]Resolution, 0, len(req.Resolutions))
	for _, res := range req.Resolutions {
		resolutions = append(resolutions, Resolution{ItemID: res.ItemID, Status: res.Status})
	}
	record, err := h.service.ProcessReturn(r.Context(), id, resolutions, req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newConsignmentResponse(record))
}

func (h *Handler) handleFeePaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkFeePaid)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CancelConsignment)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, actorID int64) (Consignment, error)) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req actorRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	record, err := apply(r.Context(), id, req.ActorID)
	if err != nil {
		h.logger.Info("consignment transition rejected", slog.Int64("consignment_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newConsignmentResponse(record))
}
