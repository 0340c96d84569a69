package acquisition

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/httpx"
	"github.com/cardledger/cardledger/internal/shared"
)

// Handler wires HTTP endpoints for purchases.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the purchase handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers purchase routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Post("/bulk", h.handleBulk)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleDelete)
}

type itemRequest struct {
	Identity  inventory.Identity `json:"identity"`
	Quantity  int64              `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal    `json:"unit_price"`
}

type createRequest struct {
	Vendor         string          `json:"vendor" validate:"required,max=200"`
	PurchasedAt    time.Time       `json:"purchased_at"`
	Items          []itemRequest   `json:"items" validate:"required,min=1,dive"`
	Shipping       decimal.Decimal `json:"shipping"`
	Tax            decimal.Decimal `json:"tax"`
	AddToInventory bool            `json:"add_to_inventory"`
	ActorID        int64           `json:"actor_id"`
}

type bulkRowRequest struct {
	Vendor      string             `json:"vendor"`
	PurchasedAt time.Time          `json:"purchased_at"`
	Identity    inventory.Identity `json:"identity"`
	Quantity    int64              `json:"quantity"`
	UnitCost    decimal.Decimal    `json:"unit_cost"`
}

type bulkRequest struct {
	BatchID string           `json:"batch_id" validate:"omitempty,max=128"`
	Rows    []bulkRowRequest `json:"rows" validate:"required,min=1"`
	ActorID int64            `json:"actor_id"`
}

type itemResponse struct {
	ID             int64              `json:"id"`
	Identity       inventory.Identity `json:"identity"`
	Quantity       int64              `json:"quantity"`
	UnitPrice      string             `json:"unit_price"`
	AllocatedShare string             `json:"allocated_share"`
	LineID         *int64             `json:"line_id,omitempty"`
}

type purchaseResponse struct {
	ID               int64          `json:"id"`
	Number           string         `json:"number"`
	Vendor           string         `json:"vendor"`
	PurchasedAt      time.Time      `json:"purchased_at"`
	BatchID          string         `json:"batch_id,omitempty"`
	Items            []itemResponse `json:"items"`
	Shipping         string         `json:"shipping"`
	Tax              string         `json:"tax"`
	Subtotal         string         `json:"subtotal"`
	Total            string         `json:"total"`
	AddedToInventory bool           `json:"added_to_inventory"`
}

func newPurchaseResponse(p Purchase) purchaseResponse {
	items := make([]itemResponse, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, itemResponse{
			ID:             it.ID,
			Identity:       it.Identity,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice.StringFixed(2),
			AllocatedShare: it.AllocatedShare.StringFixed(2),
			LineID:         it.LineID,
		})
	}
	return purchaseResponse{
		ID:               p.ID,
		Number:           p.Number,
		Vendor:           p.Vendor,
		PurchasedAt:      p.PurchasedAt,
		BatchID:          p.BatchID,
		Items:            items,
		Shipping:         p.Shipping.StringFixed(2),
		Tax:              p.Tax.StringFixed(2),
		Subtotal:         p.Subtotal.StringFixed(2),
		Total:            p.Total.StringFixed(2),
		AddedToInventory: p.AddedToInventory,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := PurchaseInput{
		Vendor:         req.Vendor,
		PurchasedAt:    req.PurchasedAt,
		Shipping:       req.Shipping,
		Tax:            req.Tax,
		AddToInventory: req.AddToInventory,
		ActorID:        req.ActorID,
	}
	for _, it := range req.Items {
		input.Items = append(input.Items, ItemInput{Identity: it.Identity, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	purchase, err := h.service.RecordPurchase(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPurchaseResponse(purchase))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	purchase, err := h.service.GetPurchase(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPurchaseResponse(purchase))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeletePurchase(r.Context(), id, 0); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.BatchID == "" {
		rows, _ := json.Marshal(req.Rows)
		req.BatchID = shared.DeriveBatchID(BatchModule, rows)
	}
	rows := make([]BulkRow, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, BulkRow{Vendor: row.Vendor, PurchasedAt: row.PurchasedAt, Identity: row.Identity, Quantity: row.Quantity, UnitCost: row.UnitCost})
	}
	result, err := h.service.BulkCreateInventory(r.Context(), req.BatchID, rows, req.ActorID)
	if err != nil {
		h.logger.Warn("bulk inventory rejected", slog.String("batch_id", req.BatchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}
