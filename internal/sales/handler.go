package sales

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/costbasis"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/httpx"
	"github.com/cardledger/cardledger/internal/shared"
)

// Handler wires HTTP endpoints for sales.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Post("/import", h.handleImport)
	r.Get("/profit", h.handleProfit)
	r.Get("/{id}", h.handleGet)
}

type createRequest struct {
	Platform    string    `json:"platform" validate:"required,max=50"`
	SoldAt      time.Time `json:"sold_at"`
	ExternalRef string    `json:"external_ref" validate:"max=100"`
	Items       []struct {
		LineID      *int64          `json:"line_id" validate:"omitempty,gt=0"`
		Description string          `json:"description" validate:"max=300"`
		Quantity    int64           `json:"quantity" validate:"required,gt=0"`
		SalePrice   decimal.Decimal `json:"sale_price"`
	} `json:"items" validate:"required,min=1,dive"`
	Fees                Fees  `json:"fees"`
	RemoveFromInventory bool  `json:"remove_from_inventory"`
	ActorID             int64 `json:"actor_id"`
}

type importRowRequest struct {
	OrderNumber       string              `json:"order_number"`
	SoldAt            time.Time           `json:"sold_at"`
	Title             string              `json:"title"`
	Identity          *inventory.Identity `json:"identity"`
	Quantity          int64               `json:"quantity"`
	SalePrice         decimal.Decimal     `json:"sale_price"`
	ShippingCollected decimal.Decimal     `json:"shipping_collected"`
	PlatformFees      decimal.Decimal     `json:"platform_fees"`
	PaymentFees       decimal.Decimal     `json:"payment_fees"`
	ShippingCost      decimal.Decimal     `json:"shipping_cost"`
}

type importRequest struct {
	BatchID             string             `json:"batch_id" validate:"omitempty,max=128"`
	Rows                []importRowRequest `json:"rows" validate:"required,min=1"`
	RemoveFromInventory bool               `json:"remove_from_inventory"`
	ActorID             int64              `json:"actor_id"`
}

type profitResponse struct {
	ProfitReport
	ProfitDisplay string `json:"profit_display"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := SaleInput{
		Platform:            req.Platform,
		SoldAt:              req.SoldAt,
		ExternalRef:         req.ExternalRef,
		Fees:                req.Fees,
		RemoveFromInventory: req.RemoveFromInventory,
		ActorID:             req.ActorID,
	}
	for _, it := range req.Items {
		input.Items = append(input.Items, ItemInput{LineID: it.LineID, Description: it.Description, Quantity: it.Quantity, SalePrice: it.SalePrice})
	}
	sale, err := h.service.RecordSale(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.BatchID == "" {
		payload, _ := json.Marshal(req.Rows)
		req.BatchID = shared.DeriveBatchID(BatchModule, payload)
	}
	rows := make([]ImportRow, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, ImportRow{
			OrderNumber:       row.OrderNumber,
			SoldAt:            row.SoldAt,
			Title:             row.Title,
			Identity:          row.Identity,
			Quantity:          row.Quantity,
			SalePrice:         row.SalePrice,
			ShippingCollected: row.ShippingCollected,
			PlatformFees:      row.PlatformFees,
			PaymentFees:       row.PaymentFees,
			ShippingCost:      row.ShippingCost,
		})
	}
	result, err := h.service.ImportSales(r.Context(), req.BatchID, rows, req.RemoveFromInventory, req.ActorID)
	if err != nil {
		h.logger.Warn("sales import rejected", slog.String("batch_id", req.BatchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleProfit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("from", "must be YYYY-MM-DD"))
		return
	}
	to, err := time.Parse("2006-01-02", q.Get("to"))
	if err != nil {
		httpx.RespondError(w, shared.Invalid("to", "must be YYYY-MM-DD"))
		return
	}
	report, err := h.service.ProfitReport(r.Context(), from, to.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profitResponse{ProfitReport: report, ProfitDisplay: costbasis.Format(report.Totals.Profit)})
}
