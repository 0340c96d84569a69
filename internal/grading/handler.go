package grading

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/httpx"
)

// Handler wires HTTP endpoints for grading submissions.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the grading handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers grading routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/status", h.handleStatus)
		r.Post("/grades", h.handleGrades)
	})
}

type createRequest struct {
	CompanyID     int64           `json:"company_id" validate:"required,gt=0"`
	DateSubmitted time.Time       `json:"date_submitted"`
	GradingFee    decimal.Decimal `json:"grading_fee"`
	ShippingCost  decimal.Decimal `json:"shipping_cost"`
	Items         []struct {
		SourceLineID  int64           `json:"source_line_id" validate:"required,gt=0"`
		DeclaredValue decimal.Decimal `json:"declared_value"`
	} `json:"items" validate:"required,min=1,dive"`
	ActorID int64 `json:"actor_id"`
}

type statusRequest struct {
	Status   Status `json:"status" validate:"required,oneof=pending shipped received graded returned"`
	Override bool   `json:"override"`
	ActorID  int64  `json:"actor_id"`
}

type gradesRequest struct {
	Results []struct {
		ItemID     int64            `json:"item_id" validate:"required,gt=0"`
		GradeValue *decimal.Decimal `json:"grade_value"`
		AutoGrade  *decimal.Decimal `json:"auto_grade"`
		CertNumber *string          `json:"cert_number" validate:"omitempty,max=64"`
	} `json:"results" validate:"required,min=1,dive"`
	ActorID int64 `json:"actor_id"`
}

type itemResponse struct {
	ID             int64              `json:"id"`
	SourceLineID   int64              `json:"source_line_id"`
	SourceIdentity inventory.Identity `json:"source_identity"`
	DeclaredValue  string             `json:"declared_value"`
	CostBasis      string             `json:"cost_basis"`
	FeeShare       string             `json:"fee_share"`
	GradeValue     *decimal.Decimal   `json:"grade_value,omitempty"`
	AutoGrade      *decimal.Decimal   `json:"auto_grade,omitempty"`
	CertNumber     *string            `json:"cert_number,omitempty"`
	ResultLineID   *int64             `json:"result_line_id,omitempty"`
}

type submissionResponse struct {
	ID            int64          `json:"id"`
	Number        string         `json:"number"`
	CompanyID     int64          `json:"company_id"`
	DateSubmitted time.Time      `json:"date_submitted"`
	Status        Status         `json:"status"`
	GradingFee    string         `json:"grading_fee"`
	ShippingCost  string         `json:"shipping_cost"`
	Items         []itemResponse `json:"items"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func newSubmissionResponse(s Submission) submissionResponse {
	items := make([]itemResponse, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, itemResponse{
			ID:             it.ID,
			SourceLineID:   it.SourceLineID,
			SourceIdentity: it.SourceIdentity,
			DeclaredValue:  it.DeclaredValue.StringFixed(2),
			CostBasis:      it.CostBasis.StringFixed(2),
			FeeShare:       it.FeeShare.StringFixed(2),
			GradeValue:     it.GradeValue,
			AutoGrade:      it.AutoGrade,
			CertNumber:     it.CertNumber,
			ResultLineID:   it.ResultLineID,
		})
	}
	return submissionResponse{
		ID:            s.ID,
		Number:        s.Number,
		CompanyID:     s.CompanyID,
		DateSubmitted: s.DateSubmitted,
		Status:        s.Status,
		GradingFee:    s.GradingFee.StringFixed(2),
		ShippingCost:  s.ShippingCost.StringFixed(2),
		Items:         items,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateInput{
		CompanyID:     req.CompanyID,
		DateSubmitted: req.DateSubmitted,
		GradingFee:    req.GradingFee,
		ShippingCost:  req.ShippingCost,
		ActorID:       req.ActorID,
	}
	for _, it := range req.Items {
		input.Items = append(input.Items, ItemInput{SourceLineID: it.SourceLineID, DeclaredValue: it.DeclaredValue})
	}
	sub, err := h.service.CreateSubmission(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newSubmissionResponse(sub))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sub, err := h.service.GetSubmission(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sub, err := h.service.UpdateStatus(r.Context(), id, req.Status, req.Override, req.ActorID)
	if err != nil {
		h.logger.Info("grading status rejected", slog.Int64("submission_id", id), slog.String("status", string(req.Status)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (h *Handler) handleGrades(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req gradesRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	results := make([]Result, 0, len(req.Results))
	for _, res := range req.Results {
		results = append(results, Result{ItemID: res.ItemID, GradeValue: res.GradeValue, AutoGrade: res.AutoGrade, CertNumber: res.CertNumber})
	}
	sub, err := h.service.RecordGrades(r.Context(), id, results, req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSubmissionResponse(sub))
}
