package grading

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// RefModule tags ledger movements caused by grading submissions.
const RefModule = "GRADING"

// Status of a submission. The order is strictly linear.
type Status string

const (
	StatusPending  Status = "pending"
	StatusShipped  Status = "shipped"
	StatusReceived Status = "received"
	StatusGraded   Status = "graded"
	StatusReturned Status = "returned"
)

var statusOrder = []Status{StatusPending, StatusShipped, StatusReceived, StatusGraded, StatusReturned}

// Rank returns the position of s in the workflow, or -1 for unknown values.
func (s Status) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Submission is a batch of raw cards sent to a grading company.
type Submission struct {
	ID            int64
	Number        string
	CompanyID     int64
	DateSubmitted time.Time
	Status        Status
	GradingFee    decimal.Decimal
	ShippingCost  decimal.Decimal
	Items         []Item
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Item is a single submitted card.
type Item struct {
	ID             int64
	SourceLineID   int64
	SourceIdentity inventory.Identity
	DeclaredValue  decimal.Decimal
	// CostBasis is the cost removed from the raw line at submission.
	CostBasis    decimal.Decimal
	FeeShare     decimal.Decimal
	GradeValue   *decimal.Decimal
	AutoGrade    *decimal.Decimal
	CertNumber   *string
	ResultLineID *int64
}

// ItemInput describes a card to submit.
type ItemInput struct {
	SourceLineID  int64
	DeclaredValue decimal.Decimal
}

// CreateInput carries data for CreateSubmission.
type CreateInput struct {
	CompanyID     int64
	DateSubmitted time.Time
	GradingFee    decimal.Decimal
	ShippingCost  decimal.Decimal
	Items         []ItemInput
	ActorID       int64
}

// Result is the grade reported for one item. A nil GradeValue means the
// card came back ungraded.
type Result struct {
	ItemID     int64
	GradeValue *decimal.Decimal
	AutoGrade  *decimal.Decimal
	CertNumber *string
}

var (
	// ErrSubmissionNotFound indicates a missing submission.
	ErrSubmissionNotFound = fmt.Errorf("grading: submission %w", shared.ErrNotFound)
	// ErrItemNotFound indicates a result naming an item outside the submission.
	ErrItemNotFound = fmt.Errorf("grading: item %w", shared.ErrNotFound)
)
