package inventory

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/cardledger/cardledger/internal/shared"
)

var maxGrade = decimal.NewFromInt(10)

// Grade identifies a slab: grading company, numeric grade and optional autograph grade.
type Grade struct {
	CompanyID int64           `json:"company_id"`
	Value     decimal.Decimal `json:"value"`
	AutoGrade decimal.Decimal `json:"auto_grade"`
}

// IsZero reports whether no grade information is set.
func (g Grade) IsZero() bool {
	return g.CompanyID == 0 && g.Value.IsZero() && g.AutoGrade.IsZero()
}

// Identity is everything that makes two card units interchangeable.
type Identity struct {
	ChecklistID  int64  `json:"checklist_id"`
	Parallel     string `json:"parallel"`
	SerialNumber int    `json:"serial_number"`
	PrintRun     int    `json:"print_run"`
	Signed       bool   `json:"signed"`
	Slabbed      bool   `json:"slabbed"`
	Grade        Grade  `json:"grade"`
}

// NormalizeParallel canonicalises a parallel name so "Gold  Refractor" and
// "gold refractor" land on the same line.
func NormalizeParallel(name string) string {
	folded := cases.Fold().String(norm.NFC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// Normalized returns a copy with canonical text fields.
func (id Identity) Normalized() Identity {
	id.Parallel = NormalizeParallel(id.Parallel)
	return id
}

// Key is the storage key of the identity; equal keys mean the same line.
func (id Identity) Key() string {
	n := id.Normalized()
	return fmt.Sprintf("%d|%s|%d/%d|signed=%t|slab=%t|%d:%s:%s",
		n.ChecklistID, n.Parallel, n.SerialNumber, n.PrintRun, n.Signed, n.Slabbed,
		n.Grade.CompanyID, n.Grade.Value.String(), n.Grade.AutoGrade.String())
}

// Validate rejects identities that cannot describe a physical card.
func (id Identity) Validate() error {
	if id.ChecklistID <= 0 {
		return shared.Invalid("checklist_id", "is required")
	}
	if id.SerialNumber < 0 || id.PrintRun < 0 {
		return shared.Invalid("serial_number", "must be >= 0")
	}
	if id.SerialNumber > 0 && (id.PrintRun == 0 || id.SerialNumber > id.PrintRun) {
		return shared.Invalid("serial_number", "must be within the print run")
	}
	if !id.Slabbed {
		if !id.Grade.IsZero() {
			return shared.Invalid("grade", "requires a slabbed card")
		}
		return nil
	}
	if id.Grade.CompanyID <= 0 {
		return shared.Invalid("grade.company_id", "is required for slabbed cards")
	}
	if id.Grade.Value.IsNegative() || id.Grade.Value.GreaterThan(maxGrade) {
		return shared.Invalid("grade.value", "must be between 0 and 10")
	}
	if !wholeTenths(id.Grade.Value) {
		return shared.Invalid("grade.value", "must have at most one decimal place")
	}
	if id.Grade.AutoGrade.IsNegative() || id.Grade.AutoGrade.GreaterThan(maxGrade) {
		return shared.Invalid("grade.auto_grade", "must be between 0 and 10")
	}
	if !wholeTenths(id.Grade.AutoGrade) {
		return shared.Invalid("grade.auto_grade", "must have at most one decimal place")
	}
	if !id.Grade.AutoGrade.IsZero() && !id.Signed {
		return shared.Invalid("grade.auto_grade", "requires a signed card")
	}
	return nil
}

// wholeTenths matches the numeric(3,1) grade columns.
func wholeTenths(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(1))
}

// SignedVariant is the identity the unit takes after a successful autograph.
func (id Identity) SignedVariant() Identity {
	id.Signed = true
	return id
}

// SlabbedVariant is the identity the unit takes after grading.
func (id Identity) SlabbedVariant(g Grade) Identity {
	id.Slabbed = true
	id.Grade = g
	return id
}
