package grading

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/inventory/inventorytest"
	"github.com/cardledger/cardledger/internal/shared"
)

// ============================================================================
// MEMORY REPOSITORY
// ============================================================================

type memoryRepo struct {
	store       *inventorytest.Store
	mu          sync.Mutex
	submissions map[int64]Submission
	nextID      int64
}

type memoryTx struct {
	inventory.LineStore
	submissions map[int64]Submission
	nextID      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: inventorytest.New(), submissions: make(map[int64]Submission)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.Run(ctx, func(lines inventory.LineStore) (func(), error) {
		r.mu.Lock()
		tx := &memoryTx{LineStore: lines, submissions: make(map[int64]Submission, len(r.submissions)), nextID: r.nextID}
		for id, s := range r.submissions {
			tx.submissions[id] = cloneSubmission(s)
		}
		r.mu.Unlock()
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		return func() {
			r.mu.Lock()
			r.submissions, r.nextID = tx.submissions, tx.nextID
			r.mu.Unlock()
		}, nil
	})
}

func (r *memoryRepo) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	return cloneSubmission(s), nil
}

func (t *memoryTx) InsertSubmission(ctx context.Context, s Submission) (int64, error) {
	t.nextID++
	s.ID = t.nextID
	s.Items = nil
	t.submissions[s.ID] = s
	return s.ID, nil
}

func (t *memoryTx) InsertItem(ctx context.Context, submissionID int64, item Item) (int64, error) {
	s, ok := t.submissions[submissionID]
	if !ok {
		return 0, ErrSubmissionNotFound
	}
	t.nextID++
	item.ID = t.nextID
	s.Items = append(s.Items, item)
	t.submissions[submissionID] = s
	return item.ID, nil
}

func (t *memoryTx) GetSubmissionForUpdate(ctx context.Context, id int64) (Submission, error) {
	s, ok := t.submissions[id]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	return cloneSubmission(s), nil
}

func (t *memoryTx) UpdateItem(ctx context.Context, item Item) error {
	for id, s := range t.submissions {
		for i := range s.Items {
			if s.Items[i].ID == item.ID {
				s.Items[i] = item
				t.submissions[id] = s
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (t *memoryTx) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	s, ok := t.submissions[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	s.Status, s.UpdatedAt = status, at
	t.submissions[id] = s
	return nil
}

func cloneSubmission(s Submission) Submission {
	s.Items = append([]Item(nil), s.Items...)
	return s
}

// ============================================================================
// HELPERS
// ============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func raw(checklist int64) inventory.Identity {
	return inventory.Identity{ChecklistID: checklist, Parallel: "Base"}
}

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	return NewService(repo, nil, nil, nil), repo
}

func advance(t *testing.T, svc *Service, id int64, statuses ...Status) {
	t.Helper()
	for _, st := range statuses {
		_, err := svc.UpdateStatus(context.Background(), id, st, false, 0)
		require.NoError(t, err)
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateSubmissionDebitsOnePerItem(t *testing.T) {
	svc, repo := newTestService()
	line := repo.store.Seed(t, raw(1), 3, "30.00")

	sub, err := svc.CreateSubmission(context.Background(), CreateInput{
		CompanyID:  2,
		GradingFee: dec("40.00"),
		Items:      []ItemInput{{SourceLineID: line.ID, DeclaredValue: dec("100")}, {SourceLineID: line.ID}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, sub.Status)
	require.Len(t, sub.Items, 2)
	require.True(t, dec("10.00").Equal(sub.Items[0].CostBasis))
	require.True(t, dec("10.00").Equal(sub.Items[1].CostBasis))
	require.Equal(t, int64(1), repo.store.Line(t, line.ID).Quantity)
}

func TestCreateSubmissionRejectsSlabsAndEmptyStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	slab := repo.store.Seed(t, raw(1).SlabbedVariant(inventory.Grade{CompanyID: 2, Value: dec("9")}), 1, "10.00")
	line := repo.store.Seed(t, raw(2), 1, "10.00")

	_, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 2, Items: []ItemInput{{SourceLineID: slab.ID}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateSubmission(ctx, CreateInput{CompanyID: 2, Items: []ItemInput{{SourceLineID: line.ID}, {SourceLineID: line.ID}}})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
	require.Equal(t, int64(1), repo.store.Line(t, line.ID).Quantity)
}

func TestUpdateStatusIsForwardOnly(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 1, "5.00")
	sub, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 1, Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, sub.ID, StatusReceived, false, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
	stored, _ := svc.GetSubmission(ctx, sub.ID)
	require.Equal(t, StatusPending, stored.Status)

	advance(t, svc, sub.ID, StatusShipped)
	_, err = svc.UpdateStatus(ctx, sub.ID, StatusPending, true, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
	_, err = svc.UpdateStatus(ctx, sub.ID, StatusShipped, false, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)

	advance(t, svc, sub.ID, StatusReceived)
	_, err = svc.UpdateStatus(ctx, sub.ID, StatusGraded, false, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition, "graded is reached through RecordGrades")

	_, err = svc.UpdateStatus(ctx, sub.ID, Status("lost"), false, 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateStatusOverride(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 2, "5.00")
	first, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 1, Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)
	second, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 1, Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)

	sub, err := svc.UpdateStatus(ctx, first.ID, StatusReceived, true, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, sub.Status)

	_, err = svc.UpdateStatus(ctx, second.ID, StatusReturned, true, 1)
	require.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestRecordGradesCreditsSlabbedVariants(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	a := repo.store.Seed(t, raw(1), 1, "20.00")
	b := repo.store.Seed(t, raw(2).SignedVariant(), 1, "50.00")
	c := repo.store.Seed(t, raw(3), 1, "7.00")
	sub, err := svc.CreateSubmission(ctx, CreateInput{
		CompanyID:    3,
		GradingFee:   dec("75.00"),
		ShippingCost: dec("25.00"),
		Items:        []ItemInput{{SourceLineID: a.ID}, {SourceLineID: b.ID}, {SourceLineID: c.ID}},
	})
	require.NoError(t, err)

	_, err = svc.RecordGrades(ctx, sub.ID, nil, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
	advance(t, svc, sub.ID, StatusShipped, StatusReceived)

	cert := "  81234567 "
	_, err = svc.RecordGrades(ctx, sub.ID, []Result{{ItemID: sub.Items[0].ID, GradeValue: decPtr("9.5")}}, 0)
	require.ErrorIs(t, err, shared.ErrValidation, "every item needs a result")

	graded, err := svc.RecordGrades(ctx, sub.ID, []Result{
		{ItemID: sub.Items[0].ID, GradeValue: decPtr("9.5"), CertNumber: &cert},
		{ItemID: sub.Items[1].ID, GradeValue: decPtr("10"), AutoGrade: decPtr("10")},
		{ItemID: sub.Items[2].ID},
	}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusGraded, graded.Status)
	require.True(t, dec("33.34").Equal(graded.Items[0].FeeShare))
	require.True(t, dec("33.33").Equal(graded.Items[1].FeeShare))
	require.Equal(t, "81234567", *graded.Items[0].CertNumber)

	slab, ok := repo.store.LineFor(raw(1).SlabbedVariant(inventory.Grade{CompanyID: 3, Value: dec("9.5")}))
	require.True(t, ok)
	require.True(t, dec("53.34").Equal(slab.TotalCostBasis))
	require.Equal(t, slab.ID, *graded.Items[0].ResultLineID)

	auto, ok := repo.store.LineFor(raw(2).SignedVariant().SlabbedVariant(inventory.Grade{CompanyID: 3, Value: dec("10"), AutoGrade: dec("10")}))
	require.True(t, ok)
	require.True(t, dec("83.33").Equal(auto.TotalCostBasis))

	ungraded := repo.store.Line(t, c.ID)
	require.Equal(t, int64(1), ungraded.Quantity)
	require.True(t, dec("40.33").Equal(ungraded.TotalCostBasis))

	advance(t, svc, sub.ID, StatusReturned)
	_, err = svc.RecordGrades(ctx, sub.ID, nil, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestRecordGradesRollsBackOnInvalidGrade(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 1, "20.00")
	sub, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 3, Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)
	advance(t, svc, sub.ID, StatusShipped, StatusReceived)

	_, err = svc.RecordGrades(ctx, sub.ID, []Result{{ItemID: sub.Items[0].ID, GradeValue: decPtr("9"), AutoGrade: decPtr("8")}}, 0)
	require.ErrorIs(t, err, shared.ErrValidation, "auto grade needs a signed card")
	stored, _ := svc.GetSubmission(ctx, sub.ID)
	require.Equal(t, StatusReceived, stored.Status)
	require.Len(t, repo.store.Lines(), 1)
}

func TestHandlerRejectsSkippedStatus(t *testing.T) {
	svc, repo := newTestService()
	line := repo.store.Seed(t, raw(1), 1, "5.00")
	sub, err := svc.CreateSubmission(context.Background(), CreateInput{CompanyID: 1, Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/1/status", strings.NewReader(`{"status":"received"}`)))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/1/status", strings.NewReader(`{"status":"shipped"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"shipped"`)
	require.Equal(t, int64(1), sub.ID)
}

func TestCreateSubmissionRetriedCommit(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 3, "30.00")
	before := repo.store.Attempts()
	repo.store.FailCommits(1)

	sub, err := svc.CreateSubmission(ctx, CreateInput{CompanyID: 2, GradingFee: dec("20.00"), Items: []ItemInput{{SourceLineID: line.ID}}})
	require.NoError(t, err)
	require.Equal(t, 2, repo.store.Attempts()-before)
	require.Len(t, sub.Items, 1)

	stored, err := svc.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.Equal(t, stored.Items[0].ID, sub.Items[0].ID)
	require.Equal(t, int64(2), repo.store.Line(t, line.ID).Quantity)
	require.Len(t, repo.store.Movements(line.ID), 2)

	advance(t, svc, sub.ID, StatusShipped, StatusReceived)
	graded, err := svc.RecordGrades(ctx, sub.ID, []Result{{ItemID: sub.Items[0].ID, GradeValue: decPtr("9.5")}}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusGraded, graded.Status)
	require.True(t, dec("20.00").Equal(graded.Items[0].FeeShare))
}
