package consignment

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/inventory/inventorytest"
	"github.com/cardledger/cardledger/internal/shared"
)

// ============================================================================
// MEMORY REPOSITORY
// ============================================================================

type memoryRepo struct {
	store   *inventorytest.Store
	mu      sync.Mutex
	records map[int64]Consignment
	nextID  int64
}

type memoryTx struct {
	inventory.LineStore
	records map[int64]Consignment
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: inventorytest.New(), records: make(map[int64]Consignment)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.Run(ctx, func(lines inventory.LineStore) (func(), error) {
		r.mu.Lock()
		tx := &memoryTx{LineStore: lines, records: make(map[int64]Consignment, len(r.records)), nextID: r.nextID}
		for id, c := range r.records {
			tx.records[id] = cloneConsignment(c)
		}
		r.mu.Unlock()
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		return func() {
			r.mu.Lock()
			r.records, r.nextID = tx.records, tx.nextID
			r.mu.Unlock()
		}, nil
	})
}

func (r *memoryRepo) GetConsignment(ctx context.Context, id int64) (Consignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.records[id]
	if !ok {
		return Consignment{}, ErrConsignmentNotFound
	}
	return cloneConsignment(c), nil
}

func (t *memoryTx) InsertConsignment(ctx context.Context, c Consignment) (int64, error) {
	t.nextID++
	c.ID = t.nextID
	c.Items = nil
	t.records[c.ID] = c
	return c.ID, nil
}

func (t *memoryTx) InsertItem(ctx context.Context, consignmentID int64, item Item) (int64, error) {
	c, ok := t.records[consignmentID]
	if !ok {
		return 0, ErrConsignmentNotFound
	}
	t.nextID++
	item.ID = t.nextID
	c.Items = append(c.Items, item)
	t.records[consignmentID] = c
	return item.ID, nil
}

func (t *memoryTx) GetConsignmentForUpdate(ctx context.Context, id int64) (Consignment, error) {
	c, ok := t.records[id]
	if !ok {
		return Consignment{}, ErrConsignmentNotFound
	}
	return cloneConsignment(c), nil
}

func (t *memoryTx) UpdateItem(ctx context.Context, item Item) error {
	for id, c := range t.records {
		for i, it := range c.Items {
			if it.ID != item.ID {
				continue
			}
			if it.Status != ItemPending {
				return ErrItemNotFound
			}
			c.Items[i] = item
			t.records[id] = c
			return nil
		}
	}
	return ErrItemNotFound
}

func (t *memoryTx) UpdateConsignment(ctx context.Context, c Consignment) error {
	current, ok := t.records[c.ID]
	if !ok {
		return ErrConsignmentNotFound
	}
	current.Status, current.FeePaid, current.FeePaidAt = c.Status, c.FeePaid, c.FeePaidAt
	t.records[c.ID] = current
	return nil
}

func cloneConsignment(c Consignment) Consignment {
	c.Items = append([]Item(nil), c.Items...)
	return c
}

// ============================================================================
// HELPERS
// ============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func raw(checklist int64) inventory.Identity {
	return inventory.Identity{ChecklistID: checklist, Parallel: "Base"}
}

func newTestService(policy FeePolicy) (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	return NewService(repo, nil, nil, policy, nil), repo
}

func send(t *testing.T, svc *Service, items ...ItemInput) Consignment {
	t.Helper()
	record, err := svc.CreateConsignment(context.Background(), CreateInput{ConsignerID: 7, Items: items})
	require.NoError(t, err)
	return record
}

// ============================================================================
// TESTS
// ============================================================================

func TestSignedReturnCarriesFee(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	source := repo.store.Seed(t, raw(1), 2, "20.00")

	record := send(t, svc, ItemInput{SourceLineID: source.ID, Quantity: 1, FeePerCard: dec("5.00")})
	require.Equal(t, StatusPending, record.Status)
	require.True(t, dec("10.00").Equal(record.Items[0].CostBasis))
	after := repo.store.Line(t, source.ID)
	require.Equal(t, int64(1), after.Quantity)
	require.True(t, dec("10.00").Equal(after.TotalCostBasis))

	record, err := svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemSigned}}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, record.Status)
	require.NotNil(t, record.Items[0].SignedLineID)
	require.NotNil(t, record.Items[0].ResolvedAt)

	signed, ok := repo.store.LineFor(raw(1).SignedVariant())
	require.True(t, ok)
	require.Equal(t, *record.Items[0].SignedLineID, signed.ID)
	unit, ok := signed.UnitCost()
	require.True(t, ok)
	require.True(t, dec("15.00").Equal(unit))
	require.True(t, dec("5.00").Equal(record.FeeOwed()))
}

func TestStatusDerivation(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	var inputs []ItemInput
	for i := int64(1); i <= 3; i++ {
		line := repo.store.Seed(t, raw(i), 1, "3.00")
		inputs = append(inputs, ItemInput{SourceLineID: line.ID, Quantity: 1, FeePerCard: dec("2.00")})
	}
	record := send(t, svc, inputs...)

	record, err := svc.ProcessReturn(ctx, record.ID, []Resolution{
		{ItemID: record.Items[0].ID, Status: ItemSigned},
		{ItemID: record.Items[1].ID, Status: ItemRefused},
	}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, record.Status)
	require.True(t, dec("6.00").Equal(record.TotalFee()))
	require.True(t, dec("2.00").Equal(record.FeeOwed()))

	_, ok := repo.store.LineFor(raw(2).SignedVariant())
	require.False(t, ok, "refused cards are not restocked")

	record, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[2].ID, Status: ItemLost}}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, record.Status)
	require.True(t, dec("3.00").Equal(record.WrittenOff()))
}

func TestItemResolutionIsWriteOnce(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	a := repo.store.Seed(t, raw(1), 1, "1.00")
	b := repo.store.Seed(t, raw(2), 1, "1.00")
	record := send(t, svc, ItemInput{SourceLineID: a.ID, Quantity: 1}, ItemInput{SourceLineID: b.ID, Quantity: 1})

	_, err := svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemRefused}}, 0)
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, record.ID, []Resolution{
		{ItemID: record.Items[1].ID, Status: ItemSigned},
		{ItemID: record.Items[0].ID, Status: ItemSigned},
	}, 0)
	var transition *shared.StateTransitionError
	require.ErrorAs(t, err, &transition)
	require.Equal(t, "refused", transition.From)

	stored, err := svc.GetConsignment(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, ItemPending, stored.Items[1].Status, "failed return must not apply partially")
	_, ok := repo.store.LineFor(raw(2).SignedVariant())
	require.False(t, ok)

	_, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: 999, Status: ItemSigned}}, 0)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[1].ID, Status: ItemPending}}, 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateConsignmentInsufficientStock(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	a := repo.store.Seed(t, raw(1), 2, "4.00")
	b := repo.store.Seed(t, raw(2), 1, "4.00")

	_, err := svc.CreateConsignment(context.Background(), CreateInput{ConsignerID: 1, Items: []ItemInput{
		{SourceLineID: a.ID, Quantity: 2},
		{SourceLineID: b.ID, Quantity: 2},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
	require.Equal(t, int64(2), repo.store.Line(t, a.ID).Quantity)
	require.Equal(t, int64(1), repo.store.Line(t, b.ID).Quantity)
}

func TestCreateConsignmentRejectsSlabs(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	slab := repo.store.Seed(t, raw(1).SlabbedVariant(inventory.Grade{CompanyID: 1, Value: dec("10")}), 1, "50.00")

	_, err := svc.CreateConsignment(context.Background(), CreateInput{ConsignerID: 1, Items: []ItemInput{{SourceLineID: slab.ID, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, int64(1), repo.store.Line(t, slab.ID).Quantity)
}

func TestMarkFeePaid(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 1, "1.00")
	record := send(t, svc, ItemInput{SourceLineID: line.ID, Quantity: 1, FeePerCard: dec("3")})

	_, err := svc.MarkFeePaid(ctx, record.ID, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)

	_, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemSigned}}, 0)
	require.NoError(t, err)
	paid, err := svc.MarkFeePaid(ctx, record.ID, 0)
	require.NoError(t, err)
	require.True(t, paid.FeePaid)
	require.NotNil(t, paid.FeePaidAt)

	_, err = svc.MarkFeePaid(ctx, record.ID, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestFeeOwedOnAttempt(t *testing.T) {
	svc, repo := newTestService(FeeOnAttempt)
	ctx := context.Background()
	a := repo.store.Seed(t, raw(1), 1, "1.00")
	b := repo.store.Seed(t, raw(2), 1, "1.00")
	record := send(t, svc, ItemInput{SourceLineID: a.ID, Quantity: 1, FeePerCard: dec("4")}, ItemInput{SourceLineID: b.ID, Quantity: 1, FeePerCard: dec("4")})
	require.Equal(t, FeeOnAttempt, record.FeePolicy)

	record, err := svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemRefused}}, 0)
	require.NoError(t, err)
	require.True(t, dec("4").Equal(record.FeeOwed()))
}

func TestCancelConsignment(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	line := repo.store.Seed(t, raw(1), 3, "10.00")
	record := send(t, svc, ItemInput{SourceLineID: line.ID, Quantity: 2})

	cancelled, err := svc.CancelConsignment(ctx, record.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	restored := repo.store.Line(t, line.ID)
	require.Equal(t, int64(3), restored.Quantity)
	require.True(t, dec("10.00").Equal(restored.TotalCostBasis))

	_, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemSigned}}, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
	_, err = svc.CancelConsignment(ctx, record.ID, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestCancelAfterResolutionFails(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	a := repo.store.Seed(t, raw(1), 1, "1.00")
	b := repo.store.Seed(t, raw(2), 1, "1.00")
	record := send(t, svc, ItemInput{SourceLineID: a.ID, Quantity: 1}, ItemInput{SourceLineID: b.ID, Quantity: 1})
	_, err := svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemLost}}, 0)
	require.NoError(t, err)

	_, err = svc.CancelConsignment(ctx, record.ID, 0)
	require.ErrorIs(t, err, shared.ErrStateTransition)
	require.Zero(t, repo.store.Line(t, b.ID).Quantity)
}

func TestParseFeePolicy(t *testing.T) {
	policy, err := ParseFeePolicy("")
	require.NoError(t, err)
	require.Equal(t, FeeSignedOnly, policy)
	policy, err = ParseFeePolicy("on_attempt")
	require.NoError(t, err)
	require.Equal(t, FeeOnAttempt, policy)
	_, err = ParseFeePolicy("always")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateConsignmentRetriedCommit(t *testing.T) {
	svc, repo := newTestService(FeeSignedOnly)
	ctx := context.Background()
	source := repo.store.Seed(t, raw(1), 3, "30.00")
	before := repo.store.Attempts()
	repo.store.FailCommits(1)

	record := send(t, svc, ItemInput{SourceLineID: source.ID, Quantity: 1, FeePerCard: dec("10.00")})
	require.Equal(t, 2, repo.store.Attempts()-before)
	require.Len(t, record.Items, 1)
	require.True(t, dec("10.00").Equal(record.TotalFee()))

	stored, err := svc.GetConsignment(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.Equal(t, stored.Items[0].ID, record.Items[0].ID)

	// debited once
	require.Equal(t, int64(2), repo.store.Line(t, source.ID).Quantity)
	require.Len(t, repo.store.Movements(source.ID), 2)

	record, err = svc.ProcessReturn(ctx, record.ID, []Resolution{{ItemID: record.Items[0].ID, Status: ItemSigned}}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, record.Status)
}
