package inventory_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/inventory/inventorytest"
	"github.com/cardledger/cardledger/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func base() inventory.Identity {
	return inventory.Identity{ChecklistID: 42, Parallel: "Gold Refractor", SerialNumber: 7, PrintRun: 50}
}

func inTx(t *testing.T, store *inventorytest.Store, fn func(*inventory.Ledger) error) error {
	t.Helper()
	return store.Tx(context.Background(), func(lines inventory.LineStore) error {
		return fn(inventory.NewLedger(lines))
	})
}

func TestCreditCreatesAndAccumulates(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	var line inventory.Line
	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		if _, err = l.Credit(ctx, base(), 2, dec("20.00"), inventory.Reference{Module: "TEST"}); err != nil {
			return err
		}
		line, err = l.Credit(ctx, inventory.Identity{ChecklistID: 42, Parallel: "  gold   REFRACTOR ", SerialNumber: 7, PrintRun: 50}, 1, dec("13.00"), inventory.Reference{Module: "TEST"})
		return err
	}))
	require.Equal(t, int64(3), line.Quantity)
	require.True(t, dec("33.00").Equal(line.TotalCostBasis))
	require.Len(t, store.Lines(), 1)
	unit, ok := line.UnitCost()
	require.True(t, ok)
	require.True(t, dec("11").Equal(unit))
	require.Len(t, store.Movements(line.ID), 2)
}

func TestCreditRejectsInvalidInput(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	err := inTx(t, store, func(l *inventory.Ledger) error {
		_, err := l.Credit(ctx, base(), 0, dec("1"), inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	err = inTx(t, store, func(l *inventory.Ledger) error {
		_, err := l.Credit(ctx, base(), 1, dec("-1"), inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	err = inTx(t, store, func(l *inventory.Ledger) error {
		_, err := l.Credit(ctx, inventory.Identity{}, 1, dec("1"), inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, store.Lines())
}

func TestDebitRemovesProportionalCost(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	line := store.Seed(t, base(), 3, "10.00")

	var removed decimal.Decimal
	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		line, removed, err = l.Debit(ctx, line.ID, 1, inventory.Reference{Module: "TEST"})
		return err
	}))
	require.True(t, dec("3.33").Equal(removed))
	require.Equal(t, int64(2), line.Quantity)
	require.True(t, dec("6.67").Equal(line.TotalCostBasis), "residue stays on the line")

	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		line, removed, err = l.Debit(ctx, line.ID, 2, inventory.Reference{Module: "TEST"})
		return err
	}))
	require.True(t, dec("6.67").Equal(removed))
	require.Equal(t, int64(0), line.Quantity)
	require.True(t, line.TotalCostBasis.IsZero())
	_, ok := line.UnitCost()
	require.False(t, ok)
}

func TestDebitInsufficientLeavesLedgerUnchanged(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	line := store.Seed(t, base(), 2, "8.00")

	err := inTx(t, store, func(l *inventory.Ledger) error {
		if _, _, err := l.Debit(ctx, line.ID, 1, inventory.Reference{}); err != nil {
			return err
		}
		_, _, err := l.Debit(ctx, line.ID, 2, inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
	var insufficient *inventory.InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(1), insufficient.Available)

	after := store.Line(t, line.ID)
	require.Equal(t, int64(2), after.Quantity)
	require.True(t, dec("8.00").Equal(after.TotalCostBasis))
	require.Len(t, store.Movements(line.ID), 1)
}

func TestDebitUnknownLine(t *testing.T) {
	store := inventorytest.New()
	err := inTx(t, store, func(l *inventory.Ledger) error {
		_, _, err := l.Debit(context.Background(), 99, 1, inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAdjustKeepsCostUntilDepleted(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	line := store.Seed(t, base(), 4, "20.00")

	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		line, err = l.Adjust(ctx, line.ID, -1, inventory.Reference{Note: "damaged"})
		return err
	}))
	require.Equal(t, int64(3), line.Quantity)
	require.True(t, dec("20.00").Equal(line.TotalCostBasis))

	err := inTx(t, store, func(l *inventory.Ledger) error {
		_, err := l.Adjust(ctx, line.ID, -4, inventory.Reference{})
		return err
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)

	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		line, err = l.Adjust(ctx, line.ID, -3, inventory.Reference{Note: "lost in transit"})
		return err
	}))
	require.Equal(t, int64(0), line.Quantity)
	require.True(t, line.TotalCostBasis.IsZero())
	movements := store.Movements(line.ID)
	require.True(t, dec("-20.00").Equal(movements[len(movements)-1].CostDelta))

	require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
		var err error
		line, err = l.Adjust(ctx, line.ID, 2, inventory.Reference{Note: "found"})
		return err
	}))
	require.Equal(t, int64(2), line.Quantity)
	require.True(t, line.TotalCostBasis.IsZero())
}

func TestLedgerConservation(t *testing.T) {
	store := inventorytest.New()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	line := store.Seed(t, base(), 1, "0.99")
	credited := dec("0.99")
	removed := decimal.Zero

	for i := 0; i < 500; i++ {
		if line.Quantity > 0 && rng.Intn(2) == 0 {
			qty := int64(rng.Intn(int(line.Quantity))) + 1
			require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
				var (
					err  error
					cost decimal.Decimal
				)
				line, cost, err = l.Debit(ctx, line.ID, qty, inventory.Reference{})
				removed = removed.Add(cost)
				return err
			}))
		} else {
			qty := int64(rng.Intn(5)) + 1
			cost := decimal.New(int64(rng.Intn(10000)), -2)
			credited = credited.Add(cost)
			require.NoError(t, inTx(t, store, func(l *inventory.Ledger) error {
				var err error
				line, err = l.Credit(ctx, base(), qty, cost, inventory.Reference{})
				return err
			}))
		}
		require.NoError(t, inventory.CheckInvariants(line))
		require.True(t, credited.Sub(removed).Equal(line.TotalCostBasis), "step %d", i)
		if line.Quantity == 0 {
			require.True(t, line.TotalCostBasis.IsZero())
		}
	}
}

func TestIdentityVariantsAreDistinctLines(t *testing.T) {
	raw := base()
	signed := raw.SignedVariant()
	slab := raw.SlabbedVariant(inventory.Grade{CompanyID: 1, Value: dec("9.5")})
	signedSlab := signed.SlabbedVariant(inventory.Grade{CompanyID: 1, Value: dec("9"), AutoGrade: dec("10")})

	keys := map[string]bool{raw.Key(): true, signed.Key(): true, slab.Key(): true, signedSlab.Key(): true}
	require.Len(t, keys, 4)
	require.NoError(t, signedSlab.Validate())

	bad := slab
	bad.Grade.AutoGrade = dec("10")
	require.ErrorIs(t, bad.Validate(), shared.ErrValidation)

	bad = raw
	bad.Grade.CompanyID = 3
	require.ErrorIs(t, bad.Validate(), shared.ErrValidation)

	bad = raw
	bad.SerialNumber = 51
	require.ErrorIs(t, bad.Validate(), shared.ErrValidation)

	eq := slab
	eq.Grade.Value = dec("9.50")
	require.Equal(t, slab.Key(), eq.Key())
}

func TestGradeAllowsOneDecimalPlace(t *testing.T) {
	slab := base().SlabbedVariant(inventory.Grade{CompanyID: 1, Value: dec("9.25")})
	require.ErrorIs(t, slab.Validate(), shared.ErrValidation)

	auto := base().SignedVariant().SlabbedVariant(inventory.Grade{CompanyID: 1, Value: dec("9"), AutoGrade: dec("8.75")})
	require.ErrorIs(t, auto.Validate(), shared.ErrValidation)

	store := inventorytest.New()
	err := store.Tx(context.Background(), func(lines inventory.LineStore) error {
		_, err := inventory.NewLedger(lines).Credit(context.Background(), slab, 1, dec("5.00"), inventory.Reference{Module: "TEST"})
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, store.Lines())
}
