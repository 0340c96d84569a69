package shared

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNumber(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	a := NewNumber("PUR", at)
	b := NewNumber("PUR", at)
	require.True(t, strings.HasPrefix(a, "PUR-20240315-"))
	require.Len(t, a, len("PUR-20240315-")+8)
	require.NotEqual(t, a, b)
}

func TestDeriveBatchIDIsStable(t *testing.T) {
	payload := []byte(`[{"sku":1}]`)
	require.Equal(t, DeriveBatchID("sales_import", payload), DeriveBatchID("sales_import", payload))
	require.NotEqual(t, DeriveBatchID("sales_import", payload), DeriveBatchID("purchase_bulk", payload))
}
