package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/cardledger/cardledger/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	require.Equal(t, "1", os.Getenv("CARDLEDGER_TEST_MODE"))
	require.NotPanics(t, main)
}
