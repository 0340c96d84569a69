package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/cardledger/cardledger/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	require.NotPanics(t, main)
}
