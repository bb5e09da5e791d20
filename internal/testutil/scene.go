package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// Scene returns the scene of a product id, failing the test if the id does
// not parse.
func Scene(t testing.TB, productID, location string) ard.Scene {
	t.Helper()
	sc, err := ard.SceneFromProductID(productID, location)
	require.NoError(t, err)
	return sc
}
