package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/testutil"
)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), zaptest.NewLogger(t), path)
	require.NoError(t, err)
	s.now = testutil.NewClock(testutil.ProductionDate, 0).Now
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestInventory builds an inventory row for a product id with a
// rectangular footprint.
func createTestInventory(t *testing.T, productID string, wkt string) InventoryRow {
	t.Helper()
	sc, err := ard.SceneFromProductID(productID, "/archive/"+productID+".tar")
	require.NoError(t, err)
	return InventoryRow{Scene: sc, FootprintWKT: wkt}
}

const testFootprint = "POLYGON((0 0,10 0,10 10,0 10,0 0))"
