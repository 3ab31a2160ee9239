//go:build integration

package risk

import (
	"testing"

	"github.com/mbd888/fraudguard/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	exerciseStore(t, NewPostgresStore(db))
}
