//go:build integration

package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrations are idempotent")

	storeContract(t, s)
}
