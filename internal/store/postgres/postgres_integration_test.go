package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"posreturn/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	databaseURL := os.Getenv("POSRETURN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSRETURN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) storetest.Store {
		return s
	})
}
