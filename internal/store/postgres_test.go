package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestPostgresContract runs against a scratch database named by POSTGRES_TEST_DSN.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	runContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn, zap.NewNop())
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE jobs`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
