package bunstore_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-authstate/store/bunstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"
)

func TestMigrateRecordsAppliedMigrations(t *testing.T) {
	_, db := setupStore(t)
	ctx := context.Background()

	migrations, err := bunstore.Migrations()
	require.NoError(t, err)
	require.Len(t, migrations.Sorted(), 4)

	applied, err := migrate.NewMigrator(db, migrations).AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 4)

	// setupStore migrated twice, the second run is a no-op
	for _, m := range applied {
		assert.Equal(t, applied[0].GroupID, m.GroupID)
	}
}

func TestMigrateKeepsTriggerBodyIntact(t *testing.T) {
	_, db := setupStore(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO local_accounts (id, email) VALUES ('a1', 'ada@example.com')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO password_resets (id, account_id, email, status) VALUES ('r1', 'a1', 'ada@example.com', 'requested')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM local_accounts WHERE id = 'a1'`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.NewSelect().Table("password_resets").ColumnExpr("count(*)").Scan(ctx, &count))
	assert.Equal(t, 0, count)
}
