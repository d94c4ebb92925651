package rbac

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMigrations(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are sequential")
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.SQL)
	}
	assert.Contains(t, migrations[3].SQL, "idx_data_access_active_study")
	assert.Contains(t, migrations[len(migrations)-1].SQL, "revoked_by")
}

func TestRunMigrations(t *testing.T) {
	ctx := context.Background()
	migrations := GetMigrations()

	t.Run("applies pending migrations in order", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS pacs_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM pacs_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

		for _, m := range migrations[1:] {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(m.SQL)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT INTO pacs_migrations").
				WithArgs(m.Version, m.Description).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()
		}

		require.NoError(t, RunMigrations(ctx, db, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing to do", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rows := sqlmock.NewRows([]string{"version"})
		for _, m := range migrations {
			rows.AddRow(m.Version)
		}
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS pacs_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM pacs_migrations").WillReturnRows(rows)

		require.NoError(t, RunMigrations(ctx, db, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration is rolled back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS pacs_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM pacs_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(migrations[0].SQL)).WillReturnError(errors.New("permission denied"))
		mock.ExpectRollback()

		err = RunMigrations(ctx, db, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to execute migration 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("migrations table cannot be created", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS pacs_migrations").WillReturnError(errors.New("read-only transaction"))

		err = RunMigrations(ctx, db, nil)
		assert.ErrorContains(t, err, "failed to create migrations table")
	})
}
