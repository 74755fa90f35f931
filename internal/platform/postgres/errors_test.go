package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock PgError creation helper
func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		SchemaName:     "public",
		TableName:      "taskrelay_messages",
		ColumnName:     "queue",
		ConstraintName: "taskrelay_messages_queue_fkey",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantIs      error
		wantContain string
	}{
		{
			name:   "no rows",
			err:    pgx.ErrNoRows,
			wantIs: postgres.ErrNotFound,
		},
		{
			name:        "foreign key violation",
			err:         newPgError("23503"),
			wantIs:      task.ErrBrokerUnavailable,
			wantContain: "queue not declared",
		},
		{
			name:        "wrapped foreign key violation",
			err:         fmt.Errorf("exec: %w", newPgError("23503")),
			wantIs:      task.ErrBrokerUnavailable,
			wantContain: "taskrelay_messages_queue_fkey",
		},
		{
			name:        "check violation",
			err:         newPgError("23514"),
			wantIs:      task.ErrBrokerUnavailable,
			wantContain: "check constraint",
		},
		{
			name:   "context cancelled",
			err:    context.Canceled,
			wantIs: context.Canceled,
		},
		{
			name:   "connection failure",
			err:    errors.New("dial tcp: connection refused"),
			wantIs: task.ErrBrokerUnavailable,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mapped := postgres.MapError("claim", tc.err)
			require.Error(t, mapped)
			assert.ErrorIs(t, mapped, tc.wantIs)
			assert.Contains(t, mapped.Error(), "claim")
			if tc.wantContain != "" {
				assert.Contains(t, mapped.Error(), tc.wantContain)
			}
		})
	}

	assert.NoError(t, postgres.MapError("noop", nil))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	assert.NoError(t, postgres.CheckRowsAffected(pgconn.NewCommandTag("DELETE 1"), "message"))

	err := postgres.CheckRowsAffected(pgconn.NewCommandTag("DELETE 0"), "message")
	assert.ErrorIs(t, err, postgres.ErrNotFound)
	assert.Contains(t, err.Error(), "message")

	assert.ErrorIs(t, postgres.CheckRowsAffected(pgconn.NewCommandTag("UPDATE 0"), ""), postgres.ErrNotFound)
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(postgres.Migrations(), ".")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "00001_create_broker_tables.sql", entries[0].Name())
}
