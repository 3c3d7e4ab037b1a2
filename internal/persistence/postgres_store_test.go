package persistence

import (
	"context"
	"strings"
	"testing"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockQuerier struct {
	mock.Mock
}

func (m *mockQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	a := m.Called(ctx, sql, args)
	return pgconn.NewCommandTag(a.String(0)), a.Error(1)
}

func (m *mockQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	a := m.Called(ctx, sql, args)
	return a.Get(0).(pgx.Row)
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}

func sqlContaining(fragment string) interface{} {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func TestPostgresStore_ApplyStatements(t *testing.T) {
	tests := []struct {
		name     string
		mod      *model.Modification
		fragment string
	}{
		{"store upserts newer versions", store("k", "v", 3), "ON CONFLICT (key) DO UPDATE"},
		{"remove deletes key", model.RemoveModification("k"), "WHERE key = $1"},
		{"clear deletes all", &model.Modification{Type: model.ModificationClear}, `DELETE FROM "grid_entries"`},
		{"purge deletes expired", &model.Modification{Type: model.ModificationPurgeExpired}, "expires_at <= now()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := new(mockQuerier)
			q.On("Exec", mock.Anything, sqlContaining(tt.fragment), mock.Anything).Return("OK", nil).Once()

			s := newPostgresStore(q, "", zap.NewNop())
			require.NoError(t, s.Apply(context.Background(), tt.mod))
			q.AssertExpectations(t)
		})
	}
}

func TestPostgresStore_LoadMissing(t *testing.T) {
	q := new(mockQuerier)
	q.On("QueryRow", mock.Anything, sqlContaining("SELECT entry"), mock.Anything).Return(errRow{err: pgx.ErrNoRows})

	s := newPostgresStore(q, "entries", zap.NewNop())
	got, err := s.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}
