package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"wrapped", fmt.Errorf("commit: %w", &pq.Error{Code: "40001"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestUniqueViolation(t *testing.T) {
	name, ok := uniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "unlocks_user_listing"}))
	assert.True(t, ok)
	assert.Equal(t, "unlocks_user_listing", name)

	_, ok = uniqueViolation(&pq.Error{Code: "23503"})
	assert.False(t, ok)
}

func TestMigrations_AreGooseFiles(t *testing.T) {
	files, err := fs.Glob(Migrations(), MigrationsDir+"/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		body, err := fs.ReadFile(Migrations(), f)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "-- +goose Up"), f)
		assert.Contains(t, string(body), "-- +goose Down", f)
	}
}

func TestLimitOrAll(t *testing.T) {
	assert.False(t, limitOrAll(0).Valid)
	assert.Equal(t, int64(10), limitOrAll(10).Int64)
}
