package claims

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPGError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "claim_resubmission_attempt_key"}, ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapPGError(tc.err, "claim x"), tc.want)
		})
	}

	assert.NoError(t, mapPGError(nil, "claim x"))

	boom := errors.New("boom")
	assert.Same(t, boom, mapPGError(boom, "claim x"))

	lockTimeout := &pgconn.PgError{Code: "55P03"}
	err := mapPGError(lockTimeout, "claim x")
	assert.False(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNullableText(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	if p := nullIfEmpty("CLM-002"); assert.NotNil(t, p) {
		assert.Equal(t, "CLM-002", deref(p))
	}
	assert.Empty(t, deref(nil))
}
