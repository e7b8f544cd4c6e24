package sandbox

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skolara/skolara/internal/shared"
)

func TestReplaceErrMapsRaceOutcomes(t *testing.T) {
	overlay := Overlay{Role: "admin", PermissionKey: "users.delete"}

	// Insert/insert race: the partial unique index rejects the loser.
	// Update/update race: RepeatableRead rejects the loser with a
	// serialization failure, or a deadlock when lock order inverts.
	for _, code := range []string{"23505", "40001", "40P01"} {
		err := replaceErr(&pgconn.PgError{Code: code}, overlay)
		require.ErrorIs(t, err, shared.ErrConflict, "SQLSTATE %s", code)
	}
}

func TestReplaceErrPassesThroughOtherErrors(t *testing.T) {
	overlay := Overlay{Role: "admin", PermissionKey: "users.delete"}

	fkErr := &pgconn.PgError{Code: "23503"}
	assert.NotErrorIs(t, replaceErr(fkErr, overlay), shared.ErrConflict)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, replaceErr(plain, overlay))
}
