package id

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositReferenceRoundTrip(t *testing.T) {
	userID := uuid.New()
	ref := DepositReference(userID, time.Unix(1700000000, 42))

	assert.Equal(t, "dep-"+userID.String()+"-1700000000000000042", ref)

	got, err := UserFromDepositReference(ref)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestUserFromDepositReferenceRejectsGarbage(t *testing.T) {
	for _, ref := range []string{"", "trf-123", "dep-", "dep-not-a-uuid-1", "dep-123"} {
		_, err := UserFromDepositReference(ref)
		assert.ErrorIs(t, err, ErrInvalidReference, ref)
	}
}
