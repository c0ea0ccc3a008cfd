package id

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const depositPrefix = "dep-"

var ErrInvalidReference = errors.New("invalid deposit reference")

func IsValidUUID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}

// DepositReference builds the order id handed to gateways when a user starts a
// deposit: dep-<user uuid>-<unix nanos>.
func DepositReference(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("%s%s-%d", depositPrefix, userID.String(), now.UnixNano())
}

// UserFromDepositReference recovers the owner encoded in a deposit reference.
func UserFromDepositReference(ref string) (uuid.UUID, error) {
	if !strings.HasPrefix(ref, depositPrefix) {
		return uuid.Nil, ErrInvalidReference
	}
	rest := strings.TrimPrefix(ref, depositPrefix)
	idx := strings.LastIndex(rest, "-")
	if idx <= 0 {
		return uuid.Nil, ErrInvalidReference
	}
	userID, err := uuid.Parse(rest[:idx])
	if err != nil {
		return uuid.Nil, ErrInvalidReference
	}
	return userID, nil
}
