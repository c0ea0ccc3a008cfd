package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zjoart/go-numbers-wallet/pkg/utils"
)

// IssueToken signs a token the middleware accepts. Used by operator tooling
// and tests; end-user tokens come from the account service.
func IssueToken(secret string, userID uuid.UUID, role string, ttl time.Duration) (string, time.Time, error) {
	expirationTime := time.Now().Add(ttl)
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		utils.UserIDKey: userID.String(),
		utils.RoleKey:   role,
		utils.ExpKey:    expirationTime.Unix(),
	})

	tokenString, err := jwtToken.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expirationTime, nil
}
