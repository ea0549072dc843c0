package gateway

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/delivery-dispatch/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by dispatch access tokens. Token issuance belongs to the
// session service; the gateway only verifies.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Validate(tokenString string) (string, models.Role, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" || !claims.Role.Valid() {
		return "", "", ErrInvalidToken
	}
	return claims.UserID, claims.Role, nil
}

// Issue exists for tests and local tooling; production tokens come from
// the session service with the same claims shape.
func (a *Authenticator) Issue(userID string, role models.Role) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: userID, Role: role})
	return token.SignedString(a.secret)
}
