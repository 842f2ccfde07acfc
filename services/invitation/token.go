package invitation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPayload identifies who a confirmation token was issued for.
type TokenPayload struct {
	Email string
	Org   string
}

// TokenCodec issues and verifies the signed, time-boxed confirmation
// tokens embedded in invitation URLs.
type TokenCodec struct {
	secret []byte
}

func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

type confirmationClaims struct {
	Email string `json:"email"`
	Org   string `json:"org"`
	jwt.RegisteredClaims
}

func (c *TokenCodec) Issue(payload TokenPayload, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := confirmationClaims{
		Email: payload.Email,
		Org:   payload.Org,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *TokenCodec) Verify(token string) (TokenPayload, error) {
	var claims confirmationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return TokenPayload{}, err
	}
	if !parsed.Valid {
		return TokenPayload{}, jwt.ErrTokenUnverifiable
	}
	return TokenPayload{Email: claims.Email, Org: claims.Org}, nil
}
