package auth

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/model"
)

// Claims carries the on-chain role resolved at login. The subject is the wallet address.
type Claims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Address returns the subject as an address.
func (c *Claims) Address() common.Address { return common.HexToAddress(c.Subject) }

// NewToken issues an HS256 token for addr.
func NewToken(secret []byte, addr common.Address, role model.Role, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	return signed, exp, err
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !common.IsHexAddress(claims.Subject) {
		return nil, fmt.Errorf("invalid claims: %w", errs.ErrUnauthorized)
	}
	return claims, nil
}
