package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims of a per-table entry token. The registered ID (jti) identifies the
// token and therefore the session it opens.
type Claims struct {
	TenantID string `json:"tid"`
	TableID  string `json:"tbl"`
	jwt.RegisteredClaims
}

// Minter issues entry tokens, normally printed as table QR codes.
type Minter struct {
	secret []byte
	now    func() time.Time
}

func NewMinter(secret []byte) *Minter {
	return &Minter{secret: secret, now: time.Now}
}

func (m *Minter) Mint(tenantID, tableID string, ttl time.Duration) (string, error) {
	if tenantID == "" || tableID == "" {
		return "", errors.New("tenant and table are required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}

	now := m.now()
	claims := Claims{
		TenantID: tenantID,
		TableID:  tableID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign entry token: %w", err)
	}
	return signed, nil
}

func parseToken(raw string, secret []byte, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" || claims.TableID == "" || claims.ID == "" {
		return nil, errors.New("token is missing tenant, table or id")
	}
	return claims, nil
}
