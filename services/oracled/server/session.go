package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionIssuerName = "oracled"
	defaultSessionTTL = 15 * time.Minute
)

var errSessionsDisabled = errors.New("session tokens are not enabled")

// sessionIssuer mints and verifies HS256 tokens bound to a signer address.
type sessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newSessionIssuer(secret string, ttl time.Duration, now func() time.Time) (*sessionIssuer, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed != "" && len(trimmed) < 16 {
		return nil, fmt.Errorf("server: session secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionIssuer{secret: []byte(trimmed), ttl: ttl, now: now}, nil
}

func (s *sessionIssuer) enabled() bool {
	return s != nil && len(s.secret) > 0
}

func (s *sessionIssuer) issue(addr common.Address) (string, time.Time, error) {
	if !s.enabled() {
		return "", time.Time{}, errSessionsDisabled
	}
	issued := s.now().UTC()
	expires := issued.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuerName,
		Subject:   addr.Hex(),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(issued),
		NotBefore: jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expires, nil
}

func (s *sessionIssuer) parse(raw string) (common.Address, error) {
	if !s.enabled() {
		return common.Address{}, errSessionsDisabled
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse session: %w", err)
	}
	if !token.Valid {
		return common.Address{}, errors.New("session token invalid")
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("session subject %q is not an address", claims.Subject)
	}
	return common.HexToAddress(claims.Subject), nil
}
