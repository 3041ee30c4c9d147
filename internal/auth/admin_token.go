package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminTokenIssuer = "flowguard"

	// MinSecretLength keeps HS256 keys at the size of their digest.
	MinSecretLength = 32
)

var ErrAdminSubjectRequired = errors.New("admin token subject is required")

// AdminTokenIssuer signs short-lived management API tokens whose subject becomes the acting identity
type AdminTokenIssuer struct {
	secret []byte
}

func NewAdminTokenIssuer(secret string) (*AdminTokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("admin jwt secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	return &AdminTokenIssuer{secret: []byte(secret)}, nil
}

// Issue returns an HS256 token for subject valid for ttl from now
func (i *AdminTokenIssuer) Issue(subject string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", ErrAdminSubjectRequired
	}

	if ttl <= 0 {
		return "", fmt.Errorf("admin token ttl must be positive, got %s", ttl)
	}

	claims := jwt.RegisteredClaims{
		Issuer:    adminTokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}

	return tokenString, nil
}

// Verify checks signature, issuer and expiry at now and returns the token subject
func (i *AdminTokenIssuer) Verify(tokenString string, now time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", fmt.Errorf("failed to verify admin token: %w", err)
	}

	if claims.Subject == "" {
		return "", ErrAdminSubjectRequired
	}

	return claims.Subject, nil
}
