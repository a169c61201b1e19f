package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier authenticates clients presenting a JWT as their password.
// The token's signature is checked against a public key loaded from the
// path configured via the "jwt-pkey-fpath:" password sentinel; the expiry
// claim is enforced, and iss/sub must match the configured pool user.
type JWTVerifier struct {
	key any
}

// NewJWTVerifierFromStored loads the public key referenced by a
// "jwt-pkey-fpath:/path" password entry.
func NewJWTVerifierFromStored(stored string) (*JWTVerifier, error) {
	path, ok := strings.CutPrefix(stored, JWTKeyPathPrefix)
	if !ok {
		return nil, fmt.Errorf("not a jwt-pkey-fpath password entry")
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}

	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return &JWTVerifier{key: key}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return &JWTVerifier{key: key}, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes); err == nil {
		return &JWTVerifier{key: key}, nil
	}
	return nil, fmt.Errorf("jwt public key %q is not a supported RSA/EC/Ed25519 PEM", path)
}

// Verify validates the token and checks that its iss or sub claim names the
// expected user. A valid token authenticates the session.
func (v *JWTVerifier) Verify(tokenString, expectUser string) error {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("jwt validation failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("jwt has no claims")
	}

	if iss, _ := claims["iss"].(string); iss == expectUser {
		return nil
	}
	if sub, _ := claims["sub"].(string); sub == expectUser {
		return nil
	}
	return fmt.Errorf("jwt iss/sub does not match user %q", expectUser)
}
