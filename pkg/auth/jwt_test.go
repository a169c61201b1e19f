package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestJWTVerify(t *testing.T) {
	path, key := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	token := signToken(t, key, jwt.MapClaims{
		"sub": "app",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.NoError(t, verifier.Verify(token, "app"))
}

func TestJWTVerifyIssClaim(t *testing.T) {
	path, key := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	token := signToken(t, key, jwt.MapClaims{
		"iss": "app",
		"sub": "something-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.NoError(t, verifier.Verify(token, "app"))
}

func TestJWTRejectsExpired(t *testing.T) {
	path, key := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	token := signToken(t, key, jwt.MapClaims{
		"sub": "app",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	assert.Error(t, verifier.Verify(token, "app"))
}

func TestJWTRejectsMissingExpiry(t *testing.T) {
	path, key := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	token := signToken(t, key, jwt.MapClaims{"sub": "app"})
	assert.Error(t, verifier.Verify(token, "app"))
}

func TestJWTRejectsWrongUser(t *testing.T) {
	path, key := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	token := signToken(t, key, jwt.MapClaims{
		"sub": "intruder",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, verifier.Verify(token, "app"))
}

func TestJWTRejectsWrongKey(t *testing.T) {
	path, _ := writeTestKey(t)
	verifier, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	require.NoError(t, err)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signToken(t, otherKey, jwt.MapClaims{
		"sub": "app",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, verifier.Verify(token, "app"))
}

func TestJWTBadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := NewJWTVerifierFromStored(JWTKeyPathPrefix + path)
	assert.Error(t, err)

	_, err = NewJWTVerifierFromStored("plainpassword")
	assert.Error(t, err)
}
