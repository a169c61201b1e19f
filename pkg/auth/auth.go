// Package auth implements the client-facing authentication methods of the
// pooler: cleartext, md5, SCRAM-SHA-256 (against a plaintext password or a
// stored verifier), and JWT.
package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Method is the authentication method selected for a user.
type Method string

const (
	MethodCleartext Method = "cleartext"
	MethodMD5       Method = "md5"
	MethodSCRAM     Method = "scram-sha-256"
	MethodJWT       Method = "jwt"
)

// Password storage sentinels.
const (
	MD5StoredPrefix   = "md5"
	SCRAMStoredPrefix = "SCRAM-SHA-256$"
	JWTKeyPathPrefix  = "jwt-pkey-fpath:"
)

// SelectMethod picks the auth method implied by how the password is stored:
// an md5 hash can only satisfy md5 auth, a SCRAM verifier only SCRAM, a JWT
// key sentinel only JWT. A plaintext password defaults to SCRAM.
func SelectMethod(storedPassword string) Method {
	switch {
	case strings.HasPrefix(storedPassword, SCRAMStoredPrefix):
		return MethodSCRAM
	case strings.HasPrefix(storedPassword, JWTKeyPathPrefix):
		return MethodJWT
	case strings.HasPrefix(storedPassword, MD5StoredPrefix) && len(storedPassword) == 3+32:
		return MethodMD5
	default:
		return MethodSCRAM
	}
}

// md5hex returns the lowercase hex md5 of the concatenated inputs.
func md5hex(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MD5InnerHash returns md5(password + username), the form PostgreSQL stores.
// If the stored password is already an md5 hash, the hex part is returned.
func MD5InnerHash(storedPassword, username string) string {
	if strings.HasPrefix(storedPassword, MD5StoredPrefix) && len(storedPassword) == 3+32 {
		return storedPassword[3:]
	}
	return md5hex(storedPassword, username)
}

// ExpectedMD5Response computes the response a client must send for the given
// salt: "md5" + md5(md5(password + user) + salt).
func ExpectedMD5Response(storedPassword, username string, salt [4]byte) string {
	inner := MD5InnerHash(storedPassword, username)
	return MD5StoredPrefix + md5hex(inner, string(salt[:]))
}

// VerifyMD5 checks a client's md5 password message in constant time.
func VerifyMD5(storedPassword, username string, salt [4]byte, response string) bool {
	expected := ExpectedMD5Response(storedPassword, username, salt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// VerifyCleartext checks a cleartext password in constant time. Only valid
// when the stored password is itself plaintext.
func VerifyCleartext(storedPassword, response string) bool {
	return subtle.ConstantTimeCompare([]byte(storedPassword), []byte(response)) == 1
}
