package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAMMechanism is the only SASL mechanism the pooler advertises. Channel
// binding is not advertised; clients therefore use the "n" or "y" gs2 flag.
const SCRAMMechanism = "SCRAM-SHA-256"

// SCRAMDefaultIterations is used when deriving a verifier from a plaintext
// password.
const SCRAMDefaultIterations = 4096

// SCRAMVerifier holds the server-side SCRAM secrets: either parsed from a
// stored "SCRAM-SHA-256$iter:salt$storedKey:serverKey" string, or derived
// from a plaintext password with a random salt.
type SCRAMVerifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// ParseSCRAMVerifier parses the PostgreSQL rolpassword verifier format.
func ParseSCRAMVerifier(stored string) (*SCRAMVerifier, error) {
	rest, ok := strings.CutPrefix(stored, SCRAMStoredPrefix)
	if !ok {
		return nil, fmt.Errorf("not a SCRAM-SHA-256 verifier")
	}
	params, keys, ok := strings.Cut(rest, "$")
	if !ok {
		return nil, errors.New("malformed SCRAM verifier: missing key section")
	}
	iterStr, saltB64, ok := strings.Cut(params, ":")
	if !ok {
		return nil, errors.New("malformed SCRAM verifier: missing salt")
	}
	storedB64, serverB64, ok := strings.Cut(keys, ":")
	if !ok {
		return nil, errors.New("malformed SCRAM verifier: missing server key")
	}

	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, fmt.Errorf("malformed SCRAM verifier: bad iteration count %q", iterStr)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("malformed SCRAM verifier: bad salt: %w", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(storedB64)
	if err != nil {
		return nil, fmt.Errorf("malformed SCRAM verifier: bad stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(serverB64)
	if err != nil {
		return nil, fmt.Errorf("malformed SCRAM verifier: bad server key: %w", err)
	}

	return &SCRAMVerifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// DeriveSCRAMVerifier builds a verifier from a plaintext password with a
// fresh random salt.
func DeriveSCRAMVerifier(password string, iterations int) (*SCRAMVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	return &SCRAMVerifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

// SCRAMServerFromStored builds the verifier for a config password entry:
// parsed if it is a stored verifier, derived if it is plaintext.
func SCRAMServerFromStored(stored string) (*SCRAMServer, error) {
	var v *SCRAMVerifier
	var err error
	if strings.HasPrefix(stored, SCRAMStoredPrefix) {
		v, err = ParseSCRAMVerifier(stored)
	} else {
		v, err = DeriveSCRAMVerifier(stored, SCRAMDefaultIterations)
	}
	if err != nil {
		return nil, err
	}
	return &SCRAMServer{verifier: v}, nil
}

// SCRAMServer runs the server side of a SCRAM-SHA-256 exchange, RFC 5802 /
// RFC 7677, against a SCRAMVerifier. It accepts the PostgreSQL convention of
// omitting the username in the SCRAM messages (n=,) since the username
// arrives in the startup message.
type SCRAMServer struct {
	verifier *SCRAMVerifier

	// State from the exchange
	clientFirstMsgBare string
	serverFirstMsg     string
	clientNonce        string
	serverNonce        string
}

// ProcessClientFirstMessage consumes the client-first-message and returns
// the server-first-message.
func (s *SCRAMServer) ProcessClientFirstMessage(clientFirstMsg string) (string, error) {
	// gs2-header "n,," or "y,,"; channel binding is never advertised, so a
	// "p=..." header is a protocol error.
	if len(clientFirstMsg) > 0 && clientFirstMsg[0] == 'p' {
		return "", errors.New("channel binding requested but not advertised")
	}
	parts := strings.SplitN(clientFirstMsg, ",", 3)
	if len(parts) < 3 {
		return "", errors.New("invalid client-first-message format")
	}

	// Everything after the gs2-header, exactly as the client sent it.
	s.clientFirstMsgBare = parts[2]

	bareAttrs := parseAttributes(s.clientFirstMsgBare)
	clientNonce, ok := bareAttrs["r"]
	if !ok {
		return "", errors.New("missing client nonce in client-first-message")
	}
	s.clientNonce = clientNonce

	serverNonceBytes := make([]byte, 18)
	if _, err := rand.Read(serverNonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate server nonce: %w", err)
	}
	s.serverNonce = base64.StdEncoding.EncodeToString(serverNonceBytes)

	combinedNonce := s.clientNonce + s.serverNonce
	saltB64 := base64.StdEncoding.EncodeToString(s.verifier.Salt)
	s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, saltB64, s.verifier.Iterations)

	return s.serverFirstMsg, nil
}

// ProcessClientFinalMessage verifies the client proof and returns the
// server-final-message, or an error if authentication failed.
func (s *SCRAMServer) ProcessClientFinalMessage(clientFinalMsg string) (string, error) {
	attrs := parseAttributes(clientFinalMsg)

	receivedNonce, ok := attrs["r"]
	if !ok {
		return "", errors.New("missing nonce in client-final-message")
	}
	if receivedNonce != s.clientNonce+s.serverNonce {
		return "", errors.New("nonce mismatch")
	}

	proofB64, ok := attrs["p"]
	if !ok {
		return "", errors.New("missing proof in client-final-message")
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("invalid proof encoding: %w", err)
	}

	clientFinalWithoutProof := removeProof(clientFinalMsg)
	authMessage := s.clientFirstMsgBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof

	// ClientSignature = HMAC(StoredKey, AuthMessage)
	clientSignature := hmacSHA256(s.verifier.StoredKey, []byte(authMessage))
	if len(clientProof) != len(clientSignature) {
		return "", errors.New("proof length mismatch")
	}

	// ClientKey = ClientProof XOR ClientSignature
	recoveredClientKey := make([]byte, len(clientProof))
	for i := range clientProof {
		recoveredClientKey[i] = clientProof[i] ^ clientSignature[i]
	}

	// StoredKey must equal SHA256(recovered ClientKey)
	recoveredStoredKey := sha256.Sum256(recoveredClientKey)
	if !hmac.Equal(s.verifier.StoredKey, recoveredStoredKey[:]) {
		return "", errors.New("authentication failed")
	}

	serverSignature := hmacSHA256(s.verifier.ServerKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// parseAttributes parses a comma-separated list of key=value attributes.
func parseAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

var proofRegex = regexp.MustCompile(`,p=[^,]*$`)

// removeProof strips the trailing proof attribute from a
// client-final-message.
func removeProof(msg string) string {
	return proofRegex.ReplaceAllString(msg, "")
}

// hmacSHA256 computes HMAC-SHA256.
func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
