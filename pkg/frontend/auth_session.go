package frontend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/auth"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// authenticate verifies the client against the configured user entry. The
// method is implied by how the password is stored: md5 hash, SCRAM verifier,
// JWT key sentinel, or plaintext (verified via SCRAM).
func (s *Session) authenticate(ctx context.Context) error {
	stored, err := s.service.secrets.Resolve(ctx, s.userCfg.Password)
	if err != nil {
		s.sendAuthFailed()
		return fmt.Errorf("failed to resolve password entry: %w", err)
	}

	switch auth.SelectMethod(stored) {
	case auth.MethodMD5:
		err = s.authMD5(stored)
	case auth.MethodJWT:
		err = s.authJWT(stored)
	default:
		err = s.authSCRAM(stored)
	}
	if err != nil {
		s.sendAuthFailed()
		return err
	}
	return nil
}

func (s *Session) sendAuthFailed() {
	s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidPassword,
		fmt.Sprintf("password authentication failed for user %q", s.key.User), nil))
}

// readPasswordFrame reads the next 'p' frame from the client.
func (s *Session) readPasswordFrame() ([]byte, error) {
	frame, err := s.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Type != pgwire.MsgClientPassword {
		return nil, pgwire.NewProtocolViolation(errors.New("expected password message"), frame.Type)
	}
	body, err := frame.ReadBody()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body.Body))
	copy(out, body.Body)
	s.reader.Release(body)
	return out, nil
}

func (s *Session) authMD5(stored string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	if err := s.writeMsgs(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return err
	}

	body, err := s.readPasswordFrame()
	if err != nil {
		return err
	}
	var pw pgproto3.PasswordMessage
	if err := pw.Decode(body); err != nil {
		return pgwire.NewProtocolViolation(err, pgwire.MsgClientPassword)
	}

	if !auth.VerifyMD5(stored, s.key.User, salt, pw.Password) {
		return fmt.Errorf("md5 password mismatch for user %q", s.key.User)
	}
	return nil
}

// authJWT asks for a cleartext password and treats the response as a JWT,
// validated against the public key the password entry points at.
func (s *Session) authJWT(stored string) error {
	verifier, err := auth.NewJWTVerifierFromStored(stored)
	if err != nil {
		return err
	}

	if err := s.writeMsgs(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return err
	}
	body, err := s.readPasswordFrame()
	if err != nil {
		return err
	}
	var pw pgproto3.PasswordMessage
	if err := pw.Decode(body); err != nil {
		return pgwire.NewProtocolViolation(err, pgwire.MsgClientPassword)
	}

	return verifier.Verify(pw.Password, s.key.User)
}

// authSCRAM runs the SCRAM-SHA-256 exchange of RFC 5802/7677. Channel
// binding is not advertised.
func (s *Session) authSCRAM(stored string) error {
	server, err := auth.SCRAMServerFromStored(stored)
	if err != nil {
		return err
	}

	if err := s.writeMsgs(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{auth.SCRAMMechanism}}); err != nil {
		return err
	}

	body, err := s.readPasswordFrame()
	if err != nil {
		return err
	}
	var initial pgproto3.SASLInitialResponse
	if err := initial.Decode(body); err != nil {
		return pgwire.NewProtocolViolation(err, pgwire.MsgClientPassword)
	}
	if initial.AuthMechanism != auth.SCRAMMechanism {
		return fmt.Errorf("unsupported SASL mechanism %q", initial.AuthMechanism)
	}

	serverFirst, err := server.ProcessClientFirstMessage(string(initial.Data))
	if err != nil {
		return err
	}
	if err := s.writeMsgs(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)}); err != nil {
		return err
	}

	body, err = s.readPasswordFrame()
	if err != nil {
		return err
	}
	var final pgproto3.SASLResponse
	if err := final.Decode(body); err != nil {
		return pgwire.NewProtocolViolation(err, pgwire.MsgClientPassword)
	}

	serverFinal, err := server.ProcessClientFinalMessage(string(final.Data))
	if err != nil {
		return err
	}
	return s.writeMsgs(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)})
}
