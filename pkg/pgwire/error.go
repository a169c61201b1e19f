package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Err wraps a PostgreSQL error format.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

// Ensure conformance
var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.C
}

// SQLState returns the SQLSTATE code carried by the error.
func (e *Err) SQLState() string {
	return e.Code
}

// IsFatal reports whether the error terminates the client session.
func (e *Err) IsFatal() bool {
	return e.Severity == string(ErrorFatal) || e.Severity == string(ErrorPanic)
}

func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
			Hint:     "pg_doorman pooler error",
		},
		C: cause,
	}
}

// NewProtocolViolation builds a fatal 08P01 error for an unexpected or
// malformed message. msgType may be 0 when no frame was decoded.
func NewProtocolViolation(cause error, msgType MsgType) *Err {
	var msgStr string
	if msgType != 0 {
		msgStr = fmt.Sprintf("unexpected message %q", byte(msgType))
	} else {
		msgStr = "invalid protocol state"
	}
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(ErrorFatal),
			Code:     pgerrcode.ProtocolViolation,
			Message:  msgStr,
			File:     file,
			Line:     int32(line),
			Hint:     "pg_doorman pooler error",
		},
		C: cause,
	}
}
