package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgerrcode"
)

// StreamChunkSize is the unit in which oversized message bodies are relayed.
const StreamChunkSize = 1024 * 1024

// Frame is the header of one wire message whose body has not been read yet.
// Exactly one of ReadBody or StreamBody must be called before the next
// ReadFrame on the owning reader.
type Frame struct {
	Type    MsgType
	BodyLen uint32

	r *RawReader
}

// RawReader reads PostgreSQL wire protocol frames from an io.Reader.
// It enforces the per-process memory budget for buffered bodies and hands
// oversized bodies off in chunks instead of buffering them.
type RawReader struct {
	r         io.Reader
	acct      *Accountant
	headerBuf [5]byte
}

// NewRawReader creates a RawReader that charges buffered bodies to acct.
// acct may be nil for unaccounted readers (tests, startup handshakes).
func NewRawReader(r io.Reader, acct *Accountant) *RawReader {
	return &RawReader{r: r, acct: acct}
}

// ReadFrame reads the 5-byte header of the next message.
// The body remains on the wire until Frame.ReadBody or Frame.StreamBody.
func (r *RawReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.headerBuf[:]); err != nil {
		return Frame{}, err
	}

	msgType := MsgType(r.headerBuf[0])
	// Length includes the 4-byte length field itself.
	length := binary.BigEndian.Uint32(r.headerBuf[1:5])
	if length < 4 {
		return Frame{}, NewErr(ErrorFatal, pgerrcode.ProtocolViolation, fmt.Sprintf("invalid message length: %d", length), nil)
	}

	return Frame{Type: msgType, BodyLen: length - 4, r: r}, nil
}

// ReadBody reads and returns the full message body as a RawBody.
// The bytes are charged to the reader's Accountant; the caller must call
// Release on the returned body once it is no longer referenced.
func (f Frame) ReadBody() (RawBody, error) {
	if f.r.acct != nil {
		if err := f.r.acct.Reserve(int64(f.BodyLen)); err != nil {
			return RawBody{}, err
		}
	}
	body := make([]byte, f.BodyLen)
	if f.BodyLen > 0 {
		if _, err := io.ReadFull(f.r.r, body); err != nil {
			if f.r.acct != nil {
				f.r.acct.Refund(int64(f.BodyLen))
			}
			return RawBody{}, err
		}
	}
	return RawBody{Type: f.Type, Body: body}, nil
}

// Release refunds the memory charged for a body read with ReadBody.
func (r *RawReader) Release(body RawBody) {
	if r.acct != nil && body.Body != nil {
		r.acct.Refund(int64(len(body.Body)))
	}
}

// DeadlineWriter is a writer whose write deadline can be pushed forward,
// typically a net.Conn.
type DeadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// StreamBody relays the frame (header included) to w without buffering the
// whole body. The body is copied in StreamChunkSize units; before each chunk
// the write deadline is extended by chunkTimeout. Only one chunk at a time is
// charged to the memory budget.
func (f Frame) StreamBody(w DeadlineWriter, chunkTimeout time.Duration) error {
	chunk := int64(StreamChunkSize)
	if f.r.acct != nil {
		if err := f.r.acct.Reserve(chunk); err != nil {
			return err
		}
		defer f.r.acct.Refund(chunk)
	}

	var hdr [5]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:], f.BodyLen+4)
	if err := w.SetWriteDeadline(time.Now().Add(chunkTimeout)); err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, StreamChunkSize)
	remaining := int64(f.BodyLen)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f.r.r, buf[:n]); err != nil {
			return err
		}
		if err := w.SetWriteDeadline(time.Now().Add(chunkTimeout)); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	// Clear the deadline so later writes on the same conn are not bounded
	// by a stale timer.
	return w.SetWriteDeadline(time.Time{})
}
