package pgwire

import (
	"encoding/binary"
	"io"
)

// RawBody holds one unparsed PostgreSQL wire protocol message.
// It can be forwarded verbatim without parsing, or decoded lazily with the
// pgproto3 Decode methods when the pooler needs to look inside.
type RawBody struct {
	Type MsgType // Message type identifier
	Body []byte  // Message body (after the 5-byte header)
}

// IsZero returns true if this RawBody has no data.
func (r RawBody) IsZero() bool {
	return r.Body == nil && r.Type == 0
}

// Len returns the total wire length of the message (header + body).
func (r RawBody) Len() int {
	return 5 + len(r.Body)
}

// AppendTo appends the complete wire message (header + body) to dst.
func (r RawBody) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(r.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Body))+4)
	return append(dst, r.Body...)
}

// WriteTo writes the complete wire protocol message to w.
// This is the fast path for forwarding messages without parsing.
func (r RawBody) WriteTo(w io.Writer) (int64, error) {
	var hdr [5]byte
	hdr[0] = byte(r.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(r.Body))+4)
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.Body)
	return int64(n + m), err
}
