// Package messages provides the glue between the transaction layer and the
// STUN wire codec (github.com/pion/stun/v3).
//
// The codec owns encoding, decoding and the attribute catalog. This package
// adds the small pieces the transaction layer needs on top of it: transaction
// id handling, message class predicates, response builders that are bound to
// the request they answer, and detection of comprehension-required attributes
// the decoder did not recognize.
package messages

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pion/stun/v3"
)

const (
	// MagicCookie is the fixed value every RFC 5389 message carries in
	// bytes 4..8 of the header.
	MagicCookie uint32 = 0x2112A442

	// HeaderSize is the size of the STUN message header in bytes.
	HeaderSize = 20
)

// TxID is a 96-bit STUN transaction id.
type TxID [stun.TransactionIDSize]byte

// String returns the hex form of the id, suitable for log fields.
func (id TxID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether the id is all zeroes, i.e. not yet assigned.
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// NewTxID returns a fresh transaction id drawn from crypto/rand.
func NewTxID() (TxID, error) {
	var id TxID
	if _, err := rand.Read(id[:]); err != nil {
		return TxID{}, fmt.Errorf("generate transaction id: %w", err)
	}
	return id, nil
}

// TxIDOf returns the transaction id of a decoded message.
func TxIDOf(m *stun.Message) TxID {
	return TxID(m.TransactionID)
}

// SetTxID assigns id to m and rewrites the encoded header accordingly.
func SetTxID(m *stun.Message, id TxID) {
	m.TransactionID = [stun.TransactionIDSize]byte(id)
	m.WriteHeader()
}

// IsRequest reports whether m is a request.
func IsRequest(m *stun.Message) bool {
	return m.Type.Class == stun.ClassRequest
}

// IsIndication reports whether m is an indication.
func IsIndication(m *stun.Message) bool {
	return m.Type.Class == stun.ClassIndication
}

// IsResponse reports whether m is a success or error response.
func IsResponse(m *stun.Message) bool {
	return m.Type.Class == stun.ClassSuccessResponse || m.Type.Class == stun.ClassErrorResponse
}

// Header is the portion of a STUN header that survives a failed decode.
type Header struct {
	Type stun.MessageType
	ID   TxID
}

// PeekHeader extracts the message type and transaction id from raw bytes
// without decoding the attribute section. It is used to answer malformed
// requests with a 400 even though the full decode failed. The second return
// is false when not even the header is usable.
func PeekHeader(raw []byte) (Header, bool) {
	if len(raw) < HeaderSize || !stun.IsMessage(raw) {
		return Header{}, false
	}
	if binary.BigEndian.Uint32(raw[4:8]) != MagicCookie {
		return Header{}, false
	}
	var h Header
	h.Type.ReadValue(binary.BigEndian.Uint16(raw[0:2]))
	copy(h.ID[:], raw[8:HeaderSize])
	return h, true
}

// SuccessResponse builds a success response bound to req: same method, same
// transaction id. Additional attributes are appended in order, so setters
// like stun.Fingerprint must come last.
func SuccessResponse(req *stun.Message, extra ...stun.Setter) (*stun.Message, error) {
	setters := append([]stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(req.Type.Method, stun.ClassSuccessResponse),
	}, extra...)
	return stun.Build(setters...)
}

// ErrorResponse builds an error response bound to req carrying the given
// ERROR-CODE.
func ErrorResponse(req *stun.Message, code stun.ErrorCode, extra ...stun.Setter) (*stun.Message, error) {
	return ErrorResponseFor(TxID(req.TransactionID), req.Type.Method, code, extra...)
}

// ErrorResponseFor builds an error response from header fields alone. It
// exists for the malformed-request path, where only the peeked header is
// available.
func ErrorResponseFor(id TxID, method stun.Method, code stun.ErrorCode, extra ...stun.Setter) (*stun.Message, error) {
	setters := append([]stun.Setter{
		stun.NewTransactionIDSetter([stun.TransactionIDSize]byte(id)),
		stun.NewType(method, stun.ClassErrorResponse),
		code,
	}, extra...)
	return stun.Build(setters...)
}

// BindToRequest forces the class, method and transaction id of resp to answer
// req, rewriting the encoded header. Handlers that return a response built
// for the wrong transaction are corrected here rather than trusted.
func BindToRequest(resp, req *stun.Message) {
	class := resp.Type.Class
	if class != stun.ClassSuccessResponse && class != stun.ClassErrorResponse {
		class = stun.ClassSuccessResponse
	}
	resp.Type = stun.NewType(req.Type.Method, class)
	resp.TransactionID = req.TransactionID
	resp.WriteHeader()
}
