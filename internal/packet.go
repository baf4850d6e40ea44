package tftp

// https://datatracker.ietf.org/doc/html/rfc1350

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type ErrorCode uint16

const (
	ERR_UNDEFINED        ErrorCode = 0
	ERR_NOT_FOUND        ErrorCode = 1
	ERR_ACCESS_VIOLATION ErrorCode = 2
	ERR_DISK_FULL        ErrorCode = 3
	ERR_ILLEGAL_OP       ErrorCode = 4
	ERR_UNKNOWN_TID      ErrorCode = 5
	ERR_ALREADY_EXISTS   ErrorCode = 6
	ERR_NO_SUCH_USER     ErrorCode = 7
)

var errorMessages = map[ErrorCode]string{
	ERR_UNDEFINED:        "Not defined, see error message (if any).",
	ERR_NOT_FOUND:        "File not found.",
	ERR_ACCESS_VIOLATION: "Access violation.",
	ERR_DISK_FULL:        "Disk full or allocation exceeded.",
	ERR_ILLEGAL_OP:       "Illegal TFTP operation.",
	ERR_UNKNOWN_TID:      "Unknown transfer ID.",
	ERR_ALREADY_EXISTS:   "File already exists.",
	ERR_NO_SUCH_USER:     "No such user.",
}

// String returns the fixed RFC 1350 text for the code.
func (e ErrorCode) String() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return "Unknown error."
}

type OpCode uint16

const (
	OPCODE_RRQ   OpCode = 1
	OPCODE_WRQ   OpCode = 2
	OPCODE_DATA  OpCode = 3
	OPCODE_ACK   OpCode = 4
	OPCODE_ERROR OpCode = 5
)

func (o OpCode) String() string {
	switch o {
	case OPCODE_RRQ:
		return "RRQ"
	case OPCODE_WRQ:
		return "WRQ"
	case OPCODE_DATA:
		return "DATA"
	case OPCODE_ACK:
		return "ACK"
	case OPCODE_ERROR:
		return "ERROR"
	}
	return fmt.Sprintf("OPCODE(%d)", uint16(o))
}

const MODE_OCTET = "octet"

// ErrMalformed is returned by ParsePacket for datagrams that are not a
// well-formed TFTP message.
var ErrMalformed = errors.New("malformed packet")

// Request is an RRQ or WRQ.
type Request struct {
	Op       OpCode
	Filename string
	Mode     string
}

func (r Request) MarshalBinary() ([]byte, error) {
	if r.Op != OPCODE_RRQ && r.Op != OPCODE_WRQ {
		return nil, errors.Errorf("invalid request opcode %d", r.Op)
	}
	if r.Filename == "" || strings.IndexByte(r.Filename, 0) >= 0 {
		return nil, errors.Errorf("invalid filename %q", r.Filename)
	}

	mode := r.Mode
	if mode == "" {
		mode = MODE_OCTET
	}

	var buf bytes.Buffer
	buf.Grow(2 + len(r.Filename) + 1 + len(mode) + 1)
	buf.Write([]byte{0, byte(r.Op)})
	buf.WriteString(r.Filename)
	buf.WriteByte(0)
	buf.WriteString(mode)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

type Data struct {
	Block   uint16
	Payload []byte
}

func (d Data) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4+len(d.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OPCODE_DATA))
	binary.BigEndian.PutUint16(b[2:4], d.Block)
	copy(b[4:], d.Payload)
	return b, nil
}

type Ack struct {
	Block uint16
}

func (a Ack) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(OPCODE_ACK))
	binary.BigEndian.PutUint16(b[2:4], a.Block)
	return b, nil
}

type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (e ErrorPacket) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + len(e.Message) + 1)
	buf.Write([]byte{0, byte(OPCODE_ERROR), byte(e.Code >> 8), byte(e.Code & 0xff)})
	buf.WriteString(strings.ReplaceAll(e.Message, "\x00", ""))
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// ParsePacket decodes a datagram into *Request, *Data, *Ack or *ErrorPacket.
// The returned Data payload aliases b.
func ParsePacket(b []byte) (interface{}, error) {
	if len(b) < 4 {
		return nil, errors.Wrapf(ErrMalformed, "runt packet of %d bytes", len(b))
	}

	opcode := OpCode(binary.BigEndian.Uint16(b[0:2]))
	switch opcode {
	case OPCODE_RRQ, OPCODE_WRQ:
		fields := bytes.Split(b[2:], []byte{0})
		// filename, mode and the empty tail after the final terminator
		if len(fields) < 3 || len(fields[0]) == 0 || len(fields[1]) == 0 {
			return nil, errors.Wrap(ErrMalformed, "request missing filename or mode")
		}
		return &Request{
			Op:       opcode,
			Filename: string(fields[0]),
			Mode:     strings.ToLower(string(fields[1])),
		}, nil
	case OPCODE_DATA:
		return &Data{Block: binary.BigEndian.Uint16(b[2:4]), Payload: b[4:]}, nil
	case OPCODE_ACK:
		return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
	case OPCODE_ERROR:
		msg := b[4:]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		return &ErrorPacket{
			Code:    ErrorCode(binary.BigEndian.Uint16(b[2:4])),
			Message: string(msg),
		}, nil
	}

	return nil, errors.Wrapf(ErrMalformed, "unexpected opcode=%d", opcode)
}

// RemoteError is a transfer terminated by an ERROR packet from the server.
// Error reports the fixed text for Code; Message carries whatever the server
// sent alongside it.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code.String()
}
