package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame format: a 4-byte big-endian payload length followed by one
// CBOR-encoded Box. The payload cap is generous for serialized cluster
// state while still bounding a misbehaving peer.
const (
	frameHeaderLength = 4
	maxFrameLength    = 8 * 1024 * 1024
)

// Box is one protocol message. A request carries a command name; a
// response carries the same correlation ID with the command name absent.
// Fields holds the CBOR-encoded argument or result struct. An error
// response carries Error instead of Fields.
type Box struct {
	ID      uint64          `cbor:"id"`
	Command string          `cbor:"cmd,omitempty"`
	Fields  cbor.RawMessage `cbor:"fields,omitempty"`
	Error   *BoxError       `cbor:"error,omitempty"`
}

// BoxError is the error indicator of an error response box.
type BoxError struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// IsResponse reports whether the box answers an earlier request.
func (b Box) IsResponse() bool { return b.Command == "" }

// WriteBox writes one framed box to w.
func WriteBox(w io.Writer, box Box) error {
	payload, err := encMode.Marshal(box)
	if err != nil {
		return fmt.Errorf("encode box: %w", err)
	}
	if len(payload) > maxFrameLength {
		return fmt.Errorf("box payload %d bytes exceeds maximum %d", len(payload), maxFrameLength)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadBox reads one framed box from r. A malformed frame produces a
// DeserializationError; an oversized length prefix is rejected before
// any payload is read.
func ReadBox(r io.Reader) (Box, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Box{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return Box{}, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Box{}, fmt.Errorf("read frame payload: %w", err)
	}
	var box Box
	if err := decMode.Unmarshal(payload, &box); err != nil {
		return Box{}, &DeserializationError{What: "box", Err: err}
	}
	return box, nil
}

// encodeFields marshals a command argument or result struct into the
// Fields payload of a box. nil encodes as an empty payload.
func encodeFields(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

// DecodeArgs decodes a command's argument fields into v. Responders use
// this to recover their typed argument struct; a decode failure is a
// DeserializationError, answered as a bad-argument error response.
func DecodeArgs(fields cbor.RawMessage, v any) error {
	return decodeFields(fields, v)
}

// decodeFields unmarshals a box's Fields payload into v. An empty
// payload leaves v untouched.
func decodeFields(fields cbor.RawMessage, v any) error {
	if len(fields) == 0 || v == nil {
		return nil
	}
	if err := decMode.Unmarshal(fields, v); err != nil {
		return &DeserializationError{What: "fields", Err: err}
	}
	return nil
}
