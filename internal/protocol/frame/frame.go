package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic marks the start of every peerctl frame ("PEMX").
	Magic uint32 = 0x50454D58

	FixedHeaderLen uint16 = 24

	// Version is the protocol version this build speaks. Peers must
	// match exactly; there is no cross-version negotiation.
	Version uint16 = 1
)

var (
	ErrMalformedFrame     = errors.New("frame: malformed frame")
	ErrUnsupportedVersion = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// Header is the fixed wire header. Bytes FixedHeaderLen..HeaderLen are
// reserved for future extension and skipped on read.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

// StreamLimits bounds frames on the TCP command transport.
func StreamLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// DatagramLimits bounds beacon frames to a safe broadcast MTU. The
// limit covers the whole datagram, header included.
func DatagramLimits() Limits {
	return Limits{MaxPayloadBytes: 1400 - uint64(FixedHeaderLen)}
}

// ReadFrame reads one frame from a stream. All failures on untrusted
// input come back as typed errors, never panics.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [24]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("%w: short header", ErrMalformedFrame)
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}

	reserved := uint64(h.HeaderLen) - uint64(FixedHeaderLen)
	if reserved > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(reserved)); err != nil {
			return Frame{}, fmt.Errorf("%w: short extended header", ErrMalformedFrame)
		}
	}

	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: short payload", ErrMalformedFrame)
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes one frame to a stream, stamping magic, version and
// lengths so callers only fill MessageType and Payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	h := f.Header
	h.Magic = Magic
	if h.Version == 0 {
		h.Version = Version
	}
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Encode renders one frame as a standalone datagram.
func Encode(f Frame, limits Limits) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses one standalone datagram. Trailing bytes after the
// declared payload are rejected: a datagram carries exactly one frame.
func Decode(b []byte, limits Limits) (Frame, error) {
	r := bytes.NewReader(b)
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.Len())
	}
	return f, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageType)
	binary.BigEndian.PutUint32(buf[12:16], h.Flags)
	binary.BigEndian.PutUint64(buf[16:24], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("%w: fixed header length %d", ErrMalformedFrame, len(b))
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		Flags:       binary.BigEndian.Uint32(b[12:16]),
		PayloadLen:  binary.BigEndian.Uint64(b[16:24]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08X", ErrMalformedFrame, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, h.Version, Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Header{}, fmt.Errorf("%w: header_len %d", ErrMalformedFrame, h.HeaderLen)
	}
	return h, nil
}
