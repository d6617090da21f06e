// Package transport implements the local coordination channel: framed
// messages over unix domain sockets, one endpoint per component. Local
// addressing is the whole trick — round trips skip the network stack
// entirely instead of relying on any protocol cleverness.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/yairfalse/flowreg/pkg/domain"
)

// FrameType tags what a frame carries.
type FrameType uint8

const (
	FrameRequest FrameType = iota + 1
	FrameResponse
	FrameOneway
	FrameHeartbeat
	FrameError
)

// Wire layout: magic(4) version(1) type(1) from(1) to(1) id(16) len(4),
// then len payload bytes. All integers big-endian.
const (
	frameMagic   uint32 = 0x49465231 // "IFR1"
	frameVersion uint8  = 1
	headerSize          = 28

	// DefaultMaxPayload bounds a single coordination message.
	DefaultMaxPayload uint32 = 64 * 1024
)

var (
	ErrBadMagic        = errors.New("transport: bad frame magic")
	ErrBadVersion      = errors.New("transport: unsupported frame version")
	ErrPayloadTooLarge = errors.New("transport: payload exceeds limit")
)

// Message is one framed coordination message.
type Message struct {
	ID      uuid.UUID
	Type    FrameType
	From    domain.ComponentID
	To      domain.ComponentID
	Payload []byte
}

// NewMessage builds a message with a fresh ID.
func NewMessage(frameType FrameType, from, to domain.ComponentID, payload []byte) *Message {
	return &Message{
		ID:      uuid.New(),
		Type:    frameType,
		From:    from,
		To:      to,
		Payload: payload,
	}
}

// Reply builds a response frame correlated to m by reusing its ID.
func (m *Message) Reply(frameType FrameType, payload []byte) *Message {
	return &Message{
		ID:      m.ID,
		Type:    frameType,
		From:    m.To,
		To:      m.From,
		Payload: payload,
	}
}

// WriteMessage frames and writes msg to w in one buffer, one syscall
// for typical payloads.
func WriteMessage(w io.Writer, msg *Message, maxPayload uint32) error {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if uint32(len(msg.Payload)) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg.Payload))
	}

	buf := make([]byte, headerSize+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = frameVersion
	buf[5] = byte(msg.Type)
	buf[6] = byte(msg.From)
	buf[7] = byte(msg.To)
	copy(buf[8:24], msg.ID[:])
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(msg.Payload)))
	copy(buf[headerSize:], msg.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadMessage reads exactly one frame from r.
func ReadMessage(r io.Reader, maxPayload uint32) (*Message, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	if binary.BigEndian.Uint32(header[0:4]) != frameMagic {
		return nil, ErrBadMagic
	}
	if header[4] != frameVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header[4])
	}

	length := binary.BigEndian.Uint32(header[24:28])
	if length > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	msg := &Message{
		Type: FrameType(header[5]),
		From: domain.ComponentID(header[6]),
		To:   domain.ComponentID(header[7]),
	}
	copy(msg.ID[:], header[8:24])

	if length > 0 {
		msg.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
