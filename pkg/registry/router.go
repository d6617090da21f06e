package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/transport"
)

// Payload operation codes on the local channel. The first payload byte
// selects the operation; the rest is the operation body.
const (
	opRegister = 0x01 // body: 48-byte flow record
	opLookup   = 0x02 // body: 32-byte flow key
	opRemove   = 0x03 // body: 32-byte flow key
)

// Lookup responses are a single status byte.
const (
	lookupMiss = 0x00
	lookupHit  = 0x01
)

// route handles every inbound message on the registry's own endpoint.
// Heartbeats never reach here; the transport server answers them.
func (r *Registry) route(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	if msg.Type == transport.FrameOneway {
		// Peer-pushed coordination data. Counted, surfaced to any
		// observer through logs, not answered.
		r.counters.coordMessages.Add(1)
		r.logger.Debug("coordination message received",
			zap.String("from", msg.From.String()),
			zap.Int("bytes", len(msg.Payload)))
		return nil, nil
	}

	if len(msg.Payload) == 0 {
		return nil, &domain.CoordinationError{Component: msg.From, Op: "route",
			Err: fmt.Errorf("empty payload")}
	}

	op, body := msg.Payload[0], msg.Payload[1:]
	switch op {
	case opRegister:
		return r.handleRegister(msg, body)
	case opLookup:
		return r.handleLookup(msg, body)
	case opRemove:
		return r.handleRemove(msg, body)
	default:
		return nil, &domain.CoordinationError{Component: msg.From, Op: "route",
			Err: fmt.Errorf("unknown operation 0x%02x", op)}
	}
}

func (r *Registry) handleRegister(msg *transport.Message, body []byte) (*transport.Message, error) {
	var rec domain.FlowRecord
	if err := rec.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	if err := r.RegisterFlow(rec); err != nil {
		return nil, err
	}
	return msg.Reply(transport.FrameResponse, nil), nil
}

func (r *Registry) handleLookup(msg *transport.Message, body []byte) (*transport.Message, error) {
	key, err := decodeKey(body)
	if err != nil {
		return nil, err
	}
	rec, ok := r.LookupRecord(key)
	if !ok {
		return msg.Reply(transport.FrameResponse, []byte{lookupMiss}), nil
	}
	encoded, err := rec.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return msg.Reply(transport.FrameResponse, append([]byte{lookupHit}, encoded...)), nil
}

func (r *Registry) handleRemove(msg *transport.Message, body []byte) (*transport.Message, error) {
	key, err := decodeKey(body)
	if err != nil {
		return nil, err
	}
	if r.RemoveFlow(key) {
		return msg.Reply(transport.FrameResponse, []byte{lookupHit}), nil
	}
	return msg.Reply(transport.FrameResponse, []byte{lookupMiss}), nil
}

func decodeKey(body []byte) (domain.FlowKey, error) {
	var key domain.FlowKey
	if len(body) != len(key) {
		return key, &domain.ValidationError{Field: "key",
			Reason: fmt.Sprintf("must be %d bytes, got %d", len(key), len(body))}
	}
	copy(key[:], body)
	return key, nil
}
