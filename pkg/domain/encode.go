package domain

import (
	"encoding/binary"
	"fmt"
)

// RecordWireSize is the fixed encoded size of a FlowRecord.
const RecordWireSize = 48

// MarshalBinary encodes the record into its fixed 48-byte wire shape:
// key(32) component(1) type(1) priority(1) reserved(1) size(4)
// timestamp(8), integers big-endian.
func (r FlowRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordWireSize)
	copy(buf[0:32], r.Key[:])
	buf[32] = byte(r.Component)
	buf[33] = byte(r.Type)
	buf[34] = r.Priority
	binary.BigEndian.PutUint32(buf[36:40], r.Size)
	binary.BigEndian.PutUint64(buf[40:48], uint64(r.Timestamp))
	return buf, nil
}

// UnmarshalBinary decodes a record from its wire shape.
func (r *FlowRecord) UnmarshalBinary(b []byte) error {
	if len(b) != RecordWireSize {
		return fmt.Errorf("flow record must be %d bytes, got %d", RecordWireSize, len(b))
	}
	copy(r.Key[:], b[0:32])
	r.Component = ComponentID(b[32])
	r.Type = FlowType(b[33])
	r.Priority = b[34]
	r.Size = binary.BigEndian.Uint32(b[36:40])
	r.Timestamp = int64(binary.BigEndian.Uint64(b[40:48]))
	return nil
}
