// Package packet implements the wire frame described in spec §6: a
// length-prefixed, self-describing tuple of (band, event_id, payload).
//
// The header layout is grounded on singchia-geminio's packet.PacketHeader:
// a fixed-width, big-endian, length-prefixed shape, here specialised to the
// three fields the specification requires instead of geminio's connection
// handshake fields.
package packet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// EventID is the verb selector carried by a frame.
type EventID uint64

// Choke is the reserved event id marking end-of-stream for a session; it
// always carries an empty payload.
const Choke EventID = 0

const version byte = 0x01

// headerLen is version(1) + band(8) + event(8) + length(4).
const headerLen = 21

var (
	ErrIncomplete = errors.New("packet: incomplete frame")
	ErrBadVersion = errors.New("packet: unsupported wire version")
)

// Frame is a single decoded wire frame.
type Frame struct {
	Band    uint64
	Event   EventID
	Payload []byte
}

// IsChoke reports whether the frame is the stream-termination marker.
func (f *Frame) IsChoke() bool {
	return f.Event == Choke
}

// NewChoke builds the terminal frame for a session.
func NewChoke(band uint64) *Frame {
	return &Frame{Band: band, Event: Choke}
}

// Encode serialises the frame into the wire layout.
func (f *Frame) Encode() ([]byte, error) {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = version
	binary.BigEndian.PutUint64(buf[1:9], f.Band)
	binary.BigEndian.PutUint64(buf[9:17], uint64(f.Event))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	return buf, nil
}

// EncodeToWriter writes the frame to w, grounded on
// packet.EncodeToWriter/DecodeFromReader in the teacher's conn_base.go.
func EncodeToWriter(f *Frame, w io.Writer) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeFromReader reads exactly one frame from r.
func DecodeFromReader(r io.Reader) (*Frame, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != version {
		return nil, ErrBadVersion
	}
	f := &Frame{
		Band:  binary.BigEndian.Uint64(hdr[1:9]),
		Event: EventID(binary.BigEndian.Uint64(hdr[9:17])),
	}
	plen := binary.BigEndian.Uint32(hdr[17:21])
	if plen > 0 {
		f.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// EncodeTuple encodes an ordered tuple of values as a JSON array. A reader
// that decodes it with DecodeTuple and reads only the leading fields it
// knows ignores any trailing ones, which is the forward-compatibility
// behavior §4.B's resolve response relies on ("ignores trailing tuple
// fields").
func EncodeTuple(values ...interface{}) ([]byte, error) {
	return json.Marshal(values)
}

// DecodeTuple decodes a JSON-array tuple payload into dst, a slice of
// json.RawMessage, so callers can decode each field at the type they
// expect and ignore the rest.
func DecodeTuple(payload []byte, dst *[]json.RawMessage) error {
	return json.Unmarshal(payload, dst)
}
