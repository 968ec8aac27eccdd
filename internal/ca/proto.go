// Package ca implements the subset of the EPICS Channel Access protocol
// (v13) the diagnostics panels need: UDP name search, TCP virtual
// circuits, reads, completion-waited writes and value monitors for
// double-typed process variables, plus a motor-record wrapper.
package ca

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// protocolVersion is the CA minor protocol version spoken by this client.
const protocolVersion = 13

// serverPort is the default Channel Access TCP/UDP port.
const serverPort = 5064

// Commands used by this client.
const (
	cmdVersion      = 0
	cmdEventAdd     = 1
	cmdEventCancel  = 2
	cmdSearch       = 6
	cmdError        = 11
	cmdClearChannel = 12
	cmdReadNotify   = 15
	cmdCreateChan   = 18
	cmdWriteNotify  = 19
	cmdClientName   = 20
	cmdHostName     = 21
	cmdAccessRights = 22
	cmdEcho         = 23
)

// dbrDouble is the only transfer type the panels need.
const dbrDouble = 6

// doReply asks servers to answer a search even when they do not host the
// channel. We only want positive answers.
const dontReply = 5

// eventValueMask subscribes to value changes.
const eventValueMask = 1

// ecaNormal is the success status code.
const ecaNormal = 1

// message is one CA protocol frame.
type message struct {
	Command   uint16
	DataType  uint16
	DataCount uint32
	Param1    uint32
	Param2    uint32
	Payload   []byte
}

// errTruncated signals an incomplete frame in the read buffer.
var errTruncated = errors.New("ca: truncated message")

// marshal encodes a message, using the large-payload header form when the
// payload or count exceeds the 16-bit fields.
func (m *message) marshal() []byte {
	payload := padTo8(m.Payload)
	large := len(payload) >= 0xFFFF || m.DataCount > 0xFFFF

	size := 16 + len(payload)
	if large {
		size += 8
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:], m.Command)
	if large {
		binary.BigEndian.PutUint16(buf[2:], 0xFFFF)
		binary.BigEndian.PutUint16(buf[4:], m.DataType)
		binary.BigEndian.PutUint16(buf[6:], 0)
		binary.BigEndian.PutUint32(buf[8:], m.Param1)
		binary.BigEndian.PutUint32(buf[12:], m.Param2)
		binary.BigEndian.PutUint32(buf[16:], uint32(len(payload)))
		binary.BigEndian.PutUint32(buf[20:], m.DataCount)
		copy(buf[24:], payload)
	} else {
		binary.BigEndian.PutUint16(buf[2:], uint16(len(payload)))
		binary.BigEndian.PutUint16(buf[4:], m.DataType)
		binary.BigEndian.PutUint16(buf[6:], uint16(m.DataCount))
		binary.BigEndian.PutUint32(buf[8:], m.Param1)
		binary.BigEndian.PutUint32(buf[12:], m.Param2)
		copy(buf[16:], payload)
	}
	return buf
}

// unmarshal decodes one message from buf, returning the bytes consumed.
// errTruncated means the buffer does not yet hold a complete frame.
func unmarshal(buf []byte) (*message, int, error) {
	if len(buf) < 16 {
		return nil, 0, errTruncated
	}
	m := &message{
		Command:   binary.BigEndian.Uint16(buf[0:]),
		DataType:  binary.BigEndian.Uint16(buf[4:]),
		DataCount: uint32(binary.BigEndian.Uint16(buf[6:])),
		Param1:    binary.BigEndian.Uint32(buf[8:]),
		Param2:    binary.BigEndian.Uint32(buf[12:]),
	}
	payloadSize := int(binary.BigEndian.Uint16(buf[2:]))
	header := 16
	if payloadSize == 0xFFFF {
		if len(buf) < 24 {
			return nil, 0, errTruncated
		}
		payloadSize = int(binary.BigEndian.Uint32(buf[16:]))
		m.DataCount = binary.BigEndian.Uint32(buf[20:])
		header = 24
	}
	if len(buf) < header+payloadSize {
		return nil, 0, errTruncated
	}
	if payloadSize > 0 {
		m.Payload = append([]byte(nil), buf[header:header+payloadSize]...)
	}
	return m, header + payloadSize, nil
}

// padTo8 pads a payload to the 8-byte alignment the protocol requires.
// Channel names additionally need a terminating NUL inside the padding.
func padTo8(b []byte) []byte {
	if len(b)%8 == 0 && len(b) > 0 {
		return b
	}
	padded := make([]byte, (len(b)/8+1)*8)
	copy(padded, b)
	return padded
}

// namePayload encodes a channel name with its required NUL terminator.
func namePayload(name string) []byte {
	return padTo8(append([]byte(name), 0))
}

// encodeDoubles encodes a DBR_DOUBLE payload.
func encodeDoubles(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return padTo8(buf)
}

// decodeDoubles decodes count doubles from a DBR_DOUBLE payload.
func decodeDoubles(payload []byte, count int) ([]float64, error) {
	if len(payload) < 8*count {
		return nil, fmt.Errorf("ca: payload %d bytes for %d doubles", len(payload), count)
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[i*8:]))
	}
	return out, nil
}

// versionMessage is the handshake frame opening every exchange.
func versionMessage() *message {
	return &message{Command: cmdVersion, DataCount: protocolVersion}
}

// searchMessage encodes a UDP name search for cid.
func searchMessage(name string, cid uint32) *message {
	return &message{
		Command:   cmdSearch,
		DataType:  dontReply,
		DataCount: protocolVersion,
		Param1:    cid,
		Param2:    cid,
		Payload:   namePayload(name),
	}
}

// eventAddPayload is the fixed 16-byte subscription parameter block:
// three obsolete float filters plus the event mask.
func eventAddPayload(mask uint16) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf[12:], mask)
	return buf
}
