// Package bsread receives beam-synchronous data streams. A stream message
// is a ZeroMQ multipart frame set: a main header (JSON), a data header
// (JSON, cached by hash) and a data + timestamp frame pair per channel.
package bsread

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Supported header type prefixes.
const (
	mainHeaderHType = "bsr_m"
	dataHeaderHType = "bsr_d"
)

var (
	// ErrCompression is returned for compressed streams; the receiver
	// only handles uncompressed data headers and blobs.
	ErrCompression = errors.New("bsread: compressed stream not supported")

	// ErrResync is returned when a message references an unknown data
	// header hash and carries no header to recover from.
	ErrResync = errors.New("bsread: unknown data header hash")
)

// MainHeader is the per-pulse message header.
type MainHeader struct {
	HType           string `json:"htype"`
	PulseID         uint64 `json:"pulse_id"`
	GlobalTimestamp struct {
		Sec uint64 `json:"sec"`
		NS  uint64 `json:"ns"`
	} `json:"global_timestamp"`
	Hash          string `json:"hash"`
	DHCompression string `json:"dh_compression"`
}

// ChannelHeader describes one channel in the data header.
type ChannelHeader struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Shape    []int  `json:"shape"`
	Encoding string `json:"encoding"`
	// Compression applies to the channel blob; only "none" is handled.
	Compression string `json:"compression"`
}

// DataHeader lists the channels of a stream configuration.
type DataHeader struct {
	HType    string          `json:"htype"`
	Channels []ChannelHeader `json:"channels"`
}

// Value is one channel sample. Scalars are single-element slices.
type Value struct {
	Data []float64
}

// Float returns the scalar value, NaN when the sample was absent.
func (v Value) Float() float64 {
	if len(v.Data) == 0 {
		return math.NaN()
	}
	return v.Data[0]
}

// Present reports whether the channel carried data for this pulse.
func (v Value) Present() bool { return len(v.Data) > 0 }

// Message is one decoded stream pulse.
type Message struct {
	PulseID   uint64
	Timestamp time.Time
	Values    map[string]Value
}

// decoder decodes multipart frame sets, caching data headers by hash.
type decoder struct {
	headers map[string]*DataHeader
}

func newDecoder() *decoder {
	return &decoder{headers: make(map[string]*DataHeader)}
}

// decode turns one multipart frame set into a Message.
func (d *decoder) decode(frames [][]byte) (*Message, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("bsread: message with %d frames", len(frames))
	}

	var main MainHeader
	if err := json.Unmarshal(frames[0], &main); err != nil {
		return nil, fmt.Errorf("bsread: main header: %w", err)
	}
	if len(main.HType) < len(mainHeaderHType) || main.HType[:len(mainHeaderHType)] != mainHeaderHType {
		return nil, fmt.Errorf("bsread: unexpected main header htype %q", main.HType)
	}
	if main.DHCompression != "" && main.DHCompression != "none" {
		return nil, ErrCompression
	}

	header, err := d.dataHeader(main.Hash, frames[1])
	if err != nil {
		return nil, err
	}

	want := 2 + 2*len(header.Channels)
	if len(frames) != want {
		return nil, fmt.Errorf("bsread: %d frames for %d channels, want %d",
			len(frames), len(header.Channels), want)
	}

	msg := &Message{
		PulseID:   main.PulseID,
		Timestamp: time.Unix(int64(main.GlobalTimestamp.Sec), int64(main.GlobalTimestamp.NS)),
		Values:    make(map[string]Value, len(header.Channels)),
	}
	for i, ch := range header.Channels {
		blob := frames[2+2*i]
		if len(blob) == 0 {
			// channel had no value for this pulse
			msg.Values[ch.Name] = Value{}
			continue
		}
		data, err := decodeBlob(ch, blob)
		if err != nil {
			return nil, fmt.Errorf("bsread: channel %s: %w", ch.Name, err)
		}
		msg.Values[ch.Name] = Value{Data: data}
	}
	return msg, nil
}

// dataHeader parses or recalls the data header for a hash.
func (d *decoder) dataHeader(hash string, frame []byte) (*DataHeader, error) {
	if len(frame) == 0 {
		if h, ok := d.headers[hash]; ok {
			return h, nil
		}
		return nil, ErrResync
	}
	var header DataHeader
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, fmt.Errorf("bsread: data header: %w", err)
	}
	if len(header.HType) < len(dataHeaderHType) || header.HType[:len(dataHeaderHType)] != dataHeaderHType {
		return nil, fmt.Errorf("bsread: unexpected data header htype %q", header.HType)
	}
	d.headers[hash] = &header
	return &header, nil
}

// decodeBlob decodes one channel blob per its declared type and encoding.
func decodeBlob(ch ChannelHeader, blob []byte) ([]float64, error) {
	if ch.Compression != "" && ch.Compression != "none" {
		return nil, ErrCompression
	}
	order := binary.ByteOrder(binary.LittleEndian)
	if ch.Encoding == "big" {
		order = binary.BigEndian
	}

	typ := ch.Type
	if typ == "" {
		typ = "float64"
	}
	size, ok := typeSizes[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
	if len(blob)%size != 0 {
		return nil, fmt.Errorf("blob size %d not a multiple of %d", len(blob), size)
	}

	n := len(blob) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := blob[i*size : (i+1)*size]
		switch typ {
		case "float64":
			out[i] = math.Float64frombits(order.Uint64(b))
		case "float32":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "int64":
			out[i] = float64(int64(order.Uint64(b)))
		case "uint64":
			out[i] = float64(order.Uint64(b))
		case "int32":
			out[i] = float64(int32(order.Uint32(b)))
		case "uint32":
			out[i] = float64(order.Uint32(b))
		case "int16":
			out[i] = float64(int16(order.Uint16(b)))
		case "uint16":
			out[i] = float64(order.Uint16(b))
		}
	}
	return out, nil
}

var typeSizes = map[string]int{
	"float64": 8,
	"float32": 4,
	"int64":   8,
	"uint64":  8,
	"int32":   4,
	"uint32":  4,
	"int16":   2,
	"uint16":  2,
}
