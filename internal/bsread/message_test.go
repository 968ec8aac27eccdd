package bsread

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

func mainHeaderFrame(t *testing.T, pulseID uint64, hash, compression string) []byte {
	t.Helper()
	h := MainHeader{HType: "bsr_m-1.1", PulseID: pulseID, Hash: hash, DHCompression: compression}
	h.GlobalTimestamp.Sec = 1700000000
	h.GlobalTimestamp.NS = 42
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal main header: %v", err)
	}
	return data
}

func dataHeaderFrame(t *testing.T, channels ...ChannelHeader) []byte {
	t.Helper()
	data, err := json.Marshal(DataHeader{HType: "bsr_d-1.1", Channels: channels})
	if err != nil {
		t.Fatalf("marshal data header: %v", err)
	}
	return data
}

func float64Blob(order binary.ByteOrder, vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		order.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func timestampFrame() []byte { return make([]byte, 16) }

func TestDecodeScalarAndArray(t *testing.T) {
	d := newDecoder()
	frames := [][]byte{
		mainHeaderFrame(t, 101, "h1", "none"),
		dataHeaderFrame(t,
			ChannelHeader{Name: "DEV:XPOS", Type: "float64", Shape: []int{1}},
			ChannelHeader{Name: "DEV:SPECTRUM_Y", Type: "float64", Shape: []int{3}},
		),
		float64Blob(binary.LittleEndian, 0.25),
		timestampFrame(),
		float64Blob(binary.LittleEndian, 1, 2, 3),
		timestampFrame(),
	}

	msg, err := d.decode(frames)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.PulseID != 101 {
		t.Errorf("PulseID = %d", msg.PulseID)
	}
	if got := msg.Values["DEV:XPOS"].Float(); got != 0.25 {
		t.Errorf("scalar = %v", got)
	}
	if got := msg.Values["DEV:SPECTRUM_Y"].Data; len(got) != 3 || got[2] != 3 {
		t.Errorf("array = %v", got)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestDecodeHeaderCaching(t *testing.T) {
	d := newDecoder()
	header := dataHeaderFrame(t, ChannelHeader{Name: "A", Type: "float64"})

	first := [][]byte{
		mainHeaderFrame(t, 1, "hash-a", ""),
		header,
		float64Blob(binary.LittleEndian, 1.5),
		timestampFrame(),
	}
	if _, err := d.decode(first); err != nil {
		t.Fatalf("first decode: %v", err)
	}

	// subsequent message reuses the cached header via its hash
	second := [][]byte{
		mainHeaderFrame(t, 2, "hash-a", ""),
		nil,
		float64Blob(binary.LittleEndian, 2.5),
		timestampFrame(),
	}
	msg, err := d.decode(second)
	if err != nil {
		t.Fatalf("cached decode: %v", err)
	}
	if got := msg.Values["A"].Float(); got != 2.5 {
		t.Errorf("cached decode value = %v", got)
	}

	// unknown hash with no header frame cannot be recovered
	bad := [][]byte{
		mainHeaderFrame(t, 3, "hash-b", ""),
		nil,
		float64Blob(binary.LittleEndian, 1),
		timestampFrame(),
	}
	if _, err := d.decode(bad); !errors.Is(err, ErrResync) {
		t.Errorf("expected ErrResync, got %v", err)
	}
}

func TestDecodeRejectsCompression(t *testing.T) {
	d := newDecoder()
	frames := [][]byte{
		mainHeaderFrame(t, 1, "h", "bitshuffle_lz4"),
		dataHeaderFrame(t, ChannelHeader{Name: "A"}),
		float64Blob(binary.LittleEndian, 1),
		timestampFrame(),
	}
	if _, err := d.decode(frames); !errors.Is(err, ErrCompression) {
		t.Errorf("expected ErrCompression, got %v", err)
	}
}

func TestDecodeFrameCountMismatch(t *testing.T) {
	d := newDecoder()
	frames := [][]byte{
		mainHeaderFrame(t, 1, "h", ""),
		dataHeaderFrame(t, ChannelHeader{Name: "A"}, ChannelHeader{Name: "B"}),
		float64Blob(binary.LittleEndian, 1),
		timestampFrame(),
	}
	if _, err := d.decode(frames); err == nil || !strings.Contains(err.Error(), "frames") {
		t.Errorf("expected frame count error, got %v", err)
	}
}

func TestDecodeMissingValue(t *testing.T) {
	d := newDecoder()
	frames := [][]byte{
		mainHeaderFrame(t, 1, "h", ""),
		dataHeaderFrame(t, ChannelHeader{Name: "A"}),
		nil, // no data this pulse
		timestampFrame(),
	}
	msg, err := d.decode(frames)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	v := msg.Values["A"]
	if v.Present() {
		t.Error("value should be absent")
	}
	if !math.IsNaN(v.Float()) {
		t.Errorf("absent Float() = %v, want NaN", v.Float())
	}
}

func TestDecodeBlobTypes(t *testing.T) {
	big := make([]byte, 8)
	binary.BigEndian.PutUint64(big, math.Float64bits(7.5))
	out, err := decodeBlob(ChannelHeader{Type: "float64", Encoding: "big"}, big)
	if err != nil || out[0] != 7.5 {
		t.Errorf("big endian float64: %v %v", out, err)
	}

	f32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(f32, math.Float32bits(1.5))
	out, err = decodeBlob(ChannelHeader{Type: "float32"}, f32)
	if err != nil || out[0] != 1.5 {
		t.Errorf("float32: %v %v", out, err)
	}

	i32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(i32, uint32(0xFFFFFFFF)) // -1
	out, err = decodeBlob(ChannelHeader{Type: "int32"}, i32)
	if err != nil || out[0] != -1 {
		t.Errorf("int32: %v %v", out, err)
	}

	if _, err := decodeBlob(ChannelHeader{Type: "string"}, []byte("x")); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := decodeBlob(ChannelHeader{Type: "float64"}, make([]byte, 7)); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestSourceConnectTimeoutAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Skipf("cannot listen on loopback: %v", err)
	}
	defer pub.Close()

	addr := fmt.Sprintf("tcp://%s", pub.Addr().String())
	src, err := Connect(ctx, addr, WithReceiveTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := src.Receive(context.Background()); err == nil {
		t.Error("expected timeout error from silent publisher")
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	recvCancel()
	if _, err := src.Receive(recvCtx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}
