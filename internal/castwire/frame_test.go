package castwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/gogo/protobuf/proto"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*CastMessage{
		NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceHeartbeat, `{"type":"PING"}`),
		NewTextMessage("client-42", "web-7", NamespaceMedia, `{"type":"LOAD","requestId":9}`),
		NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceReceiver, ""),
		NewBinaryMessage(DefaultSourceID, DefaultDestinationID, "urn:x-cast:com.example.bin", []byte{0x00, 0xff, 0x10}),
	}

	for _, msg := range cases {
		frame, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode %s: %v", msg.GetNamespace(), err)
		}
		if len(frame) < headerLen {
			t.Fatalf("frame shorter than header: %d", len(frame))
		}

		size := binary.BigEndian.Uint32(frame[:headerLen])
		if int(size) != len(frame)-headerLen {
			t.Fatalf("length prefix %d does not match body length %d", size, len(frame)-headerLen)
		}

		decoded, err := Decode(frame[headerLen:])
		if err != nil {
			t.Fatalf("decode %s: %v", msg.GetNamespace(), err)
		}
		if !proto.Equal(msg, decoded) {
			t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", msg, decoded)
		}
	}
}

func TestLengthPrefixIsBigEndian(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 300)
	frame, err := Encode(NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceReceiver, string(payload)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	bodyLen := len(frame) - headerLen
	want := []byte{byte(bodyLen >> 24), byte(bodyLen >> 16), byte(bodyLen >> 8), byte(bodyLen)}
	if !bytes.Equal(frame[:headerLen], want) {
		t.Fatalf("expected header %x, got %x", want, frame[:headerLen])
	}
}

func TestPayloadSelectsFieldByType(t *testing.T) {
	text := NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceMedia, `{"type":"GET_STATUS"}`)
	if got := string(text.Payload()); got != `{"type":"GET_STATUS"}` {
		t.Fatalf("unexpected text payload %q", got)
	}

	bin := NewBinaryMessage(DefaultSourceID, DefaultDestinationID, NamespaceMedia, []byte{1, 2})
	if got := bin.Payload(); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("unexpected binary payload %v", got)
	}
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	first := NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceHeartbeat, `{"type":"PING"}`)
	second := NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceConnection, `{"type":"CLOSE"}`)
	for _, msg := range []*CastMessage{first, second} {
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	for _, want := range []*CastMessage{first, second} {
		got, err := ReadFrame(&buf, DefaultLimits())
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !proto.Equal(want, got) {
			t.Fatalf("unexpected frame %s", got)
		}
	}

	if _, err := ReadFrame(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestReadFrameDropsEmptyNamespaceAndKeepsAlignment(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewTextMessage(DefaultSourceID, DefaultDestinationID, "", `{"type":"PING"}`)); err != nil {
		t.Fatalf("write empty namespace frame: %v", err)
	}
	next := NewTextMessage(DefaultSourceID, DefaultDestinationID, NamespaceHeartbeat, `{"type":"PONG"}`)
	if err := WriteFrame(&buf, next); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_, err := ReadFrame(&buf, DefaultLimits())
	if !errors.Is(err, ErrEmptyNamespace) {
		t.Fatalf("expected ErrEmptyNamespace, got %v", err)
	}
	if !IsDroppable(err) {
		t.Fatal("expected empty namespace to be droppable")
	}

	got, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame after dropped one: %v", err)
	}
	if got.GetPayloadUtf8() != `{"type":"PONG"}` {
		t.Fatalf("unexpected payload %q", got.GetPayloadUtf8())
	}
}

func TestReadFrameMalformedBodyIsDroppable(t *testing.T) {
	var buf bytes.Buffer
	garbage := []byte{0xff, 0xff, 0xff}
	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(garbage)))
	buf.Write(header[:])
	buf.Write(garbage)

	_, err := ReadFrame(&buf, DefaultLimits())
	if !IsDroppable(err) {
		t.Fatalf("expected droppable error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected malformed body to be consumed, %d bytes left", buf.Len())
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)

	_, err := ReadFrame(bytes.NewReader(header[:]), DefaultLimits())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if IsDroppable(err) {
		t.Fatal("oversized frame must not be droppable")
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}
