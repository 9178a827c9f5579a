package codec

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "chat message",
			frame: Frame{
				Event:   EventMessage,
				Channel: "welcome",
				Content: "hi there",
				Sender:  "alice",
				SentAt:  "2026-08-24T10:00:00+00:00",
			},
		},
		{
			name:  "add channel",
			frame: Frame{Event: EventAddChannel, Channel: "room"},
		},
		{
			name:  "channel subscriptions",
			frame: Frame{Event: EventChannelSubscriptions, Data: []string{"welcome", "room", "test_3"}},
		},
		{
			name:  "perf ping",
			frame: Frame{Event: EventPerfTest, PerfTestID: 7},
		},
		{
			name: "perf reply",
			frame: Frame{
				Event:             EventPerfTest,
				PerfTestID:        42,
				CPULoad:           []float64{0.12, 0.87, 0.0, 0.44},
				MemoryUsage:       0.63,
				ActiveConnections: 250,
				MessageVolume:     1200,
				MVPeriod:          1.002,
				MVAdjusted:        1150,
			},
		},
		{
			name:  "max length content",
			frame: Frame{Event: EventMessage, Channel: strings.Repeat("c", MaxChannelBytes), Content: strings.Repeat("x", MaxContentBytes)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(&tt.frame)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, &tt.frame, got)
		})
	}
}

func TestEncodeRejectsImpossibleValues(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"unknown event", Frame{Event: "shrug"}},
		{"empty event", Frame{}},
		{"oversized channel", Frame{Event: EventMessage, Channel: strings.Repeat("c", MaxChannelBytes+1)}},
		{"non-printable channel", Frame{Event: EventMessage, Channel: "wel\x00come"}},
		{"oversized content", Frame{Event: EventMessage, Channel: "welcome", Content: strings.Repeat("x", MaxContentBytes+1)}},
		{"oversized subscription entry", Frame{Event: EventChannelSubscriptions, Data: []string{strings.Repeat("c", MaxChannelBytes+1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(&tt.frame)
			assert.ErrorIs(t, err, ErrEncode)
		})
	}
}

// Packed repeated doubles arrive as one length-delimited blob of fixed64
// values; build the bytes by hand so the decode path is exercised against
// the wire layout rather than our own encoder.
func TestDecodePackedDoubles(t *testing.T) {
	var packed []byte
	for _, v := range []float64{0.5, 12.25, 99.9} {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, EventPerfTest)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 12.25, 99.9}, f.CPULoad)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0x82}},
		{"truncated string", []byte{0x0a, 0x05, 'h', 'i'}},
		{"truncated varint", []byte{0x38, 0x80}},
		{"ragged packed doubles", append([]byte{0x42, 0x03}, 1, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

// A frame emitted by a newer peer may carry fields this build does not know
// about. They must decode cleanly and disappear on re-encode.
func TestDecodeSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, EventMessage)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "welcome")
	// Future fields: a string, a varint and a fixed32.
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from the future")
	b = protowire.AppendTag(b, 100, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, 101, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, f.Event)
	assert.Equal(t, "welcome", f.Channel)

	again, err := Encode(f)
	require.NoError(t, err)
	reparsed, err := Decode(again)
	require.NoError(t, err)
	assert.Equal(t, f, reparsed)
}

func TestDecodeEmptyInput(t *testing.T) {
	f, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, &Frame{}, f)
}
