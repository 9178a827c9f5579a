// Package codec implements the binary wire format shared by the server and
// every client. A single tagged record (Frame) covers all events; the
// encoding is proto3-compatible so peers built against the original schema
// stay interoperable. The codec is a pure value transformation: no I/O, no
// logging.
package codec

import (
	"errors"
	"fmt"
	"math"
	"unicode"

	"google.golang.org/protobuf/encoding/protowire"
)

// Event tags carried in Frame.Event.
const (
	EventMessage              = "message"
	EventAddChannel           = "add_channel"
	EventLeaveChannel         = "leave_channel"
	EventChannelSubscriptions = "channel_subscriptions"
	EventPerfTest             = "perf_test"
	EventMessageHistory       = "message_history"
)

// Field bounds enforced on encode.
const (
	MaxChannelBytes = 64
	MaxContentBytes = 4096
)

var (
	// ErrEncode is returned when a Frame holds values that cannot be put on
	// the wire (oversized or non-printable channel, oversized content,
	// unknown event tag).
	ErrEncode = errors.New("codec: encode error")

	// ErrDecode is returned for malformed wire bytes.
	ErrDecode = errors.New("codec: decode error")
)

// Frame is the single wire-level record. Absent optional fields are zero
// values and are omitted from the encoded form; unknown fields received from
// a newer peer are skipped on decode and therefore dropped on re-encode.
type Frame struct {
	Event   string // 1
	Channel string // 2
	Content string // 3
	Sender  string // 4, server-populated on outbound
	SentAt  string // 5, UTC ISO-8601, server-populated

	Data []string // 6, used by channel_subscriptions

	PerfTestID int64 // 7, monitor correlation

	// Telemetry fields, populated only on monitor replies.
	CPULoad           []float64 // 8, per-core load fractions
	MemoryUsage       float64   // 9
	ActiveConnections int64     // 10
	MessageVolume     int64     // 11
	MVPeriod          float64   // 12
	MVAdjusted        int64     // 13
}

// wire field numbers
const (
	fieldEvent             = 1
	fieldChannel           = 2
	fieldContent           = 3
	fieldSender            = 4
	fieldSentAt            = 5
	fieldData              = 6
	fieldPerfTestID        = 7
	fieldCPULoad           = 8
	fieldMemoryUsage       = 9
	fieldActiveConnections = 10
	fieldMessageVolume     = 11
	fieldMVPeriod          = 12
	fieldMVAdjusted        = 13
)

var knownEvents = map[string]struct{}{
	EventMessage:              {},
	EventAddChannel:           {},
	EventLeaveChannel:         {},
	EventChannelSubscriptions: {},
	EventPerfTest:             {},
	EventMessageHistory:       {},
}

// Encode serializes a Frame. Zero-valued fields are omitted, matching proto3
// semantics.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrEncode)
	}
	if _, ok := knownEvents[f.Event]; !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrEncode, f.Event)
	}
	if err := validateChannel(f.Channel); err != nil {
		return nil, err
	}
	if len(f.Content) > MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrEncode, MaxContentBytes)
	}
	for _, ch := range f.Data {
		if err := validateChannel(ch); err != nil {
			return nil, err
		}
	}

	b := make([]byte, 0, 64+len(f.Content))
	b = appendString(b, fieldEvent, f.Event)
	b = appendString(b, fieldChannel, f.Channel)
	b = appendString(b, fieldContent, f.Content)
	b = appendString(b, fieldSender, f.Sender)
	b = appendString(b, fieldSentAt, f.SentAt)
	for _, d := range f.Data {
		// Repeated strings are encoded even when empty so the subscription
		// list round-trips element for element.
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendString(b, d)
	}
	if f.PerfTestID != 0 {
		b = protowire.AppendTag(b, fieldPerfTestID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.PerfTestID))
	}
	if len(f.CPULoad) > 0 {
		// Packed repeated double.
		b = protowire.AppendTag(b, fieldCPULoad, protowire.BytesType)
		packed := make([]byte, 0, 8*len(f.CPULoad))
		for _, v := range f.CPULoad {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendBytes(b, packed)
	}
	if f.MemoryUsage != 0 {
		b = protowire.AppendTag(b, fieldMemoryUsage, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.MemoryUsage))
	}
	if f.ActiveConnections != 0 {
		b = protowire.AppendTag(b, fieldActiveConnections, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.ActiveConnections))
	}
	if f.MessageVolume != 0 {
		b = protowire.AppendTag(b, fieldMessageVolume, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.MessageVolume))
	}
	if f.MVPeriod != 0 {
		b = protowire.AppendTag(b, fieldMVPeriod, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.MVPeriod))
	}
	if f.MVAdjusted != 0 {
		b = protowire.AppendTag(b, fieldMVAdjusted, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.MVAdjusted))
	}
	return b, nil
}

// Decode parses wire bytes into a Frame. Unknown fields are skipped; absent
// fields keep their zero values.
func Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %v", ErrDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad length-delimited field %d", ErrDecode, num)
			}
			data = data[n:]
			switch num {
			case fieldEvent:
				f.Event = string(v)
			case fieldChannel:
				f.Channel = string(v)
			case fieldContent:
				f.Content = string(v)
			case fieldSender:
				f.Sender = string(v)
			case fieldSentAt:
				f.SentAt = string(v)
			case fieldData:
				f.Data = append(f.Data, string(v))
			case fieldCPULoad:
				if len(v)%8 != 0 {
					return nil, fmt.Errorf("%w: packed double field %d has %d bytes", ErrDecode, num, len(v))
				}
				for len(v) > 0 {
					u, _ := protowire.ConsumeFixed64(v)
					f.CPULoad = append(f.CPULoad, math.Float64frombits(u))
					v = v[8:]
				}
			}
			// Unknown length-delimited fields are dropped.

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad varint field %d", ErrDecode, num)
			}
			data = data[n:]
			switch num {
			case fieldPerfTestID:
				f.PerfTestID = int64(v)
			case fieldActiveConnections:
				f.ActiveConnections = int64(v)
			case fieldMessageVolume:
				f.MessageVolume = int64(v)
			case fieldMVAdjusted:
				f.MVAdjusted = int64(v)
			}

		case typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad fixed64 field %d", ErrDecode, num)
			}
			data = data[n:]
			switch num {
			case fieldMemoryUsage:
				f.MemoryUsage = math.Float64frombits(v)
			case fieldMVPeriod:
				f.MVPeriod = math.Float64frombits(v)
			case fieldCPULoad:
				// Unpacked double, tolerated for older encoders.
				f.CPULoad = append(f.CPULoad, math.Float64frombits(v))
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d wire type %d", ErrDecode, num, typ)
			}
			data = data[n:]
		}
	}
	return f, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func validateChannel(channel string) error {
	if len(channel) > MaxChannelBytes {
		return fmt.Errorf("%w: channel exceeds %d bytes", ErrEncode, MaxChannelBytes)
	}
	for _, r := range channel {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: channel contains non-printable rune %q", ErrEncode, r)
		}
	}
	return nil
}
