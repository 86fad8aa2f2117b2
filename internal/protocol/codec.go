package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HeaderLen is the size of the little-endian length prefix of every frame.
const HeaderLen = 4

var (
	ErrTrailingData = errors.New("protocol: trailing bytes after message")
	ErrInvalidCode  = errors.New("protocol: type code is not a valid field number")
)

// Name returns the catalog name of t, or "Unknown" for codes outside it.
func Name(t Type) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Marshal encodes m into a payload: a single length-delimited field whose
// field number is the type code and whose value is the message body.
func Marshal(m Message) ([]byte, error) {
	return appendPayload(nil, m)
}

// AppendFrame appends the 4-byte length header and the payload of m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst, err := appendPayload(dst, m)
	if err != nil {
		return dst[:start], err
	}
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start-HeaderLen))
	return dst, nil
}

// FrameLen returns the payload length declared by a frame header.
func FrameLen(header []byte) int {
	return int(binary.LittleEndian.Uint32(header[:HeaderLen]))
}

func appendPayload(dst []byte, m Message) ([]byte, error) {
	num := protowire.Number(m.Type())
	if !num.IsValid() {
		return dst, fmt.Errorf("%w: %d", ErrInvalidCode, num)
	}
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	return protowire.AppendBytes(dst, m.appendBody(nil)), nil
}

// Unmarshal decodes a payload. A code outside the catalog yields *Unknown
// holding a copy of the body; malformed input is an error.
func Unmarshal(payload []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(payload)
	if n < 0 {
		return nil, fmt.Errorf("protocol: decode tag: %w", protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("protocol: message %d has wire type %d, want bytes", num, typ)
	}
	body, m := protowire.ConsumeBytes(payload[n:])
	if m < 0 {
		return nil, fmt.Errorf("protocol: decode %s body: %w", Name(Type(num)), protowire.ParseError(m))
	}
	if n+m != len(payload) {
		return nil, ErrTrailingData
	}

	msg := newMessage(Type(num))
	if msg == nil {
		return &Unknown{Code: Type(num), Body: append([]byte(nil), body...)}, nil
	}
	if err := msg.parseBody(body); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", Name(Type(num)), err)
	}
	return msg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Field helpers
// ──────────────────────────────────────────────────────────────────────────────

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendInt64s writes vs as one packed field of zigzag varints.
func appendInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	size := 0
	for _, v := range vs {
		size += protowire.SizeVarint(protowire.EncodeZigZag(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, v := range vs {
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	}
	return b
}

func appendSessionInfo(b []byte, num protowire.Number, s SessionInfo) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, s.appendBody(nil))
}

// field is one decoded body field. v is set for varints, raw for
// length-delimited values.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	raw []byte
}

func (f field) wireErr(want protowire.Type) error {
	return fmt.Errorf("field %d has wire type %d, want %d", f.num, f.typ, want)
}

func (f field) int64() (int64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.wireErr(protowire.VarintType)
	}
	return protowire.DecodeZigZag(f.v), nil
}

func (f field) bool() (bool, error) {
	if f.typ != protowire.VarintType {
		return false, f.wireErr(protowire.VarintType)
	}
	return f.v != 0, nil
}

func (f field) string() (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.wireErr(protowire.BytesType)
	}
	return string(f.raw), nil
}

// appendInt64s accepts both the packed form and a single unpacked element.
func (f field) appendInt64s(dst []int64) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, protowire.DecodeZigZag(f.v)), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, protowire.ParseError(n)
			}
			dst = append(dst, protowire.DecodeZigZag(v))
			b = b[n:]
		}
		return dst, nil
	}
	return dst, f.wireErr(protowire.BytesType)
}

func (f field) sessionInfo() (SessionInfo, error) {
	var s SessionInfo
	if f.typ != protowire.BytesType {
		return s, f.wireErr(protowire.BytesType)
	}
	err := s.parseBody(f.raw)
	return s, err
}

// forEachField walks every field of a message body. Fields with wire types
// the catalog never uses are skipped.
func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Message bodies
// ──────────────────────────────────────────────────────────────────────────────

func (s SessionInfo) appendBody(b []byte) []byte {
	b = appendInt64(b, 1, s.ID)
	b = appendString(b, 2, s.PrivateEndpoint)
	return appendString(b, 3, s.PublicEndpoint)
}

func (s *SessionInfo) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			s.ID, err = f.int64()
		case 2:
			s.PrivateEndpoint, err = f.string()
		case 3:
			s.PublicEndpoint, err = f.string()
		}
		return err
	})
}

func (m *Identity) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.PrivateEndpoint)
	b = appendInt64(b, 2, m.ID)
	return appendInt64s(b, 3, m.ConnectedPeers)
}

func (m *Identity) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.PrivateEndpoint, err = f.string()
		case 2:
			m.ID, err = f.int64()
		case 3:
			m.ConnectedPeers, err = f.appendInt64s(m.ConnectedPeers)
		}
		return err
	})
}

func (m *Echo) appendBody(b []byte) []byte { return appendString(b, 1, m.Text) }

func (m *Echo) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Text, err = f.string()
		}
		return err
	})
}

func (*SessionListRequest) appendBody(b []byte) []byte { return b }
func (*SessionListRequest) parseBody(b []byte) error   { return forEachField(b, ignoreField) }

func (m *SessionList) appendBody(b []byte) []byte {
	for _, s := range m.Sessions {
		b = appendSessionInfo(b, 1, s)
	}
	return b
}

func (m *SessionList) parseBody(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		s, err := f.sessionInfo()
		if err != nil {
			return err
		}
		m.Sessions = append(m.Sessions, s)
		return nil
	})
}

func (*RefreshRequest) appendBody(b []byte) []byte { return b }
func (*RefreshRequest) parseBody(b []byte) error   { return forEachField(b, ignoreField) }

func (m *RefreshReply) appendBody(b []byte) []byte { return appendSessionInfo(b, 1, m.Info) }

func (m *RefreshReply) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Info, err = f.sessionInfo()
		}
		return err
	})
}

func (m *ConnectRequest) appendBody(b []byte) []byte {
	b = appendInt64(b, 1, m.RequesterID)
	return appendInt64(b, 2, m.TargetID)
}

func (m *ConnectRequest) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.RequesterID, err = f.int64()
		case 2:
			m.TargetID, err = f.int64()
		}
		return err
	})
}

func (m *ConnectAck) appendBody(b []byte) []byte { return appendInt64(b, 1, m.TargetID) }

func (m *ConnectAck) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.TargetID, err = f.int64()
		}
		return err
	})
}

func (m *ConnectSuccess) appendBody(b []byte) []byte {
	b = appendInt64(b, 1, m.TargetID)
	return appendInt64s(b, 2, m.ConnectedPeers)
}

func (m *ConnectSuccess) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.TargetID, err = f.int64()
		case 2:
			m.ConnectedPeers, err = f.appendInt64s(m.ConnectedPeers)
		}
		return err
	})
}

func (m *P2PDisconnected) appendBody(b []byte) []byte { return appendInt64s(b, 1, m.ConnectedPeers) }

func (m *P2PDisconnected) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.ConnectedPeers, err = f.appendInt64s(m.ConnectedPeers)
		}
		return err
	})
}

func (m *ServerMessage) appendBody(b []byte) []byte { return appendString(b, 1, m.Text) }

func (m *ServerMessage) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Text, err = f.string()
		}
		return err
	})
}

func (m *P2PEcho) appendBody(b []byte) []byte {
	b = appendInt64(b, 1, m.Sender)
	b = appendString(b, 2, m.Text)
	return appendBool(b, 3, m.Echo)
}

func (m *P2PEcho) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Sender, err = f.int64()
		case 2:
			m.Text, err = f.string()
		case 3:
			m.Echo, err = f.bool()
		}
		return err
	})
}

func (m *PunchSelect) appendBody(b []byte) []byte { return appendInt64(b, 1, m.Sender) }

func (m *PunchSelect) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Sender, err = f.int64()
		}
		return err
	})
}

func (m *PunchHello) appendBody(b []byte) []byte { return appendInt64(b, 1, m.Sender) }

func (m *PunchHello) parseBody(b []byte) error {
	return forEachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Sender, err = f.int64()
		}
		return err
	})
}

func (m *Unknown) appendBody(b []byte) []byte { return append(b, m.Body...) }

func (m *Unknown) parseBody(b []byte) error {
	m.Body = append(m.Body[:0], b...)
	return nil
}

func ignoreField(field) error { return nil }
