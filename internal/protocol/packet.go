// Package protocol defines the message catalog exchanged between the
// introducer, participants and directly connected peers, plus its wire codec.
package protocol

import "strconv"

// Type is the integer code that tags every message on the wire.
type Type uint32

// Message type constants. Codes are fixed; 100xx travel over the rendezvous
// link, 101xx over a punched peer-to-peer connection.
const (
	TypeIdentity           Type = 10000 // participant → introducer, sent on every (re)connect
	TypeEcho               Type = 10001 // participant → introducer → participant
	TypeSessionListRequest Type = 10002 // participant → introducer
	TypeSessionList        Type = 10003 // introducer → participant, full snapshot
	TypeRefreshRequest     Type = 10004 // participant → introducer
	TypeRefreshReply       Type = 10005 // introducer → participant, assigned id + public endpoint
	TypeConnectRequest     Type = 10006 // A → introducer: "introduce me to B"
	TypeConnectAck         Type = 10007 // introducer → A and B: start punching toward the other
	TypeConnectSuccess     Type = 10008 // participant → introducer after a punch resolved
	TypeP2PDisconnected    Type = 10009 // participant → introducer when a peer link drops
	TypeServerMessage      Type = 10015 // introducer → participant, operator or error text

	TypeP2PEcho     Type = 10105 // peer ↔ peer
	TypePunchSelect Type = 10106 // peer → peer: "this connection is the one"
	TypePunchHello  Type = 10107 // peer → peer, first frame on every punched connection
)

var typeNames = map[Type]string{
	TypeIdentity:           "Identity",
	TypeEcho:               "Echo",
	TypeSessionListRequest: "SessionListRequest",
	TypeSessionList:        "SessionList",
	TypeRefreshRequest:     "RefreshRequest",
	TypeRefreshReply:       "RefreshReply",
	TypeConnectRequest:     "ConnectRequest",
	TypeConnectAck:         "ConnectAck",
	TypeConnectSuccess:     "ConnectSuccess",
	TypeP2PDisconnected:    "P2PDisconnected",
	TypeServerMessage:      "ServerMessage",
	TypeP2PEcho:            "P2PEcho",
	TypePunchSelect:        "PunchSelect",
	TypePunchHello:         "PunchHello",
}

// String returns the catalog name of t, or "Unknown(<code>)".
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// Known reports whether t belongs to the catalog.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is implemented by every catalog message and by Unknown.
type Message interface {
	Type() Type

	appendBody(b []byte) []byte
	parseBody(b []byte) error
}

// SessionInfo describes one registered session in a snapshot.
type SessionInfo struct {
	ID              int64
	PrivateEndpoint string
	PublicEndpoint  string
}

// Identity is the first message on every rendezvous connection. ID and
// ConnectedPeers are only set when a participant reconnects.
type Identity struct {
	PrivateEndpoint string
	ID              int64 // <= 0 means no prior id
	ConnectedPeers  []int64
}

// HasID reports whether the sender claims a previously assigned id.
func (m *Identity) HasID() bool { return m.ID > 0 }

type Echo struct {
	Text string
}

type SessionListRequest struct{}

// SessionList is the snapshot of every registered session.
type SessionList struct {
	Sessions []SessionInfo
}

type RefreshRequest struct{}

type RefreshReply struct {
	Info SessionInfo
}

type ConnectRequest struct {
	RequesterID int64
	TargetID    int64
}

// ConnectAck tells its receiver to start punching toward TargetID.
type ConnectAck struct {
	TargetID int64
}

type ConnectSuccess struct {
	TargetID       int64
	ConnectedPeers []int64
}

type P2PDisconnected struct {
	ConnectedPeers []int64
}

type ServerMessage struct {
	Text string
}

type P2PEcho struct {
	Sender int64
	Text   string
	Echo   bool // set on the reply so it is not bounced again
}

// PunchSelect is sent by the deciding side on the connection it resolved.
type PunchSelect struct {
	Sender int64
}

// PunchHello names the sender of a punched connection. A connection only
// counts once the remote's hello carries the id we meant to reach.
type PunchHello struct {
	Sender int64
}

// Unknown carries a message whose code is not in the catalog. Body holds
// the undecoded message body.
type Unknown struct {
	Code Type
	Body []byte
}

func (*Identity) Type() Type           { return TypeIdentity }
func (*Echo) Type() Type               { return TypeEcho }
func (*SessionListRequest) Type() Type { return TypeSessionListRequest }
func (*SessionList) Type() Type        { return TypeSessionList }
func (*RefreshRequest) Type() Type     { return TypeRefreshRequest }
func (*RefreshReply) Type() Type       { return TypeRefreshReply }
func (*ConnectRequest) Type() Type     { return TypeConnectRequest }
func (*ConnectAck) Type() Type         { return TypeConnectAck }
func (*ConnectSuccess) Type() Type     { return TypeConnectSuccess }
func (*P2PDisconnected) Type() Type    { return TypeP2PDisconnected }
func (*ServerMessage) Type() Type      { return TypeServerMessage }
func (*P2PEcho) Type() Type            { return TypeP2PEcho }
func (*PunchSelect) Type() Type        { return TypePunchSelect }
func (*PunchHello) Type() Type         { return TypePunchHello }
func (m *Unknown) Type() Type          { return m.Code }

// newMessage returns an empty message for a catalog code, or nil.
func newMessage(t Type) Message {
	switch t {
	case TypeIdentity:
		return &Identity{}
	case TypeEcho:
		return &Echo{}
	case TypeSessionListRequest:
		return &SessionListRequest{}
	case TypeSessionList:
		return &SessionList{}
	case TypeRefreshRequest:
		return &RefreshRequest{}
	case TypeRefreshReply:
		return &RefreshReply{}
	case TypeConnectRequest:
		return &ConnectRequest{}
	case TypeConnectAck:
		return &ConnectAck{}
	case TypeConnectSuccess:
		return &ConnectSuccess{}
	case TypeP2PDisconnected:
		return &P2PDisconnected{}
	case TypeServerMessage:
		return &ServerMessage{}
	case TypeP2PEcho:
		return &P2PEcho{}
	case TypePunchSelect:
		return &PunchSelect{}
	case TypePunchHello:
		return &PunchHello{}
	}
	return nil
}
