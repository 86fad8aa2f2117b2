// Package punch races three TCP hole-punching strategies toward one remote
// participant and keeps exactly one winning connection.
package punch

import (
	"github.com/1ureka/holepunch/internal/protocol"
)

// Slot identifies which strategy carries a peer connection.
type Slot int

const (
	SlotNone      Slot = -1
	SlotListening Slot = 0 // accepted on our own rendezvous port
	SlotPublic    Slot = 1 // dialed to the peer's public endpoint
	SlotPrivate   Slot = 2 // dialed to the peer's private endpoint
)

var slots = [...]Slot{SlotListening, SlotPublic, SlotPrivate}

func (s Slot) String() string {
	switch s {
	case SlotListening:
		return "listening"
	case SlotPublic:
		return "public"
	case SlotPrivate:
		return "private"
	}
	return "none"
}

// Strategy is one way of reaching the peer. StartHandshake and StopHandshake
// may be called in any order; once stopped, a strategy never starts again.
type Strategy interface {
	StartHandshake()
	StopHandshake()
	IsConnected() bool
	Disconnect()
	TrySend(m protocol.Message) bool
	Slot() Slot
}

// Hooks are the callbacks a strategy reports through. They run on the
// strategy's connection goroutines.
type Hooks struct {
	Connected    func()
	Received     func(m protocol.Message)
	Disconnected func(graceful bool)
}

// StrategyFactory builds the strategy for slot, aimed at info.
type StrategyFactory func(slot Slot, info protocol.SessionInfo, hooks Hooks) Strategy
