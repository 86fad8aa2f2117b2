package dispatch

import (
	"testing"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/stretchr/testify/assert"
)

type owner struct {
	echoes []string
	acks   []int64
}

func newTestDispatcher() *Dispatcher[*owner] {
	d := New[*owner]()
	Handle(d, protocol.TypeEcho, func(o *owner, m *protocol.Echo) {
		o.echoes = append(o.echoes, m.Text)
	})
	Handle(d, protocol.TypeConnectAck, func(o *owner, m *protocol.ConnectAck) {
		o.acks = append(o.acks, m.TargetID)
	})
	return d
}

func TestDispatch_RoutesByCode(t *testing.T) {
	d := newTestDispatcher()
	o := &owner{}

	assert.True(t, d.Dispatch(o, &protocol.Echo{Text: "a"}))
	assert.True(t, d.Dispatch(o, &protocol.ConnectAck{TargetID: 4}))
	assert.True(t, d.Dispatch(o, &protocol.Echo{Text: "b"}))

	assert.Equal(t, []string{"a", "b"}, o.echoes)
	assert.Equal(t, []int64{4}, o.acks)
}

func TestDispatch_MissingHandlerIsInert(t *testing.T) {
	d := newTestDispatcher()
	o := &owner{}

	assert.False(t, d.Dispatch(o, &protocol.RefreshRequest{}))
	assert.False(t, d.Dispatch(o, &protocol.Unknown{Code: 31337}))
	assert.Empty(t, o.echoes)
	assert.Empty(t, o.acks)

	assert.True(t, d.Registered(protocol.TypeEcho))
	assert.False(t, d.Registered(protocol.TypeRefreshRequest))
}

func TestDispatch_TypeMismatchPanics(t *testing.T) {
	d := newTestDispatcher()
	// an Unknown reusing a catalog code reaches the typed Echo handler
	assert.Panics(t, func() {
		d.Dispatch(&owner{}, &protocol.Unknown{Code: protocol.TypeEcho})
	})
}
