package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnTag(t *testing.T) {
	a := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000}
	b := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	c := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41001}

	assert.Equal(t, ConnTag(a, b), ConnTag(b, a), "both ends agree")
	assert.NotEqual(t, ConnTag(a, b), ConnTag(c, b))
	assert.Regexp(t, `^\[[0-9a-f]{8}\]$`, ConnTag(a, b).String())
	assert.NotPanics(t, func() { ConnTag(nil, b) })
}
