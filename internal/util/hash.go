// Package util provides shared logging, statistics and identification helpers.
package util

import (
	"fmt"
	"hash/fnv"
	"net"
)

// Tag identifies a socket in log lines before a session or peer id is known.
type Tag uint32

func (t Tag) String() string { return fmt.Sprintf("[%08x]", uint32(t)) }

// ConnTag hashes the endpoints of a TCP connection. The pair is ordered
// before hashing so both ends of the same connection print the same tag.
func ConnTag(local, remote net.Addr) Tag {
	a, b := addrString(local), addrString(remote)
	if b < a {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return Tag(h.Sum32())
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
