package leaudio

import (
	"encoding/hex"
	"strings"
)

// Addr identifies a remote peer. It's a MAC address on Linux or a
// device UUID on OS X; either way it is stable for the life of a bond.
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from string
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}

	return out
}
