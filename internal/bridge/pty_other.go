//go:build !linux

package bridge

import (
	"errors"
	"os"
)

// PTY is a pseudo-terminal pair. Only Linux is supported.
type PTY struct {
	*os.File
	Name string
}

func OpenPTY() (*PTY, error) {
	return nil, errors.New("bridge: pseudo-terminals are only supported on linux")
}
