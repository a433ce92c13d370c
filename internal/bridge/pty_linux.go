//go:build linux

package bridge

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PTY is a pseudo-terminal pair in raw mode. The bridge serves the master;
// host tools open Name.
type PTY struct {
	// File is the master side.
	*os.File
	Name  string
	slave *os.File
}

// OpenPTY allocates a pseudo-terminal. The slave side is kept open so reads
// on the master do not fail with EIO while no host tool is attached.
func OpenPTY() (*PTY, error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge: open /dev/ptmx: %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bridge: unlock pty: %w", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bridge: pty number: %w", err)
	}
	name := fmt.Sprintf("/dev/pts/%d", n)

	sfd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bridge: open %s: %w", name, err)
	}
	if err := makeRaw(sfd); err != nil {
		unix.Close(sfd)
		unix.Close(fd)
		return nil, err
	}
	// A non-blocking master lets Close interrupt a pending Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(sfd)
		unix.Close(fd)
		return nil, fmt.Errorf("bridge: set nonblock: %w", err)
	}
	return &PTY{
		File:  os.NewFile(uintptr(fd), "/dev/ptmx"),
		Name:  name,
		slave: os.NewFile(uintptr(sfd), name),
	}, nil
}

// makeRaw disables line editing, echo and newline translation.
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("bridge: get termios: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("bridge: set termios: %w", err)
	}
	return nil
}

// Close closes both sides.
func (p *PTY) Close() error {
	err := p.File.Close()
	if serr := p.slave.Close(); err == nil {
		err = serr
	}
	return err
}
