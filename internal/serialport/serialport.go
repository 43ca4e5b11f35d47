// Package serialport owns the one character device a concentrator
// process is allowed to have open at a time: locking, termios
// configuration, BREAK, and plain descriptor I/O. It generalizes the
// read-only SerialReader this package started from into a full
// open/configure/read/write/close port shared by every connected
// client.
package serialport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"ip2ser/internal/lockfile"
)

// SupportedBauds enumerates the discrete rates the port can be driven
// at; set_baud rejects anything else as fatal, per the invariant that
// the baud rate is always one of these.
var SupportedBauds = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800}

var unixSpeeds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
}

// ErrUnsupportedBaud is returned (and is fatal to the caller) when
// SetBaud is asked for a rate outside SupportedBauds.
type ErrUnsupportedBaud int

func (e ErrUnsupportedBaud) Error() string {
	return fmt.Sprintf("serialport: unsupported baud rate: %d", int(e))
}

// Port is the single open serial device. Its lifecycle is coupled to
// the session count by the caller (internal/concentrator): Open on the
// 0->1 client transition, Close on 1->0.
type Port struct {
	devpath string
	fd      int
	baud    int
	lock    *lockfile.Handle
}

// Open acquires the device lock, opens devpath without making it a
// controlling terminal, and applies baud at 8-N-1 raw. On any failure
// the device is left fully closed (no leaked fd, no leaked lock).
func Open(devpath string, baud int) (*Port, error) {
	h, err := lockfile.Lock(devpath)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(devpath, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		h.Unlock()
		return nil, fmt.Errorf("can't open device: %w", err)
	}

	p := &Port{devpath: devpath, fd: fd, lock: h}
	if err := p.SetBaud(baud); err != nil {
		unix.Close(fd)
		h.Unlock()
		return nil, err
	}

	return p, nil
}

// Fd returns the raw descriptor, for registration with the poll set.
func (p *Port) Fd() int { return p.fd }

// Baud returns the currently configured rate.
func (p *Port) Baud() int { return p.baud }

// Devpath returns the device path the port was opened against.
func (p *Port) Devpath() string { return p.devpath }

// SetBaud reprograms termios to 8 data bits, no parity, one stop bit,
// local + read-enabled, with every other input/output/local flag
// cleared, at the given speed. Unsupported rates return
// ErrUnsupportedBaud without touching the device's current
// configuration.
func (p *Port) SetBaud(baud int) error {
	speed, ok := unixSpeeds[baud]
	if !ok {
		return ErrUnsupportedBaud(baud)
	}

	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("serialport: tcgetattr: %w", err)
	}

	t.Iflag = 0
	t.Oflag = 0
	t.Cflag = unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Lflag = 0
	t.Ispeed = speed
	t.Ospeed = speed

	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("serialport: tcsetattr: %w", err)
	}

	p.baud = baud
	return nil
}

// ReadBytes performs one descriptor read. Partial reads are normal and
// returned as-is; (0, nil) signals device EOF, which the multiplexer
// treats as a fatal session event.
func (p *Port) ReadBytes(buf []byte) (int, error) {
	return unix.Read(p.fd, buf)
}

// WriteBytes performs one descriptor write.
func (p *Port) WriteBytes(buf []byte) (int, error) {
	return unix.Write(p.fd, buf)
}

// SendBreak requests a BREAK condition of implementation-default
// duration, grounded in the traditional TCSBRKP ioctl (nonzero arg in
// deciseconds; zero means "let the driver pick", which on Linux is the
// standard ~0.25s BREAK).
func (p *Port) SendBreak() error {
	return unix.IoctlSetInt(p.fd, unix.TCSBRKP, 0)
}

// Close releases the termios-owned descriptor and unlocks the device.
// Safe to call on an already-closed Port.
func (p *Port) Close() error {
	if p == nil || p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	p.lock.Unlock()
	return err
}
