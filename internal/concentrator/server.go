// Package concentrator is the Session Multiplexer: the readiness loop
// that accepts TCP clients, opens/closes the serial port on the
// first/last client, fans device output out to every client, and
// routes client input (through the escape-prefix interpreter) back to
// the device.
package concentrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"ip2ser/internal/boardname"
	"ip2ser/internal/interpreter"
	"ip2ser/internal/lockfile"
	"ip2ser/internal/serialport"
	"ip2ser/internal/session"
	"ip2ser/internal/telemetry"
)

const chunkSize = 4096

// Server owns the listening socket, the optional open serial port, the
// live client set, and the static configuration. It is meant to be
// built once per process and run to completion via Serve.
type Server struct {
	cfg Config

	listenFd int
	device   *serialport.Port
	clients  map[int]*session.Session

	ip *interpreter.Interpreter

	selfPipeR int
	selfPipeW int
}

// New builds a Server bound and listening on cfg.Port, but does not
// open the serial device yet — that happens lazily on the first
// client's admission, per the device-open coupling invariant.
func New(cfg Config) (*Server, error) {
	cfg = cfg.WithDefaults()

	if !ValidEscapeByte(cfg.EscapeByte) {
		return nil, fmt.Errorf("concentrator: escape byte 0x%02x is not renderable", cfg.EscapeByte)
	}

	if err := unix.Access(cfg.Devpath, unix.R_OK|unix.W_OK); err != nil {
		return nil, fmt.Errorf("concentrator: device %s not accessible: %w", cfg.Devpath, err)
	}

	listenFd, boundPort, err := listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	cfg.Port = boundPort

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("concentrator: self-pipe: %w", err)
	}

	sv := &Server{
		cfg:       cfg,
		listenFd:  listenFd,
		clients:   make(map[int]*session.Session),
		ip:        interpreter.New(cfg.EscapeByte),
		selfPipeR: pipeFds[0],
		selfPipeW: pipeFds[1],
	}

	sv.installSignals()
	return sv, nil
}

// Port returns the actual bound TCP port, useful when the caller asked
// for an ephemeral one by passing Port: 0.
func (sv *Server) Port() int { return sv.cfg.Port }

// listen binds 0.0.0.0:port with address reuse and non-blocking
// readiness, and returns the actual bound port (useful when port==0
// asks the kernel for an ephemeral one, as tests do).
func listen(port int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("concentrator: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: setsockopt: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: bind: %w", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: set nonblock: %w", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: getsockname: %w", err)
	}
	v4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("concentrator: unexpected sockaddr type")
	}
	return fd, v4.Port, nil
}

// installSignals wires SIGPIPE to be ignored (so a fan-out write to a
// departed client never takes the process down) and relays
// SIGTERM/SIGINT/SIGHUP into the self-pipe, standing in for the
// original's sigaction-based shutdown.
func (sv *Server) installSignals() {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		<-sigCh
		unix.Write(sv.selfPipeW, []byte{1})
	}()
}

// ErrShutdown is returned by Serve when a TERM/INT/HUP signal drove a
// clean shutdown (device closed, lock released).
var ErrShutdown = errors.New("concentrator: shutdown signal received")

// ErrDeviceLost is returned by Serve when the device read loop hit EOF
// or an unrecoverable error; every client has already been closed.
var ErrDeviceLost = errors.New("concentrator: serial device lost")

// ErrUnsupportedBaud is returned by Serve when the configured baud rate
// is outside serialport.SupportedBauds. Per the error taxonomy this is
// a fatal startup error, not a recoverable per-client device-open
// failure: the listener and every client are already closed.
var ErrUnsupportedBaud = errors.New("concentrator: unsupported baud rate configured")

// Serve runs the readiness loop until a shutdown signal arrives or the
// device is lost, performing the matching cleanup before returning. Per
// the error taxonomy, both are terminal: the caller (main) is expected
// to exit the process with status 1 either way.
func (sv *Server) Serve() error {
	for {
		entries := sv.buildPollSet()
		pfds := make([]unix.PollFd, len(entries))
		for i, e := range entries {
			pfds[i] = unix.PollFd{Fd: int32(e.fd), Events: unix.POLLIN}
		}

		_, err := unix.Poll(pfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("concentrator: poll: %w", err)
		}

		for i, e := range entries {
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			switch e.kind {
			case kindSelfPipe:
				sv.shutdown()
				return ErrShutdown
			case kindListener:
				if err := sv.admit(); err != nil {
					unix.Close(sv.listenFd)
					return err
				}
			case kindDevice:
				if lost := sv.fanOut(); lost {
					return ErrDeviceLost
				}
			case kindClient:
				sv.ingest(e.sess)
			}
		}
	}
}

type entryKind int

const (
	kindListener entryKind = iota
	kindSelfPipe
	kindDevice
	kindClient
)

type pollEntry struct {
	kind entryKind
	fd   int
	sess *session.Session
}

// buildPollSet computes the readiness set fresh each iteration: the
// listener, the self-pipe, the clients, and the device when open.
func (sv *Server) buildPollSet() []pollEntry {
	entries := make([]pollEntry, 0, len(sv.clients)+3)
	entries = append(entries, pollEntry{kind: kindSelfPipe, fd: sv.selfPipeR})
	entries = append(entries, pollEntry{kind: kindListener, fd: sv.listenFd})
	if sv.device != nil {
		entries = append(entries, pollEntry{kind: kindDevice, fd: sv.device.Fd()})
	}
	for fd, s := range sv.clients {
		entries = append(entries, pollEntry{kind: kindClient, fd: fd, sess: s})
	}
	return entries
}

// shutdown is the signal-driven cleanup path: close the listener and
// the device (which unlinks the lock). There is no flush.
func (sv *Server) shutdown() {
	telemetry.Log.Info("shutting down")
	unix.Close(sv.listenFd)
	if sv.device != nil {
		sv.device.Close()
		sv.device = nil
	}
}

// admit accepts at most one pending connection, writes the Telnet
// preamble (unless raw), opens the device on the 0->1 transition, and
// writes the status report on success. It returns a non-nil error only
// for the fatal case (ErrUnsupportedBaud): the caller (Serve) treats
// that as a terminal condition, everything else is a recoverable,
// per-client failure already handled here.
func (sv *Server) admit() error {
	nfd, sa, err := unix.Accept(sv.listenFd)
	if err != nil {
		return nil
	}
	unix.SetNonblock(nfd, true)

	peer := addrString(sa)
	local := "0.0.0.0:0"
	if lsa, err := unix.Getsockname(nfd); err == nil {
		local = addrString(lsa)
	}

	telemetry.Connect(nfd, peer)

	s := session.New(nfd, sv.cfg.Raw, peer, local)

	if !sv.cfg.Raw {
		unix.Write(nfd, preamble)
	}

	sv.clients[nfd] = s

	if len(sv.clients) == 1 {
		if err := sv.openDevice(); err != nil {
			sv.Disconnect(s)
			var unsupported serialport.ErrUnsupportedBaud
			if errors.As(err, &unsupported) {
				telemetry.Log.WithError(err).Error("unsupported baud rate, exiting")
				return fmt.Errorf("%w: %v", ErrUnsupportedBaud, err)
			}
			return nil
		}
	}

	if !sv.cfg.Raw {
		sv.WriteStatus(s)
		unix.Write(nfd, []byte("\r\n"))
	}
	return nil
}

func addrString(sa unix.Sockaddr) string {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		a := v4.Addr
		return fmt.Sprintf("%d.%d.%d.%d:%d", a[0], a[1], a[2], a[3], v4.Port)
	}
	return "0.0.0.0:0"
}

// openDevice opens the serial port at the 0->1 client transition. On a
// recoverable failure (lock held, device missing) it notifies the
// triggering client and leaves the device closed so the next 0->1
// transition retries. An unsupported configured baud rate is not
// recoverable by retrying — the caller treats it as fatal instead of
// broadcasting a per-client notice.
func (sv *Server) openDevice() error {
	p, err := serialport.Open(sv.cfg.Devpath, sv.cfg.Baud)
	if err != nil {
		var unsupported serialport.ErrUnsupportedBaud
		switch {
		case errors.As(err, &unsupported):
			// fatal; caller handles it without a client-facing broadcast.
		case errors.Is(err, lockfile.ErrLocked):
			sv.broadcast("\r\n*** Device is locked, disconnecting\r\n\r\n")
		default:
			sv.broadcast(fmt.Sprintf("*** Can't open device: %s\r\n", err))
		}
		return err
	}
	sv.device = p
	telemetry.DeviceOpened(sv.cfg.Devpath)
	return nil
}

// fanOut reads one chunk from the device, sanitizes it in non-raw mode
// so no client ever sees a forged Telnet IAC, delivers it to every
// client, and hands it to the board-name hook. A zero-length read with
// no error is device EOF, resolved (per the open question) as a fatal
// session event; fanOut reports that by returning true, leaving the
// caller to unwind Serve with ErrDeviceLost.
func (sv *Server) fanOut() bool {
	buf := make([]byte, chunkSize)
	n, err := sv.device.ReadBytes(buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return false
		}
		telemetry.Log.WithError(err).Error("device read failed, exiting")
		sv.closeDeviceLost()
		return true
	}
	if n == 0 {
		telemetry.Log.Error("device EOF, exiting")
		sv.closeDeviceLost()
		return true
	}

	chunk := buf[:n]
	if !sv.cfg.Raw {
		chunk = scrubIAC(chunk)
	}
	sv.cfg.BoardHook.Observe(chunk)
	sv.writeAll(chunk)
	return false
}

// scrubIAC maps every 0xFF byte to 0x7F so the serial peer can't forge
// a Telnet option sequence on the way out to non-raw clients.
func scrubIAC(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		if b == 0xff {
			out[i] = 0x7f
		} else {
			out[i] = b
		}
	}
	return out
}

// closeDeviceLost closes every client, the listener, and the device;
// the device is considered unrecoverable without an operator restart,
// and the caller unwinds Serve with ErrDeviceLost.
func (sv *Server) closeDeviceLost() {
	for fd, s := range sv.clients {
		unix.Close(s.Fd)
		delete(sv.clients, fd)
	}
	unix.Close(sv.listenFd)
	if sv.device != nil {
		sv.device.Close()
		sv.device = nil
	}
}

// ingest reads one chunk from a client, runs it through the
// interpreter (unless raw), and writes any surviving bytes to the
// device. EOF or error disconnects the client.
func (sv *Server) ingest(s *session.Session) {
	buf := make([]byte, chunkSize)
	n, err := unix.Read(s.Fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		sv.Disconnect(s)
		return
	}
	if n <= 0 {
		sv.Disconnect(s)
		return
	}

	out := sv.ip.Process(s, buf[:n], sv)
	if len(out) == 0 {
		return
	}
	if _, ok := sv.clients[s.Fd]; !ok {
		// The interpreter's '.' command already disconnected this
		// session mid-chunk; there is nothing left to forward.
		return
	}
	sv.device.WriteBytes(out)
}

// writeAll is the device-to-clients fan-out: best-effort, one write
// per client. A broken pipe here is absorbed silently; the next ingest
// attempt on that descriptor will see EOF and trigger Disconnect.
func (sv *Server) writeAll(buf []byte) {
	for fd := range sv.clients {
		unix.Write(fd, buf)
	}
}

// broadcast is writeAll for a formatted operator notice.
func (sv *Server) broadcast(msg string) {
	sv.writeAll([]byte(msg))
}

// Disconnect closes a client's descriptor, removes it from the live
// set, and closes the serial port if this was the last client.
func (sv *Server) Disconnect(s *session.Session) {
	if _, ok := sv.clients[s.Fd]; !ok {
		return
	}
	telemetry.Disconnect(s.Fd)
	unix.Close(s.Fd)
	delete(sv.clients, s.Fd)

	if len(sv.clients) == 0 && sv.device != nil {
		devpath := sv.cfg.Devpath
		sv.device.Close()
		sv.device = nil
		telemetry.DeviceClosed(devpath)
	}
}

// --- interpreter.Actions ---

// SendBreak requests a BREAK on the open device.
func (sv *Server) SendBreak() {
	if sv.device == nil {
		return
	}
	if err := sv.device.SendBreak(); err != nil {
		telemetry.Log.WithError(err).Warn("send break failed")
	}
}

// ClearScreen broadcasts an ANSI clear-screen + cursor-home sequence.
func (sv *Server) ClearScreen() {
	sv.broadcast("\x1b[2J\x1b[1;1H")
}

// ExclusiveTakeover disconnects every client except the one issuing the
// command.
func (sv *Server) ExclusiveTakeover(except *session.Session) {
	for _, s := range sv.otherClients(except) {
		sv.Disconnect(s)
	}
}

func (sv *Server) otherClients(except *session.Session) []*session.Session {
	others := make([]*session.Session, 0, len(sv.clients))
	for fd, s := range sv.clients {
		if fd != except.Fd {
			others = append(others, s)
		}
	}
	return others
}

// Reboot runs the configured reboot command in a subshell, or tells the
// triggering client (via broadcast, matching the original) that none is
// configured.
func (sv *Server) Reboot() {
	if sv.cfg.RebootCmd == "" {
		sv.broadcast("Reboot command is unset\r\n")
		return
	}
	sv.broadcast("\r\n*** REBOOTING TARGET\r\n")
	// Exit status is deliberately not propagated, matching system()'s
	// fire-and-forget semantics in the original.
	_ = exec.Command("sh", "-c", sv.cfg.RebootCmd).Run()
}

// WriteStatus writes the connection status report to one client.
func (sv *Server) WriteStatus(s *session.Session) {
	unix.Write(s.Fd, []byte(sv.statusReport(s)))
}

func (sv *Server) statusReport(s *session.Session) string {
	board := sv.cfg.BoardHook.Current()
	if len(board) > boardname.MaxLen {
		board = board[:boardname.MaxLen]
	}
	if board != "" {
		board = " " + board
	}
	return fmt.Sprintf(
		"\r\n*** Connected to %s%s at %d bps\r\n"+
			"*** Host: %s\r\n"+
			"*** Client: %s\r\n"+
			"*** Other clients: %d\r\n"+
			"*** For help: <%s> ?\r\n",
		sv.cfg.Devpath, board, sv.cfg.Baud,
		s.Local, s.Peer, len(sv.clients)-1, escapeName(sv.cfg.EscapeByte))
}

// WriteHelp writes the help page to one client.
func (sv *Server) WriteHelp(s *session.Session) {
	unix.Write(s.Fd, []byte(helpText))
}

const helpText = "\r\n" +
	"Supported escape sequences:\r\n" +
	". - terminate connection\r\n" +
	"B - send a BREAK to the device\r\n" +
	"C - clear the screen\r\n" +
	"E - exclusive access (kill other clients)\r\n" +
	"R - reboot the target\r\n" +
	"S - status\r\n" +
	"T - tty reset\r\n" +
	"1,5,3,2,9 - set port to (115200,57600,38400,19200,9600) bps\r\n" +
	"? - this help page\r\n"

// TerminalReset broadcasts a terminal-reset escape sequence.
func (sv *Server) TerminalReset() {
	sv.broadcast("\x1bc\x1b!p")
}

// SetBaud reprograms the device and broadcasts the change.
func (sv *Server) SetBaud(baud int) {
	if sv.device == nil {
		return
	}
	if err := sv.device.SetBaud(baud); err != nil {
		telemetry.Log.WithError(err).Error("set baud failed")
		return
	}
	sv.cfg.Baud = baud
	sv.broadcast(fmt.Sprintf("*** Baud rate set to %d bps\r\n", baud))
}
