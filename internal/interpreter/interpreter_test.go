package interpreter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ip2ser/internal/session"
)

// spyActions records invocations instead of doing real I/O, so tests
// can assert on exactly what a command dispatched.
type spyActions struct {
	breaks       int
	clears       int
	excludedFrom *session.Session
	reboots      int
	statusFor    *session.Session
	helpFor      *session.Session
	resets       int
	disconnected *session.Session
	bauds        []int
}

func (s *spyActions) SendBreak()   { s.breaks++ }
func (s *spyActions) ClearScreen() { s.clears++ }
func (s *spyActions) ExclusiveTakeover(except *session.Session) { s.excludedFrom = except }
func (s *spyActions) Reboot()                         { s.reboots++ }
func (s *spyActions) WriteStatus(sess *session.Session) { s.statusFor = sess }
func (s *spyActions) WriteHelp(sess *session.Session)   { s.helpFor = sess }
func (s *spyActions) TerminalReset()                    { s.resets++ }
func (s *spyActions) Disconnect(sess *session.Session)  { s.disconnected = sess }
func (s *spyActions) SetBaud(baud int)                  { s.bauds = append(s.bauds, baud) }

func newSession() *session.Session {
	return session.New(7, false, "127.0.0.1:1", "127.0.0.1:2")
}

func TestRoundTripForPlainBytes(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}

	in := []byte("the quick brown fox jumps over 1234567890")
	out := ip.Process(s, in, a)
	require.Equal(t, in, out)
}

func TestEscapeByteLiteralIdiom(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}

	out := ip.Process(s, []byte{0x1e, 0x1e}, a)
	require.Equal(t, []byte{0x1e}, out)
}

func TestCRLFCollapse(t *testing.T) {
	ip := New(0x1e)
	a := &spyActions{}

	s1 := newSession()
	require.Equal(t, []byte{0x0d}, ip.Process(s1, []byte{0x0d, 0x0a}, a))

	s2 := newSession()
	require.Equal(t, []byte{0x0d}, ip.Process(s2, []byte{0x0d, 0x00}, a))

	s3 := newSession()
	require.Equal(t, []byte("\n"), ip.Process(s3, []byte("\n"), a))
}

func TestEraseNormalization(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}

	out := ip.Process(s, []byte{0x7f}, a)
	require.Equal(t, []byte{0x08}, out)
}

func TestTelnetOptionStrippingThreeByte(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}

	// IAC DO ECHO, then a literal byte.
	in := []byte{iac, do, 0x01, 'X'}
	out := ip.Process(s, in, a)
	require.Equal(t, []byte("X"), out)
}

func TestTelnetOptionStrippingTwoByte(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}

	// IAC followed by a non-option byte: two-byte sequence consumed.
	in := []byte{iac, 0xf0, 'Y'}
	out := ip.Process(s, in, a)
	require.Equal(t, []byte("Y"), out)
}

func TestTelnetOptionShortAtEndOfChunkIsDropped(t *testing.T) {
	ip := New(0x1e)
	a := &spyActions{}

	s1 := newSession()
	require.Empty(t, ip.Process(s1, []byte{iac}, a))

	s2 := newSession()
	require.Empty(t, ip.Process(s2, []byte{iac, do}, a))
}

func TestCommandDispatchTable(t *testing.T) {
	cases := []struct {
		name string
		arg  byte
		want func(*testing.T, *spyActions, *session.Session)
	}{
		{"break lower", 'b', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, 1, a.breaks) }},
		{"break upper", 'B', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, 1, a.breaks) }},
		{"clear", 'c', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, 1, a.clears) }},
		{"exclusive", 'e', func(t *testing.T, a *spyActions, s *session.Session) { require.Same(t, s, a.excludedFrom) }},
		{"reboot", 'r', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, 1, a.reboots) }},
		{"status", 's', func(t *testing.T, a *spyActions, s *session.Session) { require.Same(t, s, a.statusFor) }},
		{"reset", 't', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, 1, a.resets) }},
		{"help", '?', func(t *testing.T, a *spyActions, s *session.Session) { require.Same(t, s, a.helpFor) }},
		{"baud 115200", '1', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, []int{115200}, a.bauds) }},
		{"baud 57600", '5', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, []int{57600}, a.bauds) }},
		{"baud 38400", '3', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, []int{38400}, a.bauds) }},
		{"baud 19200", '2', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, []int{19200}, a.bauds) }},
		{"baud 9600", '9', func(t *testing.T, a *spyActions, s *session.Session) { require.Equal(t, []int{9600}, a.bauds) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ip := New(0x1e)
			s := newSession()
			a := &spyActions{}
			s.CmdPending = true
			out := ip.Process(s, []byte{tc.arg}, a)
			require.Empty(t, out)
			require.False(t, s.CmdPending)
			tc.want(t, a, s)
		})
	}
}

func TestTerminateCommandStopsChunkProcessing(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}
	s.CmdPending = true

	out := ip.Process(s, []byte{'.', 'm', 'o', 'r', 'e'}, a)
	require.Same(t, s, a.disconnected)
	require.Empty(t, out)
}

func TestUnknownArgumentIsSilentlyDiscarded(t *testing.T) {
	ip := New(0x1e)
	s := newSession()
	a := &spyActions{}
	s.CmdPending = true

	out := ip.Process(s, []byte{'z', 'Q'}, a)
	require.Equal(t, []byte("Q"), out)
	require.False(t, s.CmdPending)
}

func TestCommandArgumentNeverAppearsInOutputExceptEscapeLiteral(t *testing.T) {
	ip := New(0x1e)
	a := &spyActions{}

	s := newSession()
	out := ip.Process(s, []byte{0x1e, 's'}, a)
	require.Empty(t, out)
	require.Same(t, s, a.statusFor)
}

func TestRawModeBypassesInterpreterEntirely(t *testing.T) {
	ip := New(0x1e)
	s := session.New(3, true, "a", "b")
	a := &spyActions{}

	in := []byte{0x1e, 's', 0xff, 0xfd, 0x01, 0x7f}
	out := ip.Process(s, in, a)
	require.Equal(t, in, out)
	require.Nil(t, a.statusFor)
	require.False(t, s.CmdPending)
}
