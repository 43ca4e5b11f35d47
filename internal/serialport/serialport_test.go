package serialport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"ip2ser/internal/lockfile"
)

func withTempLockDir(t *testing.T) {
	t.Helper()
	old := lockfile.Dir
	lockfile.Dir = t.TempDir()
	t.Cleanup(func() { lockfile.Dir = old })
}

func TestOpenConfiguresBaudAndLocks(t *testing.T) {
	withTempLockDir(t)

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	p, err := Open(slave.Name(), 115200)
	require.NoError(t, err)
	require.Equal(t, 115200, p.Baud())
	t.Cleanup(func() { p.Close() })

	_, err = os.Stat(filepath.Join(lockfile.Dir, "LCK.."+filepath.Base(slave.Name())))
	require.NoError(t, err)
}

func TestOpenRejectsUnsupportedBaud(t *testing.T) {
	withTempLockDir(t)

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	_, err = Open(slave.Name(), 300)
	require.Error(t, err)
	var unsupported ErrUnsupportedBaud
	require.ErrorAs(t, err, &unsupported)
}

func TestSetBaudChangesRate(t *testing.T) {
	withTempLockDir(t)

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	p, err := Open(slave.Name(), 115200)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.SetBaud(57600))
	require.Equal(t, 57600, p.Baud())
}

func TestReadWriteRoundTrip(t *testing.T) {
	withTempLockDir(t)

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	p, err := Open(slave.Name(), 115200)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	n, err := master.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = p.ReadBytes(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestCloseUnlinksLockAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	old := lockfile.Dir
	lockfile.Dir = dir
	t.Cleanup(func() { lockfile.Dir = old })

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	p, err := Open(slave.Name(), 9600)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = os.Stat(filepath.Join(dir, "LCK.."+filepath.Base(slave.Name())))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, p.Close()) // idempotent
}
