package frame

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pair returns two connected *Conn over a socketpair, for tests that don't
// need a real listening socket.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	f1 := os.NewFile(uintptr(fds[0]), "a")
	f2 := os.NewFile(uintptr(fds[1]), "b")

	c1, err := net.FileConn(f1)
	require.NoError(t, err)
	c2, err := net.FileConn(f2)
	require.NoError(t, err)
	f1.Close()
	f2.Close()

	return New(c1.(*net.UnixConn)), New(c2.(*net.UnixConn))
}

func TestSendRecv_RoundTrip(t *testing.T) {
	a, b := pair(t)
	defer a.Raw().Close()
	defer b.Raw().Close()

	require.NoError(t, a.Send([]byte(`{"type":"ping"}`), nil))

	payload, fds, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, fds)
	assert.Equal(t, `{"type":"ping"}`, string(payload))
}

func TestSendRecv_WithFD(t *testing.T) {
	a, b := pair(t)
	defer a.Raw().Close()
	defer b.Raw().Close()

	tmp, err := os.CreateTemp(t.TempDir(), "ring")
	require.NoError(t, err)
	defer tmp.Close()
	_, err = tmp.WriteString("hello")
	require.NoError(t, err)

	require.NoError(t, a.Send([]byte(`{"type":"publish"}`), []int{int(tmp.Fd())}))

	payload, fds, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, `{"type":"publish"}`, string(payload))

	recvFile := os.NewFile(uintptr(fds[0]), "ring")
	defer recvFile.Close()
	buf := make([]byte, 5)
	n, err := recvFile.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestRecv_Timeout(t *testing.T) {
	_, b := pair(t)
	defer b.Raw().Close()

	_, _, err := b.Recv(time.Now().Add(10 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRecv_PeerClosed(t *testing.T) {
	a, b := pair(t)
	a.Raw().Close()
	defer b.Raw().Close()

	_, _, err := b.Recv(time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestSend_BadLength(t *testing.T) {
	a, b := pair(t)
	defer a.Raw().Close()
	defer b.Raw().Close()

	err := a.Send(nil, nil)
	assert.ErrorIs(t, err, ErrBadLength)

	big := make([]byte, MaxPayload+1)
	err = a.Send(big, nil)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestRecv_PartialFrameAcrossCalls(t *testing.T) {
	a, b := pair(t)
	defer a.Raw().Close()
	defer b.Raw().Close()

	full := []byte(`{"type":"publish","feed":"t","data":"hello","encoding":"utf8"}`)
	// Write the length prefix and half the payload, then pause, then the rest.
	hdr := []byte{0, 0, byte(len(full) >> 8), byte(len(full))}
	raw := a.Raw()
	_, err := raw.Write(hdr)
	require.NoError(t, err)
	_, err = raw.Write(full[:len(full)/2])
	require.NoError(t, err)

	_, _, err = b.Recv(time.Now().Add(20 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimedOut)

	_, err = raw.Write(full[len(full)/2:])
	require.NoError(t, err)

	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, string(full), string(payload))
}
