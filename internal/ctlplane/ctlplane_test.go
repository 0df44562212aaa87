package ctlplane

import (
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kd9jxq/phasehound/internal/frame"
)

// pair returns two connected *frame.Conn over a socketpair, mirroring
// internal/frame's own test helper — ctlplane only ever wraps one side of
// such a connection.
func pair(t *testing.T) (*frame.Conn, *frame.Conn) {
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

	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})

	return frame.New(c1.(*net.UnixConn)), frame.New(c2.(*net.UnixConn))
}

func TestCreateFeed(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	require.NoError(t, client.CreateFeed("dummy.config.in"))

	payload, fds, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, fds)
	assert.Equal(t, `{"type":"create_feed","feed":"dummy.config.in"}`, string(payload))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	require.NoError(t, client.Subscribe("dummy.foo"))
	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"subscribe","feed":"dummy.foo"}`, string(payload))

	require.NoError(t, client.Unsubscribe("dummy.foo"))
	payload, _, err = b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"unsubscribe","feed":"dummy.foo"}`, string(payload))
}

func TestPublish_EscapesQuotesAndBackslashes(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	require.NoError(t, client.Publish("dummy.foo", `say "hi" \ bye`))

	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"publish","feed":"dummy.foo","data":"say \"hi\" \\ bye","encoding":"utf8"}`, string(payload))
}

func TestPublishWithFDs(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	tmp, err := os.CreateTemp(t.TempDir(), "ring")
	require.NoError(t, err)
	defer tmp.Close()
	_, err = tmp.WriteString("ring-contents")
	require.NoError(t, err)

	require.NoError(t, client.PublishWithFDs("dummy.foo", "info", []int{int(tmp.Fd())}))

	payload, fds, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, `{"type":"publish","feed":"dummy.foo","data":"info","encoding":"utf8"}`, string(payload))

	recvFile := os.NewFile(uintptr(fds[0]), "ring")
	defer recvFile.Close()
	buf := make([]byte, len("ring-contents"))
	n, err := recvFile.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ring-contents", string(buf[:n]))
}

func TestPublishRingInfo(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	tmp, err := os.CreateTemp(t.TempDir(), "ring")
	require.NoError(t, err)
	defer tmp.Close()

	require.NoError(t, client.PublishRingInfo("soapyiq.IQ-info", int(tmp.Fd()), RingInfo{
		Fmt:          1,
		BytesPerSamp: 8,
		Channels:     1,
		SampleRate:   2_400_000,
		CenterFreq:   100e6,
		Capacity:     1 << 20,
	}))

	payload, fds, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, fds, 1)
	os.NewFile(uintptr(fds[0]), "ring").Close()

	// The annotation is itself escaped as the outer message's "data" field,
	// so its embedded quotes survive as literal backslash-quote pairs.
	data, ok := extractData(t, payload)
	require.True(t, ok)
	assert.Contains(t, data, `\"fmt\":1`)
	assert.Contains(t, data, `\"bytes_per_samp\":8`)
	assert.Contains(t, data, `\"capacity\":1048576`)
}

func TestPing(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	require.NoError(t, client.Ping())
	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(payload))
}

func TestCommand(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	require.NoError(t, client.Command("feeds"))
	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"command","feed":"cli-control","data":"feeds"}`, string(payload))
}

func TestRunCommandLoop_DispatchesAndPublishes(t *testing.T) {
	a, b := pair(t)
	client := New(a)

	var delivered atomic.Bool
	go client.RunCommandLoop("dummy.config.out", func(timeout time.Duration) (string, bool) {
		if delivered.CompareAndSwap(false, true) {
			return "ping", true
		}
		time.Sleep(timeout)
		return "", false
	}, func(line string) string {
		return `{"ok":true,"reply":"` + line + `"}`
	})

	payload, _, err := b.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"publish","feed":"dummy.config.out","data":"{\"ok\":true,\"reply\":\"ping\"}","encoding":"utf8"}`, string(payload))
}

// extractData is a minimal helper that pulls out the "data" field's raw
// escaped contents for assertions that only care about its substrings.
func extractData(t *testing.T, payload []byte) (string, bool) {
	t.Helper()
	const key = `"data":"`
	s := string(payload)
	i := indexOf(s, key)
	if i < 0 {
		return "", false
	}
	start := i + len(key)
	end := indexOf(s[start:], `","encoding"`)
	if end < 0 {
		return "", false
	}
	return s[start : start+end], true
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
