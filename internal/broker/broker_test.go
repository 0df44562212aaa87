package broker

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kd9jxq/phasehound/internal/feed"
	"github.com/kd9jxq/phasehound/internal/frame"
	"github.com/kd9jxq/phasehound/internal/pluginhost"
)

func startTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "broker.sock")
	b := New(sockPath, feed.New(), pluginhost.New(sockPath, log.New(os.Stderr)), nil, log.New(os.Stderr))
	require.NoError(t, b.Listen())
	go func() { _ = b.Run() }()
	t.Cleanup(b.Shutdown)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b, sockPath
}

func dial(t *testing.T, sockPath string) *frame.Conn {
	t.Helper()
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)
	return frame.New(uc)
}

func TestPingPong(t *testing.T) {
	_, sockPath := startTestBroker(t)
	c := dial(t, sockPath)

	require.NoError(t, c.Send([]byte(`{"type":"ping"}`), nil))
	payload, _, err := c.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(payload))
}

func TestCreateSubscribePublish_RoutingFidelity(t *testing.T) {
	_, sockPath := startTestBroker(t)
	x := dial(t, sockPath)
	y := dial(t, sockPath)

	require.NoError(t, x.Send([]byte(`{"type":"create_feed","feed":"t"}`), nil))
	require.NoError(t, x.Send([]byte(`{"type":"subscribe","feed":"t"}`), nil))
	time.Sleep(50 * time.Millisecond) // let the broker's goroutine apply the subscribe

	require.NoError(t, y.Send([]byte(`{"type":"publish","feed":"t","data":"hello","encoding":"utf8"}`), nil))

	payload, _, err := x.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"publish","feed":"t","data":"hello","encoding":"utf8"}`, string(payload))

	_, _, err = y.Recv(time.Now().Add(100 * time.Millisecond))
	assert.ErrorIs(t, err, frame.ErrTimedOut)
}

func TestFDRelay(t *testing.T) {
	_, sockPath := startTestBroker(t)
	producer := dial(t, sockPath)
	consumer := dial(t, sockPath)

	require.NoError(t, consumer.Send([]byte(`{"type":"subscribe","feed":"wfmd.audio-info"}`), nil))
	time.Sleep(50 * time.Millisecond)

	f, err := os.CreateTemp(t.TempDir(), "ring")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("known content")
	require.NoError(t, err)

	require.NoError(t, producer.Send([]byte(`{"type":"publish","feed":"wfmd.audio-info","data":"x","encoding":"utf8"}`), []int{int(f.Fd())}))

	payload, fds, err := consumer.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "wfmd.audio-info")
	require.Len(t, fds, 1)

	got := os.NewFile(uintptr(fds[0]), "ring")
	defer got.Close()
	buf := make([]byte, len("known content"))
	_, err = got.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "known content", string(buf))
}

func TestDisconnectSweep(t *testing.T) {
	b, sockPath := startTestBroker(t)
	a := dial(t, sockPath)

	require.NoError(t, a.Send([]byte(`{"type":"subscribe","feed":"f"}`), nil))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Raw().Close())
	time.Sleep(100 * time.Millisecond)

	b.mu.Lock()
	n := len(b.conns)
	b.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestSubscriberDeathMidBroadcast(t *testing.T) {
	_, sockPath := startTestBroker(t)
	a := dial(t, sockPath)
	bb := dial(t, sockPath)
	pub := dial(t, sockPath)

	require.NoError(t, a.Send([]byte(`{"type":"subscribe","feed":"f"}`), nil))
	require.NoError(t, bb.Send([]byte(`{"type":"subscribe","feed":"f"}`), nil))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Raw().Close())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Send([]byte(`{"type":"publish","feed":"f","data":"still alive","encoding":"utf8"}`), nil))
	payload, _, err := bb.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "still alive")
}

func TestCliControl_FeedsAndHelp(t *testing.T) {
	_, sockPath := startTestBroker(t)
	c := dial(t, sockPath)

	require.NoError(t, c.Send([]byte(`{"type":"create_feed","feed":"alpha"}`), nil))
	require.NoError(t, c.Send([]byte(`{"type":"command","feed":"cli-control","data":"feeds"}`), nil))

	// "feeds" enumerates a collection, so it answers with a series of
	// frames (spec.md §4.4) rather than one newline-joined frame.
	var got []string
	for {
		payload, _, err := c.Recv(time.Now().Add(150 * time.Millisecond))
		if err != nil {
			require.ErrorIs(t, err, frame.ErrTimedOut)
			break
		}
		got = append(got, string(payload))
	}
	assert.Contains(t, got, "alpha")

	require.NoError(t, c.Send([]byte(`{"type":"command","feed":"cli-control","data":"help"}`), nil))
	payload, _, err := c.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "available-addons")
}

func TestIdempotentSubscribe(t *testing.T) {
	_, sockPath := startTestBroker(t)
	x := dial(t, sockPath)
	y := dial(t, sockPath)

	require.NoError(t, x.Send([]byte(`{"type":"subscribe","feed":"dup"}`), nil))
	require.NoError(t, x.Send([]byte(`{"type":"subscribe","feed":"dup"}`), nil))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, y.Send([]byte(`{"type":"publish","feed":"dup","data":"once","encoding":"utf8"}`), nil))
	_, _, err := x.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)

	_, _, err = x.Recv(time.Now().Add(150 * time.Millisecond))
	assert.ErrorIs(t, err, frame.ErrTimedOut)
}

// buildMinimalAddon compiles a trivial conforming ABI .so with cc, skipping
// the test if no C toolchain is present — mirrors pluginhost's own fixture
// builder, since cgo-loaded addons can't be produced by the Go toolchain
// alone and this suite must not invoke it.
func buildMinimalAddon(t *testing.T, dir, name string) string {
	t.Helper()
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("no C toolchain available")
	}

	src := `
#include <stdbool.h>
#include <stdint.h>
typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;
const char *plugin_name(void) { return "` + name + `"; }
bool plugin_init(const ph_ctx_t *ctx, ph_caps_t *out) { out->name = "` + name + `"; out->version = "0.1.0"; out->consumes = 0; out->produces = 0; return ctx->abi == 1; }
bool plugin_start(void) { return true; }
void plugin_stop(void) {}
`
	cPath := filepath.Join(dir, name+".c")
	soPath := filepath.Join(dir, name+".so")
	require.NoError(t, os.WriteFile(cPath, []byte(src), 0o644))

	out, err := exec.Command("cc", "-shared", "-fPIC", "-o", soPath, cPath).CombinedOutput()
	require.NoErrorf(t, err, "cc build failed: %s", out)
	return soPath
}

func TestAutoload_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	so := buildMinimalAddon(t, dir, "e2eaddon")

	sockPath := filepath.Join(t.TempDir(), "broker.sock")
	host := pluginhost.New(sockPath, log.New(os.Stderr))
	_, err := host.Autoload(so)
	require.NoError(t, err)

	b := New(sockPath, feed.New(), host, []string{dir}, log.New(os.Stderr))
	require.NoError(t, b.Listen())
	go func() { _ = b.Run() }()
	t.Cleanup(b.Shutdown)

	c := dial(t, sockPath)
	require.NoError(t, c.Send([]byte(`{"type":"command","feed":"cli-control","data":"plugins"}`), nil))
	payload, _, err := c.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "e2eaddon")
}

func TestListen_RemovesStaleSocketFile(t *testing.T) {
	// spec.md §7: "On SIGINT, the broker unlinks the socket path and
	// exits; a new run recreates it." A leftover file from an unclean
	// shutdown must not make the next Listen fail.
	sockPath := filepath.Join(t.TempDir(), "broker.sock")
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0o644))

	b := New(sockPath, feed.New(), pluginhost.New(sockPath, log.New(os.Stderr)), nil, log.New(os.Stderr))
	require.NoError(t, b.Listen())
	b.Shutdown()

	_, err := os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}
