// Command dummy is the minimal conforming addon: it advertises its own
// dummy.config.in/dummy.config.out control feeds, a dummy.foo data feed,
// and understands four commands (help, ping, foo [text], shm-demo) plus
// the shared subscribe/unsubscribe verbs every addon supports. It exists
// to exercise the plugin ABI and the control-plane helpers end to end,
// the same role original_source/src/addons/dummy/src/dummy.c plays in
// the C proof of concept this spec was distilled from.
package main

/*
#include <stdint.h>
#include <stdbool.h>

typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;

static const char *dummy_consumes[] = { "dummy.config.in", 0 };
static const char *dummy_produces[] = { "dummy.config.out", "dummy.foo", 0 };
*/
import "C"

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kd9jxq/phasehound/internal/ctlplane"
	"github.com/kd9jxq/phasehound/internal/dwlog"
	"github.com/kd9jxq/phasehound/internal/frame"
	"github.com/kd9jxq/phasehound/internal/jsonprobe"
	"github.com/kd9jxq/phasehound/internal/ring"
)

const abiVersion = 1

var (
	sockPath string
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   = dwlog.Default()
)

//export plugin_name
func plugin_name() *C.char {
	return C.CString("dummy")
}

//export plugin_init
func plugin_init(ctx *C.ph_ctx_t, out *C.ph_caps_t) C.bool {
	if ctx == nil || uint32(ctx.abi) != abiVersion {
		return C.bool(false)
	}
	sockPath = C.GoString(ctx.sock_path)
	if out != nil {
		out.name = C.CString("dummy")
		out.version = C.CString("0.2.0")
		out.consumes = (**C.char)(unsafe.Pointer(&C.dummy_consumes[0]))
		out.produces = (**C.char)(unsafe.Pointer(&C.dummy_produces[0]))
	}
	return C.bool(true)
}

//export plugin_start
func plugin_start() C.bool {
	stopCh = make(chan struct{})
	doneCh = make(chan struct{})
	running.Store(true)
	go worker()
	return C.bool(true)
}

//export plugin_stop
func plugin_stop() {
	if !running.Swap(false) {
		return
	}
	close(stopCh)
	<-doneCh
}

func worker() {
	defer close(doneCh)

	var uc *net.UnixConn
	for i := 0; i < 50; i++ {
		var err error
		uc, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err == nil {
			break
		}
		select {
		case <-stopCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if uc == nil {
		logger.Error("dummy: could not connect to broker", "sock_path", sockPath)
		return
	}
	defer uc.Close()

	conn := frame.New(uc)
	client := ctlplane.New(conn)
	_ = client.CreateFeed("dummy.config.in")
	_ = client.CreateFeed("dummy.config.out")
	_ = client.Subscribe("dummy.config.in")
	_ = client.CreateFeed("dummy.foo")

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		payload, fds, err := conn.Recv(time.Now().Add(250 * time.Millisecond))
		if err != nil {
			continue
		}
		for _, fd := range fds {
			_ = unix.Close(fd) // dummy never subscribes to FD-carrying feeds
		}
		handleFrame(client, payload)
	}
}

func handleFrame(client *ctlplane.Client, payload []byte) {
	typ, _ := jsonprobe.GetString(payload, "type")
	if typ != "publish" {
		return
	}
	feedName, _ := jsonprobe.GetString(payload, "feed")
	if feedName != "dummy.config.in" {
		return
	}
	line, _ := jsonprobe.GetString(payload, "data")
	reply := runCommand(client, strings.TrimSpace(line))
	_ = client.Publish("dummy.config.out", reply)
}

func runCommand(client *ctlplane.Client, line string) string {
	switch {
	case line == "help":
		return `{"ok":true,"help":"help|ping|foo [text]|subscribe <feed>|unsubscribe <feed>|shm-demo"}`

	case line == "ping":
		return `{"ok":true,"reply":"pong"}`

	case strings.HasPrefix(line, "subscribe "):
		f := strings.TrimSpace(strings.TrimPrefix(line, "subscribe "))
		if f == "" {
			return `{"ok":false,"err":"subscribe arg"}`
		}
		_ = client.Subscribe(f)
		return `{"ok":true,"reply":"subscribed ` + f + `"}`

	case strings.HasPrefix(line, "unsubscribe "):
		f := strings.TrimSpace(strings.TrimPrefix(line, "unsubscribe "))
		if f == "" {
			return `{"ok":false,"err":"unsubscribe arg"}`
		}
		_ = client.Unsubscribe(f)
		return `{"ok":true,"reply":"unsubscribed ` + f + `"}`

	case strings.HasPrefix(line, "foo"):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "foo"))
		if arg == "" {
			arg = "bar"
		}
		_ = client.Publish("dummy.foo", arg)
		return `{"ok":true,"reply":"foo => published \"` + arg + `\" to dummy.foo"}`

	case line == "shm-demo":
		return shmDemo(client)

	default:
		return `{"ok":false,"err":"unknown"}`
	}
}

// shmDemo creates a one-shot 1 MiB ring, fills it with a recognizable byte
// pattern, and hands its fd to dummy.foo's subscribers — a minimal
// reference for how a real IQ/audio producer publishes a ring.
func shmDemo(client *ctlplane.Client) string {
	const capacity = 1 << 20
	r, err := ring.Create("ph-dummy", ring.Header{
		Magic:        ring.MagicAudio,
		Capacity:     capacity,
		BytesPerSamp: 1,
		Channels:     1,
		SampleRate:   0,
		Fmt:          ring.FmtAudioF32,
	})
	if err != nil {
		return `{"ok":false,"err":"` + err.Error() + `"}`
	}
	defer r.Close()

	pattern := make([]byte, capacity)
	for i := range pattern {
		pattern[i] = byte(i & 0xFF)
	}
	r.Push(pattern)

	if err := client.PublishRingInfo("dummy.foo", r.FD(), ctlplane.RingInfo{
		Fmt:          ring.FmtAudioF32,
		BytesPerSamp: 1,
		Channels:     1,
		Capacity:     capacity,
	}); err != nil {
		return `{"ok":false,"err":"` + err.Error() + `"}`
	}
	return `{"ok":true,"reply":"shm demo sent, capacity=` + strconv.Itoa(capacity) + `"}`
}

func main() {}
