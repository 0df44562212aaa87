// Command audiosink is a terminal consumer addon: it subscribes to an
// upstream audio ring's info feed (wfmd.audio-info by default), maps the
// ring it receives, and drains it onto a PortAudio output stream —
// standing in for the ALSA playback thread of
// original_source/src/addons/audiosink/src/audiosink.c, whose
// device/subscribe command vocabulary this addon reproduces on
// audiosink.config.in/out. PortAudio is the cross-platform analogue of the
// original's direct ALSA binding: both are a thin ring->soundcard drain,
// which is the only thing this addon needs to exercise.
package main

/*
#include <stdint.h>
#include <stdbool.h>

typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;

static const char *audiosink_consumes[] = { "audiosink.config.in", "wfmd.audio-info", 0 };
static const char *audiosink_produces[] = { "audiosink.config.out", 0 };
*/
import "C"

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gordonklaus/portaudio"
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

	audioRing   *ring.Ring
	audioRingMu sync.Mutex

	stream    *portaudio.Stream
	streamMu  sync.Mutex
	paReady   bool
	devIndex  = -1 // -1 means the host API's default output device
)

//export plugin_name
func plugin_name() *C.char {
	return C.CString("audiosink")
}

//export plugin_init
func plugin_init(ctx *C.ph_ctx_t, out *C.ph_caps_t) C.bool {
	if ctx == nil || uint32(ctx.abi) != abiVersion {
		return C.bool(false)
	}
	sockPath = C.GoString(ctx.sock_path)

	if err := portaudio.Initialize(); err != nil {
		logger.Error("audiosink: portaudio init failed", "err", err)
	} else {
		paReady = true
	}

	if out != nil {
		out.name = C.CString("audiosink")
		out.version = C.CString("0.3.0")
		out.consumes = (**C.char)(unsafe.Pointer(&C.audiosink_consumes[0]))
		out.produces = (**C.char)(unsafe.Pointer(&C.audiosink_produces[0]))
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
	closeStream()
	releaseRing()
	if paReady {
		_ = portaudio.Terminate()
		paReady = false
	}
}

func releaseRing() {
	audioRingMu.Lock()
	if audioRing != nil {
		audioRing.Close()
		audioRing = nil
	}
	audioRingMu.Unlock()
}

func closeStream() {
	streamMu.Lock()
	defer streamMu.Unlock()
	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
		stream = nil
	}
}

// openStream (re)opens the output device at rate/channels, the same
// open-on-every-"device"-command and open-on-every-new-ring behavior as
// the original's open_pcm. devIndex selects a specific PortAudio host
// device (set via the "device <index>" command); -1 uses the default.
func openStream(rate float64, channels int) error {
	closeStream()
	if !paReady {
		return nil
	}
	if channels < 1 {
		channels = 1
	}

	const framesPerBuffer = 480 // ~10ms @ 48kHz, matching the original's ALSA period

	buf := make([]float32, framesPerBuffer*channels)
	callback := func(out []float32) {
		n := popFrames(buf, framesPerBuffer, channels)
		copy(out, buf[:n*channels])
		for i := n * channels; i < len(out); i++ {
			out[i] = 0
		}
	}

	var s *portaudio.Stream
	var err error
	if devIndex < 0 {
		s, err = portaudio.OpenDefaultStream(0, channels, rate, framesPerBuffer, callback)
	} else {
		devs, derr := portaudio.Devices()
		if derr != nil || devIndex >= len(devs) {
			return derr
		}
		params := portaudio.StreamParameters{
			Output: portaudio.StreamDeviceParameters{
				Device:   devs[devIndex],
				Channels: channels,
				Latency:  devs[devIndex].DefaultLowOutputLatency,
			},
			SampleRate:      rate,
			FramesPerBuffer: framesPerBuffer,
		}
		s, err = portaudio.OpenStream(params, callback)
	}
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return err
	}

	streamMu.Lock()
	stream = s
	streamMu.Unlock()
	logger.Info("audiosink: stream open", "rate", rate, "channels", channels, "device", devIndex)
	return nil
}

// popFrames drains up to maxFrames interleaved float32 frames from the
// currently mapped ring into dst, returning frames actually delivered —
// analogous to the original's ring_pop_f32, called from the audio
// callback instead of a dedicated polling thread since PortAudio already
// drives playback timing.
func popFrames(dst []float32, maxFrames, channels int) int {
	audioRingMu.Lock()
	r := audioRing
	audioRingMu.Unlock()
	if r == nil {
		return 0
	}

	raw := make([]byte, maxFrames*channels*4)
	n := r.Pop(raw, maxFrames)
	for i := 0; i < n*channels; i++ {
		bits := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
		dst[i] = float32frombits(bits)
	}
	return n
}

func float32frombits(bits uint32) float32 {
	return *(*float32)(unsafe.Pointer(&bits))
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
		logger.Error("audiosink: could not connect to broker")
		return
	}
	defer uc.Close()

	conn := frame.New(uc)
	client := ctlplane.New(conn)
	_ = client.CreateFeed("audiosink.config.out")
	_ = client.Subscribe("audiosink.config.in")
	_ = client.Subscribe("wfmd.audio-info")

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
		handleFrame(client, payload, fds)
	}
}

func handleFrame(client *ctlplane.Client, payload []byte, fds []int) {
	typ, _ := jsonprobe.GetString(payload, "type")
	if typ != "publish" {
		for _, fd := range fds {
			closeFD(fd)
		}
		return
	}
	feedName, _ := jsonprobe.GetString(payload, "feed")
	switch feedName {
	case "wfmd.audio-info":
		if len(fds) == 1 {
			adoptRing(fds[0])
		} else {
			for _, fd := range fds {
				closeFD(fd)
			}
		}
	case "audiosink.config.in":
		for _, fd := range fds {
			closeFD(fd)
		}
		line, _ := jsonprobe.GetString(payload, "data")
		reply := runCommand(client, strings.TrimSpace(line))
		_ = client.Publish("audiosink.config.out", reply)
	default:
		for _, fd := range fds {
			closeFD(fd)
		}
	}
}

func adoptRing(fd int) {
	r, err := ring.Map(fd, ring.MagicAudio)
	if err != nil {
		logger.Error("audiosink: map ring failed", "err", err)
		closeFD(fd)
		return
	}
	audioRingMu.Lock()
	if audioRing != nil {
		audioRing.Close()
	}
	audioRing = r
	audioRingMu.Unlock()

	if err := openStream(r.SampleRate(), int(r.Channels())); err != nil {
		logger.Error("audiosink: open stream failed", "err", err)
	}
}

func runCommand(client *ctlplane.Client, line string) string {
	switch {
	case line == "help":
		return `{"ok":true,"help":"help|devices|device <index>|subscribe <feed>"}`

	case line == "devices":
		return listDevices()

	case strings.HasPrefix(line, "device "):
		idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "device ")))
		if err != nil {
			return `{"ok":false,"err":"device arg"}`
		}
		devIndex = idx
		audioRingMu.Lock()
		r := audioRing
		audioRingMu.Unlock()
		if r != nil {
			if err := openStream(r.SampleRate(), int(r.Channels())); err != nil {
				return fmt.Sprintf(`{"ok":false,"err":"%s"}`, err)
			}
		}
		return `{"ok":true,"reply":"device set"}`

	case strings.HasPrefix(line, "subscribe "):
		f := strings.TrimSpace(strings.TrimPrefix(line, "subscribe "))
		if f == "" {
			return `{"ok":false,"err":"subscribe arg"}`
		}
		_ = client.Subscribe(f)
		return `{"ok":true,"reply":"subscribed ` + f + `"}`

	default:
		return `{"ok":false,"err":"unknown"}`
	}
}

func listDevices() string {
	devs, err := portaudio.Devices()
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"err":"%s"}`, err)
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`{"ok":true,"found":%d,"devices":[`, len(devs)))
	for i, d := range devs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf(`{"index":%d,"name":"%s","max_output_channels":%d}`, i, d.Name, d.MaxOutputChannels))
	}
	b.WriteString(`]}`)
	return b.String()
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func main() {}
