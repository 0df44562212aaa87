// Command wfmd is a transformer addon: it subscribes to an upstream IQ
// ring's info feed (soapyiq.IQ-info by default), maps the shared ring it
// receives, and republishes synthesized audio frames on its own PHAU ring —
// standing in for the wideband-FM discriminator of
// original_source/src/addons/wfmd/src/wfmd.c, whose toggle vocabulary
// (swapiq/flipq/neg/deemph/taps1/gain/debug/status) this addon reproduces
// on wfmd.config.in/out. The actual demodulation math is out of scope
// (spec.md §1 "Out of scope: DSP math"); what matters here is the ring
// hand-off protocol — mapping an upstream ring by fd, draining it, and
// producing a downstream ring in the same shape a real demodulator would.
package main

/*
#include <stdint.h>
#include <stdbool.h>

typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;

static const char *wfmd_consumes[] = { "wfmd.config.in", "soapyiq.IQ-info", 0 };
static const char *wfmd_produces[] = { "wfmd.config.out", "wfmd.audio-info", 0 };
*/
import "C"

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
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

// audioCapacity holds two seconds of 48kHz mono float32, matching the
// original's ring_open(..., audio_sec=2, fs=48000.0) sizing.
const (
	audioSampleRate = 48000.0
	audioCapacity   = 48000 * 2 * 4
)

var (
	sockPath string
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   = dwlog.Default()

	toggles toggleState
	togMu   sync.Mutex

	audioRing *ring.Ring
	audioMu   sync.Mutex

	iqRing   *ring.Ring
	iqRingMu sync.Mutex
)

// toggleState mirrors the original's g_swapiq/g_flipq/g_neg/g_deemph/g_taps1/
// g_gain/g_debug globals: runtime knobs a "status" command reports back
// verbatim and every other command adjusts one at a time.
type toggleState struct {
	swapIQ  bool
	flipQ   bool
	neg     bool
	deemph  bool
	taps1   int
	gain    float64
	debug   bool
}

//export plugin_name
func plugin_name() *C.char {
	return C.CString("wfmd")
}

//export plugin_init
func plugin_init(ctx *C.ph_ctx_t, out *C.ph_caps_t) C.bool {
	if ctx == nil || uint32(ctx.abi) != abiVersion {
		return C.bool(false)
	}
	sockPath = C.GoString(ctx.sock_path)
	togMu.Lock()
	toggles = toggleState{deemph: true, taps1: 101, gain: 4.0}
	togMu.Unlock()

	if out != nil {
		out.name = C.CString("wfmd")
		out.version = C.CString("0.1.4")
		out.consumes = (**C.char)(unsafe.Pointer(&C.wfmd_consumes[0]))
		out.produces = (**C.char)(unsafe.Pointer(&C.wfmd_produces[0]))
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
	releaseRings()
}

func releaseRings() {
	audioMu.Lock()
	if audioRing != nil {
		audioRing.Close()
		audioRing = nil
	}
	audioMu.Unlock()

	iqRingMu.Lock()
	if iqRing != nil {
		iqRing.Close()
		iqRing = nil
	}
	iqRingMu.Unlock()
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
		logger.Error("wfmd: could not connect to broker")
		return
	}
	defer uc.Close()

	conn := frame.New(uc)
	client := ctlplane.New(conn)
	_ = client.CreateFeed("wfmd.config.out")
	_ = client.CreateFeed("wfmd.audio-info")
	_ = client.Subscribe("wfmd.config.in")
	_ = client.Subscribe("soapyiq.IQ-info")

	if err := openAudioRing(); err != nil {
		logger.Error("wfmd: audio ring open failed", "err", err)
	} else {
		publishAudioInfo(client)
	}

	var drainWg sync.WaitGroup
	drainWg.Add(1)
	go func() {
		defer drainWg.Done()
		drainLoop()
	}()
	defer drainWg.Wait()

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
	case "soapyiq.IQ-info":
		if len(fds) == 1 {
			adoptIQRing(fds[0])
		} else {
			for _, fd := range fds {
				closeFD(fd)
			}
		}
	case "wfmd.config.in":
		for _, fd := range fds {
			closeFD(fd)
		}
		line, _ := jsonprobe.GetString(payload, "data")
		reply := runCommand(strings.TrimSpace(line))
		_ = client.Publish("wfmd.config.out", reply)
	default:
		for _, fd := range fds {
			closeFD(fd)
		}
	}
}

// adoptIQRing maps the upstream ring once per announcement, replacing
// whatever this addon had mapped before — the same re-map-on-republish
// behavior as the original's run_iq, which remaps on every "open" it sees.
func adoptIQRing(fd int) {
	r, err := ring.Map(fd, ring.MagicIQ)
	if err != nil {
		logger.Error("wfmd: map IQ ring failed", "err", err)
		closeFD(fd)
		return
	}
	iqRingMu.Lock()
	if iqRing != nil {
		iqRing.Close()
	}
	iqRing = r
	iqRingMu.Unlock()
}

func openAudioRing() error {
	r, err := ring.Create("wfmd-audio", ring.Header{
		Magic:        ring.MagicAudio,
		Capacity:     audioCapacity,
		BytesPerSamp: 4,
		Channels:     1,
		SampleRate:   audioSampleRate,
		Fmt:          ring.FmtAudioF32,
	})
	if err != nil {
		return err
	}
	audioMu.Lock()
	audioRing = r
	audioMu.Unlock()
	return nil
}

func publishAudioInfo(client *ctlplane.Client) {
	audioMu.Lock()
	r := audioRing
	audioMu.Unlock()
	if r == nil {
		return
	}
	_ = client.PublishRingInfo("wfmd.audio-info", r.FD(), ctlplane.RingInfo{
		Fmt:          ring.FmtAudioF32,
		BytesPerSamp: 4,
		Channels:     1,
		SampleRate:   audioSampleRate,
		Capacity:     audioCapacity,
	})
}

// drainLoop is the analogue of the original's aggressive IQ-ring draining
// in both run_iq and run_cmd: it periodically pulls whatever is new out of
// the upstream IQ ring and turns it into audio frames via demodBlock. It
// runs independent of the config command loop so a quiet control channel
// never starves draining, matching the original's two-thread split.
func drainLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	const maxIQFrames = 1 << 15 // ~256KB/8 bytes-per-CF32-frame per tick
	buf := make([]byte, maxIQFrames*8)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		iqRingMu.Lock()
		r := iqRing
		iqRingMu.Unlock()
		if r == nil {
			continue
		}

		n := r.Pop(buf, maxIQFrames)
		if n == 0 {
			continue
		}
		demodBlock(buf[:n*8], n, r.SampleRate())
	}
}

// demodBlock stands in for the original's FIR-decimate-deemphasis chain: it
// does not perform real FM discrimination (out of scope), but it does
// consume exactly nsamp complex CF32 frames and produce a proportionally
// decimated run of float32 audio samples, so the downstream ring sees a
// plausible, continuously flowing audio rate rather than a 1:1 echo of the
// IQ rate.
func demodBlock(iq []byte, nsamp int, fsIn float64) {
	if nsamp == 0 {
		return
	}
	if fsIn <= 0 {
		fsIn = 2_400_000
	}
	decim := int(math.Round(fsIn / audioSampleRate))
	if decim < 1 {
		decim = 1
	}

	togMu.Lock()
	swapIQ, flipQ, neg, deemph, gain := toggles.swapIQ, toggles.flipQ, toggles.neg, toggles.deemph, toggles.gain
	togMu.Unlock()

	nOut := nsamp / decim
	if nOut == 0 {
		return
	}
	out := make([]byte, nOut*4)

	var ip, qp float64
	var emph float64
	a := math.Exp(-1.0 / (audioSampleRate * 50e-6))

	oi := 0
	for i := 0; i < nsamp && oi < nOut; i++ {
		re := math.Float32frombits(uint32(iq[8*i+0]) | uint32(iq[8*i+1])<<8 | uint32(iq[8*i+2])<<16 | uint32(iq[8*i+3])<<24)
		im := math.Float32frombits(uint32(iq[8*i+4]) | uint32(iq[8*i+5])<<8 | uint32(iq[8*i+6])<<16 | uint32(iq[8*i+7])<<24)
		I0, Q0 := float64(re), float64(im)
		if swapIQ {
			I0, Q0 = Q0, I0
		}
		if flipQ {
			Q0 = -Q0
		}

		dre := ip*I0 + qp*Q0 + 1e-20
		dim := ip*Q0 - qp*I0
		ph := math.Atan2(dim, dre)
		if neg {
			ph = -ph
		}
		ip, qp = I0, Q0

		if (i+1)%decim != 0 {
			continue
		}

		var y float64
		if deemph {
			emph = a*emph + (1.0-a)*ph
			y = emph
		} else {
			y = ph
		}
		y *= gain
		if y > 1 {
			y = 1
		}
		if y < -1 {
			y = -1
		}
		putF32(out[oi*4:], float32(y))
		oi++
	}

	audioMu.Lock()
	r := audioRing
	audioMu.Unlock()
	if r != nil && oi > 0 {
		r.Push(out[:oi*4])
	}
}

func putF32(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

func runCommand(line string) string {
	switch {
	case line == "help":
		return `{"ok":true,"help":"help|status|swapiq <0|1>|flipq <0|1>|neg <0|1>|deemph <0|1>|taps1 <n>|gain <f>|debug <0|1>"}`

	case line == "status":
		togMu.Lock()
		t := toggles
		togMu.Unlock()
		return fmt.Sprintf(
			`{"ok":true,"gain":%.3f,"swapiq":%s,"flipq":%s,"neg":%s,"deemph":%s,"taps1":%d,"debug":%s}`,
			t.gain, boolStr(t.swapIQ), boolStr(t.flipQ), boolStr(t.neg), boolStr(t.deemph), t.taps1, boolStr(t.debug),
		)

	case strings.HasPrefix(line, "swapiq "):
		togMu.Lock()
		toggles.swapIQ = atoiBool(strings.TrimPrefix(line, "swapiq "))
		v := toggles.swapIQ
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"swapiq":%s}`, boolStr(v))

	case strings.HasPrefix(line, "flipq "):
		togMu.Lock()
		toggles.flipQ = atoiBool(strings.TrimPrefix(line, "flipq "))
		v := toggles.flipQ
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"flipq":%s}`, boolStr(v))

	case strings.HasPrefix(line, "neg "):
		togMu.Lock()
		toggles.neg = atoiBool(strings.TrimPrefix(line, "neg "))
		v := toggles.neg
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"neg":%s}`, boolStr(v))

	case strings.HasPrefix(line, "deemph "):
		togMu.Lock()
		toggles.deemph = atoiBool(strings.TrimPrefix(line, "deemph "))
		v := toggles.deemph
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"deemph":%s}`, boolStr(v))

	case strings.HasPrefix(line, "taps1 "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "taps1 ")))
		if err != nil {
			return `{"ok":false,"err":"taps1 arg"}`
		}
		if n < 31 {
			n = 31
		}
		if n%2 == 0 {
			n++
		}
		togMu.Lock()
		toggles.taps1 = n
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"taps1":%d}`, n)

	case strings.HasPrefix(line, "gain "):
		g, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "gain ")), 64)
		if err != nil {
			return `{"ok":false,"err":"gain arg"}`
		}
		if g < 0.1 {
			g = 0.1
		}
		if g > 16.0 {
			g = 16.0
		}
		togMu.Lock()
		toggles.gain = g
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"gain":%.3f}`, g)

	case strings.HasPrefix(line, "debug "):
		togMu.Lock()
		toggles.debug = atoiBool(strings.TrimPrefix(line, "debug "))
		v := toggles.debug
		togMu.Unlock()
		return fmt.Sprintf(`{"ok":true,"debug":%s}`, boolStr(v))

	case line == "start":
		return `{"ok":true,"msg":"started"}`

	case line == "stop":
		return `{"ok":true,"msg":"stopped"}`

	default:
		return `{"ok":false,"err":"unknown"}`
	}
}

func atoiBool(s string) bool {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v != 0
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func main() {}
