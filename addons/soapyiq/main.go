// Command soapyiq is an IQ-producer addon: it enumerates candidate SDR
// front-ends over udev, optionally drives a rig's frequency/mode through
// Hamlib, holds an optional PTT GPIO line low while receiving, and publishes a
// synthetic IQ stream on a PHIQ ring — standing in for the real
// SoapySDR capture loop of original_source/src/addons/soapy/src/soapy.c,
// whose device-list/select/set/start/stop command vocabulary this addon
// reproduces on soapyiq.config.in/out. The actual sample-generating DSP is
// out of scope (spec.md §1 "Out of scope"): addons are opaque collaborators
// to the broker, and this one's data thread only needs to behave like a
// real producer for the ring protocol to be exercised end to end.
package main

/*
#include <stdint.h>
#include <stdbool.h>

typedef struct { uint32_t abi; const char *sock_path; const char *name; } ph_ctx_t;
typedef struct { const char *name; const char *version; const char *const *consumes; const char *const *produces; } ph_caps_t;

static const char *soapyiq_consumes[] = { "soapyiq.config.in", 0 };
static const char *soapyiq_produces[] = { "soapyiq.config.out", "soapyiq.IQ-info", 0 };
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

	"github.com/jochenvg/go-udev"
	"github.com/warthog618/go-gpiocdev"
	"github.com/xylo04/goHamlib"

	"github.com/kd9jxq/phasehound/internal/ctlplane"
	"github.com/kd9jxq/phasehound/internal/dwlog"
	"github.com/kd9jxq/phasehound/internal/frame"
	"github.com/kd9jxq/phasehound/internal/jsonprobe"
	"github.com/kd9jxq/phasehound/internal/ring"
)

const abiVersion = 1
const iqCapacity = 8 << 20 // 8 MiB, matching the original's SHM sizing

var (
	sockPath string
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   = dwlog.Default()

	state   rigState
	stateMu sync.Mutex
)

// rigState mirrors the original's soapy_state_t: the tunable parameters a
// "set sr=.. cf=.. bw=.." command adjusts and an active/inactive flag.
type rigState struct {
	sampleRate float64
	centerFreq float64
	bandwidth  float64
	active     bool

	rig      *goHamlib.Rig
	pttLine  *gpiocdev.Line
	devNodes []string
}

//export plugin_name
func plugin_name() *C.char {
	return C.CString("soapyiq")
}

//export plugin_init
func plugin_init(ctx *C.ph_ctx_t, out *C.ph_caps_t) C.bool {
	if ctx == nil || uint32(ctx.abi) != abiVersion {
		return C.bool(false)
	}
	sockPath = C.GoString(ctx.sock_path)
	stateMu.Lock()
	state = rigState{sampleRate: 2.4e6, centerFreq: 100e6}
	stateMu.Unlock()

	if out != nil {
		out.name = C.CString("soapyiq")
		out.version = C.CString("0.1.2")
		out.consumes = (**C.char)(unsafe.Pointer(&C.soapyiq_consumes[0]))
		out.produces = (**C.char)(unsafe.Pointer(&C.soapyiq_produces[0]))
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
	releaseHardware()
}

func releaseHardware() {
	stateMu.Lock()
	defer stateMu.Unlock()
	if state.rig != nil {
		state.rig.Close()
		state.rig = nil
	}
	if state.pttLine != nil {
		_ = state.pttLine.SetValue(0)
		state.pttLine.Close()
		state.pttLine = nil
	}
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
		logger.Error("soapyiq: could not connect to broker")
		return
	}
	defer uc.Close()

	conn := frame.New(uc)
	client := ctlplane.New(conn)
	_ = client.CreateFeed("soapyiq.config.out")
	_ = client.CreateFeed("soapyiq.IQ-info")
	_ = client.Subscribe("soapyiq.config.in")

	var dataWg sync.WaitGroup
	dataWg.Add(1)
	go func() {
		defer dataWg.Done()
		dataThread(client)
	}()
	defer dataWg.Wait()

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		payload, _, err := conn.Recv(time.Now().Add(250 * time.Millisecond))
		if err != nil {
			continue
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
	if feedName != "soapyiq.config.in" {
		return
	}
	line, _ := jsonprobe.GetString(payload, "data")
	handleCmd(client, strings.TrimSpace(line))
}

func handleCmd(client *ctlplane.Client, cmd string) {
	switch {
	case cmd == "list":
		_ = client.Publish("soapyiq.config.out", listDevices())

	case strings.HasPrefix(cmd, "select "):
		idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, "select ")))
		if err != nil || !selectDevice(idx) {
			_ = client.Publish("soapyiq.config.out", "select failed")
			return
		}
		_ = client.Publish("soapyiq.config.out", "selected")

	case strings.HasPrefix(cmd, "set "):
		applySet(strings.TrimPrefix(cmd, "set "))
		_ = client.Publish("soapyiq.config.out", "ok")

	case strings.HasPrefix(cmd, "rig "):
		// "rig <hamlib-model-id> <serial-port> <gpio-chip> <ptt-offset>"
		fields := strings.Fields(strings.TrimPrefix(cmd, "rig "))
		if len(fields) != 4 {
			_ = client.Publish("soapyiq.config.out", "usage: rig <model> <port> <gpiochip> <ptt-offset>")
			return
		}
		model, err1 := strconv.Atoi(fields[0])
		offset, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			_ = client.Publish("soapyiq.config.out", "bad rig arguments")
			return
		}
		if err := attachRig(model, fields[1], fields[2], offset); err != nil {
			_ = client.Publish("soapyiq.config.out", fmt.Sprintf("rig attach failed: %v", err))
			return
		}
		_ = client.Publish("soapyiq.config.out", "rig attached")

	case cmd == "start":
		stateMu.Lock()
		state.active = true
		if state.pttLine != nil {
			_ = state.pttLine.SetValue(0) // receive: PTT line held low
		}
		stateMu.Unlock()
		_ = client.Publish("soapyiq.config.out", "started")

	case cmd == "stop":
		stateMu.Lock()
		state.active = false
		stateMu.Unlock()
		_ = client.Publish("soapyiq.config.out", "stopped")

	default:
		_ = client.Publish("soapyiq.config.out", "unknown")
	}
}

// listDevices enumerates USB devices via udev, the pure-Go device-discovery
// library this module uses in place of SoapySDR's own C enumeration —
// SDR dongles (RTL-SDR, HackRF, etc.) all register as ordinary USB devices,
// so a udev subsystem scan is a reasonable Go-native stand-in for
// SoapySDRDevice_enumerate.
func listDevices() string {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("usb"); err != nil {
		return fmt.Sprintf("enumerate failed: %v", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return fmt.Sprintf("enumerate failed: %v", err)
	}

	stateMu.Lock()
	state.devNodes = state.devNodes[:0]
	for _, d := range devices {
		if node := d.Devnode(); node != "" {
			state.devNodes = append(state.devNodes, node)
		}
	}
	nodes := append([]string(nil), state.devNodes...)
	stateMu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "found=%d\n", len(nodes))
	for i, n := range nodes {
		fmt.Fprintf(&b, "[%d] %s\n", i, n)
	}
	return b.String()
}

func selectDevice(idx int) bool {
	stateMu.Lock()
	defer stateMu.Unlock()
	if idx < 0 || idx >= len(state.devNodes) {
		return false
	}
	return true
}

// applySet parses "sr=<val> cf=<val> bw=<val>" tokens, matching the
// original's inline parser, and — if a Hamlib rig has been attached via
// attachRig — pushes the new center frequency out to the physical rig.
func applySet(args string) {
	stateMu.Lock()
	defer stateMu.Unlock()
	for _, tok := range strings.Fields(args) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "sr":
			state.sampleRate = val
		case "cf":
			state.centerFreq = val
			if state.rig != nil {
				_ = state.rig.SetFreq(goHamlib.VFOCurr, val)
			}
		case "bw":
			state.bandwidth = val
		}
	}
}

// attachRig opens a Hamlib-controlled receiver on port and a PTT GPIO line
// on chip/offset, both optional: a soapyiq instance with no physical rig or
// GPIO wiring simply never calls this and runs IQ-only.
func attachRig(hamlibModel int, port string, gpioChip string, pttOffset int) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	rig := &goHamlib.Rig{}
	if err := rig.Init(hamlibModel); err != nil {
		return fmt.Errorf("hamlib init: %w", err)
	}
	if err := rig.SetConf("rig_pathname", port); err != nil {
		return fmt.Errorf("hamlib set_conf: %w", err)
	}
	if err := rig.Open(); err != nil {
		return fmt.Errorf("hamlib open: %w", err)
	}
	state.rig = rig

	line, err := gpiocdev.RequestLine(gpioChip, pttOffset, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("gpiocdev request line: %w", err)
	}
	state.pttLine = line
	return nil
}

// dataThread is the analogue of the original's io_thread: while active, it
// produces frames into the PHIQ ring at roughly the configured sample
// rate. Real SDR capture is replaced by a deterministic tone — the ring
// protocol, not the waveform, is what this module is grounded on
// reproducing faithfully.
func dataThread(client *ctlplane.Client) {
	var r *ring.Ring
	var phase float64
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			if r != nil {
				r.Close()
			}
			return
		case <-ticker.C:
		}

		stateMu.Lock()
		active := state.active
		sr := state.sampleRate
		cf := state.centerFreq
		stateMu.Unlock()
		if !active {
			continue
		}

		if r == nil {
			var err error
			r, err = ring.Create("ph-iq", ring.Header{
				Magic:        ring.MagicIQ,
				Capacity:     iqCapacity,
				BytesPerSamp: 8, // complex float32
				Channels:     1,
				SampleRate:   sr,
				CenterFreq:   cf,
				Fmt:          ring.FmtCF32,
			})
			if err != nil {
				logger.Error("soapyiq: ring create failed", "err", err)
				return
			}
			if err := client.PublishRingInfo("soapyiq.IQ-info", r.FD(), ctlplane.RingInfo{
				Fmt:          ring.FmtCF32,
				BytesPerSamp: 8,
				Channels:     1,
				SampleRate:   sr,
				CenterFreq:   cf,
				Capacity:     iqCapacity,
			}); err != nil {
				logger.Warn("soapyiq: publish ring info failed", "err", err)
			}
		}

		samples := int(sr * 0.02) // ~20ms worth of complex samples
		if samples <= 0 {
			samples = 1024
		}
		buf := make([]byte, samples*8)
		for i := 0; i < samples; i++ {
			iv := float32(math.Cos(phase))
			qv := float32(math.Sin(phase))
			phase += 2 * math.Pi * 1000 / sr
			putF32(buf[i*8:], iv)
			putF32(buf[i*8+4:], qv)
		}
		r.Push(buf)
	}
}

func putF32(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

func main() {}
