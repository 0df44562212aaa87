// Package ring implements the memory-mapped, single-producer/single-
// consumer byte ring used for bulk IQ and audio streams. A ring lives
// inside a memfd-backed file: a fixed header (magic, version, atomic
// cursors, format metadata) followed by a flat data region. The producer
// creates and maps the file, the consumer maps the same fd (received as
// ancillary data over the control socket) and validates the header before
// trusting it.
//
// Overrun handling is a deliberate, not accidental, property of this ring:
// a producer that outruns its consumer drops the oldest unread bytes rather
// than blocking, because a stale sample is worse than a gap for a real-time
// media stream (see Push).
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magic values for the two ring kinds this protocol defines.
const (
	MagicIQ    uint32 = 0x51494850 // "PHIQ"
	MagicAudio uint32 = 0x50484155 // "PHAU"
)

// IQ sample formats.
const (
	FmtCF32 uint32 = 1 // interleaved I,Q float32 (8 bytes/frame)
	FmtCS16 uint32 = 2 // interleaved I,Q int16 (4 bytes/frame)
)

// Audio sample formats.
const (
	FmtAudioF32 uint32 = 1
)

const (
	version     = uint32(1)
	reservedLen = 64
)

// headerSize is the wire size of the fixed prefix in front of the data
// region: magic, version, seq, wpos, rpos, capacity, used, bytes_per_samp,
// channels, sample_rate, center_freq, fmt, reserved[64].
//
// Laid out explicitly (rather than via unsafe.Sizeof(header{})) so the wire
// size never silently drifts if the Go struct's field order or alignment
// changes; all fields are little-endian regardless of host byte order.
const headerSize = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + reservedLen

var (
	// ErrBadMagic is returned by Map when the mapped file's magic field
	// does not match the expected kind.
	ErrBadMagic = errors.New("ring: bad magic")
	// ErrVersionMismatch is returned by Map when the version field is one
	// this implementation does not understand.
	ErrVersionMismatch = errors.New("ring: version mismatch")
)

// Header describes the metadata a ring carries write-once-at-init. It is
// supplied by the producer at creation time and is immutable thereafter.
type Header struct {
	Magic         uint32
	Capacity      uint32
	BytesPerSamp  uint32
	Channels      uint32
	SampleRate    float64
	CenterFreq    float64 // IQ rings only; zero for audio
	Fmt           uint32
}

// Ring is a memory-mapped view of a ring buffer file. The zero value is not
// usable; construct one with Create (producer) or Map (consumer).
type Ring struct {
	mem      []byte // the full mmap'd region: header + data
	data     []byte // data[] slice of mem, for convenience
	capacity uint32
	isOwner  bool // true if this Ring created (and should ultimately close) the fd
	fd       int
}

// Create allocates an anonymous memory-backed file sized to hold hdr's
// capacity, maps it read-write, and writes the header. The returned Ring
// owns the fd; FD() exposes it for handing to frame.Send as ancillary data.
// The caller may also Close() this Ring on its own exit path, independent
// of any peer holding a duplicated copy of the fd.
func Create(name string, hdr Header) (*Ring, error) {
	if hdr.Capacity == 0 {
		return nil, fmt.Errorf("ring: capacity must be > 0")
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ring: memfd_create: %w", err)
	}

	total := int64(headerSize) + int64(hdr.Capacity)
	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: ftruncate: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	r := &Ring{mem: mem, data: mem[headerSize:], capacity: hdr.Capacity, isOwner: true, fd: fd}
	r.writeInitialHeader(hdr)
	return r, nil
}

// Map attaches to an existing ring file received as an ancillary FD (or
// opened directly by a producer re-attaching to its own ring). It validates
// the magic and version before trusting the rest of the header, refusing
// the mapping on mismatch. On successful mapping, the consumer's read
// cursor is snapped to the producer's current write position — "start
// live" — per the ring's ownership lifecycle: a late joiner sees new data
// only, never a backlog.
func Map(fd int, wantMagic uint32) (*Ring, error) {
	probe, err := unix.Mmap(fd, 0, headerSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap probe: %w", err)
	}
	magic := binary.LittleEndian.Uint32(probe[0:4])
	ver := binary.LittleEndian.Uint32(probe[4:8])
	capacity := binary.LittleEndian.Uint32(probe[40:44])
	unix.Munmap(probe)

	if magic != wantMagic {
		return nil, ErrBadMagic
	}
	if ver != version {
		return nil, ErrVersionMismatch
	}

	total := int(headerSize) + int(capacity)
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap full: %w", err)
	}

	r := &Ring{mem: mem, data: mem[headerSize:], capacity: capacity, isOwner: false, fd: fd}
	atomic.StoreUint64(r.rposPtr(), atomic.LoadUint64(r.wposPtr()))
	return r, nil
}

// FD returns the underlying file descriptor, for attaching to a frame.Send
// call as ancillary data.
func (r *Ring) FD() int { return r.fd }

// Capacity returns the size in bytes of the ring's data region.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Close unmaps the ring and, if this Ring created the file, closes the fd.
// A Ring obtained via Map never owns the fd (the caller retains whatever
// ownership semantics it decided when it received the fd) — callers that
// want the fd closed on their own exit path should close it themselves
// after Close returns.
func (r *Ring) Close() error {
	err := unix.Munmap(r.mem)
	if r.isOwner {
		if cerr := unix.Close(r.fd); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Ring) writeInitialHeader(hdr Header) {
	binary.LittleEndian.PutUint32(r.mem[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(r.mem[4:8], version)
	// seq, wpos, rpos start at zero — already zero from ftruncate.
	binary.LittleEndian.PutUint32(r.mem[40:44], hdr.Capacity)
	// used starts at zero.
	binary.LittleEndian.PutUint32(r.mem[48:52], hdr.BytesPerSamp)
	binary.LittleEndian.PutUint32(r.mem[52:56], hdr.Channels)
	binary.LittleEndian.PutUint64(r.mem[56:64], math.Float64bits(hdr.SampleRate))
	binary.LittleEndian.PutUint64(r.mem[64:72], math.Float64bits(hdr.CenterFreq))
	binary.LittleEndian.PutUint32(r.mem[72:76], hdr.Fmt)
	// reserved[64] at [76:140] is already zero.
}

// Field offsets within the header, named for readability at call sites.
const (
	offSeq      = 8
	offWpos     = 16
	offRpos     = 24
	offCapacity = 40
	offUsed     = 44
)

func (r *Ring) seqPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.mem[offSeq])) }
func (r *Ring) wposPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[offWpos])) }
func (r *Ring) rposPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[offRpos])) }

// BytesPerSamp reads the write-once frame width field.
func (r *Ring) BytesPerSamp() uint32 {
	return binary.LittleEndian.Uint32(r.mem[48:52])
}

// Channels reads the write-once channel count field.
func (r *Ring) Channels() uint32 {
	return binary.LittleEndian.Uint32(r.mem[52:56])
}

// SampleRate reads the write-once sample rate field, in Hz.
func (r *Ring) SampleRate() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r.mem[56:64]))
}

// Fmt reads the write-once format field (IQ or audio sample format enum,
// depending on which magic this ring carries).
func (r *Ring) Fmt() uint32 {
	return binary.LittleEndian.Uint32(r.mem[72:76])
}

// WritePos returns the producer's current absolute write position, in
// bytes, for monitoring/testing. Always >= ReadPos.
func (r *Ring) WritePos() uint64 { return atomic.LoadUint64(r.wposPtr()) }

// ReadPos returns the consumer's current absolute read position, in bytes.
func (r *Ring) ReadPos() uint64 { return atomic.LoadUint64(r.rposPtr()) }

// Push is the producer-side operation: copy n bytes of payload into the
// ring, advancing wpos and seq. If the push would leave more than
// Capacity() bytes unread (the consumer has fallen behind), rpos is
// advanced by the minimum amount needed so the new data still fits —
// overrun wins, the producer never blocks on a slow consumer. This is not
// an error condition; it is the ring's whole reason for existing on a
// real-time media path.
//
// Only one goroutine may call Push on a given Ring (strict SPSC); the
// caller is responsible for that discipline, same as the consumer side
// with Pop.
func (r *Ring) Push(payload []byte) {
	trueN := len(payload)
	if trueN == 0 {
		return
	}
	n := trueN
	cap64 := uint64(r.capacity)

	w := atomic.LoadUint64(r.wposPtr())
	rp := atomic.LoadUint64(r.rposPtr())

	if n > len(r.data) {
		// Payload larger than the entire ring: keep only its tail in the
		// data region, but wpos still advances by the caller's true byte
		// count — wpos counts bytes offered to the ring, not bytes it had
		// room to keep.
		payload = payload[n-len(r.data):]
		n = len(payload)
	}

	// The kept tail starts trueN-n bytes past w in absolute terms, so that
	// Pop, which reads from rpos = newW-cap, finds it in order.
	writeAt := (w + uint64(trueN-n)) % cap64
	first := uint64(n)
	if writeAt+first > cap64 {
		first = cap64 - writeAt
	}
	copy(r.data[writeAt:writeAt+first], payload[:first])
	if uint64(n) > first {
		copy(r.data[0:uint64(n)-first], payload[first:])
	}

	newW := w + uint64(trueN)
	if newW-rp > cap64 {
		rp = newW - cap64
		atomic.StoreUint64(r.rposPtr(), rp)
	}

	// wpos release-publishes the data writes above; seq and used follow.
	atomic.StoreUint64(r.wposPtr(), newW)
	atomic.AddUint64(r.seqPtr(), 1)
	used := newW - rp
	if used > cap64 {
		used = cap64
	}
	// used is advisory only (spec.md §9) — a plain store is sufficient.
	binary.LittleEndian.PutUint32(r.mem[offUsed:offUsed+4], uint32(used))
}

// Pop is the consumer-side operation: deliver up to maxFrames full frames
// (frameBytes = BytesPerSamp()*Channels() each) into dst, advancing rpos by
// however many whole bytes were actually delivered. It returns the number
// of full frames delivered, which may be zero if nothing new has arrived.
//
// dst must be at least maxFrames*frameBytes bytes long.
func (r *Ring) Pop(dst []byte, maxFrames int) (framesDelivered int) {
	frameBytes := int(r.BytesPerSamp()) * int(r.Channels())
	if frameBytes <= 0 || maxFrames <= 0 {
		return 0
	}

	w := atomic.LoadUint64(r.wposPtr()) // acquires producer's data writes
	rp := atomic.LoadUint64(r.rposPtr())
	if w <= rp {
		return 0
	}

	availBytes := w - rp
	availFrames := int(availBytes) / frameBytes
	if availFrames == 0 {
		return 0
	}
	if availFrames > maxFrames {
		availFrames = maxFrames
	}

	n := availFrames * frameBytes
	cap64 := uint64(r.capacity)
	readAt := rp % cap64

	first := uint64(n)
	if readAt+first > cap64 {
		first = cap64 - readAt
	}
	copy(dst[:first], r.data[readAt:readAt+first])
	if uint64(n) > first {
		copy(dst[first:n], r.data[0:uint64(n)-first])
	}

	atomic.StoreUint64(r.rposPtr(), rp+uint64(n))
	return availFrames
}
