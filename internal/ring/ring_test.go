package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRing(t *testing.T, capacity uint32) *Ring {
	t.Helper()
	r, err := Create("test-ring", Header{
		Magic:        MagicAudio,
		Capacity:     capacity,
		BytesPerSamp: 4,
		Channels:     1,
		SampleRate:   48000,
		Fmt:          FmtAudioF32,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestMap_BadMagicRejected(t *testing.T) {
	r := newTestRing(t, 1024)
	_, err := Map(r.FD(), MagicIQ)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestMap_CorrectMagicSucceeds(t *testing.T) {
	r := newTestRing(t, 2048)
	m, err := Map(r.FD(), MagicAudio)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, uint32(2048), m.Capacity())
}

func TestPushPop_ByteConservation_NoOverrun(t *testing.T) {
	r := newTestRing(t, 4096)
	payload := make([]byte, 400) // 100 frames of 4 bytes, well under capacity
	for i := range payload {
		payload[i] = byte(i)
	}
	r.Push(payload)

	dst := make([]byte, 400)
	n := r.Pop(dst, 100)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, dst)
}

func TestPop_EmptyRingReturnsZero(t *testing.T) {
	r := newTestRing(t, 1024)
	dst := make([]byte, 40)
	assert.Equal(t, 0, r.Pop(dst, 10))
}

func TestOverrun_DropsOldestNotTorn(t *testing.T) {
	r := newTestRing(t, 1024) // 256 frames of 4 bytes
	// Write capacity + 1024 bytes (2048 total = 2x capacity): the producer
	// never blocks, and the consumer's next pop sees only the most recent
	// window.
	big := make([]byte, 2048)
	for i := range big {
		big[i] = byte(i % 256)
	}
	r.Push(big)

	dst := make([]byte, 1024)
	n := r.Pop(dst, 256)
	assert.Equal(t, 256, n)
	// The last 1024 bytes written are what survive.
	assert.Equal(t, big[1024:], dst)
}

func TestOverrun_FirstAndLastByteMatchSpecExample(t *testing.T) {
	// §8 scenario 4: producer writes capacity+1024 bytes before the
	// consumer reads; consumer then pops capacity bytes. The first byte
	// popped equals the byte written at offset 1024 from the start; the
	// last byte popped equals the final byte written.
	const capacity = 2048
	r := newTestRing(t, capacity)
	total := capacity + 1024
	buf := make([]byte, total)
	for i := range buf {
		buf[i] = byte((i * 7) % 251)
	}
	r.Push(buf)

	dst := make([]byte, capacity)
	n := r.Pop(dst, capacity/int(r.BytesPerSamp()))
	require.Equal(t, capacity/int(r.BytesPerSamp()), n)
	assert.Equal(t, buf[1024], dst[0])
	assert.Equal(t, buf[total-1], dst[len(dst)-1])
}

func TestMonotonicity_WposNeverLessThanRpos(t *testing.T) {
	r := newTestRing(t, 512)
	for i := 0; i < 50; i++ {
		r.Push(make([]byte, 37))
		assert.GreaterOrEqual(t, r.WritePos(), r.ReadPos())
		dst := make([]byte, 40)
		r.Pop(dst, 10)
		assert.GreaterOrEqual(t, r.WritePos(), r.ReadPos())
	}
}

// TestProperty_MonotonicAndBounded drives Push/Pop with arbitrary chunk
// sizes and asserts the two invariants spec.md §8 names for the ring:
// wpos and rpos are each non-decreasing, and wpos - rpos never exceeds
// capacity.
func TestProperty_MonotonicAndBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := uint32(rapid.IntRange(16, 4096).Draw(rt, "capacity"))
		r, err := Create("prop-ring", Header{
			Magic: MagicAudio, Capacity: capacity, BytesPerSamp: 1, Channels: 1,
			SampleRate: 1, Fmt: FmtAudioF32,
		})
		require.NoError(rt, err)
		defer r.Close()

		var lastW, lastR uint64
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "doPush") {
				n := rapid.IntRange(1, int(capacity)*2).Draw(rt, "pushLen")
				r.Push(make([]byte, n))
			} else {
				n := rapid.IntRange(1, int(capacity)).Draw(rt, "popFrames")
				r.Pop(make([]byte, n), n)
			}
			w, rp := r.WritePos(), r.ReadPos()
			if w < lastW || rp < lastR {
				rt.Fatalf("non-monotonic: w=%d (last %d) r=%d (last %d)", w, lastW, rp, lastR)
			}
			if w-rp > uint64(capacity) {
				rt.Fatalf("unread span %d exceeds capacity %d", w-rp, capacity)
			}
			lastW, lastR = w, rp
		}
	})
}
