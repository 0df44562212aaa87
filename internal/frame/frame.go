// Package frame implements the broker's wire framing: a 4-byte big-endian
// length prefix followed by a UTF-8 JSON payload, with zero or more
// ancillary file descriptors riding along on the same read/write as the
// start of the frame. The codec never looks inside the payload — that is
// internal/jsonprobe's job, one layer up.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// MaxPayload is the largest JSON payload a single frame may carry, per the
// wire protocol. Frames outside (0, MaxPayload] are rejected as ErrBadLength.
const MaxPayload = 65536

// maxAncillaryFDs bounds how many file descriptors a single read will
// harvest. A publish carrying more than this in one frame is not a
// supported use case for this protocol (one ring FD per info-feed message
// is the norm).
const maxAncillaryFDs = 16

var (
	// ErrBadLength is returned when a frame's declared length is zero or
	// exceeds MaxPayload.
	ErrBadLength = errors.New("frame: length out of range")
	// ErrTimedOut is returned when a Recv's deadline elapses with no
	// complete frame available. Never treated as a fatal error by callers —
	// it is the broker's scheduling heartbeat, not a protocol violation.
	ErrTimedOut = errors.New("frame: timed out")
	// ErrPeerClosed is returned once the peer's socket reaches EOF.
	ErrPeerClosed = errors.New("frame: peer closed")
	// ErrIoError wraps any other I/O failure from the underlying socket.
	ErrIoError = errors.New("frame: io error")
)

// Conn wraps a *net.UnixConn with the accumulation state a length-prefixed
// codec needs: a half-received frame (or harvested-but-undelivered FDs)
// survives across Recv calls when the socket goes quiescent, exactly as
// spec'd.
type Conn struct {
	uc *net.UnixConn

	rbuf        []byte // raw bytes read but not yet consumed into a frame
	pendingFDs  []int  // FDs harvested from ancillary data, not yet returned
	wantLen     int    // length of the frame currently being accumulated, -1 if unknown
}

// New wraps an already-connected *net.UnixConn.
func New(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc, wantLen: -1}
}

// Raw returns the underlying connection, for callers that need its address
// or need to Close it.
func (c *Conn) Raw() *net.UnixConn { return c.uc }

// Send writes one frame — length prefix, payload, and (if any) ancillary
// FDs attached to the first bytes written. Partial writes are retried
// until the whole frame has gone out or the peer is dead; the FDs are
// attached only once, on the first underlying write, since they ride on
// the start of the stream position and must not be duplicated on a retry.
//
// The caller may close its own copies of fds immediately after Send
// returns nil: the kernel has already duplicated them into the recipient's
// file table.
func (c *Conn) Send(payload []byte, fds []int) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return ErrBadLength
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	written := 0
	for written < len(buf) {
		n, _, err := c.uc.WriteMsgUnix(buf[written:], oob, nil)
		if err != nil {
			return classifyIOErr(err)
		}
		written += n
		oob = nil // only the first send carries the rights
		if n == 0 {
			// Nothing made it out and no error — peer is backed up beyond
			// what this call can wait for; let the caller's deadline logic
			// decide whether to retry.
			return ErrTimedOut
		}
	}
	return nil
}

// Recv reads one complete frame, retrieving any ancillary FDs attached to
// its first bytes. It reads non-blockingly up to deadline: on timeout it
// returns ErrTimedOut with any partially accumulated frame state preserved
// for the next call.
func (c *Conn) Recv(deadline time.Time) (payload []byte, fds []int, err error) {
	if err := c.uc.SetReadDeadline(deadline); err != nil {
		return nil, nil, ErrIoError
	}

	for {
		if c.wantLen < 0 {
			if len(c.rbuf) >= 4 {
				length := int(binary.BigEndian.Uint32(c.rbuf[:4]))
				if length <= 0 || length > MaxPayload {
					c.rbuf = c.rbuf[4:]
					return nil, nil, ErrBadLength
				}
				c.wantLen = length
				c.rbuf = c.rbuf[4:]
			}
		}

		if c.wantLen >= 0 && len(c.rbuf) >= c.wantLen {
			out := make([]byte, c.wantLen)
			copy(out, c.rbuf[:c.wantLen])
			c.rbuf = c.rbuf[c.wantLen:]
			c.wantLen = -1

			outFDs := c.pendingFDs
			c.pendingFDs = nil
			return out, outFDs, nil
		}

		readBuf := make([]byte, 65536)
		oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))
		n, oobn, _, _, rerr := c.uc.ReadMsgUnix(readBuf, oob)
		if n > 0 {
			c.rbuf = append(c.rbuf, readBuf[:n]...)
		}
		if oobn > 0 {
			if got, gerr := parseRights(oob[:oobn]); gerr == nil {
				c.pendingFDs = append(c.pendingFDs, got...)
			}
		}
		if rerr != nil {
			if n > 0 || oobn > 0 {
				// Got data/FDs on this call along with the error; handle it
				// next loop iteration before reporting the error.
				if len(c.rbuf) >= 4 || (c.wantLen >= 0 && len(c.rbuf) >= c.wantLen) {
					continue
				}
			}
			return nil, nil, classifyIOErr(rerr)
		}
		if n == 0 && oobn == 0 {
			return nil, nil, ErrPeerClosed
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func classifyIOErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimedOut
	}
	return ErrIoError
}
