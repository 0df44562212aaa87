// Package ctlplane provides the convenience operations addons use to speak
// the broker's control protocol: feed management, publishing (plain or
// with attached ring FDs), and a tiny line-command dispatcher for an
// addon's own <name>.config.in / <name>.config.out feeds. The vocabulary
// on those per-addon feeds is the addon's own business, not the broker's
// (spec.md §4.7) — this package only carries the plumbing.
package ctlplane

import (
	"fmt"
	"strings"
	"time"

	"github.com/kd9jxq/phasehound/internal/frame"
)

// Client wraps a *frame.Conn with the publishing helpers addons use. It is
// deliberately thin: one frame.Conn per addon connection, same as any other
// client of the broker.
type Client struct {
	conn *frame.Conn
}

// New wraps an already-dialed connection to the broker.
func New(conn *frame.Conn) *Client {
	return &Client{conn: conn}
}

func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateFeed idempotently creates a feed.
func (c *Client) CreateFeed(name string) error {
	msg := fmt.Sprintf(`{"type":"create_feed","feed":"%s"}`, escape(name))
	return c.conn.Send([]byte(msg), nil)
}

// Subscribe adds this connection to name's subscriber set.
func (c *Client) Subscribe(name string) error {
	msg := fmt.Sprintf(`{"type":"subscribe","feed":"%s"}`, escape(name))
	return c.conn.Send([]byte(msg), nil)
}

// Unsubscribe removes this connection from name's subscriber set.
func (c *Client) Unsubscribe(name string) error {
	msg := fmt.Sprintf(`{"type":"unsubscribe","feed":"%s"}`, escape(name))
	return c.conn.Send([]byte(msg), nil)
}

// Publish sends a UTF-8 text payload on name.
func (c *Client) Publish(name, data string) error {
	msg := fmt.Sprintf(`{"type":"publish","feed":"%s","data":"%s","encoding":"utf8"}`, escape(name), escape(data))
	return c.conn.Send([]byte(msg), nil)
}

// PublishWithFDs sends a UTF-8 text payload on name along with one or more
// ancillary file descriptors — the mechanism info feeds use to hand a ring
// buffer's fd to subscribers.
func (c *Client) PublishWithFDs(name, data string, fds []int) error {
	msg := fmt.Sprintf(`{"type":"publish","feed":"%s","data":"%s","encoding":"utf8"}`, escape(name), escape(data))
	return c.conn.Send([]byte(msg), fds)
}

// RingInfo is the optional human/log annotation carried alongside a ring
// fd on an info feed. The mapped header is always authoritative; this
// struct exists for log lines and CLI display, never parsed by a consumer
// for correctness.
type RingInfo struct {
	Fmt          uint32  `json:"fmt"`
	BytesPerSamp uint32  `json:"bytes_per_samp"`
	Channels     uint32  `json:"channels"`
	SampleRate   float64 `json:"sample_rate"`
	CenterFreq   float64 `json:"center_freq,omitempty"`
	Capacity     uint32  `json:"capacity"`
}

// PublishRingInfo announces a ring's fd on its info feed, with a small JSON
// annotation describing it.
func (c *Client) PublishRingInfo(feed string, fd int, info RingInfo) error {
	annotation := fmt.Sprintf(
		`{"fmt":%d,"bytes_per_samp":%d,"channels":%d,"sample_rate":%g,"center_freq":%g,"capacity":%d}`,
		info.Fmt, info.BytesPerSamp, info.Channels, info.SampleRate, info.CenterFreq, info.Capacity,
	)
	return c.PublishWithFDs(feed, annotation, []int{fd})
}

// Ping sends a ping frame; callers expect a pong in reply within the
// broker's dispatch window.
func (c *Client) Ping() error {
	return c.conn.Send([]byte(`{"type":"ping"}`), nil)
}

// Command sends a broker-local control verb on the well-known cli-control
// feed.
func (c *Client) Command(text string) error {
	msg := fmt.Sprintf(`{"type":"command","feed":"cli-control","data":"%s"}`, escape(text))
	return c.conn.Send([]byte(msg), nil)
}

// Handler processes one line of text received on an addon's own
// <name>.config.in feed, returning the reply to publish back on
// <name>.config.out.
type Handler func(line string) string

// RunCommandLoop passes each line recvText yields to handler, and
// publishes the result on configOut. It never returns: a false from
// recvText (a timeout or any other receive failure) is treated as a normal
// polling tick and the loop simply polls again.
func (c *Client) RunCommandLoop(configOut string, recvText func(timeout time.Duration) (string, bool), handler Handler) {
	for {
		line, ok := recvText(250 * time.Millisecond)
		if !ok {
			continue
		}
		reply := handler(line)
		_ = c.Publish(configOut, reply)
	}
}
