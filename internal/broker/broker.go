// Package broker implements the event loop described in spec.md §4.5: it
// accepts Unix-domain connections, reads length-prefixed JSON frames off
// each one, and dispatches them by "type" — feed management, publish
// relaying (with any attached ancillary FDs), ping/pong, and the
// broker-local "cli-control" verbs of §4.6.
//
// The original PhaseHound broker this spec was distilled from is a single
// select()-loop process: one thread, one readiness wait, fairness by
// round-robining ready fds. Go's netpoller already does exactly that
// multiplexing far more cheaply than a hand-rolled fd-set ever could, so
// this package keeps the *fairness and timeout discipline* spec.md
// prescribes — a bounded per-read budget, non-blocking sends, order
// preservation per sender — while expressing it as one goroutine per
// connection reporting into a registry guarded by a single mutex, the same
// translation the teacher's kissnet.go uses for its own multi-client TCP
// fan-out.
package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/kd9jxq/phasehound/internal/feed"
	"github.com/kd9jxq/phasehound/internal/frame"
	"github.com/kd9jxq/phasehound/internal/jsonprobe"
	"github.com/kd9jxq/phasehound/internal/pluginhost"
)

// readBudget is the per-Recv deadline each connection's read loop waits on
// before looping back to check the shutdown signal. It is a scheduling
// heartbeat, not a protocol timeout — spec.md §4.5's "10ms inner budget"
// generalizes here to one Recv call per tick, since Go's Recv already
// blocks efficiently rather than busy-polling.
const readBudget = 200 * time.Millisecond

// Broker owns the listening socket, the feed registry, and the plugin
// fleet, and runs the dispatch loop described in spec.md §4.5.
type Broker struct {
	SockPath string
	Feeds    *feed.Registry
	Plugins  *pluginhost.Host
	AddonDir []string
	log      *log.Logger

	mu           sync.Mutex
	ln           *net.UnixListener
	conns        map[*clientConn]struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs a Broker. addonRoots is the search path cli-control's
// "available-addons" verb reports and Discover scans.
func New(sockPath string, feeds *feed.Registry, plugins *pluginhost.Host, addonRoots []string, logger *log.Logger) *Broker {
	return &Broker{
		SockPath: sockPath,
		Feeds:    feeds,
		Plugins:  plugins,
		AddonDir: addonRoots,
		log:      logger,
		conns:    make(map[*clientConn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// clientConn is one accepted connection: a frame.Conn plus the identity the
// feed registry and log lines use to refer to it.
type clientConn struct {
	id   string
	fc   *frame.Conn
	mu   sync.Mutex // guards Send against concurrent dispatch-reply + broadcast writes
	dead bool
}

// Send implements feed.Subscriber. It is called both by this connection's
// own dispatch (replies) and by other connections' broadcasts, so it
// serializes writes with its own mutex — the registry's mutex only
// protects the subscriber-set, not the socket itself.
func (c *clientConn) Send(payload []byte, fds []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return frame.ErrPeerClosed
	}
	return c.fc.Send(payload, fds)
}

// Listen creates (or recreates) the Unix-domain socket at b.SockPath. An
// existing stale socket file from a prior unclean shutdown is removed
// first, matching spec.md §7's "a new run recreates it."
func (b *Broker) Listen() error {
	_ = os.Remove(b.SockPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: b.SockPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.SockPath, err)
	}
	b.ln = ln
	return nil
}

// Run accepts connections until Shutdown is called, dispatching each on
// its own goroutine. It blocks until every connection goroutine and the
// accept loop itself have returned.
func (b *Broker) Run() error {
	if b.ln == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}

	b.wg.Add(1)
	go b.acceptLoop()
	b.wg.Wait()
	return nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		_ = b.ln.SetDeadline(time.Now().Add(readBudget))
		uc, err := b.ln.AcceptUnix()
		if err != nil {
			select {
			case <-b.shutdown:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			b.log.Error("accept failed", "err", err)
			continue
		}
		b.wg.Add(1)
		go b.handleConn(uc)
	}
}

func (b *Broker) handleConn(uc *net.UnixConn) {
	defer b.wg.Done()

	cc := &clientConn{id: uuid.NewString(), fc: frame.New(uc)}
	b.mu.Lock()
	b.conns[cc] = struct{}{}
	b.mu.Unlock()
	b.log.Debug("client connected", "conn", cc.id)

	defer func() {
		cc.mu.Lock()
		cc.dead = true
		cc.mu.Unlock()
		_ = uc.Close()
		b.Feeds.UnsubscribeAll(cc)
		b.mu.Lock()
		delete(b.conns, cc)
		b.mu.Unlock()
		b.log.Debug("client disconnected", "conn", cc.id)
	}()

	for {
		select {
		case <-b.shutdown:
			return
		default:
		}

		payload, fds, err := cc.fc.Recv(time.Now().Add(readBudget))
		if err != nil {
			if errors.Is(err, frame.ErrTimedOut) {
				continue
			}
			closeFDs(fds)
			return
		}
		b.dispatch(cc, payload, fds)
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// dispatch decodes a frame's "type" field and carries out the operation
// spec.md §3's table describes. Any FD attached to a frame this dispatch
// does not forward onward (e.g. a malformed message) is closed here, per
// spec.md §9's "every received FD is either adopted or closed before the
// current dispatch returns."
func (b *Broker) dispatch(cc *clientConn, payload []byte, fds []int) {
	typ, ok := jsonprobe.GetString(payload, "type")
	if !ok {
		closeFDs(fds)
		b.log.Warn("frame without type field", "conn", cc.id)
		return
	}

	switch typ {
	case "ping":
		closeFDs(fds)
		_ = cc.Send([]byte(`{"type":"pong"}`), nil)

	case "create_feed":
		closeFDs(fds)
		if name, ok := jsonprobe.GetString(payload, "feed"); ok {
			b.Feeds.Ensure(name)
		}

	case "subscribe":
		closeFDs(fds)
		if name, ok := jsonprobe.GetString(payload, "feed"); ok {
			b.Feeds.Subscribe(name, cc)
		}

	case "unsubscribe":
		closeFDs(fds)
		if name, ok := jsonprobe.GetString(payload, "feed"); ok {
			b.Feeds.Unsubscribe(name, cc)
		}

	case "publish":
		name, ok := jsonprobe.GetString(payload, "feed")
		if !ok {
			closeFDs(fds)
			return
		}
		// Ownership of fds passes to Broadcast's recipients (the kernel
		// duplicates on each Send); this dispatch's own copies are closed
		// once every subscriber has had its chance at them.
		b.Feeds.Broadcast(name, payload, fds)
		closeFDs(fds)

	case "command":
		closeFDs(fds)
		feedName, _ := jsonprobe.GetString(payload, "feed")
		if feedName != "cli-control" {
			return
		}
		data, _ := jsonprobe.GetString(payload, "data")
		for _, reply := range b.runVerb(data) {
			if err := cc.Send(reply, nil); err != nil {
				b.log.Warn("cli-control reply failed", "conn", cc.id, "err", err)
				break
			}
		}

	default:
		closeFDs(fds)
		b.log.Warn("unrecognized frame type", "type", typ, "conn", cc.id)
	}
}

// Shutdown stops the plugin fleet, closes the listener and every open
// connection, and unlinks the socket path, per spec.md §7's shutdown
// sequence. It returns once every goroutine Run spawned has exited.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdown)
		if b.Plugins != nil {
			b.Plugins.StopAll()
		}
		if b.ln != nil {
			_ = b.ln.Close()
		}

		b.mu.Lock()
		for cc := range b.conns {
			cc.mu.Lock()
			cc.dead = true
			cc.mu.Unlock()
			_ = cc.fc.Raw().Close()
		}
		b.mu.Unlock()

		b.wg.Wait()
		_ = os.Remove(b.SockPath)
	})
}
