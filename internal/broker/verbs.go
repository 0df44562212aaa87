package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kd9jxq/phasehound/internal/pluginhost"
)

// runVerb executes one cli-control command (spec.md §4.6) and returns the
// plain-text reply frames to send back, in order, on the same connection.
// Most verbs answer with exactly one frame; "feeds", "plugins" and
// "available-addons" enumerate a variable-length collection and answer with
// a series of frames, one per entry, per spec.md §4.4 — never a single
// frame with the entries newline-joined, since a frame is the protocol's
// unit of delivery and ctl clients drain frames until a timeout elapses.
// Unlike an addon's own <name>.config.in vocabulary, these verbs are part
// of the broker's tested contract.
func (b *Broker) runVerb(line string) [][]byte {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return frames("usage: help, feeds, plugins, available-addons, load <name>, unload <name>, exit")
	}

	verb, args := fields[0], fields[1:]
	switch verb {
	case "help":
		return frames("help, feeds, plugins, available-addons, load <name>, unload <name>, exit")

	case "feeds":
		names := b.Feeds.List()
		sort.Strings(names)
		return frames(names...)

	case "plugins":
		return frames(pluginNames(b.Plugins.List())...)

	case "available-addons":
		found, err := pluginhost.Discover(b.AddonDir)
		if err != nil {
			return frames(fmt.Sprintf("error: %v", err))
		}
		sort.Strings(found)
		return frames(found...)

	case "load":
		if len(args) != 1 {
			return frames("usage: load <name>")
		}
		return frames(b.loadByName(args[0]))

	case "unload":
		if len(args) != 1 {
			return frames("usage: unload <name>")
		}
		if err := b.Plugins.Unload(args[0]); err != nil {
			return frames(fmt.Sprintf("error: %v", err))
		}
		return frames("ok")

	case "exit":
		go b.Shutdown()
		return frames("ok, shutting down")

	default:
		return frames(fmt.Sprintf("error: unknown verb %q", verb))
	}
}

// frames wraps each line as its own reply frame. Given no lines it still
// returns one frame (an empty collection reported as "(none)") since
// internal/frame.Send rejects zero-length payloads outright — a cli-control
// reply must never produce dead air.
func frames(lines ...string) [][]byte {
	if len(lines) == 0 {
		return [][]byte{[]byte("(none)")}
	}
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}

// loadByName resolves a bare addon name (e.g. "soapyiq") against the
// configured addon roots via Discover, then loads the first matching
// shared library path. Callers of the CLI pass names, not paths — the
// broker is the one that knows where addons live.
func (b *Broker) loadByName(name string) string {
	found, err := pluginhost.Discover(b.AddonDir)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	for _, path := range found {
		if pathMatchesName(path, name) {
			if _, err := b.Plugins.Load(path); err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return "ok"
		}
	}
	return fmt.Sprintf("error: no addon matching %q under configured roots", name)
}

func pathMatchesName(path, name string) bool {
	return strings.Contains(path, name)
}

func pluginNames(plugins []*pluginhost.Plugin) []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.Caps.Version))
	}
	sort.Strings(names)
	return names
}
