// Command phasehoundctl is a one-shot client for the broker's control
// plane: it sends a single frame (or a short subscribe-and-wait sequence),
// prints whatever the broker replies with, and exits.
//
// Subcommands (spec.md §6):
//
//	phasehoundctl cmd <text>                   run a cli-control verb
//	phasehoundctl pub <feed> <data>             publish a utf8 string
//	phasehoundctl sub <feed>...                 subscribe and print frames
//	phasehoundctl list feeds|plugins|available-addons
//	phasehoundctl load addon <name>
//	phasehoundctl unload addon <name>
//
// Exit status is 0 if a reply was received within 1.5s, 1 otherwise; pub
// expects no reply and exits 0 once its frame has been sent.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kd9jxq/phasehound/internal/config"
	"github.com/kd9jxq/phasehound/internal/ctlplane"
	"github.com/kd9jxq/phasehound/internal/frame"
)

const replyTimeout = 1500 * time.Millisecond

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("phasehoundctl", pflag.ContinueOnError)
	sockPath := fs.String("sock-path", config.DefaultSockPath, "broker control socket")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: phasehoundctl [--sock-path path] <cmd|pub|sub|list|load|unload> ...")
		return 1
	}

	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: *sockPath, Net: "unix"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "phasehoundctl: dial:", err)
		return 1
	}
	defer uc.Close()
	conn := frame.New(uc)
	client := ctlplane.New(conn)

	switch rest[0] {
	case "cmd":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl cmd <text>")
			return 1
		}
		if err := client.Command(rest[1]); err != nil {
			fmt.Fprintln(os.Stderr, "phasehoundctl: send:", err)
			return 1
		}
		return printFrames(conn)

	case "pub":
		if len(rest) < 3 {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl pub <feed> <data>")
			return 1
		}
		if err := client.Publish(rest[1], rest[2]); err != nil {
			fmt.Fprintln(os.Stderr, "phasehoundctl: publish:", err)
			return 1
		}
		return 0

	case "sub":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl sub <feed>...")
			return 1
		}
		for _, f := range rest[1:] {
			if err := client.Subscribe(f); err != nil {
				fmt.Fprintln(os.Stderr, "phasehoundctl: subscribe:", err)
				return 1
			}
		}
		return printFrames(conn)

	case "list":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl list feeds|plugins|available-addons")
			return 1
		}
		if err := client.Command(rest[1]); err != nil {
			fmt.Fprintln(os.Stderr, "phasehoundctl: send:", err)
			return 1
		}
		return printFrames(conn)

	case "load":
		if len(rest) < 3 || rest[1] != "addon" {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl load addon <name>")
			return 1
		}
		return runAndPrint(conn, client.Command("load "+rest[2]))

	case "unload":
		if len(rest) < 3 || rest[1] != "addon" {
			fmt.Fprintln(os.Stderr, "usage: phasehoundctl unload addon <name>")
			return 1
		}
		return runAndPrint(conn, client.Command("unload "+rest[2]))

	default:
		fmt.Fprintln(os.Stderr, "phasehoundctl: unknown subcommand", rest[0])
		return 1
	}
}

// runAndPrint takes the send error of a command the caller already issued
// and, if the send succeeded, waits for one reply frame, printing it
// verbatim.
func runAndPrint(conn *frame.Conn, sendErr error) int {
	if sendErr != nil {
		fmt.Fprintln(os.Stderr, "phasehoundctl: send:", sendErr)
		return 1
	}
	payload, _, err := conn.Recv(time.Now().Add(replyTimeout))
	if err != nil {
		fmt.Fprintln(os.Stderr, "phasehoundctl: no reply:", err)
		return 1
	}
	fmt.Println(string(payload))
	return 0
}

// printFrames prints every frame received until replyTimeout elapses since
// the last one. "sub" uses it to dump a feed's traffic for a short window;
// "cmd" and "list" use it to drain a cli-control reply that may enumerate a collection
// as a series of frames (spec.md §4.4) rather than a single frame.
func printFrames(conn *frame.Conn) int {
	got := false
	for {
		payload, _, err := conn.Recv(time.Now().Add(replyTimeout))
		if err != nil {
			if got {
				return 0
			}
			fmt.Fprintln(os.Stderr, "phasehoundctl: no reply:", err)
			return 1
		}
		got = true
		fmt.Println(string(payload))
	}
}
