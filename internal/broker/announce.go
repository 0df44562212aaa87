package broker

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/kd9jxq/phasehound/internal/dwlog"
)

// serviceType is the DNS-SD service type the broker advertises under
// --announce, adapted from the teacher's "_kiss-tnc._tcp" TCP announcement
// to this broker's Unix-domain, no-port control socket.
const serviceType = "_phasehound._tcp"

// Announce advertises this broker's control socket over mDNS/DNS-SD so LAN
// tooling can discover a running instance without being told the socket
// path out of band. It is purely additive: the cancel function it returns
// withdraws the advertisement, and a failure here never affects the
// broker's ability to serve clients on sockPath directly.
func Announce(ctx context.Context, name, sockPath string, logger dwlog.Logger) (cancel func(), err error) {
	cfg := dnssd.Config{
		Name: name,
		Type: serviceType,
		Port: 0,
		Text: map[string]string{"sock": sockPath},
	}

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnssd: new service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("dnssd: new responder: %w", err)
	}

	handle, err := responder.Add(svc)
	if err != nil {
		return nil, fmt.Errorf("dnssd: add service: %w", err)
	}

	respondCtx, stop := context.WithCancel(ctx)
	go func() {
		if err := responder.Respond(respondCtx); err != nil {
			logger.Warn("dns-sd responder stopped", "err", err)
		}
	}()

	logger.Info("dns-sd announcing", "name", name, "type", serviceType, "sock_path", sockPath)

	return func() {
		responder.Remove(handle)
		stop()
	}, nil
}
