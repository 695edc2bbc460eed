package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// discover browses mDNS for a sync server and returns the websocket URL of
// the first one found.
func discover(ctx context.Context, log *slog.Logger, service string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no %s service found", service)
			}
			if u := serviceURL(entry); u != "" {
				log.Info("mDNS discovered server", "instance", entry.Instance, "url", u)
				return u, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("no %s service found: %w", service, ctx.Err())
		}
	}
}

func serviceURL(entry *zeroconf.ServiceEntry) string {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	path := "/ws"
	for _, t := range entry.Text {
		if p, ok := strings.CutPrefix(t, "path="); ok {
			path = p
		}
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)) + path
}
