// Package discovery advertises the web API over mDNS so operator tablets can
// find the station without typing an address.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_gcslink._tcp"
	DefaultDomain  = "local."
)

type Options struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Text     []string
}

type shutdowner interface {
	Shutdown()
}

// register is replaced in tests.
var register = func(instance, service, domain string, port int, text []string) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, text, nil)
}

// PortFromListen extracts the TCP port from an http listen address such as
// ":8080" or "0.0.0.0:8080".
func PortFromListen(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: invalid port", listen)
	}
	return port, nil
}

// Advertise registers the service and keeps it announced until ctx is done.
func Advertise(ctx context.Context, opts Options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.Instance == "" {
		host, _ := os.Hostname()
		opts.Instance = fmt.Sprintf("%s-gcslink", host)
	}
	if opts.Port <= 0 {
		return fmt.Errorf("discovery: invalid port %d", opts.Port)
	}

	srv, err := register(opts.Instance, opts.Service, opts.Domain, opts.Port, opts.Text)
	if err != nil {
		return fmt.Errorf("discovery: register: %w", err)
	}
	logger.Info("mdns service registered",
		"instance", opts.Instance, "service", opts.Service, "domain", opts.Domain, "port", opts.Port)

	<-ctx.Done()
	srv.Shutdown()
	logger.Info("mdns service withdrawn", "instance", opts.Instance)
	return nil
}
