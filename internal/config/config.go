// Package config parses the CLI-level settings the stack's composition
// root needs: the TUN device name and MTU, the addresses assigned to
// it, the listeners to open at startup, and the logging level.
package config

import (
	"flag"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ListenSpec is one (address, port) the stack should listen on at
// startup.
type ListenSpec struct {
	Addr netip.Addr
	Port uint16
}

// Config is everything a `run` invocation needs to bring a Stack up,
// per spec.md §6's CLI surface.
type Config struct {
	TUNName string
	MTU     int

	IPv4Addr netip.Prefix
	IPv6Addr netip.Prefix

	Listeners []ListenSpec

	Verbose bool
}

// Default returns the CLI surface's default invocation, per spec.md §6:
// tun0, 10.10.0.1/24 and fd00:dead:beef::1/64, listening on
// 10.10.0.10:8080 and [fd00:dead:beef::10]:8081.
func Default() Config {
	return Config{
		TUNName:  "tun0",
		MTU:      1500,
		IPv4Addr: netip.MustParsePrefix("10.10.0.1/24"),
		IPv6Addr: netip.MustParsePrefix("fd00:dead:beef::1/64"),
		Listeners: []ListenSpec{
			{Addr: netip.MustParseAddr("10.10.0.10"), Port: 8080},
			{Addr: netip.MustParseAddr("fd00:dead:beef::10"), Port: 8081},
		},
	}
}

// RegisterFlags binds fs to c's fields, starting from c's current
// values as defaults — callers typically call this against a Default().
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.TUNName, "tun", c.TUNName, "name of the TUN interface to create or attach to")
	fs.IntVar(&c.MTU, "mtu", c.MTU, "TUN interface MTU, must be >= 1280")
	fs.TextVar(&c.IPv4Addr, "ipv4", &c.IPv4Addr, "IPv4 address/prefix assigned to the TUN interface")
	fs.TextVar(&c.IPv6Addr, "ipv6", &c.IPv6Addr, "IPv6 address/prefix assigned to the TUN interface")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "enable debug-level logging")
}

// Validate checks c for the preconditions the stack depends on before
// attempting to bring it up.
func (c *Config) Validate() error {
	if c.MTU < 1280 {
		return errors.Errorf("config: mtu %d below minimum 1280", c.MTU)
	}
	if !c.IPv4Addr.IsValid() || !c.IPv4Addr.Addr().Is4() {
		return errors.New("config: ipv4 address/prefix required")
	}
	if !c.IPv6Addr.IsValid() || !c.IPv6Addr.Addr().Is6() {
		return errors.New("config: ipv6 address/prefix required")
	}
	return nil
}

// NewLogger builds the logrus entry every package logs through,
// honoring Verbose.
func NewLogger(c Config) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(log)
}
