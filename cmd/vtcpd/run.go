package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"

	"github.com/sappChak/mini-rfc793/internal/config"
	"github.com/sappChak/mini-rfc793/internal/tundev"
	"github.com/sappChak/mini-rfc793/pkg/stack"
)

// runCmd is the default invocation of spec.md §6's CLI surface: bring up
// a TUN interface and start listening. The configured -ipv4/-ipv6
// prefixes are validated but not assigned to the interface.
type runCmd struct {
	cfg config.Config
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "bring up the TUN interface and start the TCP stack" }
func (*runCmd) Usage() string {
	return "run [flags]\n\nCreates (or attaches to) a TUN interface and opens the configured listeners. The -ipv4/-ipv6 prefixes are validated but not assigned to the interface.\n"
}

func (r *runCmd) SetFlags(fs *flag.FlagSet) {
	r.cfg = config.Default()
	r.cfg.RegisterFlags(fs)
}

func (r *runCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if err := r.cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	log := config.NewLogger(r.cfg)

	dev, err := tundev.Open(r.cfg.TUNName, r.cfg.MTU)
	if err != nil {
		log.WithError(err).Error("failed to open TUN device")
		return subcommands.ExitFailure
	}

	s := stack.New(dev, log)
	s.Run()
	defer s.Close()

	for _, l := range r.cfg.Listeners {
		if _, err := s.Listen(l.Addr, l.Port, defaultBacklog); err != nil {
			log.WithError(err).WithField("listener", fmt.Sprintf("%s:%d", l.Addr, l.Port)).Error("failed to open listener")
			return subcommands.ExitFailure
		}
		log.WithField("listener", fmt.Sprintf("%s:%d", l.Addr, l.Port)).Info("listening")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-sig:
		log.Info("shutting down")
	case <-ctx.Done():
	}

	return subcommands.ExitSuccess
}

const defaultBacklog = 16
