package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/sappChak/mini-rfc793/internal/config"
)

// routeCmd prints the host routes a default `run` invocation needs:
// IP fragmentation/reassembly and actual route-table mutation are out
// of scope (spec.md §1), so this only tells the operator what `ip
// route add` command to run themselves.
type routeCmd struct {
	tun string
}

func (*routeCmd) Name() string { return "route" }
func (*routeCmd) Synopsis() string {
	return "print the host routes needed to reach the stack's TUN addresses"
}
func (*routeCmd) Usage() string {
	return "route [-tun name]\n\nPrints the `ip route` commands that direct traffic for the stack's configured addresses onto its TUN interface.\n"
}

func (r *routeCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&r.tun, "tun", "tun0", "name of the stack's TUN interface")
}

func (r *routeCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	fmt.Printf("ip route add %s dev %s\n", cfg.IPv4Addr.Masked(), r.tun)
	fmt.Printf("ip -6 route add %s dev %s\n", cfg.IPv6Addr.Masked(), r.tun)
	return subcommands.ExitSuccess
}
