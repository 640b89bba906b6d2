package config

import (
	"flag"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultMatchesCLISurface(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on Default() = %v, want nil", err)
	}
	if c.TUNName != "tun0" {
		t.Fatalf("TUNName = %q, want tun0", c.TUNName)
	}
	if len(c.Listeners) != 2 {
		t.Fatalf("len(Listeners) = %d, want 2", len(c.Listeners))
	}
	if diff := cmp.Diff("10.10.0.10", c.Listeners[0].Addr.String()); diff != "" {
		t.Errorf("Listeners[0].Addr mismatch (-want +got):\n%s", diff)
	}
	if c.Listeners[0].Port != 8080 || c.Listeners[1].Port != 8081 {
		t.Fatalf("listener ports = %d, %d, want 8080, 8081", c.Listeners[0].Port, c.Listeners[1].Port)
	}
}

func TestRegisterFlagsOverridesDefaults(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse([]string{"-tun=tun7", "-mtu=1400", "-verbose"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.TUNName != "tun7" {
		t.Fatalf("TUNName = %q, want tun7", c.TUNName)
	}
	if c.MTU != 1400 {
		t.Fatalf("MTU = %d, want 1400", c.MTU)
	}
	if !c.Verbose {
		t.Fatal("Verbose = false, want true")
	}
}

func TestValidateRejectsUndersizedMTU(t *testing.T) {
	c := Default()
	c.MTU = 576
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() with mtu=576 = nil, want error")
	}
}
