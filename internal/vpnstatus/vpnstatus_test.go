package vpnstatus

import (
	"context"
	"errors"
	"testing"
)

func stubProbe(t *testing.T, output string, err error) {
	t.Helper()
	old := runProbe
	runProbe = func(context.Context) (string, error) { return output, err }
	t.Cleanup(func() { runProbe = old })
}

func TestProbeRunning(t *testing.T) {
	stubProbe(t, `{"BackendState":"Running","Self":{"HostName":"box"}}`, nil)
	status := Probe(context.Background())
	if !status.Running {
		t.Fatalf("expected running, got %+v", status)
	}
	if status.Backend != "tailscale" {
		t.Fatalf("unexpected backend %q", status.Backend)
	}
	if !status.Success {
		t.Fatalf("probe must report success")
	}
}

func TestProbeStopped(t *testing.T) {
	stubProbe(t, `{"BackendState":"Stopped"}`, nil)
	status := Probe(context.Background())
	if status.Running {
		t.Fatalf("expected not running, got %+v", status)
	}
}

func TestProbeClientMissing(t *testing.T) {
	stubProbe(t, "", errors.New(`exec: "tailscale": executable file not found in $PATH`))
	status := Probe(context.Background())
	if status.Running {
		t.Fatalf("missing client must read as not running")
	}
	if !status.Success {
		t.Fatalf("missing client is a normal answer, not a failure")
	}
	if status.Raw == "" {
		t.Fatalf("expected explanatory raw text")
	}
}

func TestProbeUnparseableOutput(t *testing.T) {
	stubProbe(t, "tailscale is having a bad day", nil)
	status := Probe(context.Background())
	if status.Running {
		t.Fatalf("unparseable output must read as not running")
	}
	if status.Raw == "" {
		t.Fatalf("raw output must be preserved")
	}
}
