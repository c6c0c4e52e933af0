// Package vpnstatus probes the workspace VPN client. Only tailscale is
// probed today; the payload carries the backend name so the hub can render
// others later without a protocol change.
package vpnstatus

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/schema"
)

const probeTimeout = 5 * time.Second

var runProbe = runTailscale

// Probe reports VPN connectivity. A missing or stopped client is a normal
// answer, not an error: Running false with an explanatory Raw field.
func Probe(ctx context.Context) schema.VPNStatusResultPayload {
	log := pslog.Ctx(ctx)
	output, err := runProbe(ctx)
	if err != nil {
		log.Debug("vpn probe failed", "err", err)
		return schema.VPNStatusResultPayload{
			Result:  schema.OK(),
			Running: false,
			Backend: "tailscale",
			Raw:     strings.TrimSpace(err.Error()),
		}
	}
	return parseTailscaleStatus(output)
}

func runTailscale(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tailscale", "status", "--json")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// parseTailscaleStatus inspects the BackendState field of tailscale's JSON
// status. "Running" is the only state that counts as connected.
func parseTailscaleStatus(raw string) schema.VPNStatusResultPayload {
	result := schema.VPNStatusResultPayload{
		Result:  schema.OK(),
		Backend: "tailscale",
		Raw:     raw,
	}
	var status struct {
		BackendState string `json:"BackendState"`
	}
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return result
	}
	result.Running = status.BackendState == "Running"
	return result
}
