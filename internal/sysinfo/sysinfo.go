// Package sysinfo introspects the container the agent runs in: cgroup
// memory accounting, workspace disk headroom, and the local docker daemon
// when one is mounted in.
package sysinfo

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/schema"
)

// cgroup v2 unified hierarchy paths. v1 fallbacks are deliberately not
// handled; the workspace containers the agent targets run v2.
const (
	memoryMaxPath     = "/sys/fs/cgroup/memory.max"
	memoryCurrentPath = "/sys/fs/cgroup/memory.current"
	procStatusPath    = "/proc/self/status"
)

var startTime = time.Now()

// Collect assembles the container introspection reply. Every field is
// best-effort: a container without cgroup limits or docker simply reports
// less, never an error.
func Collect(ctx context.Context, workspaceDir string) schema.ContainerInfoResultPayload {
	log := pslog.Ctx(ctx)
	info := schema.ContainerInfoResultPayload{
		Result:   schema.OK(),
		CPUCount: runtime.NumCPU(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if limit, ok := readCgroupBytes(memoryMaxPath); ok {
		info.MemoryLimit = limit
	}
	if current, ok := readCgroupBytes(memoryCurrentPath); ok {
		info.MemoryCurrent = current
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(workspaceDir, &stat); err == nil {
		info.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
		info.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
	} else {
		log.Debug("statfs failed", "dir", workspaceDir, "err", err)
	}

	if version, err := dockerVersion(ctx); err == nil {
		info.DockerVersion = version
	} else {
		log.Debug("docker version unavailable", "err", err)
	}
	return info
}

// Uptime reports seconds since the agent process started.
func Uptime() int64 {
	return int64(time.Since(startTime).Seconds())
}

// MemoryRSS reads the process resident set size from /proc, falling back to
// the Go heap accounting when procfs is unreadable.
func MemoryRSS() int64 {
	if data, err := os.ReadFile(procStatusPath); err == nil {
		if rss := parseVmRSS(string(data)); rss > 0 {
			return rss
		}
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.Sys)
}

// parseVmRSS extracts the VmRSS value in bytes from /proc/self/status text.
func parseVmRSS(status string) int64 {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) < 1 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// readCgroupBytes reads one cgroup v2 value file. "max" means unlimited and
// reads as absent.
func readCgroupBytes(path string) (int64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	text := strings.TrimSpace(string(data))
	if text == "max" {
		return 0, false
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func dockerVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
