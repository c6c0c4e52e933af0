package sysinfo

import (
	"context"
	"testing"
)

func TestParseVmRSS(t *testing.T) {
	status := "Name:\tdeckhand\nVmPeak:\t  123456 kB\nVmRSS:\t   20480 kB\nThreads:\t12\n"
	if got := parseVmRSS(status); got != 20480*1024 {
		t.Fatalf("expected %d, got %d", 20480*1024, got)
	}
}

func TestParseVmRSSMissing(t *testing.T) {
	if got := parseVmRSS("Name:\tdeckhand\n"); got != 0 {
		t.Fatalf("expected 0 for missing VmRSS, got %d", got)
	}
}

func TestParseVmRSSMalformed(t *testing.T) {
	if got := parseVmRSS("VmRSS:\tnonsense kB\n"); got != 0 {
		t.Fatalf("expected 0 for malformed VmRSS, got %d", got)
	}
}

func TestCollectIsBestEffort(t *testing.T) {
	info := Collect(context.Background(), t.TempDir())
	if !info.Success {
		t.Fatalf("collect must always succeed")
	}
	if info.CPUCount < 1 {
		t.Fatalf("expected at least one cpu, got %d", info.CPUCount)
	}
	if info.DiskTotalBytes == 0 {
		t.Fatalf("expected disk stats for an existing directory")
	}
}

func TestCollectSurvivesMissingWorkspace(t *testing.T) {
	info := Collect(context.Background(), "/definitely/not/here")
	if !info.Success {
		t.Fatalf("missing workspace must not fail collection")
	}
	if info.DiskTotalBytes != 0 {
		t.Fatalf("expected zero disk stats, got %d", info.DiskTotalBytes)
	}
}

func TestMemoryRSSPositive(t *testing.T) {
	if MemoryRSS() <= 0 {
		t.Fatalf("expected a positive rss reading")
	}
}

func TestUptimeMonotonic(t *testing.T) {
	if Uptime() < 0 {
		t.Fatalf("uptime went negative")
	}
}
