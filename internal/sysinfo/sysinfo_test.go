package sysinfo

import (
	"net"
	"os"
	"runtime"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	info := Collect()

	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("OS/Arch = %s/%s", info.OS, info.Arch)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if !info.StartTime.Equal(StartTime()) {
		t.Error("StartTime mismatch")
	}
	if _, err := time.ParseDuration(info.Uptime); err != nil {
		t.Errorf("Uptime %q does not parse: %v", info.Uptime, err)
	}
	if info.IPAddresses == nil {
		t.Error("IPAddresses should be empty, not nil")
	}
}

func TestLocalIPs(t *testing.T) {
	ips := LocalIPs()
	if len(ips) > 10 {
		t.Errorf("LocalIPs returned %d addresses, want at most 10", len(ips))
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil || ip.IsLoopback() {
			t.Errorf("unexpected address %q", s)
		}
	}
}

func TestUptime(t *testing.T) {
	if Uptime() <= 0 {
		t.Error("Uptime should be positive")
	}
	if StartTime().After(time.Now()) {
		t.Error("StartTime is in the future")
	}
}
