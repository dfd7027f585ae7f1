// Package sysinfo describes the running process for the /info endpoint.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"time"
)

// Version is the fleetbus version, set at build time via ldflags:
// go build -ldflags="-X github.com/postalsys/fleetbus/internal/sysinfo.Version=1.0.0"
var Version = "dev"

var startTime = time.Now()

// Info describes the host and process.
type Info struct {
	Version     string    `json:"version"`
	GoVersion   string    `json:"go_version"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	Uptime      string    `json:"uptime"`
	IPAddresses []string  `json:"ip_addresses"`
}

// Collect gathers the current Info.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:     Version,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         os.Getpid(),
		StartTime:   startTime,
		Uptime:      Uptime().Round(time.Second).String(),
		IPAddresses: LocalIPs(),
	}
}

// LocalIPs returns up to ten non-loopback IPv4 addresses.
func LocalIPs() []string {
	ips := []string{}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
