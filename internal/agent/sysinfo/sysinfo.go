// Package sysinfo collects the host facts reported in pairing requests and
// heartbeats: OS/arch/hardware identity, resource utilization via gopsutil,
// the agent's primary local IPv4, and the git commit the agent is running.
package sysinfo

import (
	"context"
	"net"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// localIPCacheTTL bounds how often the UDP probe reruns. The answer only
// changes when the host renumbers, so two minutes is plenty.
const localIPCacheTTL = 120 * time.Second

// Collector gathers host facts. Safe for concurrent use; the local IP probe
// result is cached.
type Collector struct {
	masterURL string

	mu          sync.Mutex
	localIP     string
	localIPAt   time.Time
	gitCommit   string
	gitCommitOK bool
}

// NewCollector creates a Collector. masterURL seeds the local-IP probe with
// the address the agent actually talks to.
func NewCollector(masterURL string) *Collector {
	return &Collector{masterURL: masterURL}
}

// Hostname returns the host's name, or "unknown" when the kernel refuses.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// Identity returns the static host identity sent at pairing time.
func (c *Collector) Identity(ctx context.Context) map[string]any {
	hardware := map[string]any{
		"cpu_count": runtime.NumCPU(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		hardware["platform"] = info.Platform
		hardware["platform_version"] = info.PlatformVersion
		hardware["kernel_version"] = info.KernelVersion
		hardware["virtualization"] = info.VirtualizationSystem
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hardware["memory_total_bytes"] = vm.Total
	}
	return map[string]any{
		"hostname": Hostname(),
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hardware": hardware,
	}
}

// Usage returns the current resource utilization snapshot. Probes that fail
// leave their fields at zero rather than failing the heartbeat.
func (c *Collector) Usage(ctx context.Context) *protocol.UsageMetrics {
	u := &protocol.UsageMetrics{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		u.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		u.MemoryPercent = vm.UsedPercent
		u.MemoryUsedBytes = int64(vm.Used)
		u.MemoryTotalBytes = int64(vm.Total)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		u.StoragePercent = du.UsedPercent
		u.StorageUsedBytes = int64(du.Used)
		u.StorageTotalBytes = int64(du.Total)
	}
	return u
}

// LocalIP returns the host's primary IPv4 as seen on the route towards the
// master, falling back to well-known public resolvers. Cached for two
// minutes. Returns "" when no probe produced a usable address.
func (c *Collector) LocalIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localIP != "" && time.Since(c.localIPAt) < localIPCacheTTL {
		return c.localIP
	}

	targets := []string{}
	if hostPort := dialTargetFromURL(c.masterURL); hostPort != "" {
		targets = append(targets, hostPort)
	}
	targets = append(targets, "8.8.8.8:53", "1.1.1.1:53")

	for _, target := range targets {
		ip := probeLocalIP(target)
		if ip != "" {
			c.localIP = ip
			c.localIPAt = time.Now()
			return ip
		}
	}
	return ""
}

// GitCommit returns the short commit SHA of the agent's working tree, or ""
// outside a git checkout. Resolved once per process.
func (c *Collector) GitCommit() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gitCommitOK {
		return c.gitCommit
	}
	c.gitCommitOK = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return ""
	}
	c.gitCommit = strings.TrimSpace(string(out))
	return c.gitCommit
}

// probeLocalIP opens a UDP socket towards target and reads the local address
// the kernel picked. No packet is sent; connect on UDP only selects a route.
func probeLocalIP(target string) string {
	conn, err := net.DialTimeout("udp", target, 2*time.Second)
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return ""
	}
	ip := addr.IP.To4()
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

// dialTargetFromURL turns the master URL into a host:port UDP dial target.
func dialTargetFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}
