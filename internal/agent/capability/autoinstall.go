package capability

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	subsystemVM        = "vm"
	subsystemContainer = "container"

	// A failed install is not retried before the cooldown passes; package
	// managers are slow and noisy.
	installCooldown = 600 * time.Second
	installTimeout  = 10 * time.Minute

	// apt holds a global lock during unattended upgrades.
	aptLockRetries  = 4
	aptLockInterval = 8 * time.Second
)

// packageSets names the packages per subsystem per package manager.
var packageSets = map[string]map[string][]string{
	subsystemVM: {
		"apt-get": {"qemu-kvm", "libvirt-daemon-system", "libvirt-clients", "virtinst", "cloud-image-utils"},
		"dnf":     {"qemu-kvm", "libvirt", "virt-install", "cloud-utils"},
		"yum":     {"qemu-kvm", "libvirt", "virt-install", "cloud-utils"},
		"pacman":  {"qemu-base", "libvirt", "virt-install", "cloud-image-utils"},
		"zypper":  {"qemu-kvm", "libvirt", "virt-install", "cloud-image-utils"},
	},
	subsystemContainer: {
		"apt-get": {"docker.io"},
		"dnf":     {"docker"},
		"yum":     {"docker"},
		"pacman":  {"docker"},
		"zypper":  {"docker"},
	},
}

// installer performs rate-limited best-effort package installs for missing
// subsystems.
type installer struct {
	logger *zap.Logger

	mu          sync.Mutex
	lastAttempt map[string]time.Time
}

func newInstaller(logger *zap.Logger) *installer {
	return &installer{
		logger:      logger,
		lastAttempt: make(map[string]time.Time),
	}
}

// attempt tries to install the subsystem's packages. Returns true only when
// an install command actually ran to completion, signalling the caller to
// re-probe. Non-Linux hosts and cooled-down subsystems are skipped.
func (i *installer) attempt(ctx context.Context, subsystem string) bool {
	if runtime.GOOS != "linux" {
		return false
	}

	i.mu.Lock()
	if last, seen := i.lastAttempt[subsystem]; seen && time.Since(last) < installCooldown {
		i.mu.Unlock()
		return false
	}
	i.lastAttempt[subsystem] = time.Now()
	i.mu.Unlock()

	manager := detectPackageManager()
	if manager == "" {
		i.logger.Warn("No supported package manager found, skipping auto-install",
			zap.String("subsystem", subsystem))
		return false
	}
	packages := packageSets[subsystem][manager]
	if len(packages) == 0 {
		return false
	}

	i.logger.Info("Attempting package install for missing capability",
		zap.String("subsystem", subsystem),
		zap.String("package_manager", manager),
		zap.Strings("packages", packages))

	r := i.install(ctx, manager, packages)
	if sudoDenied(r) {
		i.logger.Warn("Auto-install needs root and passwordless sudo is not configured",
			zap.String("subsystem", subsystem))
		return false
	}
	if !r.ok() {
		i.logger.Warn("Package install failed",
			zap.String("subsystem", subsystem),
			zap.String("error", r.firstLine()))
		return false
	}

	i.logger.Info("Package install completed", zap.String("subsystem", subsystem))
	return true
}

func (i *installer) install(ctx context.Context, manager string, packages []string) probeResult {
	switch manager {
	case "apt-get":
		return i.aptInstall(ctx, packages)
	case "dnf", "yum", "zypper":
		return runRoot(ctx, installTimeout, manager, append([]string{"install", "-y"}, packages...)...)
	case "pacman":
		return runRoot(ctx, installTimeout, "pacman", append([]string{"-S", "--noconfirm"}, packages...)...)
	default:
		return probeResult{exitCode: -1, stderr: "unsupported package manager " + manager}
	}
}

// aptInstall retries through transient dpkg lock contention before giving up.
func (i *installer) aptInstall(ctx context.Context, packages []string) probeResult {
	args := append([]string{"install", "-y"}, packages...)
	var r probeResult
	for attempt := 0; attempt < aptLockRetries; attempt++ {
		r = runRoot(ctx, installTimeout, "apt-get", args...)
		if r.ok() || !aptLocked(r) {
			return r
		}
		i.logger.Info("apt lock is held, retrying",
			zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return r
		case <-time.After(aptLockInterval):
		}
	}
	return r
}

func aptLocked(r probeResult) bool {
	s := strings.ToLower(r.stderr)
	return strings.Contains(s, "could not get lock") ||
		strings.Contains(s, "lock-frontend") ||
		strings.Contains(s, "is another process using it")
}

func detectPackageManager() string {
	for _, manager := range []string{"apt-get", "dnf", "yum", "pacman", "zypper"} {
		if _, err := exec.LookPath(manager); err == nil {
			return manager
		}
	}
	return ""
}
