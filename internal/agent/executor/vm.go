package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// Filesystem layout for VM artifacts on the host.
const (
	imageCacheDir = "/var/lib/lattice/images"
	vmDiskDir     = "/var/lib/lattice/vms"
)

// Timeouts per phase. Image download dominates; everything else is local.
const (
	downloadTimeout   = 15 * time.Minute
	virtInstallTimeout = 5 * time.Minute
	virshTimeout      = 60 * time.Second

	// Stop polls domstate this many times at this interval before forcing
	// a destroy.
	stopPollAttempts = 12
	stopPollInterval = 2 * time.Second
)

// vmSpec is the typed view of a create command's spec map.
type vmSpec struct {
	Name     string
	VCPU     int
	MemoryMB int
	DiskGB   int
	Bridge   string

	ImageID       string
	ImageArch     string
	ImageURL      string
	ImageSHA256   string
	CloudInit     bool
	GuestUsername string
	GuestPassword string
}

func parseVMSpec(raw map[string]any) (vmSpec, error) {
	var s vmSpec
	s.Name, _ = raw["name"].(string)
	s.VCPU = intField(raw, "vcpu")
	s.MemoryMB = intField(raw, "memory_mb")
	s.DiskGB = intField(raw, "disk_gb")
	s.Bridge, _ = raw["bridge"].(string)

	image, _ := raw["image"].(map[string]any)
	if image == nil {
		return s, fmt.Errorf("spec has no image")
	}
	s.ImageID, _ = image["id"].(string)
	s.ImageArch, _ = image["architecture"].(string)
	s.ImageURL, _ = image["source_url"].(string)
	s.ImageSHA256, _ = image["sha256"].(string)
	s.CloudInit, _ = image["cloud_init_enabled"].(bool)

	guest, _ := raw["guest"].(map[string]any)
	if guest == nil {
		return s, fmt.Errorf("spec has no guest credentials")
	}
	s.GuestUsername, _ = guest["username"].(string)
	s.GuestPassword, _ = guest["password"].(string)

	if s.Name == "" || s.ImageURL == "" || s.GuestUsername == "" {
		return s, fmt.Errorf("spec is missing required fields")
	}
	return s, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// executeVMCommand dispatches one vm_* command to its implementation.
func executeVMCommand(ctx context.Context, cmd protocol.Command) (string, string, map[string]any) {
	domain := cmd.DomainName
	switch cmd.CommandType {
	case protocol.CommandVMCreate:
		return vmCreate(ctx, domain, cmd.Spec)
	case protocol.CommandVMStart:
		return vmStart(ctx, domain)
	case protocol.CommandVMStop:
		return vmStop(ctx, domain)
	case protocol.CommandVMReboot:
		return vmReboot(ctx, domain)
	case protocol.CommandVMDelete:
		return vmDelete(ctx, domain)
	case protocol.CommandVMSync:
		return vmSync(ctx, domain)
	default:
		return protocol.StatusFailed, "Unknown VM command " + cmd.CommandType, nil
	}
}

// archCompatible rejects images tagged for a different CPU architecture than
// the host. An untagged image is assumed compatible.
func archCompatible(imageArch string) bool {
	a := strings.ToLower(strings.TrimSpace(imageArch))
	if a == "" {
		return true
	}
	switch runtime.GOARCH {
	case "amd64":
		return a == "amd64" || a == "x86_64"
	case "arm64":
		return a == "arm64" || a == "aarch64"
	default:
		return false
	}
}

func vmCreate(ctx context.Context, domain string, rawSpec map[string]any) (string, string, map[string]any) {
	spec, err := parseVMSpec(rawSpec)
	if err != nil {
		return protocol.StatusFailed, "Invalid VM spec: " + err.Error(), nil
	}
	if !archCompatible(spec.ImageArch) {
		return protocol.StatusFailed,
			fmt.Sprintf("Image architecture %s is not compatible with host architecture %s", spec.ImageArch, runtime.GOARCH),
			nil
	}

	basePath, msg := ensureImage(ctx, spec)
	if basePath == "" {
		return protocol.StatusFailed, msg, nil
	}

	diskPath := filepath.Join(vmDiskDir, domain+".qcow2")
	if r := runSudo(ctx, virshTimeout, "mkdir", "-p", vmDiskDir); !r.ok() {
		return protocol.StatusFailed, "Failed to create VM disk directory: " + r.firstLine(), nil
	}
	if r := runSudo(ctx, virshTimeout, "qemu-img", "create", "-f", "qcow2",
		"-b", basePath, "-F", "qcow2", diskPath, fmt.Sprintf("%dG", spec.DiskGB)); !r.ok() {
		return protocol.StatusFailed, toolFailure("qemu-img create failed", r), nil
	}

	seedPath := ""
	if spec.CloudInit {
		seedPath, msg = buildCloudInitSeed(ctx, domain, spec)
		if seedPath == "" {
			return protocol.StatusFailed, msg, nil
		}
	}

	args := []string{
		"--import", "--noautoconsole",
		"--name", domain,
		"--memory", fmt.Sprintf("%d", spec.MemoryMB),
		"--vcpus", fmt.Sprintf("%d", spec.VCPU),
		"--disk", "path=" + diskPath + ",format=qcow2,bus=virtio",
		"--graphics", "none",
		"--console", "pty,target_type=serial",
		"--osinfo", "detect=on,require=off",
	}
	if seedPath != "" {
		args = append(args, "--disk", "path="+seedPath+",device=cdrom")
	}

	// Network fallback chain: requested bridge, then the libvirt default
	// network, then user-mode networking.
	var installed bool
	var lastErr string
	for _, network := range networkCandidates(spec.Bridge) {
		r := runSudo(ctx, virtInstallTimeout, "virt-install", append(args, "--network", network)...)
		if r.ok() {
			installed = true
			break
		}
		lastErr = r.firstLine()
		// A half-created domain blocks the next attempt.
		_ = runSudo(ctx, virshTimeout, "virsh", "undefine", domain)
	}
	if !installed {
		return protocol.StatusFailed, "virt-install failed: " + lastErr, nil
	}

	details := vmDetails(ctx, domain)
	return protocol.StatusSucceeded, "VM created", details
}

func networkCandidates(bridge string) []string {
	var candidates []string
	if bridge != "" {
		candidates = append(candidates, "bridge="+bridge)
	}
	return append(candidates, "network=default", "user")
}

// ensureImage downloads and verifies the base cloud image once, returning
// its cached path or "" with a failure message.
func ensureImage(ctx context.Context, spec vmSpec) (string, string) {
	if r := runSudo(ctx, virshTimeout, "mkdir", "-p", imageCacheDir); !r.ok() {
		return "", "Failed to create image cache directory: " + r.firstLine()
	}

	path := filepath.Join(imageCacheDir, spec.ImageID+".img")
	if _, err := os.Stat(path); err == nil {
		return path, ""
	}

	tmp := path + ".part"
	if r := runSudo(ctx, downloadTimeout, "curl", "-fsSL", "-o", tmp, spec.ImageURL); !r.ok() {
		return "", "Image download failed: " + r.firstLine()
	}

	if spec.ImageSHA256 != "" {
		r := runSudo(ctx, virshTimeout, "sha256sum", tmp)
		if !r.ok() || !strings.HasPrefix(strings.TrimSpace(r.Stdout), spec.ImageSHA256) {
			_ = runSudo(ctx, virshTimeout, "rm", "-f", tmp)
			return "", "Image checksum mismatch for " + spec.ImageID
		}
	}

	if r := runSudo(ctx, virshTimeout, "mv", tmp, path); !r.ok() {
		return "", "Failed to move downloaded image: " + r.firstLine()
	}
	return path, ""
}

// buildCloudInitSeed writes the user-data/meta-data pair and packs it into a
// seed ISO with cloud-localds. The user-data provisions the guest login with
// NOPASSWD sudo and enables a serial getty so the VM console works.
func buildCloudInitSeed(ctx context.Context, domain string, spec vmSpec) (string, string) {
	dir, err := os.MkdirTemp("", "lattice-seed-")
	if err != nil {
		return "", "Failed to create seed temp dir: " + err.Error()
	}
	defer os.RemoveAll(dir)

	userData := fmt.Sprintf(`#cloud-config
hostname: %s
users:
  - name: %s
    plain_text_passwd: %s
    lock_passwd: false
    shell: /bin/bash
    sudo: ALL=(ALL) NOPASSWD:ALL
ssh_pwauth: true
runcmd:
  - systemctl enable serial-getty@ttyS0.service
  - systemctl start serial-getty@ttyS0.service
`, spec.Name, spec.GuestUsername, spec.GuestPassword)

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", domain, spec.Name)

	userPath := filepath.Join(dir, "user-data")
	metaPath := filepath.Join(dir, "meta-data")
	if err := os.WriteFile(userPath, []byte(userData), 0o600); err != nil {
		return "", "Failed to write user-data: " + err.Error()
	}
	if err := os.WriteFile(metaPath, []byte(metaData), 0o600); err != nil {
		return "", "Failed to write meta-data: " + err.Error()
	}

	seedPath := filepath.Join(vmDiskDir, domain+"-seed.iso")
	if r := runSudo(ctx, virshTimeout, "cloud-localds", seedPath, userPath, metaPath); !r.ok() {
		return "", "cloud-localds failed: " + r.firstLine()
	}
	return seedPath, ""
}

// toolFailure renders a one-line failure message, recognising the common
// case of sudo refusing to run without a password.
func toolFailure(prefix string, r runResult) string {
	if sudoDenied(r) {
		return prefix + ": passwordless sudo is not configured for the agent user"
	}
	return prefix + ": " + r.firstLine()
}

func vmStart(ctx context.Context, domain string) (string, string, map[string]any) {
	r := runSudo(ctx, virshTimeout, "virsh", "start", domain)
	if !r.ok() && !strings.Contains(r.Stderr, "already active") {
		return protocol.StatusFailed, toolFailure("virsh start failed", r), nil
	}
	return protocol.StatusSucceeded, "VM started", vmDetails(ctx, domain)
}

func vmStop(ctx context.Context, domain string) (string, string, map[string]any) {
	r := runSudo(ctx, virshTimeout, "virsh", "shutdown", domain)
	if !r.ok() && !strings.Contains(r.Stderr, "not running") && !strings.Contains(r.Stderr, "shut off") {
		return protocol.StatusFailed, "virsh shutdown failed: " + r.firstLine(), nil
	}

	for i := 0; i < stopPollAttempts; i++ {
		if state := domState(ctx, domain); state != "running" {
			return protocol.StatusSucceeded, "VM stopped", vmDetails(ctx, domain)
		}
		select {
		case <-ctx.Done():
			return protocol.StatusFailed, "Cancelled while waiting for shutdown", nil
		case <-time.After(stopPollInterval):
		}
	}

	// The guest ignored ACPI; pull the plug.
	if r := runSudo(ctx, virshTimeout, "virsh", "destroy", domain); !r.ok() {
		return protocol.StatusFailed, "virsh destroy failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "VM stopped (forced)", vmDetails(ctx, domain)
}

func vmReboot(ctx context.Context, domain string) (string, string, map[string]any) {
	if state := domState(ctx, domain); state != "running" {
		return protocol.StatusFailed, "VM is not running (state: " + state + ")", nil
	}
	if r := runSudo(ctx, virshTimeout, "virsh", "reboot", domain); !r.ok() {
		return protocol.StatusFailed, "virsh reboot failed: " + r.firstLine(), nil
	}
	return protocol.StatusSucceeded, "VM rebooted", vmDetails(ctx, domain)
}

func vmDelete(ctx context.Context, domain string) (string, string, map[string]any) {
	// Destroy failure is fine, the domain may already be off or gone.
	_ = runSudo(ctx, virshTimeout, "virsh", "destroy", domain)

	r := runSudo(ctx, virshTimeout, "virsh", "undefine", domain, "--remove-all-storage")
	if !r.ok() && !missingDomain(r) {
		return protocol.StatusFailed, "virsh undefine failed: " + r.firstLine(), nil
	}

	// Retried deletes against an unknown domain are a success: the work is
	// already done.
	_ = runSudo(ctx, virshTimeout, "rm", "-f",
		filepath.Join(vmDiskDir, domain+".qcow2"),
		filepath.Join(vmDiskDir, domain+"-seed.iso"))
	return protocol.StatusSucceeded, "VM deleted", nil
}

func vmSync(ctx context.Context, domain string) (string, string, map[string]any) {
	if domain != "" {
		state := domState(ctx, domain)
		if state == "" {
			return protocol.StatusFailed, "Domain not found: " + domain, nil
		}
		return protocol.StatusSucceeded, "VM state synced", vmDetails(ctx, domain)
	}

	r := runSudo(ctx, virshTimeout, "virsh", "list", "--all", "--name")
	if !r.ok() {
		return protocol.StatusFailed, "virsh list failed: " + r.firstLine(), nil
	}
	domains := map[string]any{}
	for _, name := range strings.Split(r.Stdout, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		domains[name] = domState(ctx, name)
	}
	return protocol.StatusSucceeded, "VM inventory synced", map[string]any{"domains": domains}
}

func missingDomain(r runResult) bool {
	s := strings.ToLower(r.Stderr)
	return strings.Contains(s, "failed to get domain") || strings.Contains(s, "domain not found")
}

// domState returns the trimmed virsh domstate output, or "" when the domain
// does not exist.
func domState(ctx context.Context, domain string) string {
	r := runSudo(ctx, virshTimeout, "virsh", "domstate", domain)
	if !r.ok() {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

// vmDetails gathers the observed power state plus domain uuid and the first
// IPv4 reported on any interface.
func vmDetails(ctx context.Context, domain string) map[string]any {
	details := map[string]any{}
	if state := domState(ctx, domain); state != "" {
		details["power_state"] = state
	}
	if r := runSudo(ctx, virshTimeout, "virsh", "domuuid", domain); r.ok() {
		if id := strings.TrimSpace(r.Stdout); id != "" {
			details["domain_uuid"] = id
		}
	}
	if ip := domainIPv4(ctx, domain); ip != "" {
		details["ip_address"] = ip
	}
	return details
}

// domainIPv4 parses virsh domifaddr for the first ipv4 lease.
func domainIPv4(ctx context.Context, domain string) string {
	r := runSudo(ctx, virshTimeout, "virsh", "domifaddr", domain)
	if !r.ok() {
		return ""
	}
	for _, line := range strings.Split(r.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "ipv4" {
			continue
		}
		addr := fields[3]
		if i := strings.Index(addr, "/"); i > 0 {
			addr = addr[:i]
		}
		return addr
	}
	return ""
}
