package capability

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const probeTimeout = 15 * time.Second

// vmTools are the binaries the VM executor shells out to. All must be
// present for the subsystem to be ready.
var vmTools = []string{"virsh", "virt-install", "qemu-img", "cloud-localds"}

// probeVM checks that the libvirt toolchain is installed and the daemon
// answers.
func probeVM(ctx context.Context) Summary {
	var missing []string
	for _, tool := range vmTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return Summary{
			Ready:   false,
			Message: "Missing tools: " + strings.Join(missing, ", "),
		}
	}

	r := runRoot(ctx, probeTimeout, "virsh", "version", "--daemon")
	if !r.ok() {
		if sudoDenied(r) {
			return Summary{
				Ready:   false,
				Message: "virsh requires root and passwordless sudo is not configured",
			}
		}
		return Summary{
			Ready:   false,
			Message: "libvirt daemon is not responding: " + r.firstLine(),
		}
	}

	details := map[string]any{}
	if v := libvirtVersion(r.stdout); v != "" {
		details["libvirt_version"] = v
	}
	return Summary{Ready: true, Details: details}
}

// libvirtVersion pulls the daemon version out of virsh version output.
func libvirtVersion(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Running against daemon:") || strings.HasPrefix(line, "Using library:") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return strings.Trim(fields[len(fields)-1], "()")
			}
		}
	}
	return ""
}
