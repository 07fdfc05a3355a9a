package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// vmNameRegex bounds user-chosen VM names; the libvirt domain name is
// derived from the VM id, never from this.
var vmNameRegex = regexp.MustCompile(`^[a-z0-9-]{3,32}$`)

// VM spec limits.
const (
	vmVCPUMin     = 1
	vmVCPUMax     = 32
	vmMemoryMBMin = 512
	vmMemoryMBMax = 262144
	vmDiskGBMin   = 10
	vmDiskGBMax   = 4096

	defaultBridge = "br0"
)

// Sweep reasons recorded on operations failed by the master itself.
const (
	ReasonMasterRestarted = "Master restarted before operation dispatch"
	ReasonDispatchTimeout = "Timed out waiting for agent connection"
)

// GuestCredentials are the initial login provisioned through cloud-init.
type GuestCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateVMParams is the validated input for a VM create request.
type CreateVMParams struct {
	Name     string           `json:"name"`
	ImageID  string           `json:"image_id"`
	VCPU     int              `json:"vcpu"`
	MemoryMB int              `json:"memory_mb"`
	DiskGB   int              `json:"disk_gb"`
	Bridge   string           `json:"bridge"`
	Guest    GuestCredentials `json:"guest"`
}

// validate returns the first human-readable problem with the params, or "".
func (p *CreateVMParams) validate() string {
	if !vmNameRegex.MatchString(p.Name) {
		return "vm name must match ^[a-z0-9-]{3,32}$"
	}
	if p.VCPU < vmVCPUMin || p.VCPU > vmVCPUMax {
		return "vcpu must be between 1 and 32"
	}
	if p.MemoryMB < vmMemoryMBMin || p.MemoryMB > vmMemoryMBMax {
		return "memory_mb must be between 512 and 262144"
	}
	if p.DiskGB < vmDiskGBMin || p.DiskGB > vmDiskGBMax {
		return "disk_gb must be between 10 and 4096"
	}
	if strings.TrimSpace(p.Guest.Username) == "" {
		return "guest.username is required"
	}
	if p.Guest.Password == "" {
		return "guest.password is required"
	}
	return ""
}

// domainNameFor derives the libvirt domain name from a VM id: a fixed
// prefix plus the first 10 hex characters of the id. Stable for the life of
// the VM and safe for virsh.
func domainNameFor(vmID uuid.UUID) string {
	compact := strings.ReplaceAll(vmID.String(), "-", "")
	return "lattice-" + compact[:10]
}

// vmSpecPayload builds the full spec map carried by a create command. The
// guest password is included unredacted; this map must never be persisted.
func vmSpecPayload(vm *db.NodeVM, image *db.VMImage, guest GuestCredentials) map[string]any {
	return map[string]any{
		"name":      vm.Name,
		"vcpu":      vm.VCPU,
		"memory_mb": vm.MemoryMB,
		"disk_gb":   vm.DiskGB,
		"bridge":    vm.Bridge,
		"image": map[string]any{
			"id":                 image.ID,
			"name":               image.Name,
			"os_family":          image.OSFamily,
			"architecture":       image.Architecture,
			"source_url":         image.SourceURL,
			"sha256":             image.SHA256,
			"default_username":   image.DefaultUsername,
			"cloud_init_enabled": image.CloudInitEnabled,
		},
		"guest": map[string]any{
			"username": guest.Username,
			"password": guest.Password,
		},
	}
}

// CreateVMResult bundles what a successful create request produces: the
// durable rows and the transient command ready for dispatch.
type CreateVMResult struct {
	VM        *db.NodeVM
	Operation *db.VMOperation
	Command   *protocol.Command
}

// CreateVMRequest validates the request, records the VM in state "creating"
// together with its create operation, and returns the dispatch command. The
// persisted operation request has the guest password redacted; only the
// returned command carries it in the clear. On any non-OK outcome the
// message explains the rejection.
func (s *Store) CreateVMRequest(ctx context.Context, nodeID uuid.UUID, params CreateVMParams) (Outcome, string, *CreateVMResult, error) {
	if msg := params.validate(); msg != "" {
		return OutcomeInvalidPayload, msg, nil, nil
	}

	var (
		outcome Outcome
		message string
		result  *CreateVMResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node db.Node
		if err := tx.First(&node, "id = ?", nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome, message = OutcomeNotFound, "node not found"
				return nil
			}
			return fmt.Errorf("store: create vm node lookup: %w", err)
		}
		if node.State != db.NodeStatePaired {
			outcome, message = OutcomeNodeNotPaired, "node is not paired"
			return nil
		}
		if !capabilityReady(node.Capabilities, "vm") {
			outcome, message = OutcomeCapabilityNotReady, "node does not report VM capability as ready"
			return nil
		}

		var image db.VMImage
		if err := tx.First(&image, "id = ?", params.ImageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome, message = OutcomeImageNotFound, "unknown image_id"
				return nil
			}
			return fmt.Errorf("store: create vm image lookup: %w", err)
		}

		var count int64
		if err := tx.Model(&db.NodeVM{}).Where("node_id = ? AND name = ?", nodeID, params.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("store: create vm name check: %w", err)
		}
		if count > 0 {
			outcome, message = OutcomeConflict, "a vm with this name already exists on this node"
			return nil
		}

		bridge := strings.TrimSpace(params.Bridge)
		if bridge == "" {
			bridge = defaultBridge
		}

		// The id is generated up front so the domain name can be derived
		// before the row exists.
		vmID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: create vm id: %w", err)
		}

		vm := &db.NodeVM{
			NodeID:     nodeID,
			Name:       params.Name,
			DomainName: domainNameFor(vmID),
			State:      db.VMStateCreating,
			Provider:   "libvirt",
			ImageID:    image.ID,
			VCPU:       params.VCPU,
			MemoryMB:   params.MemoryMB,
			DiskGB:     params.DiskGB,
			Bridge:     bridge,
		}
		vm.ID = vmID
		if err := tx.Create(vm).Error; err != nil {
			return fmt.Errorf("store: create vm: %w", err)
		}

		spec := vmSpecPayload(vm, &image, params.Guest)
		redacted := vmSpecPayload(vm, &image, GuestCredentials{
			Username: params.Guest.Username,
			Password: RedactedPassword,
		})

		op := &db.VMOperation{
			NodeID:        nodeID,
			VMID:          &vmID,
			OperationType: "create",
			Status:        db.OperationQueued,
			Request:       marshalOrEmpty(redacted),
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("store: create vm operation: %w", err)
		}

		if err := s.appendLogTx(tx, nodeID, "info", "VM create requested", map[string]any{
			"vm_id":   vmID.String(),
			"vm_name": vm.Name,
			"image":   image.ID,
		}); err != nil {
			return err
		}

		outcome = OutcomeOK
		result = &CreateVMResult{
			VM:        vm,
			Operation: op,
			Command: &protocol.Command{
				Type:        protocol.TypeCommand,
				CommandType: protocol.CommandVMCreate,
				CommandID:   op.ID.String(),
				OperationID: op.ID.String(),
				VMID:        vmID.String(),
				DomainName:  vm.DomainName,
				Spec:        spec,
			},
		}
		return nil
	})
	if err != nil {
		return "", "", nil, err
	}
	return outcome, message, result, nil
}

// QueueVMActionResult bundles a queued action operation with its command.
type QueueVMActionResult struct {
	VM        *db.NodeVM
	Operation *db.VMOperation
	Command   *protocol.Command
}

// QueueVMAction records a lifecycle action (start, stop, reboot, delete)
// against a VM and returns the dispatch command. Actions are rejected while
// a transitional state is in flight, and each verb checks its own
// precondition against the current state.
func (s *Store) QueueVMAction(ctx context.Context, nodeID, vmID uuid.UUID, action string) (Outcome, string, *QueueVMActionResult, error) {
	var commandType string
	switch action {
	case "start":
		commandType = protocol.CommandVMStart
	case "stop":
		commandType = protocol.CommandVMStop
	case "reboot":
		commandType = protocol.CommandVMReboot
	case "delete":
		commandType = protocol.CommandVMDelete
	default:
		return OutcomeInvalidPayload, "unknown vm action", nil, nil
	}

	var (
		outcome Outcome
		message string
		result  *QueueVMActionResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vm db.NodeVM
		if err := tx.First(&vm, "id = ? AND node_id = ?", vmID, nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome, message = OutcomeVMNotFound, "vm not found"
				return nil
			}
			return fmt.Errorf("store: vm action lookup: %w", err)
		}

		// Transitional states block everything, including delete; the
		// in-flight operation will settle the state first.
		if vm.State == db.VMStateCreating || vm.State == db.VMStateDeleting {
			outcome, message = OutcomeInvalidState, "vm is currently "+vm.State
			return nil
		}

		switch action {
		case "start":
			if vm.State == db.VMStateRunning {
				outcome, message = OutcomeInvalidState, "vm is already running"
				return nil
			}
		case "stop":
			if vm.State == db.VMStateStopped {
				outcome, message = OutcomeInvalidState, "vm is already stopped"
				return nil
			}
		case "reboot":
			if vm.State != db.VMStateRunning {
				outcome, message = OutcomeInvalidState, "vm must be running to reboot"
				return nil
			}
		}

		var nextState string
		switch action {
		case "reboot":
			nextState = db.VMStateRebooting
		case "delete":
			nextState = db.VMStateDeleting
		default:
			// start/stop outcomes are only known once the agent reports
			// back with the observed power state.
			nextState = db.VMStateUnknown
		}
		if err := tx.Model(&vm).Update("state", nextState).Error; err != nil {
			return fmt.Errorf("store: vm action state: %w", err)
		}
		vm.State = nextState

		id := vm.ID
		op := &db.VMOperation{
			NodeID:        nodeID,
			VMID:          &id,
			OperationType: action,
			Status:        db.OperationQueued,
			Request: marshalOrEmpty(map[string]any{
				"action":      action,
				"vm_name":     vm.Name,
				"domain_name": vm.DomainName,
			}),
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("store: vm action operation: %w", err)
		}

		if err := s.appendLogTx(tx, nodeID, "info", "VM "+action+" requested", map[string]any{
			"vm_id":   vm.ID.String(),
			"vm_name": vm.Name,
		}); err != nil {
			return err
		}

		outcome = OutcomeOK
		result = &QueueVMActionResult{
			VM:        &vm,
			Operation: op,
			Command: &protocol.Command{
				Type:        protocol.TypeCommand,
				CommandType: commandType,
				CommandID:   op.ID.String(),
				OperationID: op.ID.String(),
				VMID:        vm.ID.String(),
				DomainName:  vm.DomainName,
				VMSpec: map[string]any{
					"name":      vm.Name,
					"vcpu":      vm.VCPU,
					"memory_mb": vm.MemoryMB,
					"disk_gb":   vm.DiskGB,
					"bridge":    vm.Bridge,
				},
			},
		}
		return nil
	})
	if err != nil {
		return "", "", nil, err
	}
	return outcome, message, result, nil
}

// QueueTerminalCommand records a one-shot shell command against a node and
// returns the dispatch command. Terminal operations reuse the operation
// table with a nil vm_id.
func (s *Store) QueueTerminalCommand(ctx context.Context, nodeID uuid.UUID, command string) (Outcome, string, *QueueVMActionResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return OutcomeInvalidPayload, "command is required", nil, nil
	}

	var (
		outcome Outcome
		message string
		result  *QueueVMActionResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node db.Node
		if err := tx.First(&node, "id = ?", nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome, message = OutcomeNotFound, "node not found"
				return nil
			}
			return fmt.Errorf("store: terminal command node lookup: %w", err)
		}
		if node.State != db.NodeStatePaired {
			outcome, message = OutcomeNodeNotPaired, "node is not paired"
			return nil
		}

		op := &db.VMOperation{
			NodeID:        nodeID,
			OperationType: db.OperationTypeTerminalExec,
			Status:        db.OperationQueued,
			Request:       marshalOrEmpty(map[string]any{"command": command}),
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("store: terminal command operation: %w", err)
		}

		if err := s.appendLogTx(tx, nodeID, "info", "Terminal command queued", map[string]any{
			"operation_id": op.ID.String(),
		}); err != nil {
			return err
		}

		outcome = OutcomeOK
		result = &QueueVMActionResult{
			Operation: op,
			Command: &protocol.Command{
				Type:        protocol.TypeCommand,
				CommandType: protocol.CommandTerminalExec,
				CommandID:   op.ID.String(),
				OperationID: op.ID.String(),
				Payload:     map[string]any{"command": command},
			},
		}
		return nil
	})
	if err != nil {
		return "", "", nil, err
	}
	return outcome, message, result, nil
}

// resultDetailSuffix renders a bounded ": detail" suffix for node log lines.
func resultDetailSuffix(detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return ""
	}
	if len(detail) > 180 {
		detail = detail[:180]
	}
	return ": " + detail
}

// ApplyCommandResult settles an operation from an agent command result.
// Terminal (succeeded/failed) operations are immutable, so replayed results
// are no-ops. A "running" result stamps started_at once and keeps the latest
// progress message; "busy" is recorded as a failure. For VM operations a
// success also settles the VM row: delete removes it, everything else
// updates state from the observed power state plus ip/domain metadata.
func (s *Store) ApplyCommandResult(ctx context.Context, nodeID uuid.UUID, res protocol.CommandResult) error {
	opID, err := uuid.Parse(res.OperationID)
	if err != nil {
		opID, err = uuid.Parse(res.CommandID)
		if err != nil {
			return ErrInvalidInput
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op db.VMOperation
		if err := tx.First(&op, "id = ? AND node_id = ?", opID, nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: result lookup: %w", err)
		}

		if op.Status == db.OperationSucceeded || op.Status == db.OperationFailed {
			return nil
		}

		now := time.Now().UTC()

		switch res.Status {
		case protocol.StatusRunning:
			updates := map[string]any{"status": db.OperationRunning}
			if op.StartedAt == nil {
				updates["started_at"] = now
			}
			if res.Message != "" {
				updates["result"] = res.Message
			}
			if err := tx.Model(&op).Updates(updates).Error; err != nil {
				return fmt.Errorf("store: result running: %w", err)
			}
			return nil

		case protocol.StatusSucceeded, protocol.StatusUpToDate, protocol.StatusUpdated:
			updates := map[string]any{
				"status":   db.OperationSucceeded,
				"ended_at": now,
				"result":   res.Message,
			}
			if op.StartedAt == nil {
				updates["started_at"] = now
			}
			if err := tx.Model(&op).Updates(updates).Error; err != nil {
				return fmt.Errorf("store: result success: %w", err)
			}
			if op.VMID != nil {
				if err := s.settleVMSuccess(tx, &op, res); err != nil {
					return err
				}
			}
			return s.appendLogTx(tx, nodeID, "info",
				"Operation "+op.OperationType+" succeeded"+resultDetailSuffix(res.Message), map[string]any{
					"operation_id": op.ID.String(),
				})

		case protocol.StatusFailed, "error", protocol.StatusBusy:
			level := "error"
			if res.Status == protocol.StatusBusy {
				level = "warning"
			}
			updates := map[string]any{
				"status":   db.OperationFailed,
				"ended_at": now,
				"error":    res.Message,
			}
			if op.StartedAt == nil {
				updates["started_at"] = now
			}
			if err := tx.Model(&op).Updates(updates).Error; err != nil {
				return fmt.Errorf("store: result failure: %w", err)
			}
			if op.VMID != nil && op.OperationType != "delete" {
				vmUpdates := map[string]any{
					"state":      db.VMStateError,
					"last_error": res.Message,
				}
				if err := tx.Model(&db.NodeVM{}).Where("id = ?", op.VMID).Updates(vmUpdates).Error; err != nil {
					return fmt.Errorf("store: result vm failure: %w", err)
				}
			}
			return s.appendLogTx(tx, nodeID, level,
				"Operation "+op.OperationType+" failed"+resultDetailSuffix(res.Message), map[string]any{
					"operation_id": op.ID.String(),
				})

		default:
			return ErrInvalidInput
		}
	})
}

// settleVMSuccess applies a successful VM operation to its VM row.
func (s *Store) settleVMSuccess(tx *gorm.DB, op *db.VMOperation, res protocol.CommandResult) error {
	if op.OperationType == "delete" {
		// Missing row means the delete already settled; tolerate it.
		if err := tx.Delete(&db.NodeVM{}, "id = ?", op.VMID).Error; err != nil {
			return fmt.Errorf("store: result vm delete: %w", err)
		}
		return nil
	}

	details := res.Details
	state := powerStateToVMState(stringDetail(details, "power_state"), op.OperationType)
	updates := map[string]any{
		"state":      state,
		"last_error": "",
	}
	if ip := stringDetail(details, "ip_address"); ip != "" {
		updates["ip_address"] = ip
	}
	if domUUID := stringDetail(details, "domain_uuid"); domUUID != "" {
		updates["domain_uuid"] = domUUID
	}
	if err := tx.Model(&db.NodeVM{}).Where("id = ?", op.VMID).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: result vm success: %w", err)
	}
	return nil
}

// powerStateToVMState maps the agent-observed power state to a VM state,
// falling back to what the operation type implies when the agent did not
// report one.
func powerStateToVMState(power, opType string) string {
	p := strings.ToLower(strings.TrimSpace(power))
	switch {
	case p == "running":
		return db.VMStateRunning
	case strings.Contains(p, "shut"), strings.Contains(p, "off"), strings.Contains(p, "stopped"):
		return db.VMStateStopped
	}
	switch opType {
	case "start", "reboot":
		return db.VMStateRunning
	case "stop":
		return db.VMStateStopped
	default:
		return db.VMStateUnknown
	}
}

func stringDetail(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	v, _ := details[key].(string)
	return v
}

// FailUnfinishedOperations marks every queued or running operation as failed
// with the given reason, and puts the VMs those operations were driving into
// the error state. Run once at master startup: any operation that was in
// flight before the restart can never complete because its command was lost
// with the process.
func (s *Store) FailUnfinishedOperations(ctx context.Context, reason string) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ops []db.VMOperation
		if err := tx.Where("status IN ?", []string{db.OperationQueued, db.OperationRunning}).Find(&ops).Error; err != nil {
			return fmt.Errorf("store: fail unfinished lookup: %w", err)
		}
		if len(ops) == 0 {
			return nil
		}

		now := time.Now().UTC()
		var vmIDs []uuid.UUID
		for _, op := range ops {
			if op.VMID != nil {
				vmIDs = append(vmIDs, *op.VMID)
			}
		}

		res := tx.Model(&db.VMOperation{}).
			Where("status IN ?", []string{db.OperationQueued, db.OperationRunning}).
			Updates(map[string]any{
				"status":   db.OperationFailed,
				"error":    reason,
				"ended_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("store: fail unfinished operations: %w", res.Error)
		}
		affected = res.RowsAffected

		if len(vmIDs) > 0 {
			if err := tx.Model(&db.NodeVM{}).Where("id IN ?", vmIDs).Updates(map[string]any{
				"state":      db.VMStateError,
				"last_error": reason,
			}).Error; err != nil {
				return fmt.Errorf("store: fail unfinished vms: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// FailStaleOperations fails queued operations older than staleAfter with a
// dispatch-timeout reason. The cutoff never drops below one minute so a
// slow agent reconnect cannot race a freshly queued command.
func (s *Store) FailStaleOperations(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if staleAfter < time.Minute {
		staleAfter = time.Minute
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	res := s.db.WithContext(ctx).Model(&db.VMOperation{}).
		Where("status = ? AND created_at < ?", db.OperationQueued, cutoff).
		Updates(map[string]any{
			"status":   db.OperationFailed,
			"error":    ReasonDispatchTimeout,
			"ended_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("store: fail stale operations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// ListVMImages returns the image catalog ordered by name.
func (s *Store) ListVMImages(ctx context.Context) ([]db.VMImage, error) {
	var images []db.VMImage
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("store: list images: %w", err)
	}
	return images, nil
}

// ListNodeVMs returns a node's VMs ordered by creation time.
func (s *Store) ListNodeVMs(ctx context.Context, nodeID uuid.UUID) ([]db.NodeVM, error) {
	var vms []db.NodeVM
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("created_at ASC").Find(&vms).Error; err != nil {
		return nil, fmt.Errorf("store: list vms: %w", err)
	}
	return vms, nil
}

// GetNodeVM fetches one VM scoped to its node.
func (s *Store) GetNodeVM(ctx context.Context, nodeID, vmID uuid.UUID) (*db.NodeVM, error) {
	var vm db.NodeVM
	if err := s.db.WithContext(ctx).First(&vm, "id = ? AND node_id = ?", vmID, nodeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get vm: %w", err)
	}
	return &vm, nil
}

// GetOperation fetches one operation scoped to its node.
func (s *Store) GetOperation(ctx context.Context, nodeID, opID uuid.UUID) (*db.VMOperation, error) {
	var op db.VMOperation
	if err := s.db.WithContext(ctx).First(&op, "id = ? AND node_id = ?", opID, nodeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get operation: %w", err)
	}
	return &op, nil
}

// ListOperations returns a node's operations, newest first, optionally
// filtered to one VM. Stale queued operations are failed inline so a list
// never shows a command that can no longer be dispatched. limit is clamped
// to [1,200], defaulting to 50.
func (s *Store) ListOperations(ctx context.Context, nodeID uuid.UUID, vmID *uuid.UUID, limit int, staleAfter time.Duration) ([]db.VMOperation, error) {
	if _, err := s.FailStaleOperations(ctx, staleAfter); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := s.db.WithContext(ctx).Where("node_id = ?", nodeID)
	if vmID != nil {
		q = q.Where("vm_id = ?", *vmID)
	}

	var ops []db.VMOperation
	if err := q.Order("created_at DESC").Limit(limit).Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("store: list operations: %w", err)
	}
	return ops, nil
}

// ListTerminalCommands returns a node's terminal_exec operations, newest
// first.
func (s *Store) ListTerminalCommands(ctx context.Context, nodeID uuid.UUID, limit int) ([]db.VMOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var ops []db.VMOperation
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND operation_type = ?", nodeID, db.OperationTypeTerminalExec).
		Order("created_at DESC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("store: list terminal commands: %w", err)
	}
	return ops, nil
}

// capabilityReady reports whether the node's capability JSON marks the named
// subsystem ready.
func capabilityReady(capabilitiesJSON, name string) bool {
	var caps map[string]map[string]any
	if err := json.Unmarshal([]byte(capabilitiesJSON), &caps); err != nil {
		return false
	}
	sub, ok := caps[name]
	if !ok {
		return false
	}
	ready, _ := sub["ready"].(bool)
	return ready
}
