package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by UUID-keyed models. IDs are UUID v7
// (time-ordered), so rows sort chronologically without a separate created_at
// index. CreatedAt and UpdatedAt are managed by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Node state values.
const (
	NodeStatePending = "pending"
	NodeStatePaired  = "paired"
)

// Node is one managed host. The pairing lifecycle is one-way: a node is
// created pending with a unique 6-char pair code, and the pair token is
// generated exactly once at the pending→paired transition. Delete+recreate
// is the only reset.
type Node struct {
	base
	Name     string `gorm:"uniqueIndex;not null"`
	PairCode string `gorm:"uniqueIndex;not null"`
	State    string `gorm:"not null;default:'pending'"` // "pending" or "paired"

	// PairToken is nil until the node pairs. Nullable so the unique index
	// tolerates any number of unpaired nodes.
	PairToken *string `gorm:"uniqueIndex"`

	PairedAt        *time.Time
	LastHeartbeatAt *time.Time

	// AgentHostname is recorded at pairing time and used afterwards to
	// reject a cloned token presented from a different host.
	AgentHostname string `gorm:"default:''"`

	AgentInfo   string `gorm:"type:text;not null;default:'{}'"` // JSON system snapshot from pairing
	AgentCommit string `gorm:"default:''"`

	Metrics      string `gorm:"type:text;not null;default:'{}'"` // normalised usage JSON
	Capabilities string `gorm:"type:text;not null;default:'{}'"` // VM/container capability JSON
}

// NodeLog is an append-only per-node log line. The integer primary key is the
// monotonic cursor used by incremental log polling (since_id).
type NodeLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	NodeID    uuid.UUID `gorm:"type:text;not null;index:idx_node_logs_node_id_id,priority:1"`
	CreatedAt time.Time `gorm:"not null"`
	Level     string    `gorm:"not null;default:'info'"` // "debug", "info", "warning", "error"
	Message   string    `gorm:"type:text;not null"`
	Meta      string    `gorm:"type:text;not null;default:'{}'"` // JSON context
}

// VMImage is a cloud image available for VM creation. The ID is a short
// human-readable slug ("ubuntu-24-04"); defaults are seeded by migration.
type VMImage struct {
	ID               string    `gorm:"primaryKey"`
	Name             string    `gorm:"uniqueIndex;not null"`
	OSFamily         string    `gorm:"not null;default:'linux'"` // "linux" or "windows"
	Architecture     string    `gorm:"default:''"`               // "amd64", "arm64", or empty for autodetect
	SourceURL        string    `gorm:"not null"`
	SHA256           string    `gorm:"default:''"`
	DefaultUsername  string    `gorm:"not null"`
	CloudInitEnabled bool      `gorm:"not null;default:true"`
	CreatedAt        time.Time `gorm:"not null"`
}

// NodeVM state values.
const (
	VMStateCreating  = "creating"
	VMStateRunning   = "running"
	VMStateStopped   = "stopped"
	VMStateRebooting = "rebooting"
	VMStateDeleting  = "deleting"
	VMStateError     = "error"
	VMStateUnknown   = "unknown"
)

// NodeVM is a virtual machine managed on a node. State transitions always go
// through a VMOperation; a successful delete removes the row.
type NodeVM struct {
	base
	NodeID     uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_node_vms_node_name,priority:1"`
	Name       string    `gorm:"not null;uniqueIndex:idx_node_vms_node_name,priority:2"`
	DomainName string    `gorm:"uniqueIndex;not null"` // libvirt domain, derived from the VM id
	State      string    `gorm:"not null;default:'creating'"`
	Provider   string    `gorm:"not null;default:'libvirt'"`
	ImageID    string    `gorm:"not null;index"`
	VCPU       int       `gorm:"not null"`
	MemoryMB   int       `gorm:"not null"`
	DiskGB     int       `gorm:"not null"`
	Bridge     string    `gorm:"not null;default:'br0'"`
	IPAddress  string    `gorm:"default:''"`
	DomainUUID string    `gorm:"default:''"`
	LastError  string    `gorm:"type:text;default:''"`
}

// VMOperation status values.
const (
	OperationQueued    = "queued"
	OperationRunning   = "running"
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
)

// VMOperation operation_type values beyond the VM lifecycle verbs.
const (
	OperationTypeTerminalExec = "terminal_exec"
)

// VMOperation is the durable record of one asynchronous command dispatched
// to an agent. Status progresses monotonically queued → running? →
// (succeeded | failed); terminal rows are immutable. The operation ID doubles
// as the command_id on the wire. Guest passwords are redacted in Request
// before the row is written.
type VMOperation struct {
	base
	NodeID        uuid.UUID  `gorm:"type:text;not null;index:idx_vm_operations_node_vm_created,priority:1"`
	VMID          *uuid.UUID `gorm:"type:text;index:idx_vm_operations_node_vm_created,priority:2"`
	OperationType string     `gorm:"not null"` // "create", "start", ..., "terminal_exec"
	Status        string     `gorm:"not null;default:'queued'"`
	Request       string     `gorm:"type:text;not null;default:'{}'"`
	Result        string     `gorm:"type:text;default:''"`
	Error         string     `gorm:"type:text;default:''"`
	StartedAt     *time.Time
	EndedAt       *time.Time
}
