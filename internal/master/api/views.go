package api

import (
	"encoding/json"
	"time"

	"github.com/lattice-sh/lattice/internal/master/db"
)

// nodeView is the public shape of a node. The pair token never leaves the
// store through this path; the pair code is only shown while the node is
// still pending, since it is useless after pairing.
type nodeView struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	State           string         `json:"state"`
	PairCode        string         `json:"pair_code,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	PairedAt        *time.Time     `json:"paired_at,omitempty"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	AgentHostname   string         `json:"agent_hostname,omitempty"`
	AgentCommit     string         `json:"agent_commit,omitempty"`
	AgentInfo       map[string]any `json:"agent_info,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	Connected       bool           `json:"connected"`
}

func toNodeView(n *db.Node, connected bool) nodeView {
	v := nodeView{
		ID:              n.ID.String(),
		Name:            n.Name,
		State:           n.State,
		CreatedAt:       n.CreatedAt,
		PairedAt:        n.PairedAt,
		LastHeartbeatAt: n.LastHeartbeatAt,
		AgentHostname:   n.AgentHostname,
		AgentCommit:     n.AgentCommit,
		AgentInfo:       unmarshalMap(n.AgentInfo),
		Metrics:         unmarshalMap(n.Metrics),
		Capabilities:    unmarshalMap(n.Capabilities),
		Connected:       connected,
	}
	if n.State == db.NodeStatePending {
		v.PairCode = n.PairCode
	}
	return v
}

type vmView struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	Name       string    `json:"name"`
	DomainName string    `json:"domain_name"`
	State      string    `json:"state"`
	Provider   string    `json:"provider"`
	ImageID    string    `json:"image_id"`
	VCPU       int       `json:"vcpu"`
	MemoryMB   int       `json:"memory_mb"`
	DiskGB     int       `json:"disk_gb"`
	Bridge     string    `json:"bridge"`
	IPAddress  string    `json:"ip_address,omitempty"`
	DomainUUID string    `json:"domain_uuid,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toVMView(vm *db.NodeVM) vmView {
	return vmView{
		ID:         vm.ID.String(),
		NodeID:     vm.NodeID.String(),
		Name:       vm.Name,
		DomainName: vm.DomainName,
		State:      vm.State,
		Provider:   vm.Provider,
		ImageID:    vm.ImageID,
		VCPU:       vm.VCPU,
		MemoryMB:   vm.MemoryMB,
		DiskGB:     vm.DiskGB,
		Bridge:     vm.Bridge,
		IPAddress:  vm.IPAddress,
		DomainUUID: vm.DomainUUID,
		LastError:  vm.LastError,
		CreatedAt:  vm.CreatedAt,
		UpdatedAt:  vm.UpdatedAt,
	}
}

type operationView struct {
	ID            string         `json:"id"`
	NodeID        string         `json:"node_id"`
	VMID          string         `json:"vm_id,omitempty"`
	OperationType string         `json:"operation_type"`
	Status        string         `json:"status"`
	Request       map[string]any `json:"request,omitempty"`
	Result        string         `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

func toOperationView(op *db.VMOperation) operationView {
	v := operationView{
		ID:            op.ID.String(),
		NodeID:        op.NodeID.String(),
		OperationType: op.OperationType,
		Status:        op.Status,
		Request:       unmarshalMap(op.Request),
		Result:        op.Result,
		Error:         op.Error,
		CreatedAt:     op.CreatedAt,
		StartedAt:     op.StartedAt,
		EndedAt:       op.EndedAt,
	}
	if op.VMID != nil {
		v.VMID = op.VMID.String()
	}
	return v
}

type imageView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	OSFamily         string    `json:"os_family"`
	Architecture     string    `json:"architecture,omitempty"`
	SourceURL        string    `json:"source_url"`
	SHA256           string    `json:"sha256,omitempty"`
	DefaultUsername  string    `json:"default_username"`
	CloudInitEnabled bool      `json:"cloud_init_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

func toImageView(img *db.VMImage) imageView {
	return imageView{
		ID:               img.ID,
		Name:             img.Name,
		OSFamily:         img.OSFamily,
		Architecture:     img.Architecture,
		SourceURL:        img.SourceURL,
		SHA256:           img.SHA256,
		DefaultUsername:  img.DefaultUsername,
		CloudInitEnabled: img.CloudInitEnabled,
		CreatedAt:        img.CreatedAt,
	}
}

type logView struct {
	ID        int64          `json:"id"`
	NodeID    string         `json:"node_id"`
	CreatedAt time.Time      `json:"created_at"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func toLogView(e *db.NodeLog) logView {
	return logView{
		ID:        e.ID,
		NodeID:    e.NodeID.String(),
		CreatedAt: e.CreatedAt,
		Level:     e.Level,
		Message:   e.Message,
		Meta:      unmarshalMap(e.Meta),
	}
}

// unmarshalMap decodes a JSON TEXT column into a map, returning nil on empty
// or malformed content so views omit the field instead of failing.
func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
