// Package protocol defines the wire types exchanged between the master and
// its agents. The same shapes travel over both transports: the agent
// websocket (/ws/agent) and the HTTP long-poll fallback
// (/api/nodes/{id}/commands/next + /commands/result).
//
// Frames are tagged unions: every message carries a "type" field and only the
// fields relevant to that type. Unknown types are answered on the wire with
// {"type":"error","error":"unsupported_type"} rather than being dropped.
package protocol

// Frame type constants, agent → master.
const (
	TypeAuth          = "auth"
	TypeSubscribeLogs = "subscribe_logs"
	TypeLog           = "log"
	TypeHeartbeat     = "heartbeat"
	TypeCommandResult = "command_result"
	TypeTerminalData  = "terminal_data"
	TypeTerminalExit  = "terminal_exit"
	TypeTerminalError = "terminal_error"
	TypePing          = "ping"
)

// Frame type constants, master → agent.
const (
	TypeAuthOK  = "auth_ok"
	TypeCommand = "command"
	TypePong    = "pong"
	TypeError   = "error"
)

// Terminal session control frames, master → agent. The node-shell variants
// are the base names; VM consoles, container shells and container log tails
// use the prefixed forms.
const (
	TypeTerminalOpen   = "terminal_open"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalResize = "terminal_resize"
	TypeTerminalClose  = "terminal_close"

	TypeVMTerminalOpen   = "vm_terminal_open"
	TypeVMTerminalInput  = "vm_terminal_input"
	TypeVMTerminalResize = "vm_terminal_resize"
	TypeVMTerminalClose  = "vm_terminal_close"

	TypeContainerTerminalOpen   = "container_terminal_open"
	TypeContainerTerminalInput  = "container_terminal_input"
	TypeContainerTerminalResize = "container_terminal_resize"
	TypeContainerTerminalClose  = "container_terminal_close"

	TypeContainerLogsOpen   = "container_logs_open"
	TypeContainerLogsInput  = "container_logs_input"
	TypeContainerLogsResize = "container_logs_resize"
	TypeContainerLogsClose  = "container_logs_close"
)

// Command types understood by the agent executors.
const (
	CommandUpdateAgent  = "update_agent"
	CommandTerminalExec = "terminal_exec"

	CommandVMCreate = "vm_create"
	CommandVMStart  = "vm_start"
	CommandVMStop   = "vm_stop"
	CommandVMReboot = "vm_reboot"
	CommandVMDelete = "vm_delete"
	CommandVMSync   = "vm_sync"

	CommandContainerCreate  = "container_create"
	CommandContainerStart   = "container_start"
	CommandContainerStop    = "container_stop"
	CommandContainerRestart = "container_restart"
	CommandContainerDelete  = "container_delete"
	CommandContainerSync    = "container_sync"
)

// Command result statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusUpToDate  = "up_to_date"
	StatusUpdated   = "updated"
)

// Command is the master → agent envelope for a queued command. CommandID
// doubles as the operation id for store-backed commands; Spec carries the
// full creation payload for vm_create, VMSpec the minimal identity for
// follow-up lifecycle actions.
type Command struct {
	Type        string         `json:"type"`
	CommandType string         `json:"command_type"`
	CommandID   string         `json:"command_id"`
	OperationID string         `json:"operation_id,omitempty"`
	VMID        string         `json:"vm_id,omitempty"`
	DomainName  string         `json:"domain_name,omitempty"`
	Spec        map[string]any `json:"spec,omitempty"`
	VMSpec      map[string]any `json:"vm_spec,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// CommandResult is the agent → master report for a dispatched command.
// Over the websocket Type is "command_result"; over HTTP it is posted as the
// request body of /commands/result with the same field set.
type CommandResult struct {
	Type        string         `json:"type,omitempty"`
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	VMID        string         `json:"vm_id,omitempty"`
}

// UsageMetrics is the host resource snapshot inside a heartbeat. Percent
// fields are normalised by the master to [0,100]; byte counts to >= 0.
type UsageMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryUsedBytes   int64   `json:"memory_used_bytes"`
	MemoryTotalBytes  int64   `json:"memory_total_bytes"`
	StoragePercent    float64 `json:"storage_percent"`
	StorageUsedBytes  int64   `json:"storage_used_bytes"`
	StorageTotalBytes int64   `json:"storage_total_bytes"`
}

// HeartbeatExtra carries the optional substructures of a heartbeat.
type HeartbeatExtra struct {
	OS        map[string]any `json:"os,omitempty"`
	Arch      map[string]any `json:"arch,omitempty"`
	Hardware  map[string]any `json:"hardware,omitempty"`
	Usage     *UsageMetrics  `json:"usage,omitempty"`
	VM        map[string]any `json:"vm,omitempty"`
	Container map[string]any `json:"container,omitempty"`
	LocalIP   string         `json:"local_ip,omitempty"`
	GitCommit string         `json:"git_commit,omitempty"`
}

// Heartbeat is the liveness payload posted to /api/heartbeat and wrapped in
// {"type":"heartbeat","payload":...} on the websocket.
type Heartbeat struct {
	NodeID    string          `json:"node_id"`
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Hostname  string          `json:"hostname"`
	Extra     *HeartbeatExtra `json:"extra,omitempty"`
}

// LogEvent is a single agent log line streamed over the websocket.
type LogEvent struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// TerminalEvent covers every terminal-scoped frame in both directions:
// session control (open/input/resize/close) from the master and
// data/exit/error from the agent.
type TerminalEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Data        string `json:"data,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
	VMID        string `json:"vm_id,omitempty"`
	DomainName  string `json:"domain_name,omitempty"`
	RuntimeName string `json:"runtime_name,omitempty"`
	Tail        int    `json:"tail,omitempty"`
}
