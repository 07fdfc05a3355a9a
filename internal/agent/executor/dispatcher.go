package executor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// Executor routes master commands to their implementations, enforcing the
// one-in-flight-per-family rule. Results are delivered through the emit
// callback so the same dispatcher serves both transports.
type Executor struct {
	guard  *guard
	logger *zap.Logger
}

func New(logger *zap.Logger) *Executor {
	return &Executor{
		guard:  newGuard(),
		logger: logger,
	}
}

// Dispatch executes one command and emits its result(s). A command whose
// family is already busy gets an immediate busy result and nothing runs.
// Long-running commands may emit a running progress result first.
func (e *Executor) Dispatch(ctx context.Context, cmd protocol.Command, emit func(protocol.CommandResult)) {
	family, ok := commandFamily(cmd.CommandType)
	if !ok {
		e.logger.Warn("Dropping command of unknown type",
			zap.String("command_type", cmd.CommandType),
			zap.String("command_id", cmd.CommandID))
		emit(e.result(cmd, protocol.StatusFailed, "Unknown command type "+cmd.CommandType, nil))
		return
	}

	release := e.guard.acquire(family)
	if release == nil {
		emit(e.result(cmd, protocol.StatusBusy, busyMessages[family], nil))
		return
	}
	defer release()

	e.logger.Info("Executing command",
		zap.String("command_type", cmd.CommandType),
		zap.String("command_id", cmd.CommandID))

	var status, message string
	var details map[string]any
	switch family {
	case familyUpdate:
		status, message, details = executeUpdateAgent(ctx, cmd)
	case familyVM:
		status, message, details = executeVMCommand(ctx, cmd)
	case familyContainer:
		status, message, details = executeContainerCommand(ctx, cmd)
	case familyTerminal:
		emit(e.result(cmd, protocol.StatusRunning, "Command started", nil))
		status, message, details = executeTerminalExec(ctx, cmd)
	}

	e.logger.Info("Command finished",
		zap.String("command_type", cmd.CommandType),
		zap.String("command_id", cmd.CommandID),
		zap.String("status", status))
	emit(e.result(cmd, status, message, details))
}

func (e *Executor) result(cmd protocol.Command, status, message string, details map[string]any) protocol.CommandResult {
	return protocol.CommandResult{
		Type:        protocol.TypeCommandResult,
		CommandID:   cmd.CommandID,
		CommandType: cmd.CommandType,
		Status:      status,
		Message:     message,
		Details:     details,
		OperationID: cmd.OperationID,
		VMID:        cmd.VMID,
	}
}

func commandFamily(commandType string) (string, bool) {
	switch {
	case commandType == protocol.CommandUpdateAgent:
		return familyUpdate, true
	case commandType == protocol.CommandTerminalExec:
		return familyTerminal, true
	case strings.HasPrefix(commandType, "vm_"):
		return familyVM, true
	case strings.HasPrefix(commandType, "container_"):
		return familyContainer, true
	default:
		return "", false
	}
}
