// Package store is the single owner of the master's durable state. Every
// mutating operation runs as one transaction and returns a tagged Outcome
// plus a payload; no panics and no raw database errors cross the boundary to
// handlers. Commands ready for dispatch to an agent are built here, inside
// the same transaction that records the state transition.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/protocol"
)

// Outcome tags the result of a store operation. Handlers map outcomes to
// HTTP status codes; the zero value is never returned.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomePaired             Outcome = "paired"
	OutcomeInvalidCode        Outcome = "invalid_code"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeAlreadyPaired      Outcome = "already_paired"
	OutcomeNodeNotPaired      Outcome = "node_not_paired"
	OutcomeCapabilityNotReady Outcome = "capability_not_ready"
	OutcomeImageNotFound      Outcome = "image_not_found"
	OutcomeInvalidPayload     Outcome = "invalid_payload"
	OutcomeConflict           Outcome = "conflict"
	OutcomeInvalidState       Outcome = "invalid_state"
	OutcomeVMNotFound         Outcome = "vm_not_found"
	OutcomeMissingToken       Outcome = "missing_token"
	OutcomeInvalidToken       Outcome = "invalid_token"
	OutcomeNodeMismatch       Outcome = "node_mismatch"
)

// PairCodeRegex validates the 6-char pairing code.
var PairCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// RedactedPassword replaces guest passwords in persisted operation requests.
const RedactedPassword = "***redacted***"

// Store wraps the database with the transactional domain operations.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Store.
func New(database *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger.Named("store"),
	}
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// CreateNode inserts a pending node. When name is empty a unique friendly
// name is generated; an explicit name that collides gets a -N suffix the
// same way. The pair code retries on collision up to a bounded attempt
// count.
func (s *Store) CreateNode(ctx context.Context, name string) (*db.Node, error) {
	var node *db.Node

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		finalName, err := s.uniqueNodeName(tx, name)
		if err != nil {
			return err
		}

		code, err := s.uniquePairCode(tx)
		if err != nil {
			return err
		}

		node = &db.Node{
			Name:     finalName,
			PairCode: code,
			State:    db.NodeStatePending,
		}
		if err := tx.Create(node).Error; err != nil {
			return fmt.Errorf("store: create node: %w", err)
		}

		return s.appendLogTx(tx, node.ID, "info", "Node created and waiting for pairing", map[string]any{
			"pair_code": code,
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// PairResult is the payload returned to a successfully pairing agent.
type PairResult struct {
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	PairToken string `json:"pair_token"`
	State     string `json:"state"`
}

// PairNode transitions a pending node to paired, generating its pair token
// exactly once. agentInfo is the system snapshot presented by the agent;
// hostname is recorded for later X-Agent-Hostname checks.
func (s *Store) PairNode(ctx context.Context, code string, hostname string, agentInfo map[string]any) (Outcome, *PairResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !PairCodeRegex.MatchString(code) {
		return OutcomeInvalidCode, nil, nil
	}

	var (
		outcome Outcome
		result  *PairResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node db.Node
		if err := tx.First(&node, "pair_code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = OutcomeNotFound
				return nil
			}
			return fmt.Errorf("store: pair lookup: %w", err)
		}

		if node.State == db.NodeStatePaired {
			outcome = OutcomeAlreadyPaired
			return nil
		}

		token, err := s.uniquePairToken(tx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		infoJSON := marshalOrEmpty(agentInfo)

		updates := map[string]any{
			"state":          db.NodeStatePaired,
			"pair_token":     token,
			"paired_at":      now,
			"agent_hostname": hostname,
			"agent_info":     infoJSON,
		}
		if err := tx.Model(&db.Node{}).Where("id = ?", node.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("store: pair update: %w", err)
		}

		if err := s.appendLogTx(tx, node.ID, "info", "Node paired with agent", map[string]any{
			"hostname": hostname,
		}); err != nil {
			return err
		}

		outcome = OutcomePaired
		result = &PairResult{
			NodeID:    node.ID.String(),
			NodeName:  node.Name,
			PairToken: token,
			State:     db.NodeStatePaired,
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, result, nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id uuid.UUID) (*db.Node, error) {
	var node db.Node
	if err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return &node, nil
}

// GetNodeByToken resolves a node from its pair token. Used by agent-scoped
// endpoint authentication.
func (s *Store) GetNodeByToken(ctx context.Context, token string) (*db.Node, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var node db.Node
	if err := s.db.WithContext(ctx).First(&node, "pair_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get node by token: %w", err)
	}
	return &node, nil
}

// ListNodes returns all nodes ordered by creation time.
func (s *Store) ListNodes(ctx context.Context) ([]db.Node, error) {
	var nodes []db.Node
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}

// RenameNode updates the display name of a node.
func (s *Store) RenameNode(ctx context.Context, id uuid.UUID, name string) (*db.Node, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}

	var node *db.Node
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n db.Node
		if err := tx.First(&n, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: rename lookup: %w", err)
		}
		if err := tx.Model(&n).Update("name", name).Error; err != nil {
			return fmt.Errorf("store: rename: %w", err)
		}
		n.Name = name
		node = &n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteNode removes a node and, via foreign keys, its logs, VMs and
// operations. Deleting is the only way to revoke a pair token.
func (s *Store) DeleteNode(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&db.Node{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("store: delete node: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// SQLite only enforces FK cascades with a pragma; delete children
		// explicitly so behaviour is identical on both drivers.
		if err := tx.Delete(&db.NodeLog{}, "node_id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete node logs: %w", err)
		}
		if err := tx.Delete(&db.NodeVM{}, "node_id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete node vms: %w", err)
		}
		if err := tx.Delete(&db.VMOperation{}, "node_id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete node operations: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Heartbeats
// -----------------------------------------------------------------------------

// RecordHeartbeat validates the bearer token, stamps last_heartbeat_at, and
// merges the optional extras: normalised usage metrics, agent commit and
// capabilities are only overwritten when present in the payload.
func (s *Store) RecordHeartbeat(ctx context.Context, token string, hb protocol.Heartbeat) (Outcome, *db.Node, error) {
	if strings.TrimSpace(token) == "" {
		return OutcomeMissingToken, nil, nil
	}

	var (
		outcome Outcome
		node    *db.Node
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n db.Node
		if err := tx.First(&n, "pair_token = ?", token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = OutcomeInvalidToken
				return nil
			}
			return fmt.Errorf("store: heartbeat lookup: %w", err)
		}

		if hb.NodeID != "" && hb.NodeID != n.ID.String() {
			outcome = OutcomeNodeMismatch
			return nil
		}

		at := time.Now().UTC()
		if hb.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, hb.Timestamp); err == nil {
				at = parsed.UTC()
			}
		}

		updates := map[string]any{"last_heartbeat_at": at}

		if hb.Extra != nil {
			if hb.Extra.Usage != nil {
				updates["metrics"] = marshalOrEmpty(normalizeUsage(*hb.Extra.Usage, hb.Extra.LocalIP))
			}
			if hb.Extra.GitCommit != "" {
				updates["agent_commit"] = hb.Extra.GitCommit
			}
			if hb.Extra.VM != nil || hb.Extra.Container != nil {
				updates["capabilities"] = marshalOrEmpty(map[string]any{
					"vm":        hb.Extra.VM,
					"container": hb.Extra.Container,
				})
			}
		}

		if err := tx.Model(&db.Node{}).Where("id = ?", n.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("store: heartbeat update: %w", err)
		}

		message := "Heartbeat received"
		if hb.Status != "" {
			message = "Heartbeat " + hb.Status
		}
		if err := s.appendLogTx(tx, n.ID, "debug", message, nil); err != nil {
			return err
		}

		outcome = OutcomeOK
		node = &n
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, node, nil
}

// normalizeUsage bounds the reported metrics: percents are clamped to
// [0,100] and rounded to 2 decimals, byte counts are floored at 0. The
// result map carries an updated_at stamp for the UI.
func normalizeUsage(u protocol.UsageMetrics, localIP string) map[string]any {
	m := map[string]any{
		"cpu_percent":         clampPercent(u.CPUPercent),
		"memory_percent":      clampPercent(u.MemoryPercent),
		"memory_used_bytes":   clampBytes(u.MemoryUsedBytes),
		"memory_total_bytes":  clampBytes(u.MemoryTotalBytes),
		"storage_percent":     clampPercent(u.StoragePercent),
		"storage_used_bytes":  clampBytes(u.StorageUsedBytes),
		"storage_total_bytes": clampBytes(u.StorageTotalBytes),
		"updated_at":          time.Now().UTC().Format(time.RFC3339),
	}
	if localIP != "" {
		m["local_ip"] = localIP
	}
	return m
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*100) / 100
}

func clampBytes(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// -----------------------------------------------------------------------------
// Logs
// -----------------------------------------------------------------------------

// AppendLog adds one log entry for a node. Empty messages are dropped and
// unknown levels are lowered to "info".
func (s *Store) AppendLog(ctx context.Context, nodeID uuid.UUID, level, message string, meta map[string]any) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.appendLogTx(tx, nodeID, level, message, meta)
	})
}

func (s *Store) appendLogTx(tx *gorm.DB, nodeID uuid.UUID, level, message string, meta map[string]any) error {
	entry := db.NodeLog{
		NodeID:    nodeID,
		CreatedAt: time.Now().UTC(),
		Level:     normalizeLogLevel(level),
		Message:   message,
		Meta:      marshalOrEmpty(meta),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

// normalizeLogLevel lowers unknown levels to "info".
func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warning", "warn":
		return "warning"
	case "error":
		return "error"
	default:
		return "info"
	}
}

// ListNodeLogs returns log entries for a node in ascending id order. With
// sinceID > 0 it returns entries with id strictly greater; without it, the
// most recent limit entries (still ascending, so callers always observe
// chronological order). limit is clamped to [1,500], defaulting to 200.
func (s *Store) ListNodeLogs(ctx context.Context, nodeID uuid.UUID, limit int, sinceID int64) ([]db.NodeLog, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}

	var entries []db.NodeLog

	if sinceID > 0 {
		err := s.db.WithContext(ctx).
			Where("node_id = ? AND id > ?", nodeID, sinceID).
			Order("id ASC").
			Limit(limit).
			Find(&entries).Error
		if err != nil {
			return nil, fmt.Errorf("store: list logs: %w", err)
		}
		return entries, nil
	}

	err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

func (s *Store) uniqueNodeName(tx *gorm.DB, requested string) (string, error) {
	base := strings.TrimSpace(requested)
	if base == "" {
		generated, err := randomFriendlyName()
		if err != nil {
			return "", err
		}
		base = generated
	}

	candidate := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&db.Node{}).Where("name = ?", candidate).Count(&count).Error; err != nil {
			return "", fmt.Errorf("store: name check: %w", err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func (s *Store) uniquePairCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < generateAttempts; attempt++ {
		code, err := randomPairCode()
		if err != nil {
			return "", err
		}
		var count int64
		if err := tx.Model(&db.Node{}).Where("pair_code = ?", code).Count(&count).Error; err != nil {
			return "", fmt.Errorf("store: pair code check: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", errors.New("store: exhausted pair code attempts")
}

func (s *Store) uniquePairToken(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < generateAttempts; attempt++ {
		token, err := randomPairToken()
		if err != nil {
			return "", err
		}
		var count int64
		if err := tx.Model(&db.Node{}).Where("pair_token = ?", token).Count(&count).Error; err != nil {
			return "", fmt.Errorf("store: pair token check: %w", err)
		}
		if count == 0 {
			return token, nil
		}
	}
	return "", errors.New("store: exhausted pair token attempts")
}

// marshalOrEmpty serialises m, falling back to "{}" so TEXT columns with
// JSON content never hold invalid payloads.
func marshalOrEmpty(m any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
