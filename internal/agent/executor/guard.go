package executor

import "sync"

// Command families that may not overlap on one agent. A second command in
// the same family while one is in flight gets an immediate busy result.
const (
	familyUpdate    = "update"
	familyVM        = "vm"
	familyContainer = "container"
	familyTerminal  = "terminal_exec"
)

// busyMessages are the human-readable refusals per family.
var busyMessages = map[string]string{
	familyUpdate:    "Update already in progress",
	familyVM:        "Another VM command is already in progress",
	familyContainer: "Another container command is already in progress",
	familyTerminal:  "Another terminal command is already in progress",
}

// guard serializes command execution per family without blocking: callers
// either acquire immediately or learn the family is busy.
type guard struct {
	mu    sync.Mutex
	inUse map[string]bool
}

func newGuard() *guard {
	return &guard{inUse: make(map[string]bool)}
}

// acquire attempts to claim the family. Returns a release func on success,
// nil when the family is already busy.
func (g *guard) acquire(family string) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[family] {
		return nil
	}
	g.inUse[family] = true
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.inUse[family] = false
	}
}
