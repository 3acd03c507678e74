package agent

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// notFoundPattern matches the spawn failure signatures that mean the agent
// CLI is simply not installed.
var notFoundPattern = regexp.MustCompile(`(?i)ENOENT|command not found|executable file not found|no such file or directory`)

// Status is one agent CLI's last known availability.
type Status struct {
	Available   bool      `json:"available"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Availability is the shared registry of agent CLI availability, updated
// by adapters on spawn success or failure.
type Availability struct {
	mu      sync.Mutex
	entries map[Kind]Status
}

func NewAvailability() *Availability {
	return &Availability{entries: make(map[Kind]Status)}
}

// Get returns the recorded status and whether one exists.
func (a *Availability) Get(kind Kind) (Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.entries[kind]
	return st, ok
}

// MarkAvailable records a successful spawn.
func (a *Availability) MarkAvailable(kind Kind) {
	a.mu.Lock()
	a.entries[kind] = Status{Available: true, LastChecked: time.Now()}
	a.mu.Unlock()
}

// MarkUnavailable records a failed spawn with its user-facing error.
func (a *Availability) MarkUnavailable(kind Kind, err error) {
	a.mu.Lock()
	a.entries[kind] = Status{Available: false, Error: err.Error(), LastChecked: time.Now()}
	a.mu.Unlock()
}

// WrapSpawnError rewrites not-found spawn failures into a friendly
// "<Agent> CLI not found" error and records the outcome in the registry.
// Other spawn errors pass through unchanged.
func (a *Availability) WrapSpawnError(kind Kind, err error) error {
	if err == nil {
		a.MarkAvailable(kind)
		return nil
	}
	if notFoundPattern.MatchString(err.Error()) {
		err = fmt.Errorf("%s CLI not found", kind.DisplayName())
	}
	a.MarkUnavailable(kind, err)
	return err
}
