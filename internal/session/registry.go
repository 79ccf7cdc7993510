// ABOUTME: Project to agent registry built by a directory scan and mutated by check-ins.
// ABOUTME: Guards shared state with an RWMutex and hands out immutable snapshots.

package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/2389/smbctl/internal/share"
)

// State is an agent's position in the command lifecycle.
type State int

const (
	StateUnknown State = iota
	StateRegistered
	StateCommandPending
	StateCommandCompleted
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateCommandPending:
		return "command_pending"
	case StateCommandCompleted:
		return "command_completed"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable copy of the registry: project -> sorted agent ids.
type Snapshot map[string][]string

// Projects returns the project names in sorted order.
func (s Snapshot) Projects() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Each calls fn for every (project, agent) pair in sorted order.
func (s Snapshot) Each(fn func(project, agent string)) {
	for _, p := range s.Projects() {
		for _, a := range s[p] {
			fn(p, a)
		}
	}
}

// Registry maps projects to the agents that live under them.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]map[string]State
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		projects: make(map[string]map[string]State),
		logger:   logger.With("component", "registry"),
	}
}

// Scan lists the directories under root as projects and the directories
// under each project as agents. Plain files at either level are skipped.
// Role files are not inspected.
func Scan(root string, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading share root: %w", err)
	}

	for _, project := range entries {
		if !project.IsDir() {
			continue
		}
		agents, err := os.ReadDir(filepath.Join(root, project.Name()))
		if err != nil {
			r.logger.Warn("skipping unreadable project", "project", project.Name(), "error", err)
			continue
		}
		set := make(map[string]State)
		for _, agent := range agents {
			if !agent.IsDir() {
				continue
			}
			set[agent.Name()] = StateRegistered
		}
		r.projects[project.Name()] = set
	}

	r.logger.Info("share scanned",
		"root", root,
		"projects", len(r.projects),
		"agents", r.countLocked(),
	)
	return r, nil
}

// ApplyCheckIn registers agent under project, replacing every agent the
// project previously held.
func (r *Registry) ApplyCheckIn(project, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for a := range r.projects[project] {
		if a != agent {
			evicted++
		}
	}
	r.projects[project] = map[string]State{agent: StateRegistered}

	r.logger.Info("=== AGENT CHECKED IN ===",
		"project", project,
		"agent", agent,
		"evicted_siblings", evicted,
		"total_agents", r.countLocked(),
	)
}

// MarkPending records that a command was written for agent.
func (r *Registry) MarkPending(project, agent string) bool {
	return r.transition(project, agent, StateCommandPending)
}

// CancelPending returns agent to Registered when a command write failed.
// Agents in any other state are left alone.
func (r *Registry) CancelPending(project, agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.projects[project][agent] != StateCommandPending {
		return false
	}
	r.projects[project][agent] = StateRegistered
	r.logger.Debug("pending command cancelled", "project", project, "agent", agent)
	return true
}

// MarkCompleted records that agent consumed its command.
func (r *Registry) MarkCompleted(project, agent string) bool {
	return r.transition(project, agent, StateCommandCompleted)
}

func (r *Registry) transition(project, agent string, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents, ok := r.projects[project]
	if !ok {
		return false
	}
	from, ok := agents[agent]
	if !ok {
		return false
	}
	agents[agent] = to
	r.logger.Debug("agent state changed", "project", project, "agent", agent, "from", from, "to", to)
	return true
}

// State reports the lifecycle state of agent, StateUnknown if absent.
func (r *Registry) State(project, agent string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projects[project][agent]
}

// FindProject returns the first project, in sorted order, that holds agent.
func (r *Registry) FindProject(agent string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.projects))
	for p := range r.projects {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		if _, ok := r.projects[p][agent]; ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", share.ErrProjectNotFound, agent)
}

// Agents returns the sorted agent ids of project.
func (r *Registry) Agents(project string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.projects[project])
}

// Snapshot copies the current registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(Snapshot, len(r.projects))
	for p, agents := range r.projects {
		snap[p] = sortedKeys(agents)
	}
	return snap
}

func (r *Registry) countLocked() int {
	n := 0
	for _, agents := range r.projects {
		n += len(agents)
	}
	return n
}

func sortedKeys(m map[string]State) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
