// ABOUTME: Derives agent liveness from the mtime of each agent's ping file.
// ABOUTME: Never stores state; a missing ping file degrades one agent, not the batch.

// Package liveness reports whether agents are still pinging.
package liveness

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/smbctl/internal/share"
)

// DefaultTimeout is the window within which a ping counts as alive.
const DefaultTimeout = 20 * time.Second

// Status is one agent's liveness at the moment of the check.
type Status struct {
	Alive bool
	// LastSeenSecs is whole seconds since the last ping. Only meaningful when Known.
	LastSeenSecs int64
	Known        bool
	Err          error
}

// AgentLister supplies the agents of a project.
type AgentLister interface {
	Agents(project string) []string
}

// Monitor checks ping files under a share.
type Monitor struct {
	resolver *share.Resolver
	agents   AgentLister
	now      func() time.Time
	logger   *slog.Logger
}

// NewMonitor creates a Monitor. agents supplies the default agent set
// when CheckActive is called without explicit agents.
func NewMonitor(resolver *share.Resolver, agents AgentLister, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		resolver: resolver,
		agents:   agents,
		now:      time.Now,
		logger:   logger.With("component", "liveness"),
	}
}

// CheckActive returns the liveness of each agent in project. A nil agents
// slice means every agent the registry knows for project; a non-positive
// timeout means DefaultTimeout. An agent is alive when fewer than timeout
// whole seconds have passed since its ping.
func (m *Monitor) CheckActive(project string, agents []string, timeout time.Duration) map[string]Status {
	if agents == nil && m.agents != nil {
		agents = m.agents.Agents(project)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeoutSecs := int64(timeout / time.Second)
	now := m.now().Unix()

	out := make(map[string]Status, len(agents))
	for _, agent := range agents {
		path := m.resolver.Path(project, agent, share.RolePing)
		info, err := os.Stat(path)
		if err != nil {
			m.logger.Debug("ping unreadable", "project", project, "agent", agent, "error", err)
			out[agent] = Status{Err: fmt.Errorf("reading ping for %s: %w", agent, err)}
			continue
		}
		last := now - info.ModTime().Unix()
		out[agent] = Status{
			Alive:        timeoutSecs-last > 0,
			LastSeenSecs: last,
			Known:        true,
		}
	}
	return out
}
