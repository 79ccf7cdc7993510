// ABOUTME: Tests for ping-mtime liveness including the exclusive timeout boundary
// ABOUTME: and per-agent degradation when a ping file is missing

package liveness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/smbctl/internal/share"
)

const agentA = "HOST1-AA:BB:CC:DD:EE:FF"

type staticAgents map[string][]string

func (s staticAgents) Agents(project string) []string { return s[project] }

func setup(t *testing.T, agents ...string) (string, *Monitor, time.Time) {
	t.Helper()
	root := t.TempDir()
	for _, a := range agents {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "ProjectA", a), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "ProjectA", a, "ping.dat"), nil, 0644))
	}
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(share.NewResolver(root, nil), staticAgents{"ProjectA": agents}, nil)
	m.now = func() time.Time { return now }
	return root, m, now
}

func touch(t *testing.T, root, agent string, at time.Time) {
	t.Helper()
	p := filepath.Join(root, "ProjectA", agent, "ping.dat")
	require.NoError(t, os.Chtimes(p, at, at))
}

func TestCheckActive_ScenarioA(t *testing.T) {
	root, m, now := setup(t, agentA)

	touch(t, root, agentA, now.Add(-5*time.Second))
	got := m.CheckActive("ProjectA", nil, 20*time.Second)
	assert.Equal(t, Status{Alive: true, LastSeenSecs: 5, Known: true}, got[agentA])

	touch(t, root, agentA, now.Add(-25*time.Second))
	got = m.CheckActive("ProjectA", nil, 20*time.Second)
	assert.Equal(t, Status{Alive: false, LastSeenSecs: 25, Known: true}, got[agentA])
}

func TestCheckActive_Boundary(t *testing.T) {
	root, m, now := setup(t, agentA)

	cases := []struct {
		ago   time.Duration
		alive bool
	}{
		{0, true},
		{19 * time.Second, true},
		{20 * time.Second, false},
		{21 * time.Second, false},
	}
	for _, tc := range cases {
		touch(t, root, agentA, now.Add(-tc.ago))
		got := m.CheckActive("ProjectA", nil, 20*time.Second)[agentA]
		assert.Equal(t, tc.alive, got.Alive, "ago=%s", tc.ago)
		assert.Equal(t, int64(tc.ago/time.Second), got.LastSeenSecs)
	}
}

func TestCheckActive_DefaultTimeout(t *testing.T) {
	root, m, now := setup(t, agentA)
	touch(t, root, agentA, now.Add(-19*time.Second))
	assert.True(t, m.CheckActive("ProjectA", nil, 0)[agentA].Alive)
}

func TestCheckActive_MissingPingDegradesSingleAgent(t *testing.T) {
	const agentB = "web-02-00:11:22:33:44:55"
	root, m, now := setup(t, agentA)
	touch(t, root, agentA, now.Add(-3*time.Second))

	got := m.CheckActive("ProjectA", []string{agentB, agentA}, 20*time.Second)

	require.Len(t, got, 2)
	assert.False(t, got[agentB].Alive)
	assert.False(t, got[agentB].Known)
	assert.Error(t, got[agentB].Err)
	assert.True(t, got[agentA].Alive)
}

func TestCheckActive_ExplicitEmptyAgents(t *testing.T) {
	_, m, _ := setup(t, agentA)
	assert.Empty(t, m.CheckActive("ProjectA", []string{}, 20*time.Second))
}
