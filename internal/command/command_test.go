// ABOUTME: Tests for command dispatch and response collection over the share layout
// ABOUTME: Covers truncation, per-agent isolation, permission aborts, history growth, and settling

package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/session"
	"github.com/2389/smbctl/internal/share"
)

const (
	agentX = "HOST1-AA:BB:CC:DD:EE:FF"
	agentY = "web-02-00:11:22:33:44:55"
)

type fixture struct {
	root      string
	resolver  *share.Resolver
	registry  *session.Registry
	broadcast *events.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, a := range []string{agentX, agentY} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "ProjectA", a), 0755))
	}
	reg, err := session.Scan(root, nil)
	require.NoError(t, err)
	return &fixture{
		root:      root,
		resolver:  share.NewResolver(root, reg),
		registry:  reg,
		broadcast: events.NewBroadcaster(nil),
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(DispatcherParams{Resolver: f.resolver, Registry: f.registry, Publisher: f.broadcast})
}

func (f *fixture) collector(noHistory bool) *Collector {
	c := NewCollector(CollectorParams{
		Resolver:    f.resolver,
		Registry:    f.registry,
		Publisher:   f.broadcast,
		NoHistory:   noHistory,
		SettleDelay: time.Millisecond,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func (f *fixture) path(agent string, role share.Role) string {
	return f.resolver.Path("ProjectA", agent, role)
}

func TestExec_WritesCommand(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := f.broadcast.Subscribe(ctx, "ProjectA")

	results, err := f.dispatcher().Exec([]string{agentX}, "whoami")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	data, err := os.ReadFile(f.path(agentX, share.RoleExec))
	require.NoError(t, err)
	assert.Equal(t, "whoami", string(data))
	assert.Equal(t, session.StateCommandPending, f.registry.State("ProjectA", agentX))

	ev := <-sub
	assert.Equal(t, events.KindCommandSent, ev.Kind)
	assert.Equal(t, "whoami", ev.Text)
}

func TestExec_TruncatesPreviousCommand(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()

	_, err := d.Exec([]string{agentX}, "dir C:\\Users\\Administrator\\Documents /s /b")
	require.NoError(t, err)
	_, err = d.Exec([]string{agentX}, "ver")
	require.NoError(t, err)

	data, err := os.ReadFile(f.path(agentX, share.RoleExec))
	require.NoError(t, err)
	assert.Equal(t, "ver", string(data), "no residual bytes from the longer command")
}

func TestExec_NoTargets(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher().Exec(nil, "whoami")
	assert.ErrorIs(t, err, ErrNoAgentsSelected)
}

func TestExec_UnknownAgentIsIsolated(t *testing.T) {
	f := newFixture(t)
	const ghost = "GHOST-00:00:00:00:00:01"

	results, err := f.dispatcher().Exec([]string{ghost, agentY}, "hostname")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, share.ErrProjectNotFound)
	assert.NoError(t, results[1].Err)

	data, err := os.ReadFile(f.path(agentY, share.RoleExec))
	require.NoError(t, err)
	assert.Equal(t, "hostname", string(data))
}

func TestExec_PermissionDeniedAbortsBatch(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	f := newFixture(t)
	locked := f.path(agentX, share.RoleExec)
	require.NoError(t, os.WriteFile(locked, []byte("old"), 0444))

	results, err := f.dispatcher().Exec([]string{agentX, agentY}, "whoami")

	var perr *PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, locked, perr.Path)
	assert.Contains(t, perr.Remediation(), f.root)
	assert.Len(t, results, 1, "remaining agents are not attempted")
	_, statErr := os.Stat(f.path(agentY, share.RoleExec))
	assert.True(t, os.IsNotExist(statErr))
}

// orderingRegistry notes whether the exec file already existed when the
// agent was marked pending.
type orderingRegistry struct {
	*session.Registry
	execPath        string
	existedAtMarked bool
}

func (r *orderingRegistry) MarkPending(project, agent string) bool {
	_, err := os.Stat(r.execPath)
	r.existedAtMarked = err == nil
	return r.Registry.MarkPending(project, agent)
}

func TestExec_MarksPendingBeforeWriting(t *testing.T) {
	f := newFixture(t)
	reg := &orderingRegistry{Registry: f.registry, execPath: f.path(agentX, share.RoleExec)}
	d := NewDispatcher(DispatcherParams{Resolver: f.resolver, Registry: reg})

	_, err := d.Exec([]string{agentX}, "whoami")
	require.NoError(t, err)
	assert.False(t, reg.existedAtMarked, "an agent could consume the command before it was marked pending")
	assert.Equal(t, session.StateCommandPending, f.registry.State("ProjectA", agentX))
}

func TestExec_WriteFailureCancelsPending(t *testing.T) {
	f := newFixture(t)
	// A directory in place of the exec file makes the open fail for any user.
	require.NoError(t, os.MkdirAll(f.path(agentX, share.RoleExec), 0755))

	results, err := f.dispatcher().Exec([]string{agentX, agentY}, "whoami")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, session.StateRegistered, f.registry.State("ProjectA", agentX))
	assert.Equal(t, session.StateCommandPending, f.registry.State("ProjectA", agentY))
}

func TestPermissionError_Remediation(t *testing.T) {
	perr := &PermissionError{Path: "/srv/share/P/a/exec.dat", Share: "/srv/share", Err: os.ErrPermission}
	assert.ErrorIs(t, perr, os.ErrPermission)
	assert.Contains(t, perr.Remediation(), `chmod -R 777 "/srv/share"`)
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()
	now := time.Now()

	st, err := d.Pending("ProjectA", agentX, now)
	require.NoError(t, err)
	assert.False(t, st.Outstanding)

	_, err = d.Exec([]string{agentX}, "whoami")
	require.NoError(t, err)
	old := now.Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(f.path(agentX, share.RoleExec), old, old))

	st, err = d.Pending("ProjectA", agentX, now)
	require.NoError(t, err)
	assert.True(t, st.Outstanding)
	assert.InDelta(t, (10 * time.Minute).Seconds(), st.Age.Seconds(), 1)
}

func TestCollect_ScenarioB(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()
	c := f.collector(false)
	hist := f.path(agentX, share.RoleHistory)

	_, err := d.Exec([]string{agentX}, "whoami")
	require.NoError(t, err)

	// Agent consumes the command and answers.
	require.NoError(t, os.Remove(f.path(agentX, share.RoleExec)))
	require.NoError(t, os.WriteFile(f.path(agentX, share.RoleOutput), []byte(`WIN\user`), 0644))

	resp, err := c.Collect("ProjectA", agentX)
	require.NoError(t, err)
	assert.Equal(t, `WIN\user`, resp.Text)
	assert.Equal(t, session.StateCommandCompleted, f.registry.State("ProjectA", agentX))

	first, err := os.ReadFile(hist)
	require.NoError(t, err)
	assert.Greater(t, len(first), len(`WIN\user`), "response plus timestamp footer")
	assert.True(t, strings.HasPrefix(string(first), `WIN\user`+"\n"))

	require.NoError(t, os.WriteFile(f.path(agentX, share.RoleOutput), []byte("Windows 10.0.19045"), 0644))
	_, err = c.Collect("ProjectA", agentX)
	require.NoError(t, err)

	second, err := os.ReadFile(hist)
	require.NoError(t, err)
	assert.Greater(t, len(second), len(first))
	assert.True(t, bytes.HasPrefix(second, first), "earlier history bytes are unchanged")
}

func TestCollect_NoHistory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.path(agentX, share.RoleOutput), []byte("ok"), 0644))

	resp, err := f.collector(true).Collect("ProjectA", agentX)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.HistoryBytes)
	_, statErr := os.Stat(f.path(agentX, share.RoleHistory))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCollect_MissingOutput(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := f.broadcast.Subscribe(ctx, events.AllProjects)

	_, err := f.collector(false).Collect("ProjectA", agentX)
	assert.ErrorIs(t, err, ErrResponseUnavailable)

	ev := <-sub
	assert.Equal(t, events.KindResponseMissing, ev.Kind)
}

func TestCollect_WaitsForTwoPhaseRename(t *testing.T) {
	f := newFixture(t)
	out := f.path(agentX, share.RoleOutput)
	require.NoError(t, os.WriteFile(out+TempSuffix, []byte("complete response"), 0644))

	c := f.collector(true)
	c.sleep = func(time.Duration) {
		if _, err := os.Stat(out + TempSuffix); err == nil {
			require.NoError(t, os.Rename(out+TempSuffix, out))
		}
	}

	resp, err := c.Collect("ProjectA", agentX)
	require.NoError(t, err)
	assert.Equal(t, "complete response", resp.Text)
}

func TestCollect_WaitsForGrowingFile(t *testing.T) {
	f := newFixture(t)
	out := f.path(agentX, share.RoleOutput)
	require.NoError(t, os.WriteFile(out, []byte("part"), 0644))

	c := f.collector(true)
	appended := false
	c.sleep = func(time.Duration) {
		if !appended {
			appended = true
			fh, err := os.OpenFile(out, os.O_APPEND|os.O_WRONLY, 0644)
			require.NoError(t, err)
			_, err = fh.WriteString("ial response")
			require.NoError(t, err)
			require.NoError(t, fh.Close())
		}
	}

	resp, err := c.Collect("ProjectA", agentX)
	require.NoError(t, err)
	assert.Equal(t, "partial response", resp.Text)
}
