// ABOUTME: Writes command payloads into agents' exec files, fire-and-forget.
// ABOUTME: Isolates per-agent failures and aborts a batch only on permission errors.

package command

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/metrics"
	"github.com/2389/smbctl/internal/share"
)

// ErrNoAgentsSelected indicates an empty target set.
var ErrNoAgentsSelected = errors.New("no agents selected")

// PermissionError reports an exec file the controller may not overwrite.
type PermissionError struct {
	Path  string
	Share string
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("could not write to %q: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Remediation explains the usual cause and fix.
func (e *PermissionError) Remediation() string {
	return fmt.Sprintf(`Could not write to '%s'.

Usually happens because the SMB server (which creates the files) runs as "root"
to bind port 445/tcp. Run the following in a root shell and retry:
    chmod -R 777 "%s"`, e.Path, e.Share)
}

// Registry is the part of the session registry the command package needs.
type Registry interface {
	FindProject(agent string) (string, error)
	MarkPending(project, agent string) bool
	CancelPending(project, agent string) bool
	MarkCompleted(project, agent string) bool
}

// Publisher receives domain events.
type Publisher interface {
	Publish(event *events.Event)
}

// Result is the outcome of dispatching to one agent.
type Result struct {
	Project string
	Agent   string
	Path    string
	Err     error
}

// Dispatcher writes commands to exec files.
type Dispatcher struct {
	resolver  *share.Resolver
	registry  Registry
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// DispatcherParams configures a Dispatcher. Publisher and Metrics are optional.
type DispatcherParams struct {
	Resolver  *share.Resolver
	Registry  Registry
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p DispatcherParams) *Dispatcher {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver:  p.Resolver,
		registry:  p.Registry,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Exec writes cmd verbatim into the exec file of every agent in targets,
// in order. Agents without a project are reported in their Result and
// skipped. A permission failure stops the batch and is returned as a
// *PermissionError alongside the results gathered so far.
func (d *Dispatcher) Exec(targets []string, cmd string) ([]Result, error) {
	if len(targets) == 0 {
		return nil, ErrNoAgentsSelected
	}

	results := make([]Result, 0, len(targets))
	for _, agent := range targets {
		project, err := d.registry.FindProject(agent)
		if err != nil {
			d.logger.Warn("skipping agent", "agent", agent, "error", err)
			results = append(results, Result{Agent: agent, Err: err})
			continue
		}

		path := d.resolver.Path(project, agent, share.RoleExec)
		res := Result{Project: project, Agent: agent, Path: path}

		// The agent may consume the file as soon as it exists.
		d.registry.MarkPending(project, agent)
		if err := writeTruncated(path, cmd); err != nil {
			d.registry.CancelPending(project, agent)
			if errors.Is(err, fs.ErrPermission) {
				d.metrics.Permission()
				perr := &PermissionError{Path: path, Share: d.resolver.Root, Err: err}
				res.Err = perr
				results = append(results, res)
				d.logger.Error("dispatch aborted", "path", path, "error", err)
				return results, perr
			}
			res.Err = fmt.Errorf("writing exec file: %w", err)
			results = append(results, res)
			d.logger.Warn("dispatch failed", "project", project, "agent", agent, "error", err)
			continue
		}

		d.metrics.CommandSent(project)
		if d.publisher != nil {
			d.publisher.Publish(events.New(events.KindCommandSent, project, agent, cmd))
		}
		d.logger.Debug("command sent", "project", project, "agent", agent, "bytes", len(cmd))
		results = append(results, res)
	}
	return results, nil
}

// writeTruncated replaces the whole content of path with s.
func writeTruncated(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// PendingStatus describes an outstanding command.
type PendingStatus struct {
	Outstanding bool
	Age         time.Duration
}

// Pending reports whether agent still has an unconsumed exec file and how
// long it has been sitting there. Stale entries indicate a stuck command;
// nothing here retries or cancels it.
func (d *Dispatcher) Pending(project, agent string, now time.Time) (PendingStatus, error) {
	info, err := os.Stat(d.resolver.Path(project, agent, share.RoleExec))
	if errors.Is(err, fs.ErrNotExist) {
		return PendingStatus{}, nil
	}
	if err != nil {
		return PendingStatus{}, fmt.Errorf("checking exec file: %w", err)
	}
	return PendingStatus{Outstanding: true, Age: now.Sub(info.ModTime())}, nil
}
