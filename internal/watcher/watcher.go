// ABOUTME: Long-lived notification loop over the share root using fsnotify plus a poll safety net.
// ABOUTME: Applies check-ins to the registry and hands completions to the response collector.

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/smbctl/internal/command"
	"github.com/2389/smbctl/internal/dedupe"
	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/metrics"
	"github.com/2389/smbctl/internal/session"
	"github.com/2389/smbctl/internal/share"
)

const (
	defaultDedupeWindow = 2 * time.Second
	// fallbackPollInterval applies when fsnotify is unavailable and no interval is configured.
	fallbackPollInterval = 2 * time.Second
	dedupeCapacity       = 4096
	// agentDepth is the number of path segments from the root to an agent directory.
	agentDepth = 2
)

// Registry is the part of the session registry the watcher drives.
type Registry interface {
	ApplyCheckIn(project, agent string)
	Snapshot() session.Snapshot
	State(project, agent string) session.State
}

// Collector reads responses on completion.
type Collector interface {
	Collect(project, agent string) (*command.Response, error)
}

// Params configures a Watcher. Publisher, Metrics and Logger are optional.
type Params struct {
	Root         string
	Registry     Registry
	Collector    Collector
	Publisher    command.Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	PollInterval time.Duration // zero disables the poll while fsnotify works
	DedupeWindow time.Duration
}

// Watcher classifies notifications and invokes the protocol transitions.
type Watcher struct {
	root         string
	registry     Registry
	collector    Collector
	publisher    command.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	seen         *dedupe.Cache

	// known holds the protocol files last observed present. Touched only by the Run goroutine.
	known map[string]bool
	// missingExec holds exec files of pending agents found absent by the last poll.
	missingExec map[string]bool
}

// New creates a Watcher.
func New(p Params) *Watcher {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := p.DedupeWindow
	if window <= 0 {
		window = defaultDedupeWindow
	}
	return &Watcher{
		root:         filepath.Clean(p.Root),
		registry:     p.Registry,
		collector:    p.Collector,
		publisher:    p.Publisher,
		metrics:      p.Metrics,
		logger:       logger.With("component", "watcher"),
		pollInterval: p.PollInterval,
		seen:         dedupe.New(window, dedupeCapacity),
		known:        make(map[string]bool),
		missingExec:  make(map[string]bool),
	}
}

// Run processes notifications until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.seen.Close()

	if _, err := w.protocolFiles(); err != nil {
		return fmt.Errorf("reading share root: %w", err)
	}
	unregistered := w.baseline()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		w.replayCheckIns(unregistered)
		w.pollLoop(ctx)
		return nil
	}
	defer func() { _ = fsw.Close() }()

	checkins, err := w.addTree(fsw, w.root)
	if err != nil {
		w.logger.Warn("watch setup failed, polling only", "error", err)
		w.replayCheckIns(unregistered)
		w.pollLoop(ctx)
		return nil
	}
	// Check-ins written after the registry scan but before the watches were armed.
	w.replayCheckIns(checkins)

	var pollC <-chan time.Time
	if w.pollInterval > 0 {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	w.logger.Info("watching share", "root", w.root, "poll_interval", w.pollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.onFSEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-pollC:
			w.poll()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	interval := w.pollInterval
	if interval <= 0 {
		interval = fallbackPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("polling share", "root", w.root, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) onFSEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files created before the watch was added would be missed; replay existing check-ins.
			checkins, err := w.addTree(fsw, ev.Name)
			if err != nil {
				w.logger.Warn("adding watch", "path", ev.Name, "error", err)
			}
			for _, p := range checkins {
				w.Handle(Notification{Op: OpCreate, Path: p})
			}
			return
		}
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.Handle(Notification{Op: OpCreate, Path: ev.Name})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.Handle(Notification{Op: OpRemove, Path: ev.Name})
	}
}

// Handle classifies one notification and runs the matching transition.
// Panics from downstream handlers are recovered and logged so the loop survives.
func (w *Watcher) Handle(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("notification handler panicked", "op", n.Op, "path", n.Path, "panic", r)
		}
	}()

	if isProtocolFile(n.Path) {
		w.known[n.Path] = n.Op == OpCreate
		w.seen.Forget(n.opposite().key())
	}

	t, ok, err := Classify(w.root, n)
	if err != nil {
		w.metrics.ParseError()
		w.publish(events.KindParseError, "", "", err.Error())
		w.logger.Warn("discarding malformed notification", "op", n.Op, "path", n.Path, "error", err)
		return
	}
	if !ok {
		return
	}
	if w.seen.Seen(n.key()) {
		w.metrics.Duplicate()
		w.logger.Debug("duplicate notification", "op", n.Op, "path", n.Path)
		return
	}

	switch t.Kind {
	case TransitionCheckIn:
		w.checkIn(t)
	case TransitionCompletion:
		w.complete(t)
	}
}

func (w *Watcher) checkIn(t Transition) {
	id, _ := share.ParseAgentID(t.Agent)
	w.registry.ApplyCheckIn(t.Project, t.Agent)
	w.metrics.CheckIn(t.Project)
	w.publish(events.KindCheckedIn, t.Project, t.Agent, "")
	w.logger.Info("agent checked in", "project", t.Project, "hostname", id.Hostname, "mac", id.MAC)
}

func (w *Watcher) complete(t Transition) {
	if _, err := w.collector.Collect(t.Project, t.Agent); err != nil {
		// Collector already logged and published the failure.
		w.logger.Debug("collection failed", "project", t.Project, "agent", t.Agent, "error", err)
	}
}

func (w *Watcher) publish(kind events.Kind, project, agent, text string) {
	if w.publisher != nil {
		w.publisher.Publish(events.New(kind, project, agent, text))
	}
}

// addTree watches dir and its descendants down to agent depth. It returns
// the check-in files already present in any agent directory it added.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) ([]string, error) {
	var checkins []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		depth := w.depth(path)
		if depth < 0 || depth > agentDepth {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		if depth == agentDepth {
			p := filepath.Join(path, string(share.RoleCheckIn))
			if _, err := os.Stat(p); err == nil {
				checkins = append(checkins, p)
			}
			return filepath.SkipDir
		}
		return nil
	})
	return checkins, err
}

// depth counts path segments between the root and path, -1 if outside.
func (w *Watcher) depth(path string) int {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return -1
	}
	if rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

func isProtocolFile(path string) bool {
	base := share.Role(filepath.Base(path))
	return base == share.RoleCheckIn || base == share.RoleExec
}

// protocolFiles globs the check-in and exec files at agent depth.
func (w *Watcher) protocolFiles() (map[string]bool, error) {
	if _, err := os.Stat(w.root); err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for _, role := range []share.Role{share.RoleCheckIn, share.RoleExec} {
		matches, err := filepath.Glob(filepath.Join(globEscape(w.root), "*", "*", string(role)))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			found[m] = true
		}
	}
	return found, nil
}

// baseline records the protocol files present at startup as known. Check-in
// files of agents the registry does not hold stay unknown and are returned
// in sorted order.
func (w *Watcher) baseline() []string {
	files, err := w.protocolFiles()
	if err != nil {
		return nil
	}
	var unregistered []string
	for p := range files {
		if w.unregisteredCheckIn(p) {
			unregistered = append(unregistered, p)
			continue
		}
		w.known[p] = true
	}
	sort.Strings(unregistered)
	return unregistered
}

// replayCheckIns handles a create for each check-in file whose agent is
// still missing from the registry.
func (w *Watcher) replayCheckIns(paths []string) {
	for _, p := range paths {
		if w.unregisteredCheckIn(p) {
			w.Handle(Notification{Op: OpCreate, Path: p})
		}
	}
}

func (w *Watcher) unregisteredCheckIn(path string) bool {
	if share.Role(filepath.Base(path)) != share.RoleCheckIn {
		return false
	}
	dir := filepath.Dir(path)
	return w.registry.State(filepath.Base(filepath.Dir(dir)), filepath.Base(dir)) == session.StateUnknown
}

// poll synthesizes notifications for protocol files whose presence changed
// since the watcher last saw them, and for pending commands whose exec file
// is already gone.
func (w *Watcher) poll() {
	current, err := w.protocolFiles()
	if err != nil {
		w.logger.Warn("poll failed", "error", err)
		return
	}

	for p := range current {
		if !w.known[p] {
			w.Handle(Notification{Op: OpCreate, Path: p})
		}
	}
	for p, present := range w.known {
		if present && !current[p] {
			w.Handle(Notification{Op: OpRemove, Path: p})
		}
	}

	// A command written and consumed between two polls never shows up in the
	// glob diff; the registry still has it pending. Dispatch marks an agent
	// pending before writing, so the file must be absent on two polls in a row.
	missing := make(map[string]bool)
	w.registry.Snapshot().Each(func(project, agent string) {
		if w.registry.State(project, agent) != session.StateCommandPending {
			return
		}
		p := filepath.Join(w.root, project, agent, string(share.RoleExec))
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			return
		}
		if !w.missingExec[p] {
			missing[p] = true
			return
		}
		n := Notification{Op: OpRemove, Path: p}
		// Pending state proves a new command, so an earlier removal must not suppress this one.
		w.seen.Forget(n.key())
		w.Handle(n)
	})
	w.missingExec = missing
}

// globEscape quotes glob metacharacters in a literal path prefix.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			if r == '\\' && filepath.Separator == '\\' {
				b.WriteRune(r)
				continue
			}
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
