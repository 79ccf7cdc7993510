// ABOUTME: Interactive command loop over the session registry and the share
// ABOUTME: Prints broadcaster events asynchronously alongside command output

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/smbctl/internal/command"
	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/liveness"
	"github.com/2389/smbctl/internal/plugins"
	"github.com/2389/smbctl/internal/session"
	"github.com/2389/smbctl/internal/share"
	"github.com/2389/smbctl/internal/store"
)

// ErrExit is returned by a command that ends the loop.
var ErrExit = errors.New("exit")

// Sessions is the read side of the session registry.
type Sessions interface {
	Snapshot() session.Snapshot
	FindProject(agent string) (string, error)
	State(project, agent string) session.State
}

// Liveness reports ping freshness.
type Liveness interface {
	CheckActive(project string, agents []string, timeout time.Duration) map[string]liveness.Status
}

// Dispatcher writes commands to agents.
type Dispatcher interface {
	Exec(targets []string, cmd string) ([]command.Result, error)
	Pending(project, agent string, now time.Time) (command.PendingStatus, error)
}

// Plugins manages per-agent plugin directories.
type Plugins interface {
	List() ([]string, error)
	Sync(project, agent string, add, remove []string) ([]plugins.Entry, error)
}

// Ledger lists recorded protocol events.
type Ledger interface {
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*events.Event, error)
}

// Subscriber is the broadcaster's subscription side. Subscriptions end
// with their context.
type Subscriber interface {
	Subscribe(ctx context.Context, project string) (<-chan *events.Event, string)
}

// Params configures a Shell. Ledger and Events may be nil.
type Params struct {
	In         io.Reader
	Out        io.Writer
	Resolver   *share.Resolver
	Sessions   Sessions
	Liveness   Liveness
	Dispatcher Dispatcher
	Plugins    Plugins
	Ledger     Ledger
	Events     Subscriber
	Logger     *slog.Logger

	// Timeout is the liveness window used by a bare --active.
	Timeout time.Duration
	NoColor bool
}

// Shell is one operator session. Not safe for concurrent Run calls.
type Shell struct {
	in         io.Reader
	out        io.Writer
	outMu      sync.Mutex
	resolver   *share.Resolver
	sessions   Sessions
	liveness   Liveness
	dispatcher Dispatcher
	plugins    Plugins
	ledger     Ledger
	events     Subscriber
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time

	selected  *selection
	agentList []string // last listing, indexed by position
	commands  map[string]*Command
	order     []*Command

	palette palette
}

// palette holds the colors used for output.
type palette struct {
	project *color.Color
	agent   *color.Color
	body    *color.Color
	command *color.Color
	alive   *color.Color
	warn    *color.Color
	err     *color.Color
	ruler   *color.Color
	stale   *color.Color
	prompt  *color.Color
	dim     *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		project: color.New(color.FgBlue),
		agent:   color.New(color.FgGreen),
		body:    color.New(color.Bold),
		command: color.New(color.FgCyan, color.Bold),
		alive:   color.New(color.FgGreen, color.Bold),
		warn:    color.New(color.FgMagenta),
		err:     color.New(color.FgRed),
		ruler:   color.New(color.FgMagenta),
		stale:   color.New(color.FgYellow),
		prompt:  color.New(color.FgRed),
		dim:     color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.project, p.agent, p.body, p.command, p.alive, p.warn, p.err, p.ruler, p.stale, p.prompt, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

// New creates a Shell.
func New(p Params) *Shell {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = liveness.DefaultTimeout
	}
	s := &Shell{
		in:         p.In,
		out:        p.Out,
		resolver:   p.Resolver,
		sessions:   p.Sessions,
		liveness:   p.Liveness,
		dispatcher: p.Dispatcher,
		plugins:    p.Plugins,
		ledger:     p.Ledger,
		events:     p.Events,
		logger:     logger.With("component", "shell"),
		timeout:    timeout,
		now:        time.Now,
		selected:   newSelection(),
		palette:    newPalette(p.NoColor),
	}
	s.register(s.builtinCommands()...)
	return s
}

func (s *Shell) register(cmds ...*Command) {
	s.commands = make(map[string]*Command, len(cmds))
	s.order = cmds
	for _, c := range cmds {
		s.commands[c.Name] = c
		for _, alias := range c.Aliases {
			s.commands[alias] = c
		}
	}
}

// Run reads commands until exit, EOF, or ctx ends.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if s.events != nil {
		sub, _ := s.events.Subscribe(ctx, events.AllProjects)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.printEvents(ctx, sub)
		}()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024) // 1MB max input
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		s.printPrompt()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				s.println()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := s.Execute(ctx, line); errors.Is(err, ErrExit) {
				return nil
			}
		}
	}
}

// Execute runs one command line. Errors other than ErrExit are printed
// and also returned.
func (s *Shell) Execute(ctx context.Context, line string) (err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	cmd, ok := s.commands[name]
	if !ok {
		err = fmt.Errorf("unknown command %q (try help)", name)
		s.errorf("%v\n", err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", "command", name, "panic", r)
			err = fmt.Errorf("command %s panicked: %v", name, r)
			s.errorf("%v\n", err)
		}
	}()

	if err = cmd.run(ctx, s, rest); err != nil && !errors.Is(err, ErrExit) {
		s.errorf("%v\n", err)
	}
	return err
}

func (s *Shell) printPrompt() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.palette.prompt.Fprint(s.out, "smbctl")
	s.palette.body.Fprint(s.out, "> ")
}

// printf writes under the output lock.
func (s *Shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) println(args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, args...)
}

func (s *Shell) errorf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.palette.err.Fprintf(s.out, "[!] "+format, args...)
}

func (s *Shell) warnf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.palette.warn.Fprintf(s.out, format, args...)
}

// printEvents prints asynchronous protocol events until ctx ends.
func (s *Shell) printEvents(ctx context.Context, sub <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.printEvent(ev)
		}
	}
}

func (s *Shell) printEvent(ev *events.Event) {
	p := s.palette
	switch ev.Kind {
	case events.KindCheckedIn:
		host, mac := ev.Agent, ""
		if id, err := share.ParseAgentID(ev.Agent); err == nil {
			host, mac = id.Hostname, id.MAC
		}
		s.printf("\n[+] Agent \"%s\" (%s) just checked in for project \"%s\"\n",
			p.agent.Sprint(host), p.dim.Sprint(mac), p.project.Sprint(ev.Project))
	case events.KindCommandCompleted:
		label := ev.Project + "/" + ev.Agent
		s.printf("\n[<] Response from \"%s\":\n\n%s\n%s %s %s\n",
			p.project.Sprint(ev.Project)+"/"+p.agent.Sprint(ev.Agent),
			p.body.Sprint(ev.Text),
			strings.Repeat("^", 20), label, strings.Repeat("^", 20))
	case events.KindResponseMissing:
		s.warnf("\n[!] No response from %s/%s: %s\n", ev.Project, ev.Agent, ev.Text)
	case events.KindParseError:
		s.logger.Debug("ignored notification", "detail", ev.Text)
	}
}

// allAgents returns every registered agent id in project then agent order.
func (s *Shell) allAgents() []string {
	var out []string
	s.sessions.Snapshot().Each(func(_, agent string) {
		out = append(out, agent)
	})
	return out
}

// resolveAgent turns an index into the last listing, or an agent id,
// into a registered agent id.
func (s *Shell) resolveAgent(arg string) (string, error) {
	agent := arg
	if i, ok := parseIndex(arg); ok && i < len(s.agentList) {
		agent = s.agentList[i]
	}
	if _, err := s.sessions.FindProject(agent); err != nil {
		return "", fmt.Errorf("agent %q not found", agent)
	}
	return agent, nil
}

func parseIndex(arg string) (int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
