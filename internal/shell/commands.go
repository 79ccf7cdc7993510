// ABOUTME: Built-in shell commands with per-invocation pflag parsing
// ABOUTME: agents, selected, role-file views, exec, plugins, history, events

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/2389/smbctl/internal/command"
	"github.com/2389/smbctl/internal/history"
	"github.com/2389/smbctl/internal/plugins"
	"github.com/2389/smbctl/internal/share"
	"github.com/2389/smbctl/internal/store"
)

// Command is one shell verb. Commands with a nil Flags constructor
// receive the rest of the line verbatim as their single argument.
type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Short   string
	Flags   func(s *Shell) *flag.FlagSet
	Exec    func(ctx context.Context, s *Shell, flags *flag.FlagSet, args []string) error
}

func (c *Command) run(ctx context.Context, s *Shell, rest string) error {
	if c.Flags == nil {
		return c.Exec(ctx, s, nil, []string{rest})
	}

	flags := c.Flags(s)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)
	help := flags.BoolP("help", "h", false, "Show help")

	if err := flags.Parse(strings.Fields(rest)); err != nil {
		return fmt.Errorf("%s: %w\nusage: %s", c.Name, err, c.Usage)
	}
	if *help {
		s.printf("usage: %s\n\n%s\n\n%s", c.Usage, c.Short, flags.FlagUsages())
		return nil
	}
	return c.Exec(ctx, s, flags, flags.Args())
}

func (s *Shell) builtinCommands() []*Command {
	return []*Command{
		{
			Name:  "agents",
			Usage: agentsUsage,
			Short: "List registered agents with their last heartbeat",
			Flags: func(s *Shell) *flag.FlagSet {
				flags := flag.NewFlagSet("agents", flag.ContinueOnError)
				flags.IntP("active", "a", 0, "Only agents that pinged within `SECS`")
				flags.Lookup("active").NoOptDefVal = strconv.Itoa(int(s.timeout / time.Second))
				flags.StringP("find", "f", "", "Only agents whose id contains `TEXT`")
				flags.BoolP("list", "l", false, "Show the last listing again")
				flags.BoolP("selected", "s", false, "List the selected agents")
				return flags
			},
			Exec: cmdAgents,
		},
		{
			Name:  "selected",
			Usage: "selected [AGENT...] [--add A,B] [--remove A,B] [--clear]",
			Short: "Change the set of agents that exec and friends act on",
			Flags: func(*Shell) *flag.FlagSet {
				flags := flag.NewFlagSet("selected", flag.ContinueOnError)
				flags.StringSliceP("add", "a", nil, "Select agents by index or id")
				flags.StringSliceP("remove", "r", nil, "Deselect agents by index or id")
				flags.BoolP("clear", "c", false, "Deselect all agents")
				return flags
			},
			Exec: cmdSelected,
		},
		roleFileCommand("checkin", share.RoleCheckIn, "Show the check-in time declared by the selected agents"),
		roleFileCommand("path", share.RolePath, "Show the writable UNC path declared by the selected agents"),
		roleFileCommand("sysinfo", share.RoleInfo, "Show system info declared by the selected agents"),
		{
			Name:  "status",
			Usage: "status",
			Short: "Show lifecycle state and outstanding commands of the selected agents",
			Flags: func(*Shell) *flag.FlagSet { return flag.NewFlagSet("status", flag.ContinueOnError) },
			Exec:  cmdStatus,
		},
		{
			Name:  "exec",
			Usage: "exec <cmd>",
			Short: "Send <cmd> to the selected agents",
			Exec: func(_ context.Context, s *Shell, _ *flag.FlagSet, args []string) error {
				if args[0] == "" {
					return errors.New("usage: exec <cmd>")
				}
				targets, ok := s.requireSelected()
				if !ok {
					return nil
				}
				s.dispatch(targets, args[0])
				return nil
			},
		},
		{
			Name:  "execall",
			Usage: "execall <cmd>",
			Short: "Send <cmd> to every registered agent",
			Exec: func(_ context.Context, s *Shell, _ *flag.FlagSet, args []string) error {
				if args[0] == "" {
					return errors.New("usage: execall <cmd>")
				}
				targets := s.allAgents()
				if len(targets) == 0 {
					s.warnf("No agents registered!\n")
					return nil
				}
				s.dispatch(targets, args[0])
				return nil
			},
		},
		{
			Name:  "plugins",
			Usage: "plugins [--list] [--add P,Q] [--remove P,Q]",
			Short: "Install or remove catalog plugins on the selected agents",
			Flags: func(*Shell) *flag.FlagSet {
				flags := flag.NewFlagSet("plugins", flag.ContinueOnError)
				flags.BoolP("list", "l", false, "List the plugin catalog")
				flags.StringSliceP("add", "a", nil, "Plugins to install")
				flags.StringSliceP("remove", "r", nil, "Plugins to remove")
				return flags
			},
			Exec: cmdPlugins,
		},
		{
			Name:  "history",
			Usage: "history [--html FILE]",
			Short: "Show the response transcript of the selected agents",
			Flags: func(*Shell) *flag.FlagSet {
				flags := flag.NewFlagSet("history", flag.ContinueOnError)
				flags.String("html", "", "Export the transcripts as HTML to `FILE`")
				return flags
			},
			Exec: cmdHistory,
		},
		{
			Name:  "events",
			Usage: "events [--limit N]",
			Short: "List recorded protocol events for the selected agents, or all",
			Flags: func(*Shell) *flag.FlagSet {
				flags := flag.NewFlagSet("events", flag.ContinueOnError)
				flags.IntP("limit", "n", 20, "Maximum events per agent")
				return flags
			},
			Exec: cmdEvents,
		},
		{
			Name:  "help",
			Usage: "help",
			Short: "List commands",
			Exec: func(_ context.Context, s *Shell, _ *flag.FlagSet, _ []string) error {
				s.outMu.Lock()
				defer s.outMu.Unlock()
				w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
				for _, c := range s.order {
					fmt.Fprintf(w, "  %s\t%s\n", c.Usage, c.Short)
				}
				return w.Flush()
			},
		},
		{
			Name:    "exit",
			Aliases: []string{"quit"},
			Usage:   "exit",
			Short:   "Leave the shell",
			Exec: func(context.Context, *Shell, *flag.FlagSet, []string) error {
				return ErrExit
			},
		},
	}
}

const agentsUsage = "agents [--active[=SECS]] [--find TEXT] [--list] [--selected]"

func cmdAgents(_ context.Context, s *Shell, flags *flag.FlagSet, args []string) error {
	active, _ := flags.GetInt("active")
	find, _ := flags.GetString("find")
	list, _ := flags.GetBool("list")
	selected, _ := flags.GetBool("selected")

	// "--active 30" leaves the window as a positional argument.
	if len(args) == 1 && flags.Changed("active") {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			return fmt.Errorf("agents: invalid --active window %q\nusage: %s", args[0], agentsUsage)
		}
		active, args = secs, nil
	}
	if len(args) > 0 {
		return fmt.Errorf("agents: unexpected argument %q\nusage: %s", args[0], agentsUsage)
	}

	if selected {
		s.agentList = s.selected.list()
		list = true
	}
	if list {
		s.printAgentList()
		return nil
	}

	timeout := s.timeout
	if active > 0 {
		timeout = time.Duration(active) * time.Second
	}

	s.agentList = nil
	snap := s.sessions.Snapshot()
	if len(snap) == 0 {
		s.warnf("No agents registered!\n")
		return nil
	}

	p := s.palette
	for _, project := range snap.Projects() {
		statuses := s.liveness.CheckActive(project, snap[project], timeout)
		s.printf("=== %s\n", p.project.Sprint(project))

		for _, agent := range snap[project] {
			if find != "" && !strings.Contains(strings.ToLower(agent), strings.ToLower(find)) {
				continue
			}
			st := statuses[agent]
			if active > 0 && !st.Alive {
				continue
			}

			idx := len(s.agentList)
			s.agentList = append(s.agentList, agent)
			switch {
			case !st.Known:
				s.printf("[?] %3d) %s (no heartbeat)\n", idx, p.agent.Sprint(agent))
			case st.Alive:
				s.printf("[%s] %3d) %s (%d secs ago)\n", p.alive.Sprint("X"), idx, p.agent.Sprint(agent), st.LastSeenSecs)
			default:
				s.printf("[ ] %3d) %s (%d secs ago)\n", idx, p.agent.Sprint(agent), st.LastSeenSecs)
			}
		}
	}
	return nil
}

func (s *Shell) printAgentList() {
	if len(s.agentList) == 0 {
		s.warnf("No agents listed!\n")
		return
	}
	for i, agent := range s.agentList {
		s.printf("%3d) %s\n", i, agent)
	}
}

func cmdSelected(_ context.Context, s *Shell, flags *flag.FlagSet, args []string) error {
	clearAll, _ := flags.GetBool("clear")
	add, _ := flags.GetStringSlice("add")
	remove, _ := flags.GetStringSlice("remove")
	add = append(add, args...)

	if clearAll {
		s.selected.clear()
		s.warnf("Selection cleared\n")
		return nil
	}

	// Resolve everything against the listing before it is replaced below.
	for _, arg := range add {
		agent, err := s.resolveAgent(arg)
		if err != nil {
			s.errorf("%v\n", err)
			continue
		}
		s.selected.add(agent)
	}
	for _, arg := range remove {
		agent, err := s.resolveAgent(arg)
		if err != nil {
			s.errorf("%v\n", err)
			continue
		}
		if !s.selected.remove(agent) {
			s.warnf("Agent %s not selected\n", agent)
		}
	}

	if s.selected.empty() {
		s.warnf("No agents selected!\n")
		return nil
	}
	s.agentList = s.selected.list()
	s.printAgentList()
	return nil
}

// requireSelected returns the selection, printing a notice when empty.
func (s *Shell) requireSelected() ([]string, bool) {
	if s.selected.empty() {
		s.warnf("No agents selected!\n")
		return nil, false
	}
	return s.selected.list(), true
}

func roleFileCommand(name string, role share.Role, short string) *Command {
	return &Command{
		Name:  name,
		Usage: name,
		Short: short,
		Flags: func(*Shell) *flag.FlagSet { return flag.NewFlagSet(name, flag.ContinueOnError) },
		Exec: func(_ context.Context, s *Shell, _ *flag.FlagSet, _ []string) error {
			targets, ok := s.requireSelected()
			if !ok {
				return nil
			}
			for _, agent := range targets {
				s.showRoleFile(agent, role)
			}
			return nil
		},
	}
}

func (s *Shell) showRoleFile(agent string, role share.Role) {
	path, err := s.resolver.Resolve(agent, "", role)
	if err != nil {
		s.errorf("%s: %v\n", agent, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.errorf("%s: reading %s: %v\n", agent, role, err)
		return
	}
	project, _ := s.sessions.FindProject(agent)

	p := s.palette
	s.printf("%s / %s\n%s\n%s\n",
		p.project.Sprint(project),
		p.agent.Sprint(agent),
		p.body.Sprint(strings.TrimRight(string(data), "\n")),
		p.ruler.Sprint(strings.Repeat("=", 20)))
}

func cmdStatus(_ context.Context, s *Shell, _ *flag.FlagSet, _ []string) error {
	targets, ok := s.requireSelected()
	if !ok {
		return nil
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE\tEXEC FILE")
	for _, agent := range targets {
		project, err := s.sessions.FindProject(agent)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\n", agent, err)
			continue
		}
		pending, err := s.dispatcher.Pending(project, agent, s.now())
		execCol := "consumed"
		switch {
		case err != nil:
			execCol = err.Error()
		case pending.Outstanding:
			execCol = "waiting " + pending.Age.Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%s/%s\t%s\t%s\n", project, agent, s.sessions.State(project, agent), execCol)
	}
	return w.Flush()
}

// dispatch sends text to targets and reports each outcome.
func (s *Shell) dispatch(targets []string, text string) {
	results, err := s.dispatcher.Exec(targets, text)
	if errors.Is(err, command.ErrNoAgentsSelected) {
		s.warnf("No agents selected!\n")
		return
	}

	p := s.palette
	var perr *command.PermissionError
	for _, res := range results {
		switch {
		case res.Err == nil:
			s.printf("[>] Sending \"%s\" to \"%s/%s\" ...\n",
				p.command.Sprint(text), p.project.Sprint(res.Project), p.agent.Sprint(res.Agent))
		case errors.As(res.Err, &perr):
		default:
			s.errorf("%s: %v\n", res.Agent, res.Err)
		}
	}
	if errors.As(err, &perr) {
		s.errorf("%s\n", perr.Remediation())
	}
}

func cmdPlugins(_ context.Context, s *Shell, flags *flag.FlagSet, _ []string) error {
	list, _ := flags.GetBool("list")
	add, _ := flags.GetStringSlice("add")
	remove, _ := flags.GetStringSlice("remove")

	if list {
		catalog, err := s.plugins.List()
		if err != nil {
			return fmt.Errorf("listing plugin catalog: %w", err)
		}
		s.printf("Plugins\n-------\n")
		for _, name := range catalog {
			s.printf("%s\n", name)
		}
		return nil
	}

	targets, ok := s.requireSelected()
	if !ok {
		return nil
	}

	p := s.palette
	for _, agent := range targets {
		project, err := s.sessions.FindProject(agent)
		if err != nil {
			s.errorf("%s: %v\n", agent, err)
			continue
		}
		entries, err := s.plugins.Sync(project, agent, add, remove)
		if err != nil {
			s.errorf("%s: %v\n", agent, err)
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s / %s\n\nPlugins\n-------\n", p.project.Sprint(project), p.agent.Sprint(agent))
		for _, e := range entries {
			switch e.State {
			case plugins.StateInstalled:
				b.WriteString(p.agent.Sprint(e.Name))
			case plugins.StateStale:
				b.WriteString(p.stale.Sprint(e.Name + " (stale)"))
			default:
				b.WriteString(e.Name)
			}
			b.WriteByte('\n')
		}
		s.printf("%s", b.String())
	}
	return nil
}

func cmdHistory(_ context.Context, s *Shell, flags *flag.FlagSet, _ []string) (err error) {
	htmlPath, _ := flags.GetString("html")

	targets, ok := s.requireSelected()
	if !ok {
		return nil
	}

	var out *os.File
	if htmlPath != "" {
		out, err = os.Create(htmlPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", htmlPath, err)
		}
		defer func() {
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}()
	}

	exported := 0
	for _, agent := range targets {
		project, err := s.sessions.FindProject(agent)
		if err != nil {
			s.errorf("%s: %v\n", agent, err)
			continue
		}
		entries, err := history.Read(s.resolver.Path(project, agent, share.RoleHistory))
		if err != nil {
			s.errorf("%s: %v\n", agent, err)
			continue
		}

		if out != nil {
			if err := history.ExportHTML(out, project, agent, entries); err != nil {
				return fmt.Errorf("exporting %s/%s: %w", project, agent, err)
			}
			exported++
			continue
		}
		if len(entries) == 0 {
			s.warnf("No history for %s/%s\n", project, agent)
			continue
		}
		s.printf("%s", history.Markdown(project, agent, entries))
	}

	if out != nil {
		s.printf("Wrote history of %d agent(s) to %s\n", exported, htmlPath)
	}
	return nil
}

func cmdEvents(ctx context.Context, s *Shell, flags *flag.FlagSet, _ []string) error {
	limit, _ := flags.GetInt("limit")

	if s.ledger == nil {
		s.warnf("Event ledger disabled (set database.path)\n")
		return nil
	}

	var filters []store.EventFilter
	for _, agent := range s.selected.list() {
		project, err := s.sessions.FindProject(agent)
		if err != nil {
			s.errorf("%s: %v\n", agent, err)
			continue
		}
		filters = append(filters, store.EventFilter{Project: project, Agent: agent, Limit: limit})
	}
	if s.selected.empty() {
		filters = append(filters, store.EventFilter{Limit: limit})
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tAGENT\tTEXT")
	for _, f := range filters {
		list, err := s.ledger.ListEvents(ctx, f)
		if err != nil {
			return fmt.Errorf("listing events: %w", err)
		}
		for _, ev := range list {
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\n",
				ev.Timestamp.Local().Format(time.DateTime), ev.Kind, ev.Project, ev.Agent, summarize(ev.Text, 60))
		}
	}
	return w.Flush()
}

// summarize returns the first line of text cut to n runes.
func summarize(text string, n int) string {
	line, _, more := strings.Cut(text, "\n")
	r := []rune(line)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	if more {
		return line + " …"
	}
	return line
}
