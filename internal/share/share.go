// ABOUTME: Role-file names, agent identifier parsing, and canonical path resolution
// ABOUTME: for the shared-folder directory tree.

package share

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// Role names a file bound to an agent directory.
type Role string

const (
	RoleExec      Role = "exec.dat"
	RoleOutput    Role = "output.dat"
	RolePing      Role = "ping.dat"
	RoleInfo      Role = "info.dat"
	RoleCheckIn   Role = "checkin.dat"
	RolePath      Role = "path.dat"
	RoleHistory   Role = "hist.dat"
	RolePluginDir Role = "plugins"
)

// MACLength is the width of the colon-hex MAC suffix of an agent id.
const MACLength = len("XX:XX:XX:XX:XX:XX")

// ErrProjectNotFound indicates an agent id that no known project owns.
var ErrProjectNotFound = errors.New("project not found for agent")

// ErrMalformedPath is matched by every ParseError.
var ErrMalformedPath = errors.New("malformed share path")

// ParseError reports a path or agent id that does not fit the layout.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedPath) true for any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedPath
}

// AgentID is the parsed form of "<hostname>-<MAC>".
type AgentID struct {
	Hostname string
	MAC      string
}

// String reassembles the directory name.
func (a AgentID) String() string {
	return a.Hostname + "-" + a.MAC
}

// ParseAgentID splits an agent directory name on its fixed 17-character MAC suffix.
func ParseAgentID(id string) (AgentID, error) {
	if len(id) < MACLength+2 {
		return AgentID{}, &ParseError{Path: id, Reason: fmt.Sprintf("agent id shorter than %d characters", MACLength+2)}
	}
	sep := len(id) - MACLength - 1
	if id[sep] != '-' {
		return AgentID{}, &ParseError{Path: id, Reason: "missing hyphen before MAC suffix"}
	}
	mac := id[sep+1:]
	if !isColonMAC(mac) {
		return AgentID{}, &ParseError{Path: id, Reason: fmt.Sprintf("invalid MAC suffix %q", mac)}
	}
	return AgentID{Hostname: id[:sep], MAC: mac}, nil
}

func isColonMAC(s string) bool {
	for i := 2; i < len(s); i += 3 {
		if s[i] != ':' {
			return false
		}
	}
	_, err := net.ParseMAC(s)
	return err == nil
}

// EventPath is a role-file path relative to the share root.
type EventPath struct {
	Project string
	Agent   string
	Role    Role
}

// ParseEventPath derives (project, agent, role) from an absolute file path
// under root. The path must sit exactly at <root>/<project>/<agent>/<file>
// and the agent segment must be a valid agent id.
func ParseEventPath(root, path string) (EventPath, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return EventPath{}, &ParseError{Path: path, Reason: "outside share root"}
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return EventPath{}, &ParseError{Path: path, Reason: fmt.Sprintf("expected 3 segments below root, got %d", len(parts))}
	}
	if _, err := ParseAgentID(parts[1]); err != nil {
		return EventPath{}, &ParseError{Path: path, Reason: err.Error()}
	}
	return EventPath{Project: parts[0], Agent: parts[1], Role: Role(parts[2])}, nil
}

// ProjectLookup finds the project that owns an agent.
type ProjectLookup interface {
	FindProject(agent string) (string, error)
}

// Resolver computes canonical role-file paths under a share root.
type Resolver struct {
	Root     string
	Projects ProjectLookup
}

// NewResolver returns a Resolver rooted at root. projects may be nil when
// every call supplies the project explicitly.
func NewResolver(root string, projects ProjectLookup) *Resolver {
	return &Resolver{Root: root, Projects: projects}
}

// Resolve returns the path of role for agent. An empty project is looked up
// through the registry and yields ErrProjectNotFound when no project owns the agent.
func (r *Resolver) Resolve(agent, project string, role Role) (string, error) {
	if project == "" {
		if r.Projects == nil {
			return "", fmt.Errorf("%w: %q", ErrProjectNotFound, agent)
		}
		p, err := r.Projects.FindProject(agent)
		if err != nil {
			return "", err
		}
		project = p
	}
	return r.Path(project, agent, role), nil
}

// Path joins the canonical location without any lookup.
func (r *Resolver) Path(project, agent string, role Role) string {
	return filepath.Join(r.Root, project, agent, string(role))
}

// AgentDir returns the directory owned by agent.
func (r *Resolver) AgentDir(project, agent string) string {
	return filepath.Join(r.Root, project, agent)
}
